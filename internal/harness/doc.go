// Package harness runs YAML conformance scenarios against a complete gate
// stack and checks the resulting trace.
//
// # Scenario Format
//
//	name: replay_rejected
//	description: "A presented nonce cannot be used twice"
//	config:
//	  min_gates: 4
//	  block: { restraint-doctrine: "unsafe content" }
//	setup:
//	  - action: device.register
//	    args: { deviceId: D1, publicKey: K1 }
//	flow:
//	  - invoke: evaluate
//	    args: { deviceId: D1, publicKey: K1, userId: U1 }
//	    expect:
//	      case: Allowed
//	      result: { score: 4 }
//	  - invoke: evaluate
//	    args: { deviceId: D1, publicKey: K1, userId: U1, nonce: last }
//	    expect:
//	      case: Denied
//	assertions:
//	  - type: trace_count
//	    action: evaluate
//	    case: Denied
//	    count: 1
//	  - type: final_state
//	    table: devices
//	    where: { device_id: D1 }
//	    expect: { nonce_counter: 2 }
//
// # Actions
//
//   - device.register, device.revoke
//   - baseline.set, secret.enroll
//   - session.start, nonce.issue
//   - clock.advance (args.by is a Go duration)
//   - evaluate (runs the full pipeline)
//   - order.check (validates a stage trace string)
//
// A completion's case is "Success" for setup-style actions, "Allowed",
// "Denied" or "Blocked" for evaluate, "Ok" for order.check, or the verdict
// reason when the action fails.
//
// # Assertion Types
//
//   - trace_contains: an invocation with matching args (and case) exists
//   - trace_order: first invocations of actions appear in order
//   - trace_count: an action was invoked exactly N times
//   - final_state: one stored row holds the expected values
//
// # Determinism
//
// Every run uses a fresh in-memory database, a clock frozen at
// testutil.Epoch that moves only on clock.advance, and sequential session
// IDs. Nonce values are random, so traces show them as "nonce-N" labels.
package harness
