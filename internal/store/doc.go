// Package store provides the SQLite-backed persistence engine for the gate
// stores.
//
// Tables:
//   - devices: device identity records (one-way ACTIVE -> REVOKED)
//   - nonces: issued context nonces with a consumed_at marker
//   - sessions: session records with MFA status and TTL
//   - mfa_secrets: enrolled TOTP secrets per user
//   - baselines: behavioral baselines per user
//
// # Atomicity
//
// Every check-then-mutate sequence is expressed as a single conditional
// statement (INSERT ... ON CONFLICT DO NOTHING, UPDATE ... WHERE <guard>)
// and decided by RowsAffected, or runs inside WithTx. The pool is limited to
// one connection so SQLite serializes writers.
//
// One-way transitions (device revocation, MFA verification) are additionally
// enforced by triggers installed in migration v1.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as INTEGER unix milliseconds (see Millis/FromMillis).
package store
