package nonce

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/testutil"
	"github.com/roach88/quadran/internal/verdict"
)

type backend struct {
	name string
	open func(t *testing.T, clock *testutil.Clock) Store
}

func backends() []backend {
	return []backend{
		{name: "sqlite", open: newSQLiteTestStore},
		{name: "redis", open: newRedisTestStore},
	}
}

func newSQLiteTestStore(t *testing.T, clock *testutil.Clock) Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st, DefaultPolicy(), clock.Now)
}

func newRedisTestStore(t *testing.T, clock *testutil.Clock) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, DefaultPolicy(), clock.Now)
}

func TestVerify_FirstUseThenReplay(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)
			assert.Equal(t, "seven-core/chat", issued.Namespace)

			clock.Advance(5 * time.Second)
			require.NoError(t, s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now()))

			err = s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now())
			assert.True(t, verdict.IsReplay(err), "got %v", err)
			assert.Equal(t, verdict.RemedyFreshNonce, verdict.Classify(err).Remedy())
		})
	}
}

func TestVerify_ExpiredAfterTTL(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)

			clock.Advance(91 * time.Second)
			err = s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now())
			assert.True(t, verdict.IsExpired(err), "got %v", err)
		})
	}
}

func TestVerify_ExactlyAtTTLIsValid(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)

			clock.Advance(DefaultTTL)
			assert.NoError(t, s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now()))
		})
	}
}

func TestVerify_StoredIssuedAtWins(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)

			clock.Advance(2 * time.Minute)
			// A client lying about issuedAt cannot extend the window.
			err = s.Verify(ctx, issued.Nonce, clock.Now(), "seven-core/chat", clock.Now())
			assert.True(t, verdict.IsExpired(err), "got %v", err)
		})
	}
}

func TestVerify_CheckOrder(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)
			now := clock.Now()

			tests := []struct {
				name      string
				nonce     string
				issuedAt  time.Time
				namespace string
				want      verdict.Reason
			}{
				{"missing nonce", "", issued.IssuedAt, "seven-core/chat", verdict.ReasonMissingFields},
				{"missing issuedAt", issued.Nonce, time.Time{}, "seven-core/chat", verdict.ReasonMissingFields},
				{"missing namespace", issued.Nonce, issued.IssuedAt, "", verdict.ReasonMissingFields},
				{"foreign prefix", issued.Nonce, issued.IssuedAt, "other/chat", verdict.ReasonBadContext},
				{"namespace mismatch", issued.Nonce, issued.IssuedAt, "seven-core/mail", verdict.ReasonBadContext},
				{"bad context before expiry", issued.Nonce, issued.IssuedAt.Add(-time.Hour), "other/chat", verdict.ReasonBadContext},
				{"never issued", "not-a-real-nonce", issued.IssuedAt, "seven-core/chat", verdict.ReasonUnknownNonce},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					err := s.Verify(ctx, tt.nonce, tt.issuedAt, tt.namespace, now)
					assert.Equal(t, tt.want, verdict.ReasonOf(err), "got %v", err)
				})
			}

			// None of the failures above consumed the nonce.
			assert.NoError(t, s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", now))
		})
	}
}

func TestVerify_ConcurrentSingleWinner(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := testutil.NewClock(testutil.Epoch)
			s := b.open(t, clock)
			ctx := context.Background()

			issued, err := s.Issue(ctx, "seven-core/chat")
			require.NoError(t, err)

			const n = 16
			var (
				wg      sync.WaitGroup
				ok      atomic.Int32
				replays atomic.Int32
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now())
					switch {
					case err == nil:
						ok.Add(1)
					case verdict.IsReplay(err):
						replays.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), ok.Load())
			assert.Equal(t, int32(n-1), replays.Load())
		})
	}
}

func TestIssue_RejectsForeignNamespace(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, testutil.NewClock(testutil.Epoch))

			_, err := s.Issue(context.Background(), "elsewhere/chat")
			assert.Equal(t, verdict.ReasonBadContext, verdict.ReasonOf(err))
		})
	}
}

func TestIssue_UniqueTokens(t *testing.T) {
	s := newSQLiteTestStore(t, testutil.NewClock(testutil.Epoch))
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		issued, err := s.Issue(ctx, "seven-core/chat")
		require.NoError(t, err)
		assert.False(t, seen[issued.Nonce], "duplicate nonce %s", issued.Nonce)
		seen[issued.Nonce] = true
	}
}

func TestNormalizeNamespace_NFC(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute.
	assert.Equal(t, NormalizeNamespace("seven-core/caf\u00e9"), NormalizeNamespace("seven-core/cafe\u0301"))
	assert.Equal(t, "seven-core/chat", NormalizeNamespace("  seven-core/chat "))
}

func TestVerify_DecomposedNamespaceMatches(t *testing.T) {
	s := newSQLiteTestStore(t, testutil.NewClock(testutil.Epoch))
	ctx := context.Background()

	issued, err := s.Issue(ctx, "seven-core/caf\u00e9")
	require.NoError(t, err)
	assert.NoError(t, s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/cafe\u0301", issued.IssuedAt))
}

func TestPrune_KeepsEntriesInsideRetention(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	s := newSQLiteTestStore(t, clock).(*SQLiteStore)
	ctx := context.Background()

	old, err := s.Issue(ctx, "seven-core/chat")
	require.NoError(t, err)
	clock.Advance(23 * time.Hour)
	fresh, err := s.Issue(ctx, "seven-core/chat")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	n, err := s.Prune(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old.Nonce)
	assert.Equal(t, verdict.ReasonUnknownNonce, verdict.ReasonOf(err))

	entry, err := s.Get(ctx, fresh.Nonce)
	require.NoError(t, err)
	assert.Nil(t, entry.ConsumedAt)
}

func TestPrune_ConsumedNonceStaysReplayWithinRetention(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	s := newSQLiteTestStore(t, clock)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "seven-core/chat")
	require.NoError(t, err)
	require.NoError(t, s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now()))

	n, err := s.Prune(ctx, clock.Now().Add(DefaultTTL))
	require.NoError(t, err)
	assert.Zero(t, n)

	err = s.Verify(ctx, issued.Nonce, issued.IssuedAt, "seven-core/chat", clock.Now())
	assert.True(t, verdict.IsReplay(err))
}

func TestRedisStore_KeysExpireWithRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := testutil.NewClock(testutil.Epoch)
	s := NewRedisStore(client, DefaultPolicy(), clock.Now)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "seven-core/chat")
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, mr.TTL(KeyPrefix+issued.Nonce))

	mr.FastForward(DefaultRetention + time.Second)
	assert.False(t, mr.Exists(KeyPrefix+issued.Nonce))

	n, err := s.Prune(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_UnavailableIsInfrastructureError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	s := NewRedisStore(client, DefaultPolicy(), nil)
	mr.Close()

	err := s.Verify(context.Background(), "abc", time.Now(), "seven-core/chat", time.Now())
	require.Error(t, err)
	assert.Equal(t, verdict.KindConfig, verdict.Classify(err).Kind)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.Retention = time.Second
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.TTL = 0
	assert.Error(t, p.Validate())
}

type countingStore struct {
	Store
	calls atomic.Int32
}

func (c *countingStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestRunPruner_StopsOnCancel(t *testing.T) {
	cs := &countingStore{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunPruner(ctx, cs, 5*time.Millisecond, nil, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return cs.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop after cancel")
	}
}
