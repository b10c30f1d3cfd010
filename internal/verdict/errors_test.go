package verdict

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := New(ReasonReplay, "nonce %s already consumed", "abc")
	assert.Equal(t, "Replay: nonce abc already consumed", err.Error())
	assert.Equal(t, KindReplay, err.Kind)

	wrapped := Wrap(ReasonStore, errors.New("disk I/O error"), "read nonce")
	assert.Equal(t, "StoreUnavailable: read nonce: disk I/O error", wrapped.Error())
	assert.Equal(t, KindConfig, wrapped.Kind)
}

func TestError_IsMatchesReason(t *testing.T) {
	err := fmt.Errorf("verify: %w", New(ReasonReplay, "seen"))

	assert.True(t, errors.Is(err, ErrReplay))
	assert.True(t, IsReplay(err))
	assert.False(t, IsExpired(err))
	assert.False(t, errors.Is(err, ErrRevoked))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		reason Reason
		kind   Kind
	}{
		{ReasonReplay, KindReplay},
		{ReasonUnknownNonce, KindReplay},
		{ReasonExpired, KindExpiry},
		{ReasonTimeout, KindTimeout},
		{ReasonWrongOrder, KindOrdering},
		{ReasonMissingStage, KindOrdering},
		{ReasonExtraStage, KindOrdering},
		{ReasonStore, KindConfig},
		{ReasonKeyMismatch, KindCredential},
		{ReasonMFARequired, KindCredential},
		{ReasonSessionMismatch, KindCredential},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.reason))
		})
	}
}

func TestRemedyDistinguishesRetryPaths(t *testing.T) {
	assert.Equal(t, RemedyFreshNonce, New(ReasonReplay, "").Remedy())
	assert.Equal(t, RemedyReregisterDevice, New(ReasonRevoked, "").Remedy())
	assert.Equal(t, RemedyOperator, New(ReasonStore, "").Remedy())
	assert.Equal(t, RemedyCompleteMFA, New(ReasonMFARequired, "").Remedy())
	assert.Equal(t, RemedyNewSession, New(ReasonSessionNotFound, "").Remedy())
	assert.Equal(t, RemedyNewSession, New(ReasonSessionMismatch, "").Remedy())
	assert.Equal(t, RemedyFreshNonce, New(ReasonUnknownNonce, "").Remedy())
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	ve := New(ReasonExpired, "old")
	assert.Same(t, ve, Classify(fmt.Errorf("wrap: %w", ve)))

	timeout := Classify(fmt.Errorf("query: %w", context.DeadlineExceeded))
	require.NotNil(t, timeout)
	assert.Equal(t, ReasonTimeout, timeout.Reason)

	cancelled := Classify(context.Canceled)
	assert.Equal(t, ReasonCancelled, cancelled.Reason)

	io := Classify(errors.New("database is locked"))
	assert.Equal(t, KindConfig, io.Kind)
	assert.Equal(t, ReasonStore, ReasonOf(errors.New("x")))
}

func TestIsOrdering(t *testing.T) {
	assert.True(t, IsOrdering(New(ReasonWrongOrder, "")))
	assert.False(t, IsOrdering(New(ReasonReplay, "")))
	assert.False(t, IsOrdering(errors.New("plain")))
}
