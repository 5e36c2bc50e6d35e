package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func TestStartReconnectionIsIdempotent(t *testing.T) {
	m := NewManager(5)
	peer := types.PeerId("peer-1")

	require.NoError(t, m.StartReconnection(peer))
	m.IncrementAttempt(peer)
	m.IncrementAttempt(peer)
	require.Equal(t, 2, m.AttemptCount(peer))

	// Calling again while already reconnecting must not reset the
	// attempt count.
	require.NoError(t, m.StartReconnection(peer))
	require.Equal(t, 2, m.AttemptCount(peer))

	m.StopReconnection(peer)
	require.False(t, m.IsReconnecting(peer))

	// A fresh start after stopping clears attempts.
	require.NoError(t, m.StartReconnection(peer))
	require.Equal(t, 0, m.AttemptCount(peer))
}

func TestPermanentFailureMonotonicity(t *testing.T) {
	m := NewManager(3)
	peer := types.PeerId("peer-1")

	for i := 0; i < 3; i++ {
		m.RecordError(peer, types.ErrCodeConnRefused)
	}
	require.True(t, m.IsPermanentlyFailed(peer))

	err := m.StartReconnection(peer)
	require.ErrorIs(t, err, types.ErrPermanentlyFailed)

	m.ClearPermanentFailure(peer)
	require.False(t, m.IsPermanentlyFailed(peer))
	require.NoError(t, m.StartReconnection(peer))
}

func TestPermanentFailureRequiresSameCodeRepeated(t *testing.T) {
	m := NewManager(3)
	peer := types.PeerId("peer-1")

	m.RecordError(peer, types.ErrCodeConnRefused)
	m.RecordError(peer, types.ErrCodeTimedOut) // breaks the run
	m.RecordError(peer, types.ErrCodeConnRefused)
	require.False(t, m.IsPermanentlyFailed(peer))
}

func TestPermanentFailureOnlyForPermanentCodes(t *testing.T) {
	m := NewManager(3)
	peer := types.PeerId("peer-1")

	for i := 0; i < 3; i++ {
		m.RecordError(peer, types.ErrCodeTimedOut)
	}
	require.False(t, m.IsPermanentlyFailed(peer), "ETIMEDOUT is retryable, not permanent-class")
}

func TestErrorHistoryIsCapped(t *testing.T) {
	m := NewManager(3)
	peer := types.PeerId("peer-1")

	m.RecordError(peer, types.ErrCodeTimedOut)
	m.RecordError(peer, types.ErrCodeTimedOut)
	m.RecordError(peer, types.ErrCodeTimedOut)
	m.RecordError(peer, types.ErrCodeConnRefused)
	m.RecordError(peer, types.ErrCodeConnRefused)
	m.RecordError(peer, types.ErrCodeConnRefused)
	require.True(t, m.IsPermanentlyFailed(peer), "the most recent 3 entries are all ECONNREFUSED")
}

func TestResetBackoffClearsAttemptsAndErrors(t *testing.T) {
	m := NewManager(5)
	peer := types.PeerId("peer-1")
	m.IncrementAttempt(peer)
	m.RecordError(peer, types.ErrCodeTimedOut)

	m.ResetBackoff(peer)
	require.Equal(t, 0, m.AttemptCount(peer))

	// error history reset too: accumulating permanent-class errors
	// afterwards should require a fresh run of consecutiveErrorThreshold.
	m.RecordError(peer, types.ErrCodeConnRefused)
	m.RecordError(peer, types.ErrCodeConnRefused)
	require.False(t, m.IsPermanentlyFailed(peer))
}

func TestShouldRetryZeroMeansInfinite(t *testing.T) {
	m := NewManager(5)
	peer := types.PeerId("peer-1")
	for i := 0; i < 1000; i++ {
		m.IncrementAttempt(peer)
	}
	require.True(t, m.ShouldRetry(peer, 0))
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	m := NewManager(5)
	peer := types.PeerId("peer-1")
	m.IncrementAttempt(peer)
	m.IncrementAttempt(peer)
	m.IncrementAttempt(peer)
	require.False(t, m.ShouldRetry(peer, 3))
	require.True(t, m.ShouldRetry(peer, 4))
}

func TestCalculateBackoffIsPositive(t *testing.T) {
	m := NewManager(5)
	peer := types.PeerId("peer-1")
	first := m.CalculateBackoff(peer)
	second := m.CalculateBackoff(peer)
	require.Greater(t, first, time.Duration(0))
	require.GreaterOrEqual(t, second, time.Duration(0))
}

func TestResetAllBackoffsOnlyAffectsReconnecting(t *testing.T) {
	m := NewManager(5)
	a := types.PeerId("a")
	b := types.PeerId("b")
	require.NoError(t, m.StartReconnection(a))
	m.IncrementAttempt(a)
	m.IncrementAttempt(b) // b never started reconnecting

	m.ResetAllBackoffs()
	// ResetAllBackoffs only resets backoff timing, not attempt counts;
	// this just verifies it doesn't panic or touch unrelated peers.
	require.Equal(t, 1, m.AttemptCount(a))
	require.Equal(t, 1, m.AttemptCount(b))
}

func TestClearPeerRemovesPermanentFailure(t *testing.T) {
	m := NewManager(2)
	peer := types.PeerId("peer-1")
	m.RecordError(peer, types.ErrCodeConnRefused)
	m.RecordError(peer, types.ErrCodeConnRefused)
	require.True(t, m.IsPermanentlyFailed(peer))

	m.ClearPeer(peer)
	require.False(t, m.IsPermanentlyFailed(peer))
	require.NoError(t, m.StartReconnection(peer))
}
