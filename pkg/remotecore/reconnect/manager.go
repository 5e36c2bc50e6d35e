// Package reconnect implements ReconnectionManager: pure, in-memory
// per-peer retry accounting and permanent-failure detection, using the
// backoff idiom (github.com/cenkalti/backoff/v4) in place of hand-rolled
// timers.
package reconnect

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

type peerState struct {
	isReconnecting   bool
	attemptCount     int
	errorHistory     []types.NetworkErrorCode
	permanentlyFailed bool
	backoff          *backoff.ExponentialBackOff
}

func newPeerState() *peerState {
	return &peerState{backoff: newBackoff()}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // the Manager, not the backoff object, decides give-up
	b.Reset()
	return b
}

// Manager tracks reconnection state for every peer a Transport knows
// about. All methods are safe for concurrent use, although in practice a
// single RemoteHandle/Transport pair never calls concurrently for the
// same peer.
type Manager struct {
	mutex                     sync.Mutex
	peers                     map[types.PeerId]*peerState
	consecutiveErrorThreshold int
}

// NewManager builds a Manager. consecutiveErrorThreshold controls how
// many consecutive identical permanent-class errors mark a peer
// permanently failed (default 5).
func NewManager(consecutiveErrorThreshold int) *Manager {
	if consecutiveErrorThreshold <= 0 {
		consecutiveErrorThreshold = 5
	}
	return &Manager{
		peers:                     make(map[types.PeerId]*peerState),
		consecutiveErrorThreshold: consecutiveErrorThreshold,
	}
}

func (m *Manager) state(peerId types.PeerId) *peerState {
	st, ok := m.peers[peerId]
	if !ok {
		st = newPeerState()
		m.peers[peerId] = st
	}
	return st
}

// StartReconnection is idempotent: a call while already reconnecting is a
// no-op. A fresh call clears attempts and error history. Returns
// ErrPermanentlyFailed if the peer was previously marked permanently
// failed.
func (m *Manager) StartReconnection(peerId types.PeerId) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	st := m.state(peerId)
	if st.permanentlyFailed {
		return types.ErrPermanentlyFailed
	}
	if st.isReconnecting {
		return nil
	}
	st.isReconnecting = true
	st.attemptCount = 0
	st.errorHistory = nil
	st.backoff = newBackoff()
	return nil
}

// StopReconnection marks the peer as no longer reconnecting, without
// touching attempt count or error history (a later StartReconnection
// call resets those explicitly).
func (m *Manager) StopReconnection(peerId types.PeerId) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.state(peerId).isReconnecting = false
}

// IsReconnecting reports whether a reconnection loop is currently active
// for peerId.
func (m *Manager) IsReconnecting(peerId types.PeerId) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state(peerId).isReconnecting
}

// IncrementAttempt records one more reconnection attempt and returns the
// new count.
func (m *Manager) IncrementAttempt(peerId types.PeerId) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	st.attemptCount++
	return st.attemptCount
}

// DecrementAttempt undoes one IncrementAttempt, used when an attempt is
// abandoned before counting against shouldRetry (e.g. aborted mid-dial by
// stop()).
func (m *Manager) DecrementAttempt(peerId types.PeerId) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	if st.attemptCount > 0 {
		st.attemptCount--
	}
	return st.attemptCount
}

// ResetBackoff clears both the attempt count and the error history for a
// peer.
func (m *Manager) ResetBackoff(peerId types.PeerId) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	st.attemptCount = 0
	st.errorHistory = nil
	st.backoff = newBackoff()
}

// ResetAllBackoffs resets the backoff (not the attempt/error accounting)
// for every peer currently reconnecting, used when a wake-from-sleep
// detector fires.
func (m *Manager) ResetAllBackoffs() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, st := range m.peers {
		if st.isReconnecting {
			st.backoff = newBackoff()
		}
	}
}

// CalculateBackoff returns the next backoff delay for peerId, advancing
// its internal exponential-backoff-with-jitter state.
func (m *Manager) CalculateBackoff(peerId types.PeerId) time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	d := st.backoff.NextBackOff()
	if d == backoff.Stop {
		d = st.backoff.MaxInterval
	}
	return d
}

// ShouldRetry reports whether another reconnection attempt should be
// made, given maxAttempts (0 meaning infinite).
func (m *Manager) ShouldRetry(peerId types.PeerId, maxAttempts int) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	if st.permanentlyFailed {
		return false
	}
	if maxAttempts == 0 {
		return true
	}
	return st.attemptCount < maxAttempts
}

// RecordError appends code to the peer's error history (capped at
// consecutiveErrorThreshold entries) and marks the peer permanently
// failed if the last consecutiveErrorThreshold errors all share the same
// code and that code is one of the permanent-class codes.
func (m *Manager) RecordError(peerId types.PeerId, code types.NetworkErrorCode) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	st := m.state(peerId)
	st.errorHistory = append(st.errorHistory, code)
	if len(st.errorHistory) > m.consecutiveErrorThreshold {
		st.errorHistory = st.errorHistory[len(st.errorHistory)-m.consecutiveErrorThreshold:]
	}

	if len(st.errorHistory) < m.consecutiveErrorThreshold {
		return
	}
	if !types.IsPermanentCode(code) {
		return
	}
	for _, c := range st.errorHistory {
		if c != code {
			return
		}
	}
	st.permanentlyFailed = true
}

// IsPermanentlyFailed reports whether peerId has been marked permanently
// failed.
func (m *Manager) IsPermanentlyFailed(peerId types.PeerId) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state(peerId).permanentlyFailed
}

// ClearPermanentFailure lifts the permanent-failure mark, used by an
// explicit operator-driven reconnectPeer call.
func (m *Manager) ClearPermanentFailure(peerId types.PeerId) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.state(peerId).permanentlyFailed = false
}

// ClearPeer removes all state for one peer, used by transport-level
// stale-peer cleanup.
func (m *Manager) ClearPeer(peerId types.PeerId) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.peers, peerId)
}

// Clear removes all state for all peers.
func (m *Manager) Clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.peers = make(map[types.PeerId]*peerState)
}

// AttemptCount reports the current attempt count, for diagnostics/tests.
func (m *Manager) AttemptCount(peerId types.PeerId) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state(peerId).attemptCount
}
