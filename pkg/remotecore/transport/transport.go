// Package transport owns per-peer channel lifecycle: dialing, handshake,
// reconnection with exponential backoff, admission control, and
// stale-peer cleanup. It hands decoded frame bytes up to whatever owns
// the per-peer protocol state (a RemoteHandle) and accepts raw bytes
// down from it; the bytes are opaque to this package.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jabolina/go-remotecore/pkg/remotecore/reconnect"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// peerConn is the in-memory, per-peer transport state.
type peerConn struct {
	channel             Channel
	intentionallyClosed bool
	locationHints       map[string]struct{}
	lastConnectionTime  time.Time
	remoteIncarnation   types.IncarnationId
	haveIncarnation     bool
	reconnecting        bool
	cancelReconnect     context.CancelFunc
}

func newPeerConn() *peerConn {
	return &peerConn{locationHints: make(map[string]struct{})}
}

func (p *peerConn) hints() []string {
	out := make([]string, 0, len(p.locationHints))
	for h := range p.locationHints {
		out = append(out, h)
	}
	return out
}

// Transport multiplexes one Channel per peer, driving reconnection and
// handshake for each.
type Transport struct {
	mutex sync.Mutex

	cfg              types.Config
	log              types.Logger
	dialer           Dialer
	listener         Listener
	reconnectMgr     *reconnect.Manager
	localIncarnation types.IncarnationId
	localPeerId      types.PeerId
	metrics          *Metrics

	peers map[types.PeerId]*peerConn

	onFrame             func(peerId types.PeerId, frame []byte)
	onIncarnationChange func(peerId types.PeerId)
	onReconnectGiveUp   func(peerId types.PeerId)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Options bundles the collaborators a Transport needs from its host.
type Options struct {
	Config              types.Config
	Log                 types.Logger
	Dialer              Dialer
	Listener            Listener
	LocalIncarnation    types.IncarnationId
	LocalPeerId         types.PeerId
	Metrics             *Metrics
	OnFrame             func(peerId types.PeerId, frame []byte)
	OnIncarnationChange func(peerId types.PeerId)
	OnReconnectGiveUp   func(peerId types.PeerId)
}

func New(opts Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:                 opts.Config,
		log:                 opts.Log,
		dialer:              opts.Dialer,
		listener:            opts.Listener,
		reconnectMgr:        reconnect.NewManager(opts.Config.ConsecutiveErrorThreshold),
		localIncarnation:    opts.LocalIncarnation,
		localPeerId:         opts.LocalPeerId,
		metrics:             opts.Metrics,
		peers:               make(map[types.PeerId]*peerConn),
		onFrame:             opts.OnFrame,
		onIncarnationChange: opts.OnIncarnationChange,
		onReconnectGiveUp:   opts.OnReconnectGiveUp,
		ctx:                 ctx,
		cancel:              cancel,
		done:                make(chan struct{}),
	}
	go t.cleanupLoop()
	if t.listener != nil {
		go t.acceptLoop()
	}
	return t
}

func (t *Transport) peer(peerId types.PeerId) *peerConn {
	p, ok := t.peers[peerId]
	if !ok {
		p = newPeerConn()
		t.peers[peerId] = p
	}
	return p
}

// RegisterLocationHints merges hints into the known set for peerId
// (union, deduplicated).
func (t *Transport) RegisterLocationHints(peerId types.PeerId, hints []string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	p := t.peer(peerId)
	for _, h := range hints {
		p.locationHints[h] = struct{}{}
	}
}

func (t *Transport) activeConnectionCount() int {
	n := 0
	for _, p := range t.peers {
		if p.channel != nil {
			n++
		}
	}
	return n
}

// SendRemoteMessage writes frame to peerId's channel, dialing and
// handshaking first if none is open. Non-blocking in the sense that it
// never waits on reconnection backoff: a failed dial here simply returns
// the error and does not start the reconnection loop (only the loss of
// an installed channel does that, via handleConnectionLoss).
func (t *Transport) SendRemoteMessage(peerId types.PeerId, frame []byte) error {
	if len(frame) > t.cfg.MaxMessageSizeBytes {
		return types.ErrMessageTooLarge
	}

	t.mutex.Lock()
	p := t.peer(peerId)
	if p.intentionallyClosed {
		t.mutex.Unlock()
		return types.ErrIntentionalClose
	}
	channel := p.channel
	t.mutex.Unlock()

	if channel == nil {
		var err error
		channel, err = t.dialAndHandshake(peerId)
		if err != nil {
			t.recordSendError(peerId)
			return err
		}
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := channel.WriteFrame(ctx, frame); err != nil {
		t.recordSendError(peerId)
		t.handleConnectionLoss(peerId, channel, err)
		return err
	}
	return nil
}

func (t *Transport) dialAndHandshake(peerId types.PeerId) (Channel, error) {
	t.mutex.Lock()
	if t.activeConnectionCount() >= t.cfg.MaxConcurrentConnections {
		t.mutex.Unlock()
		return nil, types.ErrConnectionLimitExceeded
	}
	p := t.peer(peerId)
	hints := p.hints()
	t.mutex.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.WriteTimeout)
	defer cancel()
	channel, err := t.dialer.Dial(ctx, peerId, hints)
	if err != nil {
		return nil, err
	}

	hctx, hcancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer hcancel()
	remoteIncarnation, remotePeerId, err := doHandshake(hctx, channel, t.localIncarnation, t.localPeerId, true)
	if err != nil {
		_ = channel.Close()
		t.recordHandshakeFailure(peerId)
		return nil, err
	}
	if remotePeerId != "" && remotePeerId != peerId {
		_ = channel.Close()
		t.recordHandshakeFailure(peerId)
		return nil, fmt.Errorf("remotecore: handshake identity mismatch dialing %s: got %s", peerId, remotePeerId)
	}

	t.mutex.Lock()
	if t.activeConnectionCount() >= t.cfg.MaxConcurrentConnections {
		t.mutex.Unlock()
		_ = channel.Close()
		return nil, types.ErrConnectionLimitExceeded
	}
	p = t.peer(peerId)
	if p.channel != nil {
		// Another dial (e.g. the reconnection loop) won the race; adopt
		// it and discard ours.
		existing := p.channel
		t.mutex.Unlock()
		_ = channel.Close()
		return existing, nil
	}
	t.installChannel(p, peerId, channel, remoteIncarnation)
	t.mutex.Unlock()

	go t.readLoop(peerId, channel)
	return channel, nil
}

// installChannel must be called with t.mutex held.
func (t *Transport) installChannel(p *peerConn, peerId types.PeerId, channel Channel, remoteIncarnation types.IncarnationId) {
	p.channel = channel
	p.lastConnectionTime = time.Now()
	p.reconnecting = false
	if remoteIncarnation != "" {
		if p.haveIncarnation && p.remoteIncarnation != remoteIncarnation {
			t.log.WithFields(map[string]interface{}{"peer": peerId}).Infof("%s:: incarnation changed", peerId)
			changed := t.onIncarnationChange
			go func() {
				if changed != nil {
					changed(peerId)
				}
			}()
		}
		p.remoteIncarnation = remoteIncarnation
		p.haveIncarnation = true
	}
	if t.metrics != nil {
		t.metrics.ActiveConnections.Set(float64(t.activeConnectionCount()))
	}
	t.reconnectMgr.StopReconnection(peerId)
}

func (t *Transport) readLoop(peerId types.PeerId, channel Channel) {
	for {
		frame, err := channel.ReadFrame(t.ctx)
		if err != nil {
			t.handleConnectionLoss(peerId, channel, err)
			return
		}
		if t.onFrame != nil {
			t.onFrame(peerId, frame)
		}
	}
}

func (t *Transport) handleConnectionLoss(peerId types.PeerId, channel Channel, err error) {
	t.mutex.Lock()
	p := t.peer(peerId)
	if p.channel != channel {
		// Already superseded by a newer channel; nothing to do.
		t.mutex.Unlock()
		return
	}
	p.channel = nil
	_ = channel.Close()
	if t.metrics != nil {
		t.metrics.ActiveConnections.Set(float64(t.activeConnectionCount()))
	}
	intentional := isIntentionalClose(err)
	if intentional {
		p.intentionallyClosed = true
	}
	alreadyReconnecting := p.reconnecting
	if !intentional {
		p.reconnecting = true
	}
	t.mutex.Unlock()

	t.log.Warnf("%s: connection lost: %v", peerId, err)
	if intentional || alreadyReconnecting {
		return
	}
	go t.reconnectLoop(peerId)
}

func isIntentionalClose(err error) bool {
	return err != nil && strings.Contains(err.Error(), "intentional close")
}

func (t *Transport) recordSendError(peerId types.PeerId) {
	if t.metrics != nil {
		t.metrics.SendErrors.WithLabelValues(string(peerId)).Inc()
	}
}

func (t *Transport) recordHandshakeFailure(peerId types.PeerId) {
	if t.metrics != nil {
		t.metrics.HandshakeFailures.WithLabelValues(string(peerId)).Inc()
	}
}

// reconnectLoop implements the cooperative per-peer reconnection
// sequence: backoff, dial, handshake, install, repeat until success,
// permanent failure, intentional close, or Stop.
func (t *Transport) reconnectLoop(peerId types.PeerId) {
	if err := t.reconnectMgr.StartReconnection(peerId); err != nil {
		t.giveUp(peerId)
		return
	}

	for {
		if t.ctx.Err() != nil {
			return
		}
		if !t.reconnectMgr.ShouldRetry(peerId, t.cfg.MaxRetryAttempts) {
			t.giveUp(peerId)
			return
		}

		delay := t.reconnectMgr.CalculateBackoff(peerId)
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		t.mutex.Lock()
		p := t.peer(peerId)
		closed := p.intentionallyClosed
		hints := p.hints()
		t.mutex.Unlock()
		if closed {
			t.reconnectMgr.StopReconnection(peerId)
			return
		}

		t.reconnectMgr.IncrementAttempt(peerId)
		if t.metrics != nil {
			t.metrics.ReconnectAttempts.WithLabelValues(string(peerId)).Inc()
		}

		dialCtx, cancel := context.WithTimeout(t.ctx, t.cfg.WriteTimeout)
		channel, err := t.dialer.Dial(dialCtx, peerId, hints)
		cancel()
		if err != nil {
			t.reconnectMgr.RecordError(peerId, classifyDialError(err))
			continue
		}

		hctx, hcancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
		remoteIncarnation, remotePeerId, err := doHandshake(hctx, channel, t.localIncarnation, t.localPeerId, true)
		hcancel()
		if err != nil {
			_ = channel.Close()
			t.recordHandshakeFailure(peerId)
			t.reconnectMgr.RecordError(peerId, types.ErrCodeUnknown)
			continue
		}
		if remotePeerId != "" && remotePeerId != peerId {
			_ = channel.Close()
			t.recordHandshakeFailure(peerId)
			t.reconnectMgr.RecordError(peerId, types.ErrCodeUnknown)
			continue
		}

		t.mutex.Lock()
		if t.activeConnectionCount() >= t.cfg.MaxConcurrentConnections {
			t.mutex.Unlock()
			_ = channel.Close()
			continue
		}
		p = t.peer(peerId)
		if p.channel != nil {
			t.mutex.Unlock()
			_ = channel.Close()
			t.reconnectMgr.StopReconnection(peerId)
			return
		}
		t.installChannel(p, peerId, channel, remoteIncarnation)
		t.mutex.Unlock()

		go t.readLoop(peerId, channel)
		return
	}
}

func classifyDialError(err error) types.NetworkErrorCode {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"):
		return types.ErrCodeConnRefused
	case strings.Contains(msg, "no route to host"):
		return types.ErrCodeHostUnreach
	case strings.Contains(msg, "network is unreachable"):
		return types.ErrCodeNetUnreach
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "not found"):
		return types.ErrCodeNotFound
	case strings.Contains(msg, "reset by peer"):
		return types.ErrCodeConnReset
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "deadline exceeded"):
		return types.ErrCodeTimedOut
	default:
		return types.ErrCodeUnknown
	}
}

func (t *Transport) giveUp(peerId types.PeerId) {
	t.reconnectMgr.StopReconnection(peerId)
	if t.metrics != nil {
		t.metrics.ReconnectGiveUps.WithLabelValues(string(peerId)).Inc()
	}
	t.log.Warnf("%s: gave up reconnecting", peerId)
	if t.onReconnectGiveUp != nil {
		t.onReconnectGiveUp(peerId)
	}
}

// CloseConnection marks peerId intentionally closed: reconnection stops,
// the channel (if any) is closed, and subsequent sends fail synchronously.
func (t *Transport) CloseConnection(peerId types.PeerId) {
	t.mutex.Lock()
	p := t.peer(peerId)
	p.intentionallyClosed = true
	channel := p.channel
	p.channel = nil
	t.mutex.Unlock()

	t.reconnectMgr.StopReconnection(peerId)
	if channel != nil {
		_ = channel.Close()
	}
	if t.metrics != nil {
		t.mutex.Lock()
		t.metrics.ActiveConnections.Set(float64(t.activeConnectionCount()))
		t.mutex.Unlock()
	}
}

// ReconnectPeer clears the intentional-close and permanent-failure marks
// for peerId and (re)starts its reconnection loop.
func (t *Transport) ReconnectPeer(peerId types.PeerId, hints ...string) {
	t.mutex.Lock()
	p := t.peer(peerId)
	p.intentionallyClosed = false
	for _, h := range hints {
		p.locationHints[h] = struct{}{}
	}
	alreadyReconnecting := p.reconnecting
	p.reconnecting = true
	t.mutex.Unlock()

	t.reconnectMgr.ClearPermanentFailure(peerId)
	if !alreadyReconnecting {
		go t.reconnectLoop(peerId)
	}
}

// GetListenAddresses returns this transport's bindable addresses, if it
// owns a Listener.
func (t *Transport) GetListenAddresses() []string {
	if t.listener == nil {
		return nil
	}
	return []string{t.listener.Addr()}
}

func (t *Transport) acceptLoop() {
	for {
		channel, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warnf("transport: accept failed: %v", err)
			continue
		}
		go t.handleInbound(channel)
	}
}

func (t *Transport) handleInbound(channel Channel) {
	hctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	remoteIncarnation, remotePeerId, err := doHandshake(hctx, channel, t.localIncarnation, t.localPeerId, false)
	cancel()
	if err != nil {
		t.log.Warnf("transport: inbound handshake failed: %v", err)
		_ = channel.Close()
		return
	}
	if remotePeerId == "" {
		t.log.Warnf("transport: inbound handshake carried no peer id, closing")
		_ = channel.Close()
		return
	}

	t.mutex.Lock()
	if t.activeConnectionCount() >= t.cfg.MaxConcurrentConnections {
		t.mutex.Unlock()
		_ = channel.Close()
		return
	}
	p := t.peer(remotePeerId)
	if p.channel != nil {
		// Another connection (outbound dial or a prior accept) already
		// owns this peer; keep it and discard the one we just accepted.
		t.mutex.Unlock()
		_ = channel.Close()
		return
	}
	if p.intentionallyClosed {
		t.mutex.Unlock()
		_ = channel.Close()
		return
	}
	t.installChannel(p, remotePeerId, channel, remoteIncarnation)
	t.mutex.Unlock()

	t.readLoop(remotePeerId, channel)
}

func (t *Transport) cleanupLoop() {
	interval := t.cfg.CleanupInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			close(t.done)
			return
		case <-ticker.C:
			t.sweepStalePeers()
		}
	}
}

func (t *Transport) sweepStalePeers() {
	cutoff := time.Now().Add(-t.cfg.StalePeerTimeout)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for peerId, p := range t.peers {
		if p.channel != nil || p.reconnecting {
			continue
		}
		if p.lastConnectionTime.IsZero() || p.lastConnectionTime.After(cutoff) {
			continue
		}
		delete(t.peers, peerId)
		t.reconnectMgr.ClearPeer(peerId)
	}
}

// Stop aborts all in-flight work and closes every channel. Idempotent.
func (t *Transport) Stop() {
	t.mutex.Lock()
	if t.ctx.Err() != nil {
		t.mutex.Unlock()
		return
	}
	t.cancel()
	channels := make([]Channel, 0, len(t.peers))
	for _, p := range t.peers {
		if p.channel != nil {
			channels = append(channels, p.channel)
			p.channel = nil
		}
	}
	t.mutex.Unlock()

	for _, c := range channels {
		_ = c.Close()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	<-t.done
}
