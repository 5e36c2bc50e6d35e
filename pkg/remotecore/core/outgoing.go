package core

import (
	"fmt"
	"time"

	"github.com/jabolina/go-remotecore/pkg/remotecore/store"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// sendCommand assigns the next seq, piggybacks the current ACK, persists
// the frame durably, updates in-memory state, and fire-and-forgets the
// actual write to the transport.
func (r *RemoteHandle) sendCommand(method types.Method, params []byte) error {
	r.mutex.Lock()
	r.maybeRegisterHintsLocked()
	if len(r.pendingFrames) >= r.cfg.MaxPendingMessages {
		r.mutex.Unlock()
		return types.ErrCapacityExceeded
	}
	seq, encoded, err := r.prepareFrameLocked(method, params, func(seq int64, encoded []byte, wasEmpty bool) error {
		return r.store.PersistOutgoing(r.remoteId, seq, encoded, wasEmpty)
	})
	r.mutex.Unlock()
	if err != nil {
		return err
	}
	_ = seq
	r.dispatchSend(encoded)
	return nil
}

// sendCommandWithinTx is sendCommand's counterpart for a redeemURLReply,
// which must land in the very same bbolt transaction as the receive it
// answers — opening PersistOutgoing's own transaction from inside a
// Savepoint callback would deadlock against bbolt's single in-flight
// writer.
func (r *RemoteHandle) sendCommandWithinTx(tx store.Tx, method types.Method, params []byte) error {
	r.mutex.Lock()
	if len(r.pendingFrames) >= r.cfg.MaxPendingMessages {
		r.mutex.Unlock()
		return types.ErrCapacityExceeded
	}
	_, encoded, err := r.prepareFrameLocked(method, params, func(seq int64, encoded []byte, wasEmpty bool) error {
		return r.store.PersistOutgoingTx(tx, r.remoteId, seq, encoded, wasEmpty)
	})
	r.mutex.Unlock()
	if err != nil {
		return err
	}
	r.dispatchSend(encoded)
	return nil
}

// prepareFrameLocked computes the next frame, persists it via persist,
// and updates in-memory sequence state. Caller holds r.mutex.
func (r *RemoteHandle) prepareFrameLocked(method types.Method, params []byte, persist func(seq int64, encoded []byte, wasEmpty bool) error) (int64, []byte, error) {
	seq := r.nextSendSeq + 1
	var ack *int64
	if r.highestReceivedSeq > 0 {
		a := r.highestReceivedSeq
		ack = &a
	}
	r.cancelDelayedAckTimerLocked()

	frame := types.Frame{Seq: &seq, Ack: ack, Method: method, Params: params}
	encoded, err := types.EncodeFrame(frame)
	if err != nil {
		return 0, nil, err
	}

	wasEmpty := len(r.pendingFrames) == 0
	if err := persist(seq, encoded, wasEmpty); err != nil {
		return 0, nil, err
	}

	if wasEmpty {
		r.startSeq = seq
	}
	r.nextSendSeq = seq
	r.pendingFrames[seq] = encoded
	if wasEmpty {
		r.startAckTimerLocked()
	}
	return seq, encoded, nil
}

func (r *RemoteHandle) maybeRegisterHintsLocked() {
	if r.hintsRegistered {
		return
	}
	r.hintsRegistered = true
	peerId := r.peerId
	hints := append([]string(nil), r.locationHints...)
	sender := r.sender
	go sender.RegisterLocationHints(peerId, hints)
}

func (r *RemoteHandle) dispatchSend(encoded []byte) {
	peerId := r.peerId
	sender := r.sender
	go func() {
		if err := sender.SendRemoteMessage(peerId, encoded); err != nil {
			if isIntentionalCloseErr(err) {
				r.giveUp()
			} else {
				r.log.Warnf("%s: send failed, relying on retransmission: %v", peerId, err)
			}
		}
	}()
}

// startAckTimerLocked (re)arms the ACK-timeout retransmission timer.
// Caller holds r.mutex.
func (r *RemoteHandle) startAckTimerLocked() {
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
	r.ackTimer = time.AfterFunc(r.ackTimeout(), r.onAckTimeout)
}

func (r *RemoteHandle) stopAckTimerLocked() {
	if r.ackTimer != nil {
		r.ackTimer.Stop()
		r.ackTimer = nil
	}
}

func (r *RemoteHandle) ackTimeout() time.Duration {
	if r.cfg.AckTimeout <= 0 {
		return types.DefaultConfig().AckTimeout
	}
	return r.cfg.AckTimeout
}

// onAckTimeout retransmits every currently pending frame, or gives up if
// MaxRetries has already been reached.
func (r *RemoteHandle) onAckTimeout() {
	r.mutex.Lock()
	if len(r.pendingFrames) == 0 {
		r.mutex.Unlock()
		return
	}
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = types.DefaultConfig().MaxRetries
	}
	if r.retryCount >= maxRetries {
		r.mutex.Unlock()
		r.giveUp()
		return
	}
	r.retryCount++
	attempt := r.retryCount
	frames := make([][]byte, 0, len(r.pendingFrames))
	for seq := r.startSeq; seq <= r.nextSendSeq; seq++ {
		if f, ok := r.pendingFrames[seq]; ok {
			frames = append(frames, f)
		}
	}
	r.startAckTimerLocked()
	peerId := r.peerId
	sender := r.sender
	r.mutex.Unlock()

	r.log.WithFields(map[string]interface{}{"peer": peerId, "attempt": attempt}).
		Infof("%s:: retransmitting %d pending frame(s), attempt %d", peerId, len(frames), attempt)
	for _, f := range frames {
		frame := f
		go func() {
			if err := sender.SendRemoteMessage(peerId, frame); err != nil {
				if isIntentionalCloseErr(err) {
					r.giveUp()
				} else {
					r.log.Warnf("%s: retransmit failed: %v", peerId, err)
				}
			}
		}()
	}
}

// processAckLocked advances startSeq past every pending frame up to and
// including ack, deleting their entries, and returns the seqs that were
// acknowledged so the caller can log them outside the lock. Caller holds
// r.mutex.
func (r *RemoteHandle) processAckLocked(ack int64) []int64 {
	if r.startSeq == 0 || ack < r.startSeq {
		return nil
	}
	upto := ack
	if r.nextSendSeq < upto {
		upto = r.nextSendSeq
	}

	var acked []int64
	for seq := r.startSeq; seq <= upto; seq++ {
		if _, ok := r.pendingFrames[seq]; ok {
			acked = append(acked, seq)
		}
	}
	newStart := upto + 1

	if err := r.store.PersistAckAdvance(r.remoteId, newStart, acked); err != nil {
		r.log.Errorf("%s: persisting ack advance to %d: %v", r.peerId, newStart, err)
		return nil
	}
	for _, seq := range acked {
		delete(r.pendingFrames, seq)
	}
	r.startSeq = newStart
	r.retryCount = 0
	if len(r.pendingFrames) == 0 {
		r.stopAckTimerLocked()
	} else {
		r.startAckTimerLocked()
	}
	return acked
}

// giveUp is invoked after MaxRetries retransmissions have all gone
// unacknowledged, or immediately when a send reports an intentional
// close: every pending message is abandoned, startSeq is advanced past
// them, and every in-flight redemption is rejected.
func (r *RemoteHandle) giveUp() {
	r.mutex.Lock()
	if len(r.pendingFrames) == 0 {
		r.mutex.Unlock()
		return
	}
	pendingSeqs := make([]int64, 0, len(r.pendingFrames))
	for seq := range r.pendingFrames {
		pendingSeqs = append(pendingSeqs, seq)
	}
	newStart := r.nextSendSeq + 1
	if err := r.store.PersistGiveUp(r.remoteId, newStart, pendingSeqs); err != nil {
		r.log.Errorf("%s: persisting give-up: %v", r.peerId, err)
	}
	retries := r.retryCount
	r.startSeq = newStart
	r.pendingFrames = make(map[int64][]byte)
	r.retryCount = 0
	r.stopAckTimerLocked()
	peerId := r.peerId
	remoteId := r.remoteId
	cb := r.onGiveUp
	r.mutex.Unlock()

	r.log.WithFields(map[string]interface{}{"peer": peerId, "attempt": retries}).
		Warnf("%s:: gave up after %d retries", peerId, retries)
	r.RejectPendingRedemptions(fmt.Errorf("remotecore: remote %s connection lost after exhausting retries", peerId))
	if cb != nil {
		cb(remoteId, peerId)
	}
}
