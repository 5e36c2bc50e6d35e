package core

import (
	"time"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func encodeStandaloneAck(ack int64) ([]byte, error) {
	return types.EncodeFrame(types.Frame{Ack: &ack})
}

// startDelayedAckTimerLocked (re)arms the delayed-ACK timer: if nothing
// else piggybacks an ACK within DelayedAck, a standalone ACK frame is
// sent. Caller holds r.mutex.
func (r *RemoteHandle) startDelayedAckTimerLocked() {
	if r.delayedAckTimer != nil {
		r.delayedAckTimer.Stop()
	}
	r.delayedAckTimer = time.AfterFunc(r.delayedAckDuration(), r.onDelayedAckFire)
}

// cancelDelayedAckTimerLocked is called whenever an outgoing frame is
// about to piggyback the current ACK, making a standalone ACK redundant.
// Caller holds r.mutex.
func (r *RemoteHandle) cancelDelayedAckTimerLocked() {
	if r.delayedAckTimer != nil {
		r.delayedAckTimer.Stop()
		r.delayedAckTimer = nil
	}
}

func (r *RemoteHandle) delayedAckDuration() time.Duration {
	if r.cfg.DelayedAck <= 0 {
		return 50 * time.Millisecond
	}
	return r.cfg.DelayedAck
}

func (r *RemoteHandle) onDelayedAckFire() {
	r.mutex.Lock()
	r.delayedAckTimer = nil
	ack := r.highestReceivedSeq
	r.mutex.Unlock()
	if ack == 0 {
		return
	}

	encoded, err := encodeStandaloneAck(ack)
	if err != nil {
		r.log.Errorf("%s: encoding standalone ack: %v", r.peerId, err)
		return
	}
	peerId := r.peerId
	sender := r.sender
	go func() {
		if err := sender.SendRemoteMessage(peerId, encoded); err != nil {
			r.log.Warnf("%s: standalone ack send failed: %v", peerId, err)
		}
	}()
}
