package core

import (
	"encoding/json"
	"fmt"

	"github.com/jabolina/go-remotecore/pkg/remotecore/kernelapi"
	"github.com/jabolina/go-remotecore/pkg/remotecore/store"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// HandleRemoteMessage is Transport's OnFrame callback for this peer: it
// decodes raw, processes any piggybacked or standalone ACK, enforces
// strict in-order delivery, and — for a sequenced frame — dispatches it
// to the kernel collaborators inside a savepointed transaction whose
// last write is highestReceivedSeq.
//
// A seq that arrives out of order (neither a duplicate nor exactly
// highestReceivedSeq+1) is a protocol violation: the caller is expected
// to close the channel, since this module does not reorder or buffer
// out-of-order frames.
func (r *RemoteHandle) HandleRemoteMessage(raw []byte) error {
	frame, err := types.DecodeFrame(raw)
	if err != nil {
		return types.ErrProtocolViolation
	}

	if frame.Ack != nil {
		r.mutex.Lock()
		acked := r.processAckLocked(*frame.Ack)
		peerId := r.peerId
		r.mutex.Unlock()
		for _, seq := range acked {
			r.log.WithFields(map[string]interface{}{"peer": peerId, "seq": seq}).Infof("%s:: message %d acknowledged", peerId, seq)
		}
	}

	if frame.IsStandaloneAck() {
		return nil
	}

	if frame.Seq == nil || *frame.Seq < 1 {
		return fmt.Errorf("%w: frame has no valid seq", types.ErrProtocolViolation)
	}
	seq := *frame.Seq

	r.mutex.Lock()
	r.startDelayedAckTimerLocked()
	if seq <= r.highestReceivedSeq {
		r.mutex.Unlock()
		r.log.Debugf("%s: dropping duplicate seq %d (highestReceived=%d)", r.peerId, seq, r.highestReceivedSeq)
		return nil
	}
	if r.highestReceivedSeq > 0 && seq != r.highestReceivedSeq+1 {
		expected := r.highestReceivedSeq + 1
		r.mutex.Unlock()
		return fmt.Errorf("%w: expected seq %d, got %d", types.ErrProtocolViolation, expected, seq)
	}
	r.mutex.Unlock()

	var postCommit func()
	err = r.store.Savepoint(r.remoteId, seq, func(tx store.Tx) error {
		fn, err := r.dispatch(tx, frame, seq)
		if err != nil {
			return err
		}
		postCommit = fn
		return nil
	})
	if err != nil {
		r.log.Warnf("%s: receive seq %d rolled back: %v", r.peerId, seq, err)
		return err
	}

	r.mutex.Lock()
	r.highestReceivedSeq = seq
	r.mutex.Unlock()

	if postCommit != nil {
		postCommit()
	}

	r.mutex.Lock()
	r.startDelayedAckTimerLocked()
	r.mutex.Unlock()
	return nil
}

// dispatch runs inside the receive savepoint's transaction and returns an
// optional closure to run after the transaction commits (used to resolve
// a redemption's caller outside the lock/transaction).
func (r *RemoteHandle) dispatch(tx store.Tx, frame types.Frame, seq int64) (func(), error) {
	switch frame.Method {
	case types.MethodDeliver:
		var params types.DeliverParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)
		}
		return nil, r.dispatchDeliver(params)

	case types.MethodRedeemURL:
		var req types.RedeemURLRequest
		if err := json.Unmarshal(frame.Params, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)
		}
		return nil, r.dispatchRedeemURL(tx, req)

	case types.MethodRedeemURLReply:
		var reply types.RedeemURLReply
		if err := json.Unmarshal(frame.Params, &reply); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)
		}
		return r.prepareRedeemURLReply(reply)

	default:
		return nil, fmt.Errorf("%w: unknown method %q", types.ErrProtocolViolation, frame.Method)
	}
}

func (r *RemoteHandle) dispatchDeliver(p types.DeliverParams) error {
	switch p.Kind {
	case types.DeliverMessage:
		if p.Message == nil {
			return fmt.Errorf("%w: deliver message missing payload", types.ErrProtocolViolation)
		}
		target, err := r.kstore.ImportKRef(r.remoteId, p.Message.Target)
		if err != nil {
			return err
		}
		var result *types.KRef
		if p.Message.Result != nil {
			kref, err := r.kstore.ImportKRef(r.remoteId, *p.Message.Result)
			if err != nil {
				return err
			}
			result = &kref
		}
		return r.kqueue.EnqueueSend(r.remoteId, target, p.Message.MethArgs, result)

	case types.DeliverNotify:
		resolutions := make([]kernelapi.ResolvedPromise, 0, len(p.Notify))
		for _, n := range p.Notify {
			kref, err := r.kstore.ImportKRef(r.remoteId, n.PromiseERef)
			if err != nil {
				return err
			}
			resolutions = append(resolutions, kernelapi.ResolvedPromise{Promise: kref, Rejected: n.Rejected, Value: n.Data})
		}
		return r.kqueue.ResolvePromises(r.remoteId, resolutions)

	case types.DeliverDropExports:
		krefs, err := r.importAll(p.Refs)
		if err != nil {
			return err
		}
		return r.kqueue.DropImports(r.remoteId, krefs)

	case types.DeliverRetireExports:
		krefs, err := r.importAll(p.Refs)
		if err != nil {
			return err
		}
		return r.kqueue.RetireImports(r.remoteId, krefs)

	case types.DeliverRetireImports:
		krefs, err := r.importAll(p.Refs)
		if err != nil {
			return err
		}
		return r.kqueue.CleanupExports(r.remoteId, krefs)

	default:
		return fmt.Errorf("%w: unknown deliver kind %q", types.ErrProtocolViolation, p.Kind)
	}
}

func (r *RemoteHandle) importAll(erefs []types.ERef) ([]types.KRef, error) {
	krefs := make([]types.KRef, 0, len(erefs))
	for _, eref := range erefs {
		kref, err := r.kstore.ImportKRef(r.remoteId, eref)
		if err != nil {
			return nil, err
		}
		krefs = append(krefs, kref)
	}
	return krefs, nil
}

// dispatchRedeemURL resolves req.URL against this kernel's own identity
// and writes the reply into the same transaction as the request it
// answers, so a crash between the two is impossible to observe.
func (r *RemoteHandle) dispatchRedeemURL(tx store.Tx, req types.RedeemURLRequest) error {
	reply := types.RedeemURLReply{ReplyKey: req.ReplyKey}

	kref, err := r.redeemer.RedeemLocalOcapURL(req.URL)
	if err != nil {
		reply.Success = false
		reply.Value = err.Error()
	} else {
		eref, err := r.kstore.ExportERef(r.remoteId, kref)
		if err != nil {
			reply.Success = false
			reply.Value = err.Error()
		} else {
			reply.Success = true
			reply.Value = string(eref)
		}
	}

	params, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return r.sendCommandWithinTx(tx, types.MethodRedeemURLReply, params)
}

// prepareRedeemURLReply validates the reply's replyKey against the
// pending-redemption table: an unknown key is a protocol violation that
// rolls back the whole receive. (A retransmitted reply never gets here:
// its seq is dropped as a duplicate first.) The eref-to-kref
// translation happens here, inside the transaction; the blocked
// RedeemOcapURL caller is only woken up by the returned closure, after
// commit.
func (r *RemoteHandle) prepareRedeemURLReply(reply types.RedeemURLReply) (func(), error) {
	r.mutex.Lock()
	red, ok := r.pendingRedemptions[reply.ReplyKey]
	r.mutex.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: redeemURLReply for unknown replyKey %q", types.ErrProtocolViolation, reply.ReplyKey)
	}

	var result redemptionResult
	if reply.Success {
		kref, err := r.kstore.ImportKRef(r.remoteId, types.ERef(reply.Value))
		if err != nil {
			return nil, err
		}
		result = redemptionResult{kref: kref}
	} else {
		result = redemptionResult{err: fmt.Errorf("remotecore: ocapURL redemption rejected by peer: %s", reply.Value)}
	}

	return func() {
		r.mutex.Lock()
		delete(r.pendingRedemptions, reply.ReplyKey)
		r.mutex.Unlock()
		select {
		case red.resultCh <- result:
		default:
		}
	}, nil
}
