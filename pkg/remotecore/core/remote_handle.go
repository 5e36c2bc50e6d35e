// Package core implements RemoteHandle, the per-peer protocol state
// machine: sequence/ACK bookkeeping over one outgoing queue, duplicate
// suppression and ordered dispatch on receive, and the ocapURL redemption
// round trip. Its shape follows pkg/mcast/core/peer.go (a Peer owning a
// transport, a reply-matching observers table keyed by UID, a
// context-cancellable poll loop) and pkg/mcast/core/deliver.go
// (Deliver.Commit's commit-then-notify shape, generalized here into the
// savepointed receive path below), keeping the same concurrency idiom of
// a single mutex and object-owned timers throughout.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jabolina/go-remotecore/pkg/remotecore/kernelapi"
	"github.com/jabolina/go-remotecore/pkg/remotecore/store"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// Sender is the outbound half of a transport, narrowed to what a
// RemoteHandle needs. transport.Transport satisfies this interface
// structurally.
type Sender interface {
	SendRemoteMessage(peerId types.PeerId, frame []byte) error
	RegisterLocationHints(peerId types.PeerId, hints []string)
}

// LocalRedeemer resolves an ocapURL addressed to this kernel's own
// identity. capurl.Identity satisfies this interface structurally.
type LocalRedeemer interface {
	RedeemLocalOcapURL(raw string) (types.KRef, error)
}

type redemption struct {
	resultCh chan redemptionResult
}

type redemptionResult struct {
	kref types.KRef
	err  error
}

// DeliveryResult is returned by every deliver operation on success.
type DeliveryResult struct {
	DidDelivery types.RemoteId
}

// Options bundles the collaborators and configuration a RemoteHandle
// needs at construction.
type Options struct {
	RemoteId      types.RemoteId
	PeerId        types.PeerId
	Store         store.RemoteStore
	KernelStore   kernelapi.KernelStore
	KernelQueue   kernelapi.KernelQueue
	Sender        Sender
	Redeemer      LocalRedeemer
	Log           types.Logger
	Config        types.Config
	LocationHints []string

	// OnGiveUp is invoked, off the calling goroutine, after this handle
	// gives up retransmitting and rejects every pending redemption.
	OnGiveUp func(remoteId types.RemoteId, peerId types.PeerId)
}

// RemoteHandle is the per-peer protocol state machine: one outgoing
// pending-message queue with cumulative ACKs and bounded retransmission,
// one incoming duplicate-suppressed, in-order dispatch path, and the
// ocapURL redemption round trip layered over both.
type RemoteHandle struct {
	mutex sync.Mutex

	remoteId types.RemoteId
	peerId   types.PeerId

	store    store.RemoteStore
	kstore   kernelapi.KernelStore
	kqueue   kernelapi.KernelQueue
	sender   Sender
	redeemer LocalRedeemer
	log      types.Logger
	cfg      types.Config
	onGiveUp func(types.RemoteId, types.PeerId)

	locationHints   []string
	hintsRegistered bool

	nextSendSeq        int64
	startSeq           int64
	highestReceivedSeq int64
	pendingFrames      map[int64][]byte
	retryCount         int

	ackTimer        *time.Timer
	delayedAckTimer *time.Timer

	pendingRedemptions map[string]*redemption
	nextReplyKey       int

	closed bool
}

// New constructs a RemoteHandle for one RemoteId, recovering sequence
// state and the in-memory pending-frame mirror from store first (the
// crash-recovery scan in store.RecoverNextSendSeq runs as part of this).
func New(opts Options) (*RemoteHandle, error) {
	recovered, err := opts.Store.RecoverNextSendSeq(opts.RemoteId)
	if err != nil {
		return nil, fmt.Errorf("remotecore: recovering state for remote %s: %w", opts.RemoteId, err)
	}

	r := &RemoteHandle{
		remoteId:           opts.RemoteId,
		peerId:             opts.PeerId,
		store:              opts.Store,
		kstore:             opts.KernelStore,
		kqueue:             opts.KernelQueue,
		sender:             opts.Sender,
		redeemer:           opts.Redeemer,
		log:                opts.Log,
		cfg:                opts.Config,
		onGiveUp:           opts.OnGiveUp,
		locationHints:      append([]string(nil), opts.LocationHints...),
		nextSendSeq:        recovered.NextSendSeq,
		startSeq:           recovered.StartSeq,
		highestReceivedSeq: recovered.HighestReceivedSeq,
		pendingFrames:      make(map[int64][]byte),
		pendingRedemptions: make(map[string]*redemption),
	}

	if recovered.StartSeq != 0 && recovered.StartSeq <= recovered.NextSendSeq {
		for seq := recovered.StartSeq; seq <= recovered.NextSendSeq; seq++ {
			frame, err := opts.Store.GetPendingFrame(opts.RemoteId, seq)
			if err != nil {
				return nil, fmt.Errorf("remotecore: loading pending frame %d for remote %s: %w", seq, opts.RemoteId, err)
			}
			if frame != nil {
				r.pendingFrames[seq] = frame
			}
		}
		if len(r.pendingFrames) > 0 {
			r.log.Warnf("remote %s: resuming with %d pending frame(s) after recovery", opts.RemoteId, len(r.pendingFrames))
			r.startAckTimerLocked()
		}
	}

	return r, nil
}

// RemoteId returns the RemoteId this handle is scoped to.
func (r *RemoteHandle) RemoteId() types.RemoteId { return r.remoteId }

// DeliverMessage sends a method invocation targeting eref.
func (r *RemoteHandle) DeliverMessage(target types.ERef, methargs types.CapData, result *types.ERef) (DeliveryResult, error) {
	params, err := json.Marshal(types.DeliverParams{
		Kind:    types.DeliverMessage,
		Message: &types.MessageDelivery{Target: target, MethArgs: methargs, Result: result},
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := r.sendCommand(types.MethodDeliver, params); err != nil {
		return DeliveryResult{}, err
	}
	return DeliveryResult{DidDelivery: r.remoteId}, nil
}

// DeliverNotify sends a batch of promise resolutions.
func (r *RemoteHandle) DeliverNotify(resolutions []types.NotifyResolution) (DeliveryResult, error) {
	params, err := json.Marshal(types.DeliverParams{Kind: types.DeliverNotify, Notify: resolutions})
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := r.sendCommand(types.MethodDeliver, params); err != nil {
		return DeliveryResult{}, err
	}
	return DeliveryResult{DidDelivery: r.remoteId}, nil
}

// DeliverDropExports tells the peer to drop the given exports (our
// imports of them become dead).
func (r *RemoteHandle) DeliverDropExports(erefs []types.ERef) (DeliveryResult, error) {
	return r.deliverRefs(types.DeliverDropExports, erefs)
}

// DeliverRetireExports tells the peer our exports of erefs have retired.
func (r *RemoteHandle) DeliverRetireExports(erefs []types.ERef) (DeliveryResult, error) {
	return r.deliverRefs(types.DeliverRetireExports, erefs)
}

// DeliverRetireImports tells the peer our imports of erefs have retired,
// so it may clean up the matching exports.
func (r *RemoteHandle) DeliverRetireImports(erefs []types.ERef) (DeliveryResult, error) {
	return r.deliverRefs(types.DeliverRetireImports, erefs)
}

func (r *RemoteHandle) deliverRefs(kind types.DeliverKind, erefs []types.ERef) (DeliveryResult, error) {
	params, err := json.Marshal(types.DeliverParams{Kind: kind, Refs: erefs})
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := r.sendCommand(types.MethodDeliver, params); err != nil {
		return DeliveryResult{}, err
	}
	return DeliveryResult{DidDelivery: r.remoteId}, nil
}

// DeliverBringOutYourDead is a contract placeholder: distributed garbage
// collection's "BOYD" sweep has no cross-kernel message of its own in
// this module: each kernel drives its own GC locally and only the
// dropExports/retireExports/retireImports deliveries above cross the
// wire.
func (r *RemoteHandle) DeliverBringOutYourDead() (DeliveryResult, error) {
	return DeliveryResult{DidDelivery: r.remoteId}, nil
}

// RedeemOcapURL issues a redeemURL request to the peer and blocks until a
// matching redeemURLReply arrives, ctx is cancelled, or the redemption
// timeout elapses.
func (r *RemoteHandle) RedeemOcapURL(ctx context.Context, url string) (types.KRef, error) {
	r.mutex.Lock()
	r.nextReplyKey++
	replyKey := strconv.Itoa(r.nextReplyKey)
	red := &redemption{resultCh: make(chan redemptionResult, 1)}
	r.pendingRedemptions[replyKey] = red
	r.mutex.Unlock()

	params, err := json.Marshal(types.RedeemURLRequest{ReplyKey: replyKey, URL: url})
	if err != nil {
		r.dropRedemption(replyKey)
		return "", err
	}
	if err := r.sendCommand(types.MethodRedeemURL, params); err != nil {
		r.dropRedemption(replyKey)
		return "", err
	}

	timeout := r.cfg.RedemptionTimeout
	if timeout <= 0 {
		timeout = types.DefaultConfig().RedemptionTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-red.resultCh:
		return res.kref, res.err
	case <-timer.C:
		r.dropRedemption(replyKey)
		return "", types.ErrRedemptionTimeout
	case <-ctx.Done():
		r.dropRedemption(replyKey)
		return "", ctx.Err()
	}
}

func (r *RemoteHandle) dropRedemption(replyKey string) {
	r.mutex.Lock()
	delete(r.pendingRedemptions, replyKey)
	r.mutex.Unlock()
}

// RejectPendingRedemptions fails every in-flight RedeemOcapURL call with
// reason. Used on give-up and on Cleanup.
func (r *RemoteHandle) RejectPendingRedemptions(reason error) {
	r.mutex.Lock()
	reds := r.pendingRedemptions
	r.pendingRedemptions = make(map[string]*redemption)
	r.mutex.Unlock()

	for _, red := range reds {
		select {
		case red.resultCh <- redemptionResult{err: reason}:
		default:
		}
	}
}

// Cleanup stops this handle's timers and rejects any pending redemption.
// It does not touch persisted state: a later New() against the same
// store picks the queue back up.
func (r *RemoteHandle) Cleanup() {
	r.mutex.Lock()
	r.stopAckTimerLocked()
	r.cancelDelayedAckTimerLocked()
	r.closed = true
	r.mutex.Unlock()
	r.RejectPendingRedemptions(errors.New("remotecore: remote handle closed"))
}

func isIntentionalCloseErr(err error) bool {
	return err != nil && (errors.Is(err, types.ErrIntentionalClose) || strings.Contains(err.Error(), "intentional close"))
}
