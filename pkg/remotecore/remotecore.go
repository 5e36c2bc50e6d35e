// Package remotecore assembles the inter-kernel remote messaging core:
// one Transport, one kernel Identity, and a registry of per-peer
// RemoteHandles, into the single entry point a host kernel embeds. Its
// "owns everything, exposes one idempotent Shutdown" shape follows
// pkg/mcast.Unity, generalized from one shared consensus group to a
// registry of independent per-peer protocol endpoints.
package remotecore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jabolina/go-remotecore/pkg/remotecore/capurl"
	"github.com/jabolina/go-remotecore/pkg/remotecore/core"
	"github.com/jabolina/go-remotecore/pkg/remotecore/kernelapi"
	"github.com/jabolina/go-remotecore/pkg/remotecore/store"
	"github.com/jabolina/go-remotecore/pkg/remotecore/transport"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// Options bundles everything Kernel needs to assemble its collaborators.
type Options struct {
	StorePath   string
	Config      types.Config
	KernelStore kernelapi.KernelStore
	KernelQueue kernelapi.KernelQueue
	Log         types.Logger

	// Incarnation identifies this process instance for handshake-based
	// restart detection. An empty value is sent as an empty incarnation
	// id; the handshake itself still runs on every connection, since it
	// also carries this kernel's PeerId.
	Incarnation types.IncarnationId

	// Dialer/Listener wire the transport's channel lifecycle. A nil
	// Dialer defaults to transport.NewTCPDialer; a nil Listener means
	// this kernel accepts no inbound connections.
	Dialer   transport.Dialer
	Listener transport.Listener

	Metrics *transport.Metrics

	OnIncarnationChange func(peerId types.PeerId)
}

// Kernel owns one Transport, one capurl.Identity, and a registry of
// RemoteHandles keyed by RemoteId (with a secondary PeerId index used to
// route inbound frames, since Transport only knows PeerId).
type Kernel struct {
	mutex sync.Mutex

	cfg      types.Config
	log      types.Logger
	store    store.RemoteStore
	identity *capurl.Identity
	kstore   kernelapi.KernelStore
	kqueue   kernelapi.KernelQueue
	trans    *transport.Transport

	byRemote map[types.RemoteId]*core.RemoteHandle
	byPeer   map[types.PeerId]*core.RemoteHandle

	closed bool
}

// New opens the store, derives or loads the kernel identity, and starts
// the transport. The returned Kernel has no RemoteHandles until
// EnsureRemote is called for each known peer.
func New(opts Options) (*Kernel, error) {
	st, err := store.Open(opts.StorePath, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("remotecore: opening store: %w", err)
	}

	existing, err := st.LoadIdentity()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("remotecore: loading identity: %w", err)
	}
	identity, err := capurl.NewIdentity(opts.Config.Mnemonic, existing)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("remotecore: deriving identity: %w", err)
	}
	if len(existing) == 0 {
		if err := st.SaveIdentity(identity.PersistFields()); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("remotecore: persisting new identity: %w", err)
		}
	}

	k := &Kernel{
		cfg:      opts.Config,
		log:      opts.Log,
		store:    st,
		identity: identity,
		kstore:   opts.KernelStore,
		kqueue:   opts.KernelQueue,
		byRemote: make(map[types.RemoteId]*core.RemoteHandle),
		byPeer:   make(map[types.PeerId]*core.RemoteHandle),
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewTCPDialer(opts.Config.WriteTimeout)
	}

	k.trans = transport.New(transport.Options{
		Config:              opts.Config,
		Log:                 opts.Log,
		Dialer:              dialer,
		Listener:            opts.Listener,
		LocalIncarnation:    opts.Incarnation,
		LocalPeerId:         identity.PeerId,
		Metrics:             opts.Metrics,
		OnFrame:             k.onFrame,
		OnIncarnationChange: opts.OnIncarnationChange,
		OnReconnectGiveUp:   k.onReconnectGiveUp,
	})

	return k, nil
}

// PeerId is this kernel's own durable identity, as advertised in issued
// OcapURLs and as the handshake's peer-restart-detection key's owner.
func (k *Kernel) PeerId() types.PeerId { return k.identity.PeerId }

// IssueOcapURL mints an OcapURL for kref under this kernel's identity.
func (k *Kernel) IssueOcapURL(kref types.KRef, hints ...string) (string, error) {
	return k.identity.IssueOcapURL(kref, hints...)
}

// EnsureRemote returns the RemoteHandle for remoteId, constructing it
// (recovering any persisted state) on first use.
func (k *Kernel) EnsureRemote(remoteId types.RemoteId, peerId types.PeerId, locationHints ...string) (*core.RemoteHandle, error) {
	k.mutex.Lock()
	if h, ok := k.byRemote[remoteId]; ok {
		k.mutex.Unlock()
		return h, nil
	}
	k.mutex.Unlock()

	h, err := core.New(core.Options{
		RemoteId:      remoteId,
		PeerId:        peerId,
		Store:         k.store,
		KernelStore:   k.kstore,
		KernelQueue:   k.kqueue,
		Sender:        k.trans,
		Redeemer:      k.identity,
		Log:           k.log,
		Config:        k.cfg,
		LocationHints: locationHints,
		OnGiveUp:      k.onRemoteGiveUp,
	})
	if err != nil {
		return nil, err
	}

	k.mutex.Lock()
	defer k.mutex.Unlock()
	if existing, ok := k.byRemote[remoteId]; ok {
		// Lost a construction race; keep the handle that's already
		// wired in and let h's cleanup be a no-op (it never sent
		// anything).
		return existing, nil
	}
	k.byRemote[remoteId] = h
	k.byPeer[peerId] = h
	return h, nil
}

// Remote returns the RemoteHandle for remoteId, if one has been
// constructed via EnsureRemote.
func (k *Kernel) Remote(remoteId types.RemoteId) (*core.RemoteHandle, bool) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	h, ok := k.byRemote[remoteId]
	return h, ok
}

// RedeemOcapURL redeems url against the RemoteHandle for remoteId,
// blocking until the peer replies or the redemption times out.
func (k *Kernel) RedeemOcapURL(ctx context.Context, remoteId types.RemoteId, url string) (types.KRef, error) {
	h, ok := k.Remote(remoteId)
	if !ok {
		return "", fmt.Errorf("remotecore: no remote handle for %s", remoteId)
	}
	return h.RedeemOcapURL(ctx, url)
}

func (k *Kernel) onFrame(peerId types.PeerId, frame []byte) {
	k.mutex.Lock()
	h, ok := k.byPeer[peerId]
	k.mutex.Unlock()
	if !ok {
		k.log.Warnf("remotecore: frame from unregistered peer %s dropped", peerId)
		return
	}
	if err := h.HandleRemoteMessage(frame); err != nil {
		k.log.Warnf("remotecore: %s: %v, closing connection", peerId, err)
		k.trans.CloseConnection(peerId)
	}
}

func (k *Kernel) onRemoteGiveUp(remoteId types.RemoteId, peerId types.PeerId) {
	k.log.Warnf("remotecore: remote %s (peer %s) gave up on pending deliveries", remoteId, peerId)
}

func (k *Kernel) onReconnectGiveUp(peerId types.PeerId) {
	k.mutex.Lock()
	h, ok := k.byPeer[peerId]
	k.mutex.Unlock()
	if ok {
		h.RejectPendingRedemptions(fmt.Errorf("remotecore: peer %s unreachable, reconnection abandoned", peerId))
	}
}

// Shutdown stops the transport, cleans up every RemoteHandle, and closes
// the store. Idempotent.
func (k *Kernel) Shutdown() error {
	k.mutex.Lock()
	if k.closed {
		k.mutex.Unlock()
		return nil
	}
	k.closed = true
	handles := make([]*core.RemoteHandle, 0, len(k.byRemote))
	for _, h := range k.byRemote {
		handles = append(handles, h)
	}
	k.mutex.Unlock()

	k.trans.Stop()
	for _, h := range handles {
		h.Cleanup()
	}
	return k.store.Close()
}
