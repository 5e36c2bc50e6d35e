// Package kernelapi declares the narrow interfaces a RemoteHandle uses to
// reach the surrounding kernel object/promise store and its in-process
// message queue. Neither the store nor the queue is implemented here —
// only the boundary a RemoteHandle can be built and tested against.
package kernelapi

import (
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// KernelStore translates between the wire-visible ERef and the
// kernel-local KRef, scoped to one RemoteId. A kref may be exported to
// several remotes under different erefs; an eref is only meaningful
// relative to the remote that issued it.
type KernelStore interface {
	// ImportKRef maps an incoming eref (scoped to remoteId) to the local
	// kref it denotes, creating a new import if this eref has not been
	// seen from remoteId before.
	ImportKRef(remoteId types.RemoteId, eref types.ERef) (types.KRef, error)

	// ExportERef maps a local kref to the eref remoteId should see on the
	// wire, creating a new export if necessary.
	ExportERef(remoteId types.RemoteId, kref types.KRef) (types.ERef, error)
}

// ResolvedPromise is one entry of a notify delivery, already translated
// to kernel-local references.
type ResolvedPromise struct {
	Promise  types.KRef
	Rejected bool
	Value    types.CapData
}

// KernelQueue is where a RemoteHandle hands off deliveries. Its methods
// are called from inside the receive savepoint, before that savepoint
// commits; a returned error rolls the receive back. Method names
// reflect the local-side meaning of each delivery, including the GC
// cross-wiring: an incoming dropExports acts on our imports, an incoming
// retireExports acts on our imports, and an incoming retireImports
// cleans up our exports.
type KernelQueue interface {
	// EnqueueSend hands off a method invocation to target.
	EnqueueSend(remoteId types.RemoteId, target types.KRef, methargs types.CapData, result *types.KRef) error

	// ResolvePromises applies a batch of promise resolutions/rejections.
	ResolvePromises(remoteId types.RemoteId, resolutions []ResolvedPromise) error

	// DropImports is invoked for an incoming dropExports delivery.
	DropImports(remoteId types.RemoteId, krefs []types.KRef) error

	// RetireImports is invoked for an incoming retireExports delivery.
	RetireImports(remoteId types.RemoteId, krefs []types.KRef) error

	// CleanupExports is invoked for an incoming retireImports delivery.
	CleanupExports(remoteId types.RemoteId, krefs []types.KRef) error
}
