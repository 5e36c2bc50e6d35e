package kernelapi

import (
	"fmt"
	"sync"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// FakeStore is an in-memory KernelStore: erefs are assigned sequentially
// per remote and map bidirectionally onto krefs.
type FakeStore struct {
	mutex   sync.Mutex
	nextRef map[types.RemoteId]int
	toKRef  map[types.RemoteId]map[types.ERef]types.KRef
	toERef  map[types.RemoteId]map[types.KRef]types.ERef
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		nextRef: make(map[types.RemoteId]int),
		toKRef:  make(map[types.RemoteId]map[types.ERef]types.KRef),
		toERef:  make(map[types.RemoteId]map[types.KRef]types.ERef),
	}
}

func (f *FakeStore) ImportKRef(remoteId types.RemoteId, eref types.ERef) (types.KRef, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	m := f.toKRef[remoteId]
	if m == nil {
		m = make(map[types.ERef]types.KRef)
		f.toKRef[remoteId] = m
	}
	if kref, ok := m[eref]; ok {
		return kref, nil
	}
	kref := types.KRef(fmt.Sprintf("import:%s:%s", remoteId, eref))
	m[eref] = kref
	return kref, nil
}

func (f *FakeStore) ExportERef(remoteId types.RemoteId, kref types.KRef) (types.ERef, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	m := f.toERef[remoteId]
	if m == nil {
		m = make(map[types.KRef]types.ERef)
		f.toERef[remoteId] = m
	}
	if eref, ok := m[kref]; ok {
		return eref, nil
	}
	f.nextRef[remoteId]++
	eref := types.ERef(fmt.Sprintf("ro+%d", f.nextRef[remoteId]))
	m[kref] = eref
	return eref, nil
}

// FakeQueue is an in-memory KernelQueue that records every call it
// receives, for test assertions.
type FakeQueue struct {
	mutex sync.Mutex

	Sends          []SendCall
	Resolutions    []ResolveCall
	DroppedImports []GCCall
	RetiredImports []GCCall
	CleanedExports []GCCall
}

type SendCall struct {
	RemoteId types.RemoteId
	Target   types.KRef
	MethArgs types.CapData
	Result   *types.KRef
}

type ResolveCall struct {
	RemoteId    types.RemoteId
	Resolutions []ResolvedPromise
}

type GCCall struct {
	RemoteId types.RemoteId
	KRefs    []types.KRef
}

func NewFakeQueue() *FakeQueue {
	return &FakeQueue{}
}

func (f *FakeQueue) EnqueueSend(remoteId types.RemoteId, target types.KRef, methargs types.CapData, result *types.KRef) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.Sends = append(f.Sends, SendCall{RemoteId: remoteId, Target: target, MethArgs: methargs, Result: result})
	return nil
}

func (f *FakeQueue) ResolvePromises(remoteId types.RemoteId, resolutions []ResolvedPromise) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.Resolutions = append(f.Resolutions, ResolveCall{RemoteId: remoteId, Resolutions: resolutions})
	return nil
}

func (f *FakeQueue) DropImports(remoteId types.RemoteId, krefs []types.KRef) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.DroppedImports = append(f.DroppedImports, GCCall{RemoteId: remoteId, KRefs: krefs})
	return nil
}

func (f *FakeQueue) RetireImports(remoteId types.RemoteId, krefs []types.KRef) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.RetiredImports = append(f.RetiredImports, GCCall{RemoteId: remoteId, KRefs: krefs})
	return nil
}

func (f *FakeQueue) CleanupExports(remoteId types.RemoteId, krefs []types.KRef) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.CleanedExports = append(f.CleanedExports, GCCall{RemoteId: remoteId, KRefs: krefs})
	return nil
}

var (
	_ KernelStore = (*FakeStore)(nil)
	_ KernelQueue = (*FakeQueue)(nil)
)
