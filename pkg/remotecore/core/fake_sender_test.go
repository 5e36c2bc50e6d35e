package core

import (
	"sync"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// fakeSender is an in-memory Sender: every send is recorded and either
// delivered synchronously to a paired RemoteHandle (via deliverTo) or
// made to fail according to failNext/failAlways.
type fakeSender struct {
	mutex sync.Mutex

	sent  [][]byte
	hints map[types.PeerId][]string

	deliverTo *RemoteHandle // the peer's own handle, for loopback tests
	failNext  int
	failAlways bool
	failErr   error
}

func newFakeSender() *fakeSender {
	return &fakeSender{hints: make(map[types.PeerId][]string)}
}

func (f *fakeSender) SendRemoteMessage(peerId types.PeerId, frame []byte) error {
	f.mutex.Lock()
	if f.failAlways || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		err := f.failErr
		f.mutex.Unlock()
		if err == nil {
			err = types.ErrIntentionalClose
		}
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	deliverTo := f.deliverTo
	f.mutex.Unlock()

	if deliverTo != nil {
		return deliverTo.HandleRemoteMessage(frame)
	}
	return nil
}

func (f *fakeSender) RegisterLocationHints(peerId types.PeerId, hints []string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.hints[peerId] = append(f.hints[peerId], hints...)
}

func (f *fakeSender) sentCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sent)
}

func (f *fakeSender) lastFrame() []byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

var _ Sender = (*fakeSender)(nil)
