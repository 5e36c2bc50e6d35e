package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/go-remotecore/pkg/remotecore/definition"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.MaxConcurrentConnections = 10
	cfg.MaxMessageSizeBytes = 1024
	cfg.WriteTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CleanupInterval = time.Hour
	cfg.StalePeerTimeout = time.Hour
	return cfg
}

type fakeDialer struct {
	channel Channel
	err     error
}

func (f *fakeDialer) Dial(ctx context.Context, peerId types.PeerId, hints []string) (Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.channel, nil
}

func TestDoHandshakeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := newTCPChannel(clientConn)
	server := newTCPChannel(serverConn)

	serverDone := make(chan types.IncarnationId, 1)
	go func() {
		incarnation, peerId, err := doHandshake(context.Background(), server, "server-incarnation", "server-peer", false)
		require.NoError(t, err)
		require.Equal(t, types.PeerId("client-peer"), peerId)
		serverDone <- incarnation
	}()

	clientIncarnation, remotePeerId, err := doHandshake(context.Background(), client, "client-incarnation", "client-peer", true)
	require.NoError(t, err)
	require.Equal(t, types.IncarnationId("server-incarnation"), clientIncarnation)
	require.Equal(t, types.PeerId("server-peer"), remotePeerId)
	require.Equal(t, types.IncarnationId("client-incarnation"), <-serverDone)
}

func TestDoHandshakeResponderRejectsWrongMethod(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	client := newTCPChannel(clientConn)
	server := newTCPChannel(serverConn)

	go func() {
		out, _ := types.EncodeHandshake(types.MethodHandshakeAck, "oops", "oops-peer")
		_ = client.WriteFrame(context.Background(), out)
	}()

	_, _, err := doHandshake(context.Background(), server, "server-incarnation", "server-peer", false)
	require.Error(t, err)
}

func newTestTransport(t *testing.T, dialer Dialer, onFrame func(types.PeerId, []byte)) *Transport {
	t.Helper()
	tr := New(Options{
		Config:           testConfig(),
		Log:              definition.NewDefaultLogger(),
		Dialer:           dialer,
		LocalIncarnation: "local-incarnation",
		LocalPeerId:      "local-peer",
		OnFrame:          onFrame,
	})
	t.Cleanup(tr.Stop)
	return tr
}

func TestSendRemoteMessageDialsHandshakesAndWrites(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientSide := newTCPChannel(clientConn)
	serverSide := newTCPChannel(serverConn)

	serverReady := make(chan struct{})
	received := make(chan []byte, 1)
	go func() {
		_, peerId, err := doHandshake(context.Background(), serverSide, "remote-incarnation", "peer-1", false)
		require.NoError(t, err)
		require.Equal(t, types.PeerId("local-peer"), peerId)
		close(serverReady)
		frame, err := serverSide.ReadFrame(context.Background())
		require.NoError(t, err)
		received <- frame
	}()

	tr := newTestTransport(t, &fakeDialer{channel: clientSide}, nil)
	err := tr.SendRemoteMessage("peer-1", []byte("hello"))
	require.NoError(t, err)

	select {
	case frame := <-received:
		require.Equal(t, []byte("hello"), frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendRemoteMessageRejectsOversizeFrame(t *testing.T) {
	tr := newTestTransport(t, &fakeDialer{}, nil)
	big := make([]byte, testConfig().MaxMessageSizeBytes+1)
	err := tr.SendRemoteMessage("peer-1", big)
	require.ErrorIs(t, err, types.ErrMessageTooLarge)
}

func TestCloseConnectionRejectsSubsequentSend(t *testing.T) {
	tr := newTestTransport(t, &fakeDialer{}, nil)
	tr.CloseConnection("peer-1")
	err := tr.SendRemoteMessage("peer-1", []byte("x"))
	require.ErrorIs(t, err, types.ErrIntentionalClose)
}

func TestRegisterLocationHintsMerges(t *testing.T) {
	tr := newTestTransport(t, &fakeDialer{}, nil)
	tr.RegisterLocationHints("peer-1", []string{"a", "b"})
	tr.RegisterLocationHints("peer-1", []string{"b", "c"})

	tr.mutex.Lock()
	hints := tr.peer("peer-1").hints()
	tr.mutex.Unlock()
	require.ElementsMatch(t, []string{"a", "b", "c"}, hints)
}

func TestClassifyDialError(t *testing.T) {
	require.Equal(t, types.ErrCodeConnRefused, classifyDialError(errString("dial tcp: connection refused")))
	require.Equal(t, types.ErrCodeTimedOut, classifyDialError(errString("dial tcp: i/o timeout")))
	require.Equal(t, types.ErrCodeUnknown, classifyDialError(errString("something else")))
}

type errString string

func (e errString) Error() string { return string(e) }

type fakeListener struct {
	mu     sync.Mutex
	pend   []Channel
	ready  chan struct{}
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{ready: make(chan struct{}, 8), closed: make(chan struct{})}
}

func (l *fakeListener) push(c Channel) {
	l.mu.Lock()
	l.pend = append(l.pend, c)
	l.mu.Unlock()
	l.ready <- struct{}{}
}

func (l *fakeListener) Accept(ctx context.Context) (Channel, error) {
	for {
		select {
		case <-l.closed:
			return nil, errListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.ready:
			l.mu.Lock()
			if len(l.pend) == 0 {
				l.mu.Unlock()
				continue
			}
			c := l.pend[0]
			l.pend = l.pend[1:]
			l.mu.Unlock()
			return c, nil
		}
	}
}

func (l *fakeListener) Addr() string { return "fake:0" }

func (l *fakeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

type listenerClosedErr struct{}

func (listenerClosedErr) Error() string { return "fake listener closed" }

var errListenerClosed = listenerClosedErr{}

// TestAcceptedConnectionRoutesFramesByHandshakePeerId drives a real
// acceptLoop/handleInbound cycle through a Listener: the inbound side must
// learn the dialing peer's identity from the handshake, install the
// channel under that PeerId, and keep reading frames instead of closing
// after one.
func TestAcceptedConnectionRoutesFramesByHandshakePeerId(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientSide := newTCPChannel(clientConn)
	serverSide := newTCPChannel(serverConn)

	listener := newFakeListener()

	type received struct {
		peerId types.PeerId
		frame  []byte
	}
	frames := make(chan received, 4)

	tr := New(Options{
		Config:           testConfig(),
		Log:              definition.NewDefaultLogger(),
		Dialer:           &fakeDialer{},
		Listener:         listener,
		LocalIncarnation: "server-incarnation",
		LocalPeerId:      "server-peer",
		OnFrame: func(peerId types.PeerId, frame []byte) {
			frames <- received{peerId: peerId, frame: frame}
		},
	})
	t.Cleanup(tr.Stop)

	listener.push(serverSide)

	_, remotePeerId, err := doHandshake(context.Background(), clientSide, "client-incarnation", "client-peer", true)
	require.NoError(t, err)
	require.Equal(t, types.PeerId("server-peer"), remotePeerId)

	require.NoError(t, clientSide.WriteFrame(context.Background(), []byte("hello-from-client")))

	select {
	case r := <-frames:
		require.Equal(t, types.PeerId("client-peer"), r.peerId)
		require.Equal(t, []byte("hello-from-client"), r.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed frame")
	}

	require.NoError(t, clientSide.WriteFrame(context.Background(), []byte("second-frame")))
	select {
	case r := <-frames:
		require.Equal(t, types.PeerId("client-peer"), r.peerId)
		require.Equal(t, []byte("second-frame"), r.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second routed frame, inbound channel was likely closed after the first read")
	}
}

// TestIncarnationChangeInvokesCallback exercises S6: a peer reconnecting
// under a different incarnation id must trigger onIncarnationChange, while
// the first-ever connection for a peer must not.
func TestIncarnationChangeInvokesCallback(t *testing.T) {
	var mu sync.Mutex
	var changed []types.PeerId

	tr := New(Options{
		Config:           testConfig(),
		Log:              definition.NewDefaultLogger(),
		Dialer:           &fakeDialer{},
		LocalIncarnation: "local-incarnation",
		LocalPeerId:      "local-peer",
		OnIncarnationChange: func(peerId types.PeerId) {
			mu.Lock()
			changed = append(changed, peerId)
			mu.Unlock()
		},
	})
	t.Cleanup(tr.Stop)

	firstClient, firstServer := net.Pipe()
	t.Cleanup(func() { _ = firstClient.Close() })
	channelA := newTCPChannel(firstServer)

	secondClient, secondServer := net.Pipe()
	t.Cleanup(func() { _ = secondClient.Close() })
	channelB := newTCPChannel(secondServer)

	tr.mutex.Lock()
	p := tr.peer("peer-1")
	tr.installChannel(p, "peer-1", channelA, "incarnation-a")
	tr.mutex.Unlock()

	mu.Lock()
	require.Empty(t, changed, "first connection for a peer must not be treated as an incarnation change")
	mu.Unlock()

	tr.mutex.Lock()
	tr.installChannel(p, "peer-1", channelB, "incarnation-b")
	tr.mutex.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, types.PeerId("peer-1"), changed[0])
	mu.Unlock()
}

func TestStopLeavesNoGoroutinesRunning(t *testing.T) {
	tr := New(Options{
		Config:           testConfig(),
		Log:              definition.NewDefaultLogger(),
		Dialer:           &fakeDialer{},
		LocalIncarnation: "local-incarnation",
	})
	tr.RegisterLocationHints("peer-1", []string{"127.0.0.1:0"})
	tr.Stop()
	goleak.VerifyNone(t)
}
