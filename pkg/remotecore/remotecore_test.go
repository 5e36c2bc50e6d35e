package remotecore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"

	"github.com/jabolina/go-remotecore/pkg/remotecore/definition"
	"github.com/jabolina/go-remotecore/pkg/remotecore/kernelapi"
	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func testOptions(t *testing.T, storePath string) Options {
	t.Helper()
	return Options{
		StorePath:   storePath,
		Config:      types.DefaultConfig(),
		KernelStore: kernelapi.NewFakeStore(),
		KernelQueue: kernelapi.NewFakeQueue(),
		Log:         definition.NewDefaultLogger(),
	}
}

func TestNewCreatesAndPersistsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")

	k1, err := New(testOptions(t, path))
	require.NoError(t, err)
	peerId := k1.PeerId()
	require.NotEmpty(t, peerId)
	require.NoError(t, k1.Shutdown())

	k2, err := New(testOptions(t, path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k2.Shutdown() })
	require.Equal(t, peerId, k2.PeerId(), "reopening the same store must recover the same identity")
}

func TestEnsureRemoteIsIdempotentAndRoutesFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	k, err := New(testOptions(t, path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown() })

	h1, err := k.EnsureRemote("remote-a", "peer-a", "127.0.0.1:9000")
	require.NoError(t, err)
	h2, err := k.EnsureRemote("remote-a", "peer-a")
	require.NoError(t, err)
	require.Same(t, h1, h2, "EnsureRemote must return the same handle on repeated calls")

	got, ok := k.Remote("remote-a")
	require.True(t, ok)
	require.Same(t, h1, got)

	_, ok = k.Remote("remote-unknown")
	require.False(t, ok)
}

func TestOnFrameDropsUnregisteredPeerWithoutPanicking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	k, err := New(testOptions(t, path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown() })

	require.NotPanics(t, func() {
		k.onFrame("peer-nobody", []byte("irrelevant"))
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	k, err := New(testOptions(t, path))
	require.NoError(t, err)

	_, err = k.EnsureRemote("remote-a", "peer-a")
	require.NoError(t, err)

	require.NoError(t, k.Shutdown())
	require.NoError(t, k.Shutdown(), "a second Shutdown must be a no-op, not an error")
}

func TestMnemonicMismatchOnReopenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	entropy, err := bip39.NewEntropy(128)
	require.NoError(t, err)
	mnemonic, err := bip39.NewMnemonic(entropy)
	require.NoError(t, err)

	opts := testOptions(t, path)
	opts.Config.Mnemonic = mnemonic
	k, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, k.Shutdown())

	badOpts := testOptions(t, path)
	badOpts.Config.Mnemonic = "wrong mnemonic entirely"
	_, err = New(badOpts)
	require.Error(t, err, "reopening with a different mnemonic than the persisted identity must fail")
}
