package capurl

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity("", nil)
	require.NoError(t, err)
	return id
}

func TestIssueRedeemRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	krefs := []types.KRef{
		"",
		"k1",
		"a-very-long-kernel-reference-string-that-keeps-going-and-going",
		"weird/chars?#[]{}\x00\x01日本語",
	}
	for _, kref := range krefs {
		url, err := id.IssueOcapURL(kref, "tcp://10.0.0.1:4000")
		require.NoError(t, err)

		got, err := id.RedeemLocalOcapURL(url)
		require.NoError(t, err)
		require.Equal(t, kref, got)
	}
}

func TestRedeemRejectsWrongHost(t *testing.T) {
	issuer := newTestIdentity(t)
	other := newTestIdentity(t)

	url, err := issuer.IssueOcapURL("some-kref")
	require.NoError(t, err)

	_, err = other.RedeemLocalOcapURL(url)
	require.ErrorIs(t, err, types.ErrNotMyHost)
}

func TestRedeemRejectsForgedCiphertext(t *testing.T) {
	id := newTestIdentity(t)
	url, err := id.IssueOcapURL("some-kref")
	require.NoError(t, err)

	parsed, err := Parse(url)
	require.NoError(t, err)
	raw, err := base58.Decode(parsed.Oid)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF // flip the last ciphertext byte

	forged := ParsedURL{Oid: base58.Encode(raw), Host: parsed.Host}
	_, err = id.RedeemLocalOcapURL(forged.String())
	require.ErrorIs(t, err, types.ErrBadObjectReference)
}

func TestParseUnparseInvariant(t *testing.T) {
	cases := []string{
		"ocap:abc123@peer-1",
		"ocap:abc123@peer-1,tcp://1.2.3.4:9",
		"ocap:abc123@peer-1,tcp://1.2.3.4:9,relay://x",
	}
	for _, raw := range cases {
		p, err := Parse(raw)
		require.NoError(t, err)
		require.Equal(t, raw, p.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"http://abc@peer-1",  // wrong scheme
		"ocap:abc@peer@extra", // two '@'
		"ocap:@peer-1",        // empty oid
		"ocap:abc@",           // empty host
		"ocap:abc@peer-1,",    // empty hint
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		require.Error(t, err, raw)
	}
}

func TestMnemonicDeterministicallySeedsIdentity(t *testing.T) {
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	a, err := NewIdentity(mnemonic, nil)
	require.NoError(t, err)
	b, err := NewIdentity(mnemonic, nil)
	require.NoError(t, err)
	require.Equal(t, a.PeerId, b.PeerId)

	urlA, err := a.IssueOcapURL("k")
	require.NoError(t, err)
	krefB, err := b.RedeemLocalOcapURL(urlA)
	require.NoError(t, err, "both identities derive the same symmetric key from the mnemonic")
	require.Equal(t, types.KRef("k"), krefB)
}

func TestMnemonicReuseAgainstExistingStateRejected(t *testing.T) {
	id := newTestIdentity(t)
	existing := id.PersistFields()

	_, err := NewIdentity("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", existing)
	require.ErrorIs(t, err, types.ErrMnemonicReuse)
}

func TestIdentityPersistRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	fields := id.PersistFields()

	reloaded, err := NewIdentity("", fields)
	require.NoError(t, err)
	require.Equal(t, id.PeerId, reloaded.PeerId)

	url, err := id.IssueOcapURL("kref-x")
	require.NoError(t, err)
	kref, err := reloaded.RedeemLocalOcapURL(url)
	require.NoError(t, err)
	require.Equal(t, types.KRef("kref-x"), kref)
}
