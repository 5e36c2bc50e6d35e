package capurl

import (
	"crypto/rand"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

const nonceSize = 24

// IssueOcapURL produces an authenticated-encrypted OcapURL for kref,
// advertising hints as transport location hints. The oid is opaque to
// everyone but this identity: only the matching symmetric key can
// decrypt it.
func (id *Identity) IssueOcapURL(kref types.KRef, hints ...string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nonce[:], []byte(kref), &nonce, &id.symKey)
	oid := base58.Encode(sealed)

	u := ParsedURL{Oid: oid, Host: string(id.PeerId), Hints: hints}
	return u.String(), nil
}

// RedeemLocalOcapURL parses raw, verifies it was issued by this
// identity, decrypts it, and returns the original kref. Returns
// ErrNotMyHost if the URL's host doesn't match this identity's PeerId,
// or ErrBadObjectReference if the ciphertext fails to decrypt (forged or
// corrupted oid).
func (id *Identity) RedeemLocalOcapURL(raw string) (types.KRef, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Host != string(id.PeerId) {
		return "", types.ErrNotMyHost
	}

	sealed, err := base58.Decode(parsed.Oid)
	if err != nil || len(sealed) < nonceSize {
		return "", types.ErrBadObjectReference
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &id.symKey)
	if !ok {
		return "", types.ErrBadObjectReference
	}
	return types.KRef(plain), nil
}
