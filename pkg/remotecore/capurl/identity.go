// Package capurl issues and redeems capability URLs: self-authenticating
// references that carry an authenticated-encrypted kernel reference
// rather than a bare name.
package capurl

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

const (
	seedSize   = 32
	symKeySize = 32
)

// Identity field names, used both for store.SaveIdentity/LoadIdentity
// persistence and for in-process transport.
const (
	FieldKeySeed    = "keySeed"
	FieldOcapURLKey = "ocapURLKey"
	FieldPeerId     = "peerId"
)

// Identity is a kernel's signing keypair plus the symmetric key used to
// encrypt issued OcapURLs. Both are derived once, at kernel
// initialization, and must never be rotated: rotating ocapURLKey
// invalidates every outstanding OcapURL this kernel has issued.
type Identity struct {
	PeerId types.PeerId

	signingSeed []byte
	publicKey   ed25519.PublicKey
	symKey      [symKeySize]byte
}

// NewIdentity derives or loads a kernel identity.
//
// If existing is non-empty (this kernel already has persisted identity
// state), mnemonic must be empty — supplying a mnemonic against existing
// state is an operator error. Otherwise, if mnemonic is non-empty it
// deterministically seeds the identity (so the same phrase always yields
// the same PeerId and ocapURLKey); if empty, a fresh random seed is
// generated.
func NewIdentity(mnemonic string, existing map[string][]byte) (*Identity, error) {
	if len(existing) > 0 {
		if mnemonic != "" {
			return nil, types.ErrMnemonicReuse
		}
		return loadIdentity(existing)
	}

	var seed []byte
	if mnemonic != "" {
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, errors.New("remotecore: mnemonic is not a valid BIP-39 phrase")
		}
		full := bip39.NewSeed(mnemonic, "")
		seed = full[:seedSize]
	} else {
		seed = make([]byte, seedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, err
		}
	}
	return identityFromSeed(seed)
}

func loadIdentity(fields map[string][]byte) (*Identity, error) {
	seed, ok := fields[FieldKeySeed]
	if !ok || len(seed) != seedSize {
		return nil, types.ErrBadObjectReference
	}
	id, err := identityFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if pid, ok := fields[FieldPeerId]; ok {
		id.PeerId = types.PeerId(pid)
	}
	// ocapURLKey is held in durable state alongside the seed rather than
	// re-derived, so a future change to the derivation scheme cannot
	// silently invalidate already-issued OcapURLs.
	if key, ok := fields[FieldOcapURLKey]; ok && len(key) == symKeySize {
		copy(id.symKey[:], key)
	}
	return id, nil
}

func identityFromSeed(seed []byte) (*Identity, error) {
	signingKey := ed25519.NewKeyFromSeed(seed)
	pub := signingKey.Public().(ed25519.PublicKey)

	symKey, err := deriveSymKey(seed)
	if err != nil {
		return nil, err
	}

	return &Identity{
		PeerId:      types.PeerId(base58.Encode(pub)),
		signingSeed: seed,
		publicKey:   pub,
		symKey:      symKey,
	}, nil
}

func deriveSymKey(seed []byte) ([symKeySize]byte, error) {
	var out [symKeySize]byte
	kdf := hkdf.New(sha256.New, seed, nil, []byte("go-remotecore/ocap-url-symmetric-key"))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// PersistFields returns the identity material to be written via
// store.RemoteStore.SaveIdentity.
func (id *Identity) PersistFields() map[string][]byte {
	symKey := make([]byte, symKeySize)
	copy(symKey, id.symKey[:])
	return map[string][]byte{
		FieldKeySeed:    id.signingSeed,
		FieldOcapURLKey: symKey,
		FieldPeerId:     []byte(id.PeerId),
	}
}
