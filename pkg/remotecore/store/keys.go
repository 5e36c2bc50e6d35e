package store

import (
	"fmt"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// Bucket names. Each RemoteId's state is scoped by key prefix within a
// shared bucket rather than one bucket per remote, keeping bucket
// creation (and therefore the write path) uniform regardless of how many
// remotes a kernel has accumulated.
var (
	bucketRemoteSeq = []byte("seq")
	bucketPending   = []byte("pending")
	bucketIdentity  = []byte("identity")
)

const (
	fieldNextSend        = "nextSend"
	fieldStartSeq        = "startSeq"
	fieldHighestReceived = "highestReceived"
)

func seqKey(remoteId types.RemoteId, field string) []byte {
	return []byte(fmt.Sprintf("seq.%s.%s", remoteId, field))
}

func pendingKey(remoteId types.RemoteId, seq int64) []byte {
	return []byte(fmt.Sprintf("pending.%s.%d", remoteId, seq))
}

func pendingPrefix(remoteId types.RemoteId) []byte {
	return []byte(fmt.Sprintf("pending.%s.", remoteId))
}

// Identity keys: keySeed, ocapURLKey, peerId, knownRelays.
const (
	IdentityKeySeed    = "keySeed"
	IdentityOcapURLKey = "ocapURLKey"
	IdentityPeerId     = "peerId"
	IdentityKnownRelays = "knownRelays"
)
