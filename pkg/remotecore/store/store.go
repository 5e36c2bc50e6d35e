// Package store persists the per-remote sequence/ACK state, the pending
// outgoing message queue, and kernel identity material, on top of
// go.etcd.io/bbolt.
package store

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

// RemoteState is the durable per-remote sequence state (minus
// pendingMessage, which is accessed separately since it is potentially
// large).
type RemoteState struct {
	NextSendSeq        int64
	StartSeq           int64
	HighestReceivedSeq int64
}

// Tx is the narrow read/write capability handed to a Savepoint callback.
// It is deliberately storage-engine-agnostic so that kernelapi.KernelStore
// implementations (out of scope for this module, but needing to
// participate in the same atomic commit) can depend on it without
// depending on bbolt directly.
type Tx interface {
	Put(bucket, key, value []byte) error
	Get(bucket, key []byte) ([]byte, error)
	Delete(bucket, key []byte) error
}

type boltTx struct{ tx *bolt.Tx }

func (b *boltTx) Put(bucket, key, value []byte) error {
	bk, err := b.tx.CreateBucketIfNotExists(bucket)
	if err != nil {
		return err
	}
	return bk.Put(key, value)
}

func (b *boltTx) Get(bucket, key []byte) ([]byte, error) {
	bk := b.tx.Bucket(bucket)
	if bk == nil {
		return nil, nil
	}
	v := bk.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *boltTx) Delete(bucket, key []byte) error {
	bk := b.tx.Bucket(bucket)
	if bk == nil {
		return nil
	}
	return bk.Delete(key)
}

// RemoteStore is the persistence surface RemoteHandle depends on: keyed,
// transactional access to per-remote sequence state and the pending
// outgoing queue.
type RemoteStore interface {
	// LoadRemoteState reads the current sequence state for remoteId,
	// returning the zero value if nothing has ever been persisted.
	LoadRemoteState(remoteId types.RemoteId) (RemoteState, error)

	// PersistOutgoing writes pendingMessage[seq], then (if wasEmpty)
	// startSeq, then nextSendSeq, as a single atomic unit, so a crash
	// mid-write never leaves nextSendSeq ahead of what's durably queued.
	PersistOutgoing(remoteId types.RemoteId, seq int64, frame []byte, wasEmpty bool) error

	// PersistOutgoingTx does the same writes as PersistOutgoing, but
	// against an already-open Tx instead of opening its own transaction.
	// A redeemURLReply must be written from inside the same transaction
	// as the receive it is answering — opening a second bbolt write
	// transaction from within the first would deadlock — so the reply
	// path uses this instead of PersistOutgoing.
	PersistOutgoingTx(tx Tx, remoteId types.RemoteId, seq int64, frame []byte, wasEmpty bool) error

	// PersistAckAdvance persists the new startSeq first, then deletes
	// each acknowledged pendingMessage entry, as a single atomic unit
	// (the ordering is preserved for its documented crash-safety property
	// even though a bbolt transaction is already all-or-nothing).
	PersistAckAdvance(remoteId types.RemoteId, newStartSeq int64, ackedSeqs []int64) error

	// PersistGiveUp advances startSeq past every currently pending
	// message and deletes their pendingMessage entries, atomically.
	PersistGiveUp(remoteId types.RemoteId, pastSeq int64, pendingSeqs []int64) error

	// GetPendingFrame returns the stored frame bytes for one seq, or nil
	// if there is none.
	GetPendingFrame(remoteId types.RemoteId, seq int64) ([]byte, error)

	// RecoverNextSendSeq runs the crash-recovery scan: if
	// pendingMessage[nextSendSeq+1] exists on disk, nextSendSeq/startSeq
	// are repaired to account for it. Returns the (possibly repaired)
	// state.
	RecoverNextSendSeq(remoteId types.RemoteId) (RemoteState, error)

	// Savepoint opens a transaction named "receive_<remoteId>_<seq>",
	// runs fn against it, and — if fn returns nil — writes
	// highestReceivedSeq as the final write of the same transaction
	// before committing. If fn (or the final write) returns an error, the
	// whole transaction is rolled back and none of fn's writes are
	// observable.
	Savepoint(remoteId types.RemoteId, seq int64, fn func(tx Tx) error) error

	// SaveIdentity / LoadIdentity persist the kernel identity blob
	// (keySeed, ocapURLKey, peerId, knownRelays).
	SaveIdentity(fields map[string][]byte) error
	LoadIdentity() (map[string][]byte, error)

	Close() error
}

// BoltStore is the default RemoteStore, backed by a single bbolt
// database file.
type BoltStore struct {
	db  *bolt.DB
	log types.Logger
}

// Open creates or opens a BoltStore at path.
func Open(path string, log types.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("remotecore: opening store at %s: %w", path, err)
	}
	return &BoltStore{db: db, log: log}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) LoadRemoteState(remoteId types.RemoteId) (RemoteState, error) {
	var st RemoteState
	err := s.db.View(func(tx *bolt.Tx) error {
		st.NextSendSeq = readInt(tx, seqKey(remoteId, fieldNextSend))
		st.StartSeq = readInt(tx, seqKey(remoteId, fieldStartSeq))
		st.HighestReceivedSeq = readInt(tx, seqKey(remoteId, fieldHighestReceived))
		return nil
	})
	return st, err
}

func (s *BoltStore) PersistOutgoing(remoteId types.RemoteId, seq int64, frame []byte, wasEmpty bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		if err := bk.Put(pendingKey(remoteId, seq), frame); err != nil {
			return err
		}
		if wasEmpty {
			if err := putInt(tx, seqKey(remoteId, fieldStartSeq), seq); err != nil {
				return err
			}
		}
		return putInt(tx, seqKey(remoteId, fieldNextSend), seq)
	})
}

func (s *BoltStore) PersistOutgoingTx(tx Tx, remoteId types.RemoteId, seq int64, frame []byte, wasEmpty bool) error {
	if err := tx.Put(bucketPending, pendingKey(remoteId, seq), frame); err != nil {
		return err
	}
	if wasEmpty {
		if err := tx.Put(bucketRemoteSeq, seqKey(remoteId, fieldStartSeq), []byte(strconv.FormatInt(seq, 10))); err != nil {
			return err
		}
	}
	return tx.Put(bucketRemoteSeq, seqKey(remoteId, fieldNextSend), []byte(strconv.FormatInt(seq, 10)))
}

func (s *BoltStore) PersistAckAdvance(remoteId types.RemoteId, newStartSeq int64, ackedSeqs []int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// startSeq is written first: a crash after this write but before
		// the deletes below leaves only orphaned pendingMessage entries
		// below startSeq, never a lost acknowledgement.
		if err := putInt(tx, seqKey(remoteId, fieldStartSeq), newStartSeq); err != nil {
			return err
		}
		bk := tx.Bucket(bucketPending)
		if bk == nil {
			return nil
		}
		for _, seq := range ackedSeqs {
			if err := bk.Delete(pendingKey(remoteId, seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) PersistGiveUp(remoteId types.RemoteId, pastSeq int64, pendingSeqs []int64) error {
	return s.PersistAckAdvance(remoteId, pastSeq, pendingSeqs)
}

func (s *BoltStore) GetPendingFrame(remoteId types.RemoteId, seq int64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPending)
		if bk == nil {
			return nil
		}
		v := bk.Get(pendingKey(remoteId, seq))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) RecoverNextSendSeq(remoteId types.RemoteId) (RemoteState, error) {
	st, err := s.LoadRemoteState(remoteId)
	if err != nil {
		return RemoteState{}, err
	}

	candidate := st.NextSendSeq + 1
	frame, err := s.GetPendingFrame(remoteId, candidate)
	if err != nil {
		return RemoteState{}, err
	}
	if frame == nil {
		return st, nil
	}

	s.log.Warnf("remote %s: recovering from crash, found orphaned pendingMessage[%d]", remoteId, candidate)
	repaired := st
	repaired.NextSendSeq = candidate
	if st.StartSeq == 0 || st.StartSeq > candidate {
		repaired.StartSeq = candidate
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := putInt(tx, seqKey(remoteId, fieldNextSend), repaired.NextSendSeq); err != nil {
			return err
		}
		return putInt(tx, seqKey(remoteId, fieldStartSeq), repaired.StartSeq)
	})
	if err != nil {
		return RemoteState{}, err
	}
	return repaired, nil
}

func (s *BoltStore) Savepoint(remoteId types.RemoteId, seq int64, fn func(tx Tx) error) error {
	traceID := uuid.NewString()
	name := fmt.Sprintf("receive_%s_%d", remoteId, seq)
	s.log.Debugf("savepoint %s opened (trace=%s)", name, traceID)

	err := s.db.Update(func(btx *bolt.Tx) error {
		wrapped := &boltTx{tx: btx}
		if err := fn(wrapped); err != nil {
			return err
		}
		// highestReceivedSeq must be the last write of the batch: this
		// closes the savepoint atomically alongside whatever fn just
		// wrote.
		return putInt(btx, seqKey(remoteId, fieldHighestReceived), seq)
	})
	if err != nil {
		s.log.Debugf("savepoint %s rolled back (trace=%s): %v", name, traceID, err)
		return err
	}
	s.log.Debugf("savepoint %s committed (trace=%s)", name, traceID)
	return nil
}

func (s *BoltStore) SaveIdentity(fields map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketIdentity)
		if err != nil {
			return err
		}
		for k, v := range fields {
			if err := bk.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadIdentity() (map[string][]byte, error) {
	out := map[string][]byte{}
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketIdentity)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	return out, err
}

func readInt(tx *bolt.Tx, key []byte) int64 {
	bk := tx.Bucket(bucketRemoteSeq)
	if bk == nil {
		return 0
	}
	v := bk.Get(key)
	if v == nil {
		return 0
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func putInt(tx *bolt.Tx, key []byte, value int64) error {
	bk, err := tx.CreateBucketIfNotExists(bucketRemoteSeq)
	if err != nil {
		return err
	}
	return bk.Put(key, []byte(strconv.FormatInt(value, 10)))
}

var _ RemoteStore = (*BoltStore)(nil)
