package embedded

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
	keyEpoch      = []byte("epoch")
)

// command is the Raft log payload. This repository only ever runs the
// embedded store as a single voter, so Apply executes synchronously with
// the Apply() call that proposed it and there is no cross-node divergence
// to reconcile — the raft log exists to give the reference implementation a
// durable, ordered commit log in the teacher's idiom, not to coordinate
// multiple processes.
type command struct {
	Op              string `json:"op"` // "cas" | "delete"
	Key             string `json:"key"`
	ExpectedVersion uint64 `json:"expected_version"`
	Value           []byte `json:"value,omitempty"`
	Writer          string `json:"writer,omitempty"`
}

// applyResult is returned from FSM.Apply through the raft.ApplyFuture.
type applyResult struct {
	NewVersion  uint64
	Epoch       uint64
	ChangedKeys []string
	Err         error
}

type storedRecord struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version"`
	Writer  string `json:"writer"`
}

type fsm struct {
	mu sync.Mutex
	db *bolt.DB
}

func newFSM(db *bolt.DB) (*fsm, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get(keyEpoch) == nil {
			return meta.Put(keyEpoch, encodeUint64(0))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fsm{db: db}, nil
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("decode command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		meta := tx.Bucket(bucketMeta)

		existing, current, err := getRecord(records, cmd.Key)
		if err != nil {
			return err
		}

		switch cmd.Op {
		case "cas":
			if cmd.ExpectedVersion == 0 && existing {
				result.Err = errConflict
				return nil
			}
			if cmd.ExpectedVersion != 0 && (!existing || current.Version != cmd.ExpectedVersion) {
				result.Err = errConflict
				return nil
			}
			newVersion := current.Version + 1
			rec := storedRecord{Value: cmd.Value, Version: newVersion, Writer: cmd.Writer}
			buf, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := records.Put([]byte(cmd.Key), buf); err != nil {
				return err
			}
			epoch, err := bumpEpoch(meta)
			if err != nil {
				return err
			}
			result.NewVersion = newVersion
			result.Epoch = epoch
			result.ChangedKeys = []string{cmd.Key}

		case "delete":
			if !existing {
				result.Err = errNotFound
				return nil
			}
			if cmd.ExpectedVersion != 0 && current.Version != cmd.ExpectedVersion {
				result.Err = errConflict
				return nil
			}
			if err := records.Delete([]byte(cmd.Key)); err != nil {
				return err
			}
			epoch, err := bumpEpoch(meta)
			if err != nil {
				return err
			}
			result.Epoch = epoch
			result.ChangedKeys = []string{cmd.Key}

		default:
			return fmt.Errorf("unknown command op %q", cmd.Op)
		}
		return nil
	})
	if err != nil {
		result.Err = err
	}
	return result
}

func getRecord(records *bolt.Bucket, key string) (exists bool, rec storedRecord, err error) {
	buf := records.Get([]byte(key))
	if buf == nil {
		return false, storedRecord{}, nil
	}
	if err := json.Unmarshal(buf, &rec); err != nil {
		return false, storedRecord{}, err
	}
	return true, rec, nil
}

func bumpEpoch(meta *bolt.Bucket) (uint64, error) {
	cur := decodeUint64(meta.Get(keyEpoch))
	cur++
	if err := meta.Put(keyEpoch, encodeUint64(cur)); err != nil {
		return 0, err
	}
	return cur, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// fsmSnapshot is the raft.FSMSnapshot used for log compaction; it persists
// the full bbolt-backed omap as JSON, mirroring the teacher's
// WarrenSnapshot.Persist pattern.
type fsmSnapshot struct {
	Records map[string]storedRecord `json:"records"`
	Epoch   uint64                  `json:"epoch"`
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := fsmSnapshot{Records: map[string]storedRecord{}}
	err := f.db.View(func(tx *bolt.Tx) error {
		snap.Epoch = decodeUint64(tx.Bucket(bucketMeta).Get(keyEpoch))
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec storedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.Records[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if err := tx.DeleteBucket(bucketRecords); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		records, err := tx.CreateBucket(bucketRecords)
		if err != nil {
			return err
		}
		for k, rec := range snap.Records {
			buf, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := records.Put([]byte(k), buf); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyEpoch, encodeUint64(snap.Epoch))
	})
}
