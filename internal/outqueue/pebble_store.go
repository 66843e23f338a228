package outqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const pendingPrefix = "pending/"

// PebbleStore keeps the queue on disk. Keys are the zero padded Seq so
// iteration order is FIFO order.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the store at path. fs may be nil for
// the OS filesystem; tests pass vfs.NewMem().
func OpenPebbleStore(path string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble queue: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", pendingPrefix, seq))
}

func (s *PebbleStore) Put(ctx context.Context, p PendingMessage) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	return s.db.Set(pendingKey(p.Seq), data, pebble.Sync)
}

func (s *PebbleStore) Delete(ctx context.Context, p PendingMessage) error {
	return s.db.Delete(pendingKey(p.Seq), pebble.Sync)
}

func (s *PebbleStore) Load(ctx context.Context) ([]PendingMessage, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pendingPrefix),
		UpperBound: []byte(pendingPrefix + "~"),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var out []PendingMessage
	for iter.First(); iter.Valid(); iter.Next() {
		var p PendingMessage
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode pending message %s: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
