package chatsync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Durable outbox (pebble)
// ============================================================================

// Key layout:
//
//	out/<clientTempId>  -> PendingRecord JSON
//	seq                 -> big-endian uint64, last assigned flush sequence
const (
	outboxKeyPrefix = "out/"
	outboxSeqKey    = "seq"
)

// PebbleOutbox is a restart-surviving Outbox backed by an embedded pebble
// store. Records are keyed by client temp id; a monotonic sequence persisted
// alongside fixes flush order across process restarts.
type PebbleOutbox struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
}

// OpenPebbleOutbox opens (or creates) the outbox database at path.
func OpenPebbleOutbox(path string) (*PebbleOutbox, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	o := &PebbleOutbox{db: db}
	if v, closer, err := db.Get([]byte(outboxSeqKey)); err == nil {
		if len(v) == 8 {
			o.seq = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("read outbox sequence: %w", err)
	}
	return o, nil
}

func (o *PebbleOutbox) Enqueue(rec *PendingRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := []byte(outboxKeyPrefix + rec.ClientTempID)
	if v, closer, err := o.db.Get(key); err == nil {
		// Keep the original slot on re-enqueue of a known temp id.
		var existing PendingRecord
		if json.Unmarshal(v, &existing) == nil {
			rec.Seq = existing.Seq
		}
		closer.Close()
	} else if err == pebble.ErrNotFound {
		o.seq++
		rec.Seq = o.seq
		var sb [8]byte
		binary.BigEndian.PutUint64(sb[:], o.seq)
		if err := o.db.Set([]byte(outboxSeqKey), sb[:], pebble.Sync); err != nil {
			return fmt.Errorf("persist outbox sequence: %w", err)
		}
	} else {
		return fmt.Errorf("read outbox record: %w", err)
	}

	return o.putLocked(key, rec)
}

func (o *PebbleOutbox) Update(rec *PendingRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := []byte(outboxKeyPrefix + rec.ClientTempID)
	if _, closer, err := o.db.Get(key); err == pebble.ErrNotFound {
		return nil
	} else if err != nil {
		return fmt.Errorf("read outbox record: %w", err)
	} else {
		closer.Close()
	}
	return o.putLocked(key, rec)
}

func (o *PebbleOutbox) putLocked(key []byte, rec *PendingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode outbox record: %w", err)
	}
	if err := o.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("write outbox record: %w", err)
	}
	return nil
}

func (o *PebbleOutbox) Remove(clientTempID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.db.Delete([]byte(outboxKeyPrefix+clientTempID), pebble.Sync); err != nil {
		return fmt.Errorf("delete outbox record: %w", err)
	}
	return nil
}

func (o *PebbleOutbox) Get(clientTempID string) (*PendingRecord, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, closer, err := o.db.Get([]byte(outboxKeyPrefix + clientTempID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read outbox record: %w", err)
	}
	defer closer.Close()
	var rec PendingRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, false, fmt.Errorf("decode outbox record: %w", err)
	}
	return &rec, true, nil
}

func (o *PebbleOutbox) List() ([]*PendingRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxKeyPrefix),
		UpperBound: []byte(outboxKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	defer iter.Close()

	var out []*PendingRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec PendingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (o *PebbleOutbox) Len() (int, error) {
	recs, err := o.List()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (o *PebbleOutbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.db.Close()
}
