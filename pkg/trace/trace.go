// Package trace records run outcomes and per-step execution traces
// in a badger database.
//
// Keys are prefixed by kind: run records are gob blobs keyed by run
// ID, step events are fixed 16-byte entries keyed by run ID and step
// index, and a sequence index orders runs for newest-first listing.
// Step appends go through a write batch so tracing a long run does
// not pay one transaction per instruction.
package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/vm"
)

// Key prefixes.
const (
	prefixRun   = 0x01
	prefixStep  = 0x02
	prefixIndex = 0x03
)

var (
	ErrNotFound = errors.New("run not found")
)

// RunRecord is the durable outcome of one program run.
type RunRecord struct {
	RunID     types.RunID
	ImageID   types.ImageID
	State     vm.State
	ExitCode  int32
	TrapCode  uint32
	Fault     string
	Steps     uint64
	Output    []byte
	Registers vm.Registers
	Seq       uint64
	StartedAt time.Time
	Duration  time.Duration
}

// StepEvent is one executed instruction in a traced run.
type StepEvent struct {
	Index uint64
	PC    uint64
	Word  uint64
}

const stepEventSize = 16

// Config configures the trace store.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM; used by tests and by hosts
	// that do not want durable traces.
	InMemory bool
	// SyncWrites forces fsync on every commit.
	SyncWrites bool
}

// DefaultConfig returns the production configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir}
}

// Store is a run archive backed by badger.
type Store struct {
	db       *badger.DB
	seq      atomic.Uint64
	inMemory bool
}

// Open opens the store described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithLogger(nil).
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(2)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}

	s := &Store{db: db, inMemory: cfg.InMemory}
	if err := s.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	if !cfg.InMemory {
		log.Printf("[Trace] opened %s with %d runs", cfg.Dir, s.seq.Load())
	}
	return s, nil
}

// loadSeq recovers the run counter from the newest index key.
func (s *Store) loadSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte{prefixIndex}, bytes.Repeat([]byte{0xff}, 8)...)
		it.Seek(seek)
		if it.ValidForPrefix([]byte{prefixIndex}) {
			key := it.Item().Key()
			s.seq.Store(binary.BigEndian.Uint64(key[1:]))
		}
		return nil
	})
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runKey(id types.RunID) []byte {
	return append([]byte{prefixRun}, id.Bytes()...)
}

func stepKey(id types.RunID, index uint64) []byte {
	k := make([]byte, 1+types.RunIDSize+8)
	k[0] = prefixStep
	copy(k[1:], id.Bytes())
	binary.BigEndian.PutUint64(k[1+types.RunIDSize:], index)
	return k
}

func stepPrefix(id types.RunID) []byte {
	return append([]byte{prefixStep}, id.Bytes()...)
}

func indexKey(seq uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixIndex
	binary.BigEndian.PutUint64(k[1:], seq)
	return k
}

// PutRun stores a run record and assigns its listing sequence.
func (s *Store) PutRun(rec *RunRecord) error {
	rec.Seq = s.seq.Add(1)
	encoded, err := encodeRun(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(runKey(rec.RunID), encoded); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.Seq), rec.RunID.Bytes())
	})
	if err != nil {
		return fmt.Errorf("put run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun loads one run record.
func (s *Store) GetRun(id types.RunID) (*RunRecord, error) {
	var rec *RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRun(val)
			return err
		})
	})
	return rec, err
}

// ListRuns returns up to limit run records, newest first. A
// non-positive limit returns everything.
func (s *Store) ListRuns(limit int) ([]*RunRecord, error) {
	var out []*RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte{prefixIndex}, bytes.Repeat([]byte{0xff}, 8)...)
		for it.Seek(seek); it.ValidForPrefix([]byte{prefixIndex}); it.Next() {
			var id types.RunID
			err := it.Item().Value(func(val []byte) error {
				parsed, err := types.RunIDFromBytes(val)
				if err != nil {
					return err
				}
				id = parsed
				return nil
			})
			if err != nil {
				return err
			}

			item, err := txn.Get(runKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				rec, err := decodeRun(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// AppendSteps writes a batch of step events for a run. Events keep
// the indices given in their Index field.
func (s *Store) AppendSteps(id types.RunID, events []StepEvent) error {
	if len(events) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, ev := range events {
		var buf [stepEventSize]byte
		binary.LittleEndian.PutUint64(buf[0:8], ev.PC)
		binary.LittleEndian.PutUint64(buf[8:16], ev.Word)
		if err := wb.Set(stepKey(id, ev.Index), buf[:]); err != nil {
			return fmt.Errorf("append steps: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush steps: %w", err)
	}
	return nil
}

// Steps reads up to limit step events starting at index from. A
// non-positive limit reads to the end of the trace.
func (s *Store) Steps(id types.RunID, from uint64, limit int) ([]StepEvent, error) {
	var out []StepEvent
	prefix := stepPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(stepKey(id, from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			index := binary.BigEndian.Uint64(key[1+types.RunIDSize:])
			err := item.Value(func(val []byte) error {
				if len(val) != stepEventSize {
					return fmt.Errorf("corrupt step event at index %d", index)
				}
				out = append(out, StepEvent{
					Index: index,
					PC:    binary.LittleEndian.Uint64(val[0:8]),
					Word:  binary.LittleEndian.Uint64(val[8:16]),
				})
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read steps: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run record, its index entry, and its trace.
func (s *Store) DeleteRun(id types.RunID) error {
	rec, err := s.GetRun(id)
	if err != nil {
		return err
	}

	// Collect trace keys first; deletes go through a batch.
	var keys [][]byte
	prefix := stepPrefix(id)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Delete(runKey(id)); err != nil {
		return err
	}
	if err := wb.Delete(indexKey(rec.Seq)); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	return nil
}

// GC reclaims value log space. Safe to call periodically; a cycle
// with nothing to rewrite is not an error.
func (s *Store) GC() error {
	if s.inMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func encodeRun(rec *RunRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode run record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRun(raw []byte) (*RunRecord, error) {
	var rec RunRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &rec, nil
}
