// Package store persists program images in a bolt database.
//
// Images are keyed by their content ID. The raw serialized container
// lives in one bucket, gob-encoded metadata in another, and an
// insertion-ordered index supports newest-first listing. Putting the
// same image twice is a no-op.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/vm"
)

var (
	bucketImages = []byte("images")
	bucketMeta   = []byte("meta")
	bucketIndex  = []byte("index")
)

var (
	ErrNotFound = errors.New("image not found")
	ErrClosed   = errors.New("store is closed")
)

// Meta describes a stored image without its payload.
type Meta struct {
	ID        types.ImageID
	Name      string
	Size      int
	CodeSlots int
	DataLen   int
	MemSize   uint64
	Entry     uint64
	Seq       uint64
	CreatedAt time.Time
}

// Store is an image archive backed by a single bolt file.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	count  int
	closed bool
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}

	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketMeta, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		s.count = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init image store: %w", err)
	}

	log.Printf("[Store] opened %s with %d images", path, s.count)
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Put stores an image and returns its content ID and metadata. A
// second put of the same content returns the existing metadata.
func (s *Store) Put(img *image.Image) (types.ImageID, *Meta, error) {
	if s.isClosed() {
		return types.ImageID{}, nil, ErrClosed
	}
	raw, err := img.Serialize()
	if err != nil {
		return types.ImageID{}, nil, err
	}
	id := types.ImageIDOf(raw)

	var meta *Meta
	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		metaBkt := tx.Bucket(bucketMeta)

		if existing := metaBkt.Get(id.Bytes()); existing != nil {
			m, err := decodeMeta(existing)
			if err != nil {
				return err
			}
			meta = m
			return nil
		}

		idxBkt := tx.Bucket(bucketIndex)
		seq, err := idxBkt.NextSequence()
		if err != nil {
			return err
		}
		meta = &Meta{
			ID:        id,
			Name:      img.Name,
			Size:      len(raw),
			CodeSlots: len(img.Code) / vm.InstructionSize,
			DataLen:   len(img.Data),
			MemSize:   img.MemSize,
			Entry:     img.Entry,
			Seq:       seq,
			CreatedAt: time.Now().UTC(),
		}
		encoded, err := encodeMeta(meta)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketImages).Put(id.Bytes(), raw); err != nil {
			return err
		}
		if err := metaBkt.Put(id.Bytes(), encoded); err != nil {
			return err
		}
		if err := idxBkt.Put(seqKey(seq), id.Bytes()); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return types.ImageID{}, nil, fmt.Errorf("put image: %w", err)
	}

	if inserted {
		s.mu.Lock()
		s.count++
		s.mu.Unlock()
	}
	return id, meta, nil
}

// Get loads an image by ID.
func (s *Store) Get(id types.ImageID) (*image.Image, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id.Short())
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return image.Deserialize(raw)
}

// GetMeta loads metadata by ID.
func (s *Store) GetMeta(id types.ImageID) (*Meta, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var meta *Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id.Short())
		}
		m, err := decodeMeta(v)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

// Has reports whether an image is stored.
func (s *Store) Has(id types.ImageID) bool {
	if s.isClosed() {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketImages).Get(id.Bytes()) != nil
		return nil
	})
	return found
}

// Delete removes an image and its metadata.
func (s *Store) Delete(id types.ImageID) error {
	if s.isClosed() {
		return ErrClosed
	}
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		metaBkt := tx.Bucket(bucketMeta)
		v := metaBkt.Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id.Short())
		}
		meta, err := decodeMeta(v)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Delete(id.Bytes()); err != nil {
			return err
		}
		if err := metaBkt.Delete(id.Bytes()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Delete(seqKey(meta.Seq)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return err
	}
	if removed {
		s.mu.Lock()
		s.count--
		s.mu.Unlock()
		log.Printf("[Store] deleted image %s", id.Short())
	}
	return nil
}

// List returns metadata for up to limit images, newest first. A
// non-positive limit returns everything.
func (s *Store) List(limit int) ([]*Meta, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out []*Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		metaBkt := tx.Bucket(bucketMeta)
		c := tx.Bucket(bucketIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			encoded := metaBkt.Get(v)
			if encoded == nil {
				continue
			}
			m, err := decodeMeta(encoded)
			if err != nil {
				return err
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return out, nil
}

// Count returns the cached number of stored images.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func seqKey(seq uint64) []byte {
	// Big-endian so the cursor walks in insertion order.
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func encodeMeta(m *Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMeta(raw []byte) (*Meta, error) {
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &m, nil
}
