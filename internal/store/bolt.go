package store

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// rootBucket is the single top-level bbolt bucket backing the whole
// keyspace; the protocol never needs more than one since all of its
// compound keys are already flattened strings (internal/typedvalue).
var rootBucket = []byte("swarmdb")

// BoltStore is the concrete Store backing every replica's durable protocol
// state, grounded on cuemby-warren's go.etcd.io/bbolt usage.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens (creating if absent) a bbolt-backed Store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "store: open bolt db at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "store: create root bucket")
	}
	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Create(key string, value []byte) error {
	if err := checkValue(value); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if b.Get([]byte(key)) != nil {
			return ErrExists
		}
		return b.Put([]byte(key), value)
	})
	return wrapNotSaved(err)
}

func (s *BoltStore) Read(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Update(key string, value []byte) error {
	if err := checkValue(value); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Put([]byte(key), value)
	})
	return wrapNotSaved(err)
}

func (s *BoltStore) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		return b.Delete([]byte(key))
	})
	return wrapNotSaved(err)
}

func (s *BoltStore) RemoveRange(loPrefix, hiPrefix string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		lo, hi := []byte(loPrefix), []byte(hiPrefix)
		var toDelete [][]byte
		for k, _ := c.Seek(lo); k != nil && bytes.Compare(k, hi) < 0; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapNotSaved(err)
}

func (s *BoltStore) ReadRange(loPrefix, hiPrefix string) ([]KV, error) {
	return s.ReadIf(loPrefix, hiPrefix, nil)
}

func (s *BoltStore) ReadIf(loPrefix, hiPrefix string, pred Predicate) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		c := b.Cursor()
		lo, hi := []byte(loPrefix), []byte(hiPrefix)
		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) < 0; k, v = c.Next() {
			key := string(k)
			val := append([]byte(nil), v...)
			if pred == nil || pred(key, val) {
				out = append(out, KV{Key: key, Value: val})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot exports the database as a single opaque blob via bbolt's
// consistent, read-only Tx.WriteTo.
func (s *BoltStore) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(&buf)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "store: snapshot")
	}
	return buf.Bytes(), nil
}

// Restore replaces the database file contents with blob and reopens it.
func (s *BoltStore) Restore(blob []byte) error {
	path := s.path
	if err := s.db.Close(); err != nil {
		return errors.WithMessage(err, "store: close before restore")
	}

	tmp := path + ".restore-tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return errors.WithMessage(err, "store: write restore snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WithMessage(err, "store: install restore snapshot")
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return errors.WithMessage(err, "store: reopen after restore")
	}
	s.db = db
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ io.Closer = (*BoltStore)(nil)

func wrapNotSaved(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrExists) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValueTooLarge) {
		return err
	}
	return errors.WithMessage(ErrNotSaved, err.Error())
}
