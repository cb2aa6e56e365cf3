package store

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Store used by unit and simulation tests so they
// don't pay bbolt's file-I/O cost; it implements the identical contract as
// BoltStore, including Snapshot/Restore round-tripping.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMem constructs an empty in-memory Store.
func NewMem() *MemStore {
	return &MemStore{data: map[string][]byte{}}
}

func (s *MemStore) Create(key string, value []byte) error {
	if err := checkValue(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Read(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Update(key string, value []byte) error {
	if err := checkValue(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore) RemoveRange(loPrefix, hiPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if k >= loPrefix && k < hiPrefix {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *MemStore) ReadRange(loPrefix, hiPrefix string) ([]KV, error) {
	return s.ReadIf(loPrefix, hiPrefix, nil)
}

func (s *MemStore) ReadIf(loPrefix, hiPrefix string, pred Predicate) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if k >= loPrefix && k < hiPrefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		v := s.data[k]
		if pred == nil || pred(k, v) {
			out = append(out, KV{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	return out, nil
}

func (s *MemStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// A simple length-prefixed encoding is sufficient here: MemStore is test
	// infrastructure, not the production snapshot format (that's BoltStore's
	// Tx.WriteTo).
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 1024)
	putUvarint := func(n int) {
		var tmp [10]byte
		i := 0
		for n >= 0x80 {
			tmp[i] = byte(n) | 0x80
			n >>= 7
			i++
		}
		tmp[i] = byte(n)
		buf = append(buf, tmp[:i+1]...)
	}
	putUvarint(len(keys))
	for _, k := range keys {
		v := s.data[k]
		putUvarint(len(k))
		buf = append(buf, k...)
		putUvarint(len(v))
		buf = append(buf, v...)
	}
	return buf, nil
}

func (s *MemStore) Restore(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	getUvarint := func() int {
		n, shift := 0, 0
		for {
			b := blob[0]
			blob = blob[1:]
			n |= int(b&0x7f) << shift
			if b < 0x80 {
				break
			}
			shift += 7
		}
		return n
	}

	data := map[string][]byte{}
	count := getUvarint()
	for i := 0; i < count; i++ {
		klen := getUvarint()
		k := string(blob[:klen])
		blob = blob[klen:]
		vlen := getUvarint()
		v := append([]byte(nil), blob[:vlen]...)
		blob = blob[vlen:]
		data[k] = v
	}
	s.data = data
	return nil
}

func (s *MemStore) Close() error { return nil }
