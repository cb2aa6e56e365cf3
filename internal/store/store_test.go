package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	bs, err := OpenBolt(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{
		"mem":  NewMem(),
		"bolt": bs,
	}
}

func TestCreateReadRemove(t *testing.T) {
	for name, s := range newStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create("k1", []byte("v1")))
			require.ErrorIs(t, s.Create("k1", []byte("v2")), ErrExists)

			v, err := s.Read("k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			_, err = s.Read("missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Update("k1", []byte("v3")))
			v, err = s.Read("k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v3"), v)

			require.NoError(t, s.Remove("k1"))
			_, err = s.Read("k1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestValueTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte{0xAB}, MaxValueSize+1)
	for name, s := range newStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, s.Create("k", big), ErrValueTooLarge)
			require.ErrorIs(t, s.Update("k", big), ErrValueTooLarge)
		})
	}
}

func TestRangeScanOrderingAndReadIf(t *testing.T) {
	for name, s := range newStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			keys := []string{"op/003", "op/001", "op/002", "op/010", "cfg/001"}
			for _, k := range keys {
				require.NoError(t, s.Create(k, []byte(k)))
			}

			kvs, err := s.ReadRange("op/", "op/\xff")
			require.NoError(t, err)
			require.Len(t, kvs, 4)
			require.Equal(t, "op/001", kvs[0].Key)
			require.Equal(t, "op/002", kvs[1].Key)
			require.Equal(t, "op/003", kvs[2].Key)
			require.Equal(t, "op/010", kvs[3].Key)

			kvs, err = s.ReadIf("op/", "op/\xff", func(k string, v []byte) bool {
				return k == "op/002"
			})
			require.NoError(t, err)
			require.Len(t, kvs, 1)
			require.Equal(t, "op/002", kvs[0].Key)
		})
	}
}

func TestRemoveRange(t *testing.T) {
	for name, s := range newStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a/1", "a/2", "b/1"} {
				require.NoError(t, s.Create(k, []byte(k)))
			}
			require.NoError(t, s.RemoveRange("a/", "a/\xff"))

			kvs, err := s.ReadRange("\x00", "\xff")
			require.NoError(t, err)
			require.Len(t, kvs, 1)
			require.Equal(t, "b/1", kvs[0].Key)
		})
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Create("k1", []byte("v1")))
			require.NoError(t, s.Create("k2", []byte("v2")))

			blob, err := s.Snapshot()
			require.NoError(t, err)

			require.NoError(t, s.Create("k3", []byte("v3")))
			require.NoError(t, s.Restore(blob))

			_, err = s.Read("k3")
			require.ErrorIs(t, err, ErrNotFound)

			v, err := s.Read("k1")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)
		})
	}
}
