package typedvalue

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmdb/core/internal/store"
)

func TestRehydrationPrefersStoredValue(t *testing.T) {
	s := store.NewMem()

	tv1, err := New[uint64](s, "next_request_sequence", Uint64Codec{}, 0)
	require.NoError(t, err)
	require.NoError(t, tv1.Set(42))

	tv2, err := New[uint64](s, "next_request_sequence", Uint64Codec{}, 7)
	require.NoError(t, err)
	v, err := tv2.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(42), v, "stored value must win over the constructor default")
}

func TestSupersededAliasFails(t *testing.T) {
	s := store.NewMem()

	tv1, err := New[uint64](s, "k", Uint64Codec{}, 0)
	require.NoError(t, err)

	_, err = New[uint64](s, "k", Uint64Codec{}, 0)
	require.NoError(t, err)

	err = tv1.Set(99)
	require.ErrorIs(t, err, ErrSuperseded)

	_, err = tv1.Get()
	require.ErrorIs(t, err, ErrSuperseded)
}

func TestFormatUintPreservesNumericOrder(t *testing.T) {
	require.Less(t, FormatUint(2), FormatUint(10))
	require.Less(t, FormatUint(0), FormatUint(1))
	require.Equal(t, 20, len(FormatUint(0)))
	require.Equal(t, 20, len(FormatUint(^uint64(0))))
}

func TestEscapeComponentPreventsCollision(t *testing.T) {
	a := Join("op", EscapeComponent("a_b"), "c")
	b := Join("op", EscapeComponent("a"), EscapeComponent("b_c"))
	require.NotEqual(t, a, b)
}
