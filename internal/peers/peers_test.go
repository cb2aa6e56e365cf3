package peers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func mkPeers(n int) []Peer {
	out := make([]Peer, n)
	for i := range out {
		out[i] = Peer{UUID: uuid.MustParse(uuidFor(i)), Name: uuidFor(i)}
	}
	return out
}

// uuidFor produces deterministic, distinct UUID strings for test fixtures.
func uuidFor(i int) string {
	ids := []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
		"00000000-0000-0000-0000-000000000003",
		"00000000-0000-0000-0000-000000000004",
		"00000000-0000-0000-0000-000000000005",
		"00000000-0000-0000-0000-000000000006",
		"00000000-0000-0000-0000-000000000007",
	}
	return ids[i]
}

func TestHonestMajority(t *testing.T) {
	cases := map[int]int{1: 1, 2: 1, 3: 1, 4: 3, 5: 3, 6: 3, 7: 5, 10: 7}
	for n, want := range cases {
		require.Equal(t, want, HonestMajority(n), "n=%d", n)
	}
}

func TestPrimaryRotatesDeterministically(t *testing.T) {
	v := NewView(mkPeers(4))
	ordered := v.Ordered()

	for view := uint64(0); view < 8; view++ {
		want := ordered[view%4]
		require.Equal(t, want.UUID, v.Primary(view).UUID)
	}
}

func TestViewIsSortedByUUID(t *testing.T) {
	unsorted := []Peer{
		{UUID: uuid.MustParse(uuidFor(2))},
		{UUID: uuid.MustParse(uuidFor(0))},
		{UUID: uuid.MustParse(uuidFor(1))},
	}
	v := NewView(unsorted)
	ordered := v.Ordered()
	require.True(t, ordered[0].UUID.String() < ordered[1].UUID.String())
	require.True(t, ordered[1].UUID.String() < ordered[2].UUID.String())
}

func TestContainsAndGet(t *testing.T) {
	v := NewView(mkPeers(3))
	p, ok := v.Get(uuid.MustParse(uuidFor(0)))
	require.True(t, ok)
	require.True(t, v.Contains(p.UUID))

	_, ok = v.Get(uuid.MustParse(uuidFor(6)))
	require.False(t, ok)
}
