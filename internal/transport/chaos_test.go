package transport

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	sent []string
}

func (r *recordingTransport) Send(_ context.Context, addr string, _ []byte) error {
	r.sent = append(r.sent, addr)
	return nil
}
func (r *recordingTransport) SetHandler(Handler)     {}
func (r *recordingTransport) Listen(string) error    { return nil }
func (r *recordingTransport) Close() error           { return nil }

func TestChaoticTransportDropsDeterministically(t *testing.T) {
	inner := &recordingTransport{}
	c := NewChaotic(inner, ChaosOptions{DropProbability: 1.0}, rand.New(rand.NewSource(1)))

	require.NoError(t, c.Send(context.Background(), "peer", []byte("msg")))
	require.Empty(t, inner.sent, "drop probability of 1.0 must always drop")
}

func TestChaoticTransportForwardsWhenNoChaos(t *testing.T) {
	inner := &recordingTransport{}
	c := NewChaotic(inner, ChaosOptions{}, rand.New(rand.NewSource(1)))

	require.NoError(t, c.Send(context.Background(), "peer", []byte("msg")))
	require.Equal(t, []string{"peer"}, inner.sent)
}

func TestChaoticTransportDelaysWithinBound(t *testing.T) {
	inner := &recordingTransport{}
	c := NewChaotic(inner, ChaosOptions{DelayProbability: 1.0, MaxDelay: 20 * time.Millisecond}, rand.New(rand.NewSource(2)))

	start := time.Now()
	require.NoError(t, c.Send(context.Background(), "peer", []byte("msg")))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, []string{"peer"}, inner.sent)
}
