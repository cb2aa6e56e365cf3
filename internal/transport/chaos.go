package transport

import (
	"context"
	"math/rand"
	"time"
)

// ChaosOptions are the fault-injection knobs of SPEC_FULL.md §12: message
// drop and delay probabilities.
type ChaosOptions struct {
	DropProbability  float64
	DelayProbability float64
	MaxDelay         time.Duration
}

// ChaoticTransport wraps a Transport, probabilistically dropping or
// delaying outbound sends. Grounded on original_source's chaos-testing
// knobs for fault injection in simulation (SPEC_FULL.md §12).
type ChaoticTransport struct {
	inner Transport
	opts  ChaosOptions
	rng   *rand.Rand
}

// NewChaotic wraps inner with the given chaos options. rng may be nil, in
// which case a time-seeded source is used.
func NewChaotic(inner Transport, opts ChaosOptions, rng *rand.Rand) *ChaoticTransport {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ChaoticTransport{inner: inner, opts: opts, rng: rng}
}

// Send drops or delays the message per the configured probabilities before
// forwarding to the wrapped transport.
func (c *ChaoticTransport) Send(ctx context.Context, addr string, msg []byte) error {
	if c.opts.DropProbability > 0 && c.rng.Float64() < c.opts.DropProbability {
		return nil // silently dropped, as a real lossy network would
	}
	if c.opts.DelayProbability > 0 && c.opts.MaxDelay > 0 && c.rng.Float64() < c.opts.DelayProbability {
		delay := time.Duration(c.rng.Int63n(int64(c.opts.MaxDelay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.inner.Send(ctx, addr, msg)
}

// SetHandler forwards to the wrapped transport.
func (c *ChaoticTransport) SetHandler(h Handler) { c.inner.SetHandler(h) }

// Listen forwards to the wrapped transport.
func (c *ChaoticTransport) Listen(addr string) error { return c.inner.Listen(addr) }

// Close forwards to the wrapped transport.
func (c *ChaoticTransport) Close() error { return c.inner.Close() }
