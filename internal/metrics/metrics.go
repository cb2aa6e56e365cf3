// Package metrics is the statsd collector facade of SPEC_FULL.md §10/§12:
// counters and timers emitted as UDP datagrams, per the "collector receiving
// counters and timers over datagrams" ambient concern (spec.md Non-goals
// exclude a full observability stack, not the emission side an engine this
// shape always carries).
//
// Grounded on github.com/cactus/go-statsd-client/v5's Statter contract,
// the same statsd client the domain-stack survey found idiomatic for this
// corpus's datagram-metrics components.
package metrics

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/pkg/errors"
)

// Collector emits counters and timers to a statsd collector over UDP.
type Collector struct {
	statter statsd.Statter
}

// Dial opens a statsd client addressed at addr (host:port), prefixing every
// stat name with prefix (SPEC_FULL.md §10's "monitor address/port").
func Dial(addr, prefix string) (*Collector, error) {
	cfg := &statsd.ClientConfig{Address: addr, Prefix: prefix}
	statter, err := statsd.NewClientWithConfig(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "metrics: dial statsd collector at %s", addr)
	}
	return &Collector{statter: statter}, nil
}

// Nop returns a Collector whose calls are discarded, for tests and for
// nodes configured without a monitor address.
func Nop() *Collector {
	return &Collector{statter: noopStatter{}}
}

// IncrCounter increments the named counter by delta.
func (c *Collector) IncrCounter(name string, delta int64) {
	_ = c.statter.Inc(name, delta, 1.0)
}

// Timing records a duration against the named timer.
func (c *Collector) Timing(name string, d time.Duration) {
	_ = c.statter.TimingDuration(name, d, 1.0)
}

// Gauge records an instantaneous value against the named gauge.
func (c *Collector) Gauge(name string, value int64) {
	_ = c.statter.Gauge(name, value, 1.0)
}

// Close releases the underlying UDP socket.
func (c *Collector) Close() error {
	return c.statter.Close()
}

// noopStatter discards every call, implementing statsd.Statter.
type noopStatter struct{}

func (noopStatter) Inc(string, int64, float32) error                 { return nil }
func (noopStatter) Dec(string, int64, float32) error                 { return nil }
func (noopStatter) Gauge(string, int64, float32) error               { return nil }
func (noopStatter) GaugeDelta(string, int64, float32) error          { return nil }
func (noopStatter) Timing(string, int64, float32) error              { return nil }
func (noopStatter) TimingDuration(string, time.Duration, float32) error { return nil }
func (noopStatter) Set(string, string, float32) error                { return nil }
func (noopStatter) SetInt(string, int64, float32) error              { return nil }
func (noopStatter) Raw(string, string, float32) error                { return nil }
func (noopStatter) NewSubStatter(string) statsd.SubStatter            { return nil }
func (noopStatter) SetPrefix(string)                                 {}
func (noopStatter) Close() error                                     { return nil }
