package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ChaosConfig describes the impairment applied to outbound datagrams.
type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64 // drop the datagram
	Dup     float64 // deliver it twice
	Reorder float64 // hold it back for an extra delay

	BaseDelay time.Duration
	Jitter    time.Duration // uniform in [-Jitter, +Jitter]

	// Seed for the impairment rng. If 0, uses time.Now().UnixNano()
	Seed int64
}

// ChaosStats counts what the wrapper did.
type ChaosStats struct {
	Sent       uint64
	Dropped    uint64
	Duplicated uint64
	Delayed    uint64
}

// Chaos wraps an endpoint so that everything it sends goes through the
// impairment model. Receiving is passed straight through; wrap both ends
// to impair both directions.
type Chaos struct {
	under Endpoint
	down  atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	sent, dropped, duplicated, delayed atomic.Uint64
}

// WrapChaos wraps under with cfg.
func WrapChaos(under Endpoint, cfg ChaosConfig) *Chaos {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cfg.Loss, cfg.Dup, cfg.Reorder = clamp01(cfg.Loss), clamp01(cfg.Dup), clamp01(cfg.Reorder)
	return &Chaos{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (c *Chaos) Addr() Addr   { return c.under.Addr() }
func (c *Chaos) Close() error { return c.under.Close() }

func (c *Chaos) RecvFrom(ctx context.Context) (Addr, []byte, error) {
	return c.under.RecvFrom(ctx)
}

// Send applies loss, duplication, reordering and delay. A dropped datagram
// still reports success, exactly like UDP.
func (c *Chaos) Send(to Addr, datagram []byte) error {
	if c.down.Load() {
		return ErrLinkDown
	}
	cfg := c.config()
	c.sent.Add(1)

	if c.roll() < cfg.Loss {
		c.dropped.Add(1)
		return nil
	}

	extra := time.Duration(0)
	if c.roll() < cfg.Reorder {
		extra = cfg.BaseDelay + cfg.Jitter + time.Duration(c.intn(int64(cfg.Jitter)+int64(time.Millisecond)))
	}
	err := c.deliver(to, clone(datagram), c.delay(cfg)+extra)

	if c.roll() < cfg.Dup {
		c.duplicated.Add(1)
		_ = c.deliver(to, clone(datagram), c.delay(cfg))
	}
	return err
}

func (c *Chaos) deliver(to Addr, data []byte, delay time.Duration) error {
	if delay <= 0 {
		return c.under.Send(to, data)
	}
	c.delayed.Add(1)
	time.AfterFunc(delay, func() { _ = c.under.Send(to, data) })
	return nil
}

// SetUp toggles the link. While down, Send fails with ErrLinkDown.
func (c *Chaos) SetUp(up bool) { c.down.Store(!up) }

// SetLoss changes the loss probability at runtime.
func (c *Chaos) SetLoss(p float64) {
	c.cfgMu.Lock()
	c.cfg.Loss = clamp01(p)
	c.cfgMu.Unlock()
}

// Stats returns the counters so far.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Duplicated: c.duplicated.Load(),
		Delayed:    c.delayed.Load(),
	}
}

func (c *Chaos) config() ChaosConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Chaos) delay(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	j := time.Duration(c.intn(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *Chaos) roll() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *Chaos) intn(n int64) int64 {
	if n <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Int63n(n)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
