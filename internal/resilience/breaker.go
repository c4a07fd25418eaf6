package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("breaker open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	Name string
	// Threshold is the consecutive-failure count that trips the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
}

// Breaker guards a flaky upstream, the LLM provider in practice. After
// Threshold consecutive failures it fails fast with ErrOpen for Cooldown,
// then lets a single probe call through; a probe success closes it again.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. fn's error feeds the failure count;
// ErrOpen never does.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.cfg.Threshold {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		return ErrOpen
	}
	// Cooldown elapsed: admit one probe, hold everyone else.
	if b.probing {
		return ErrOpen
	}
	b.probing = true
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.failures >= b.cfg.Threshold
	b.probing = false
	if ok {
		b.failures = 0
		if wasOpen {
			slog.Info("Breaker closed", "name", b.cfg.Name)
		}
		return
	}
	b.failures++
	if !wasOpen && b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		slog.Warn("Breaker opened", "name", b.cfg.Name, "failures", b.failures)
	} else if wasOpen {
		// Failed probe restarts the cooldown.
		b.openedAt = b.now()
	}
}
