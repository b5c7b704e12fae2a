package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// Pool keeps pre-warmed base interpreter states so session startup skips
// library setup. States are handed out exactly once and never returned: a
// state that ran sketch code carries that sketch's globals and must not be
// reused across an isolation boundary.
type Pool struct {
	mu          sync.Mutex
	idle        []*lua.LState
	minIdle     int
	maxIdle     int
	refillDelay time.Duration

	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// PoolConfig controls pre-warming.
type PoolConfig struct {
	MinIdle     int
	MaxIdle     int
	RefillDelay time.Duration
}

// NewPool creates a pool; Start begins the refill loop.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MinIdle < 1 {
		cfg.MinIdle = 2
	}
	if cfg.MaxIdle < cfg.MinIdle {
		cfg.MaxIdle = cfg.MinIdle * 2
	}
	if cfg.RefillDelay == 0 {
		cfg.RefillDelay = 250 * time.Millisecond
	}

	p := &Pool{
		minIdle: cfg.MinIdle,
		maxIdle: cfg.MaxIdle,
		done:    make(chan struct{}),
	}
	p.refillDelay = cfg.RefillDelay
	p.refill()
	return p
}

// Start launches the background refill loop.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()

	log.Info().
		Int("min_idle", p.minIdle).
		Int("max_idle", p.maxIdle).
		Msg("interpreter pool started")
}

// Acquire returns a pre-warmed base state, or nil if the pool is empty (the
// caller then builds one inline).
func (p *Pool) Acquire() *lua.LState {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	L := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return L
}

// Size reports the current idle count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stop drains and closes all idle states.
func (p *Pool) Stop() {
	p.stop.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, L := range p.idle {
		L.Close()
	}
	if len(p.idle) > 0 {
		log.Info().Int("count", len(p.idle)).Msg("drained pooled interpreter states")
	}
	p.idle = nil
}

func (p *Pool) refillLoop(ctx context.Context) {
	ticker := time.NewTicker(p.refillDelay)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill()
		}
	}
}

func (p *Pool) refill() {
	p.mu.Lock()
	current := len(p.idle)
	p.mu.Unlock()

	for current < p.minIdle {
		L := newBaseState()
		p.mu.Lock()
		if len(p.idle) >= p.maxIdle {
			p.mu.Unlock()
			L.Close()
			return
		}
		p.idle = append(p.idle, L)
		current = len(p.idle)
		p.mu.Unlock()
	}
}
