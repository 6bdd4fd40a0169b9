package events

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of live session runners. New sessions past the
// limit evict the least-recently-used idle runner; when every runner is
// busy, admission fails and the caller retries later. A periodic sweep
// disconnects runners idle past a TTL.
type Pool struct {
	factory         AgentFactory
	env             *execEnv
	max             int
	idleTTL         time.Duration
	cleanupInterval time.Duration

	mu      sync.Mutex
	runners map[string]*SessionRunner
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newPool(factory AgentFactory, env *execEnv, max int, idleTTL, cleanupInterval time.Duration) *Pool {
	return &Pool{
		factory:         factory,
		env:             env,
		max:             max,
		idleTTL:         idleTTL,
		cleanupInterval: cleanupInterval,
		runners:         make(map[string]*SessionRunner),
	}
}

// start launches the periodic idle sweep. Idempotent.
func (p *Pool) start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the runner for session, creating it if absent. At
// capacity it evicts the least-recently-used idle runner to make room; if
// no runner is idle it returns nil, which callers must treat as transient
// backpressure.
func (p *Pool) GetOrCreate(session string) *SessionRunner {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return nil
	}

	if r, ok := p.runners[session]; ok {
		p.mu.Unlock()
		r.touch()
		return r
	}

	var evicted *SessionRunner
	if len(p.runners) >= p.max {
		name, victim := p.oldestIdle()
		if victim == nil {
			p.mu.Unlock()
			return nil
		}
		delete(p.runners, name)
		evicted = victim
	}

	agent, err := p.factory(session)
	if err != nil {
		p.mu.Unlock()
		if evicted != nil {
			evicted.close()
		}
		slog.Error("events: agent factory failed", "session", session, "error", err)
		return nil
	}

	r := newSessionRunner(session, agent, p.env)
	p.runners[session] = r
	p.mu.Unlock()

	if evicted != nil {
		evicted.close()
	}
	return r
}

// oldestIdle returns the idle runner with the oldest last-used time.
// Caller holds p.mu.
func (p *Pool) oldestIdle() (string, *SessionRunner) {
	var (
		name   string
		oldest *SessionRunner
	)
	for n, r := range p.runners {
		if !r.Idle() {
			continue
		}
		if oldest == nil || r.LastUsed().Before(oldest.LastUsed()) {
			name, oldest = n, r
		}
	}
	return name, oldest
}

// sweep disconnects idle runners past the TTL, then evicts oldest-idle
// runners until the pool is back under its limit.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.idleTTL)
	var victims []*SessionRunner

	p.mu.Lock()
	for name, r := range p.runners {
		if r.Idle() && r.LastUsed().Before(cutoff) {
			delete(p.runners, name)
			victims = append(victims, r)
		}
	}
	for len(p.runners) > p.max {
		name, victim := p.oldestIdle()
		if victim == nil {
			slog.Warn("events: pool over limit with no idle runner to evict", "size", len(p.runners), "max", p.max)
			break
		}
		delete(p.runners, name)
		victims = append(victims, victim)
	}
	p.mu.Unlock()

	for _, r := range victims {
		r.close()
	}
}

// size returns the current number of live runners.
func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}

// forceClose stops the sweep and disconnects every runner unconditionally,
// regardless of pending work. This is the "stop now" path, distinct from
// graceful idle eviction.
func (p *Pool) forceClose() {
	p.mu.Lock()
	if p.running {
		p.running = false
		close(p.stopCh)
	}
	doneCh := p.doneCh
	victims := make([]*SessionRunner, 0, len(p.runners))
	for _, r := range p.runners {
		victims = append(victims, r)
	}
	p.runners = make(map[string]*SessionRunner)
	p.mu.Unlock()

	if doneCh != nil {
		<-doneCh
	}

	var g errgroup.Group
	for _, r := range victims {
		r := r
		g.Go(func() error {
			r.close()
			return nil
		})
	}
	_ = g.Wait()
}
