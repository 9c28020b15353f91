// Package gate implements the A2A concurrency gate (C7): a per-agent
// bounded semaphore with FIFO waiters and a queue timeout.
//
// Grounded on the teacher's pkg/ratelimit/limiter.go (Check/Record
// separation, Config-driven limits, per-identifier independence) adapted
// from a token/request-rate limiter to a flow-count admission gate. The
// FIFO waiter queue itself has no analog in the example pack's rate
// limiter (which rejects over-limit callers rather than queuing them), so
// it is built fresh on container/list + sync.Mutex + per-waiter channel.
package gate

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/agentmesh/coordinator/internal/cerrors"
)

// Config controls the gate's per-agent admission limits.
type Config struct {
	MaxConcurrentFlows int
	QueueTimeout       time.Duration
}

type waiter struct {
	ch chan struct{}
}

type agentState struct {
	active  int
	waiters *list.List // of *waiter
}

// Gate is an A2AConcurrencyGate: independent per-agent semaphores, each
// with its own FIFO wait queue.
type Gate struct {
	cfg Config
	mu  sync.Mutex
	m   map[string]*agentState
}

// New builds a Gate from cfg. Defaults MaxConcurrentFlows to 1 and
// QueueTimeout to 2 minutes if unset.
func New(cfg Config) *Gate {
	if cfg.MaxConcurrentFlows <= 0 {
		cfg.MaxConcurrentFlows = 1
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 2 * time.Minute
	}
	return &Gate{cfg: cfg, m: make(map[string]*agentState)}
}

func (g *Gate) stateFor(agentID string) *agentState {
	st, ok := g.m[agentID]
	if !ok {
		st = &agentState{waiters: list.New()}
		g.m[agentID] = st
	}
	return st
}

// Acquire blocks the caller until a permit for agentID is available, the
// queue timeout elapses, or ctx is canceled. flowID identifies the caller
// for logging only; it is not used for bookkeeping.
func (g *Gate) Acquire(ctx context.Context, agentID, flowID string) error {
	g.mu.Lock()
	st := g.stateFor(agentID)
	if st.active < g.cfg.MaxConcurrentFlows {
		st.active++
		g.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	elem := st.waiters.PushBack(w)
	g.mu.Unlock()

	timer := time.NewTimer(g.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return nil
	case <-timer.C:
		g.mu.Lock()
		removed := removeWaiter(st.waiters, elem)
		g.mu.Unlock()
		if !removed {
			// Woken concurrently with the timer firing; honor the grant.
			<-w.ch
			return nil
		}
		return &cerrors.A2AConcurrencyError{AgentID: agentID, QueueTimeoutMs: g.cfg.QueueTimeout.Milliseconds()}
	case <-ctx.Done():
		g.mu.Lock()
		removed := removeWaiter(st.waiters, elem)
		g.mu.Unlock()
		if !removed {
			<-w.ch
			return nil
		}
		return ctx.Err()
	}
}

// Release returns a permit for agentID, waking the longest-waiting queued
// caller if one exists; otherwise it simply decrements the active count.
func (g *Gate) Release(agentID, flowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.m[agentID]
	if !ok {
		return
	}

	if front := st.waiters.Front(); front != nil {
		st.waiters.Remove(front)
		w := front.Value.(*waiter)
		close(w.ch)
		return
	}

	if st.active > 0 {
		st.active--
	}
}

// ActiveCount reports the current number of active flows for agentID, for
// diagnostics and the health/status surface.
func (g *Gate) ActiveCount(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.m[agentID]; ok {
		return st.active
	}
	return 0
}

// QueueLength reports the current number of waiters queued for agentID.
func (g *Gate) QueueLength(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.m[agentID]; ok {
		return st.waiters.Len()
	}
	return 0
}

func removeWaiter(l *list.List, elem *list.Element) bool {
	for e := l.Front(); e != nil; e = e.Next() {
		if e == elem {
			l.Remove(e)
			return true
		}
	}
	return false
}
