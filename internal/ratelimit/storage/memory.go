package storage

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// idleEvictionInterval mirrors the teacher's in-process cache cleanup cadence.
const idleEvictionInterval = 5 * time.Minute

// idleTTL is how long an unused key's sliding-window state is kept around.
const idleTTL = 10 * time.Minute

// event is one consumed unit at a point in time, used to build the sliding
// window sum. amount is 1 for request-count keys and `tokens` for
// token-count keys.
type event struct {
	at     time.Time
	amount int
}

// keyState is the exclusive, per-key sliding-window log. Callers only ever
// contend with other callers of the *same* key, never unrelated keys.
type keyState struct {
	mu       sync.Mutex
	events   *list.List // of event, oldest first
	lastUsed time.Time
}

// Memory is an in-process sliding-window-log rate limiter. Burst tolerance
// is zero: the sum of allowed outcomes in any interval of length W never
// exceeds L.
type Memory struct {
	mapMu sync.Mutex
	keys  map[string]*keyState

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemory constructs a Memory storage backend and starts its background
// idle-eviction goroutine, stopped by Close.
func NewMemory() *Memory {
	m := &Memory{
		keys: make(map[string]*keyState),
		done: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.evictLoop()
	return m
}

func (m *Memory) CheckAndConsume(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	return m.checkAndConsume(key, 1, limit, window)
}

func (m *Memory) CheckAndConsumeTokens(ctx context.Context, key string, tokens, limit int, window time.Duration) (Result, error) {
	if tokens == 0 || limit == 0 {
		return Result{Allowed: true}, nil
	}
	if tokens > limit {
		return Result{Allowed: false, Permanent: true}, nil
	}
	return m.checkAndConsume(key, tokens, limit, window)
}

func (m *Memory) checkAndConsume(key string, delta, limit int, window time.Duration) (Result, error) {
	state := m.stateFor(key)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now()
	state.lastUsed = now
	cutoff := now.Add(-window)

	sum := 0
	for e := state.events.Front(); e != nil; {
		next := e.Next()
		ev := e.Value.(event)
		if ev.at.Before(cutoff) {
			state.events.Remove(e)
		} else {
			sum += ev.amount
		}
		e = next
	}

	if sum+delta > limit {
		oldest := state.events.Front()
		retryAfter := window
		if oldest != nil {
			ev := oldest.Value.(event)
			retryAfter = ev.at.Add(window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Result{Allowed: false, RetryAfter: retryAfter}, nil
	}

	state.events.PushBack(event{at: now, amount: delta})
	return Result{Allowed: true}, nil
}

func (m *Memory) stateFor(key string) *keyState {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	s, ok := m.keys[key]
	if !ok {
		s = &keyState{events: list.New(), lastUsed: time.Now()}
		m.keys[key] = s
	}
	return s
}

func (m *Memory) evictLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(idleEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictIdle() {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	now := time.Now()
	for key, s := range m.keys {
		s.mu.Lock()
		idle := now.Sub(s.lastUsed) > idleTTL
		s.mu.Unlock()
		if idle {
			delete(m.keys, key)
		}
	}
}

// Close stops the eviction goroutine.
func (m *Memory) Close() error {
	close(m.done)
	m.wg.Wait()
	return nil
}
