package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second, holding at
// most burst tokens.
type Limiter struct {
	rate     float64
	burst    int
	tokens   float64
	lastSeen time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastSeen: now(),
		now:      now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if they are all available.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastSeen).Seconds()
	l.lastSeen = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen
}

// Limiters hands out one Limiter per key, e.g. one per room for answer
// submissions. Limiters unused for longer than the idle timeout are evicted.
type Limiters struct {
	limiters    map[string]*Limiter
	rate        float64
	burst       int
	idleTimeout time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewLimiters(rate float64, burst int) *Limiters {
	ls := &Limiters{
		limiters:    make(map[string]*Limiter),
		rate:        rate,
		burst:       burst,
		idleTimeout: 10 * time.Minute,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	go ls.cleanup(time.Minute)
	return ls
}

func (ls *Limiters) Get(key string) *Limiter {
	ls.mu.RLock()
	limiter, ok := ls.limiters[key]
	ls.mu.RUnlock()
	if ok {
		return limiter
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if limiter, ok := ls.limiters[key]; ok {
		return limiter
	}
	limiter = newLimiter(ls.rate, ls.burst, ls.now)
	ls.limiters[key] = limiter
	return limiter
}

// Allow is Get(key).Allow().
func (ls *Limiters) Allow(key string) bool {
	return ls.Get(key).Allow()
}

func (ls *Limiters) Remove(key string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.limiters, key)
}

func (ls *Limiters) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.limiters)
}

func (ls *Limiters) Stop() {
	ls.stopOnce.Do(func() { close(ls.stop) })
}

func (ls *Limiters) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			ls.evictIdle()
		}
	}
}

func (ls *Limiters) evictIdle() int {
	cutoff := ls.now().Add(-ls.idleTimeout)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	evicted := 0
	for key, limiter := range ls.limiters {
		if limiter.idleSince().Before(cutoff) {
			delete(ls.limiters, key)
			evicted++
		}
	}
	return evicted
}
