package auth

import (
	"sync"
	"time"
)

// loginLimiter は IP ごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type loginLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	lockFor  time.Duration
	max      int
	failures map[string]*failureWindow
	now      func() time.Time
}

type failureWindow struct {
	count       int
	startedAt   time.Time
	lockedUntil time.Time
}

func newLoginLimiter(max int, window, lockFor time.Duration) *loginLimiter {
	return &loginLimiter{
		window:   window,
		lockFor:  lockFor,
		max:      max,
		failures: make(map[string]*failureWindow),
		now:      time.Now,
	}
}

// retryAfter はロック中なら残り時間を、そうでなければ 0 を返します。
func (l *loginLimiter) retryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.failures[key]
	if !ok {
		return 0
	}
	if left := w.lockedUntil.Sub(l.now()); left > 0 {
		return left
	}
	return 0
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *loginLimiter) fail(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.failures[key]
	// 窓を過ぎたかロックが明けたら数え直す
	if !ok || now.Sub(w.startedAt) > l.window || (!w.lockedUntil.IsZero() && !now.Before(w.lockedUntil)) {
		w = &failureWindow{startedAt: now}
		l.failures[key] = w
	}
	if w.count < l.max {
		w.count++
	}
	if w.count == l.max {
		w.lockedUntil = now.Add(l.lockFor)
	}
	return l.max - w.count
}

func (l *loginLimiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}
