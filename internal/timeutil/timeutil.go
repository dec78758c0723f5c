// Package timeutil schedules periodic background refreshes.
package timeutil

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Loop invokes Handler right away and then once per jittered Interval.
// Kick moves the next invocation up to now.
type Loop struct {
	Handler  func(context.Context)
	Interval time.Duration

	once  sync.Once
	kicks chan struct{}
}

func (l *Loop) wake() chan struct{} {
	l.once.Do(func() { l.kicks = make(chan struct{}, 1) })
	return l.kicks
}

// Run blocks until ctx is done. Handler calls never overlap.
func (l *Loop) Run(ctx context.Context) {
	wake := l.wake()
	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-next.C:
		case <-wake:
			if !next.Stop() {
				select {
				case <-next.C:
				default:
				}
			}
		}

		l.Handler(ctx)
		next.Reset(Jitter(l.Interval))
	}
}

// Kick is a no-op when a run is already pending.
func (l *Loop) Kick() {
	select {
	case l.wake() <- struct{}{}:
	default:
	}
}

// Jitter spreads d uniformly over [0.9d, 1.1d].
func Jitter(d time.Duration) time.Duration {
	spread := d / 5
	if spread <= 0 {
		return d
	}
	return d - spread/2 + time.Duration(rand.Int63n(int64(spread)+1))
}
