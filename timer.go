package main

import (
	"sync"
	"time"
)

// roundTimer drives a fixed number of countdown ticks into a single
// callback. Stop is idempotent; once it returns, no further ticks are
// delivered. A tick already in flight serializes against other session
// operations through the session's own lock.
type roundTimer struct {
	interval time.Duration
	ticks    int
	tick     func()

	once sync.Once
	stop chan struct{}
}

func newRoundTimer(duration, interval time.Duration, tick func()) *roundTimer {
	t := &roundTimer{
		interval: interval,
		ticks:    int(duration / interval),
		tick:     tick,
		stop:     make(chan struct{}),
	}

	go t.run()

	return t
}

func (t *roundTimer) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for i := 0; i < t.ticks; i++ {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			select {
			case <-t.stop:
				return
			default:
			}

			t.tick()
		}
	}
}

func (t *roundTimer) Stop() {
	t.once.Do(func() {
		close(t.stop)
	})
}
