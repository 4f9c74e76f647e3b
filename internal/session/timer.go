package session

import (
	"sync"
	"time"
)

// Ticker delivers periodic ticks
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d
type TickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Timer runs a callback on every tick until stopped
type Timer struct {
	interval  time.Duration
	newTicker TickerFunc

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewTimer creates a stopped timer
func NewTimer(interval time.Duration, newTicker TickerFunc) *Timer {
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	return &Timer{interval: interval, newTicker: newTicker}
}

// Start begins ticking. It returns false if the timer is already running.
func (t *Timer) Start(onTick func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return false
	}

	stop := make(chan struct{})
	t.stop = stop
	ticker := t.newTicker(t.interval)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				select {
				case <-stop:
					return
				default:
				}
				onTick()
			}
		}
	}()

	return true
}

// Stop halts ticking without waiting for the goroutine; idempotent
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Running reports whether the timer is ticking
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Wait blocks until every ticking goroutine has exited
func (t *Timer) Wait() {
	t.wg.Wait()
}
