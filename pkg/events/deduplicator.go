package events

import (
	"sync"
	"time"
)

// Deduplicator reports keys already seen within a time window.
type Deduplicator struct {
	seen          map[string]time.Time
	window        time.Duration
	now           func() time.Time
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewDeduplicator creates a deduplicator and starts its cleanup goroutine.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = time.Minute
	}
	d := &Deduplicator{
		seen:        make(map[string]time.Time),
		window:      window,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	d.cleanupTicker = time.NewTicker(window / 2)
	go d.cleanupLoop()

	return d
}

// IsDuplicate records key and reports whether it was already seen within the window.
func (d *Deduplicator) IsDuplicate(key string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Len returns the number of tracked keys.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) cleanupLoop() {
	for {
		select {
		case <-d.cleanupTicker.C:
			d.cleanup()
		case <-d.stopCleanup:
			d.cleanupTicker.Stop()
			return
		}
	}
}

func (d *Deduplicator) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for key, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() { close(d.stopCleanup) })
}
