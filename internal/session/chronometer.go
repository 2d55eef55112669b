package session

import (
	"fmt"
	"sync"
	"time"
)

// chronometer runs onTick periodically while started. start and stop are idempotent.
type chronometer struct {
	interval time.Duration
	onTick   func()

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func newChronometer(interval time.Duration, onTick func()) *chronometer {
	if interval <= 0 {
		interval = time.Second
	}
	return &chronometer{interval: interval, onTick: onTick}
}

func (c *chronometer) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stopCh, c.done)
}

// stop cancels the ticker and waits for the loop to exit.
// Callers must not hold a lock that onTick acquires.
func (c *chronometer) stop() {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	done := c.done
	c.stopCh = nil
	c.done = nil
	c.mu.Unlock()

	<-done
}

func (c *chronometer) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh != nil
}

func (c *chronometer) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// A stop racing with the tick wins.
			select {
			case <-stopCh:
				return
			default:
			}
			c.onTick()
		}
	}
}

// FormatElapsed renders d as zero-padded HH:MM:SS. Hours keep counting past 24.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
