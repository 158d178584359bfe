package l2cap

import (
	"time"

	"go.uber.org/zap"
)

// busyRetryDelay is how long a timer that fires while its channel is held
// waits before trying again.
const busyRetryDelay = 200 * time.Millisecond

// timer is a channel timer. It is armed and cleared by the holder of the
// channel; the expiry handler runs holding the channel. A stale expiry is
// recognised by its generation and ignored.
type timer struct {
	c    *Channel
	name string
	fn   func()

	// protected by c.mu
	t       *time.Timer
	gen     uint64
	pending bool
}

func newTimer(c *Channel, name string, fn func()) *timer {
	return &timer{c: c, name: name, fn: fn}
}

func (t *timer) set(d time.Duration) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.arm(d)
}

// setIfIdle arms the timer unless it is already running.
func (t *timer) setIfIdle(d time.Duration) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if !t.pending {
		t.arm(d)
	}
}

func (t *timer) clear() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.pending = false
}

func (t *timer) active() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.pending
}

// arm must be called with c.mu held.
func (t *timer) arm(d time.Duration) {
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.pending = true
	t.t = time.AfterFunc(d, func() { t.fire(gen) })
}

func (t *timer) fire(gen uint64) {
	c := t.c
	c.mu.Lock()
	if gen != t.gen || !t.pending {
		c.mu.Unlock()
		return
	}
	if c.owned {
		t.arm(busyRetryDelay)
		c.mu.Unlock()
		return
	}
	t.pending = false
	t.t = nil
	c.owned = true
	c.mu.Unlock()

	c.logger.Debug("timer expired", zap.String("timer", t.name))
	t.fn()
	c.release()
}
