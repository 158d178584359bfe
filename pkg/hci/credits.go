package hci

import (
	"sync"

	"golang.org/x/sys/unix"
)

// credits tracks the controller's ACL data buffers. A packet may only be
// written while the controller has a free buffer; buffers come back through
// number of completed packets events or when a link goes down.
type credits struct {
	mu        sync.Mutex
	cond      *sync.Cond
	mtu       int
	remaining int
	pending   map[uint16]int
	closed    bool
}

func newCredits(mtu int) *credits {
	c := &credits{mtu: mtu, pending: make(map[uint16]int)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// reset applies the buffer size and count read from the controller.
func (c *credits) reset(mtu, total int) {
	c.mu.Lock()
	c.mtu = mtu
	c.remaining = total
	for h := range c.pending {
		delete(c.pending, h)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *credits) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// acquire waits for a free buffer and charges it to handle. gone reports
// whether the link went away while waiting.
func (c *credits) acquire(handle uint16, gone func() bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.remaining == 0 {
		if c.closed || gone() {
			return unix.ENOTCONN
		}
		c.cond.Wait()
	}
	if c.closed || gone() {
		return unix.ENOTCONN
	}
	c.remaining--
	c.pending[handle]++
	return nil
}

// refund returns a buffer that was acquired but never written.
func (c *credits) refund(handle uint16) {
	c.complete(handle, 1)
}

// complete returns n buffers the controller finished with for handle.
func (c *credits) complete(handle uint16, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p := c.pending[handle]; n > p {
		n = p
	}
	if n == 0 {
		return
	}
	c.pending[handle] -= n
	if c.pending[handle] == 0 {
		delete(c.pending, handle)
	}
	c.remaining += n
	c.cond.Broadcast()
}

// drop returns every buffer still charged to a disconnected handle.
func (c *credits) drop(handle uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining += c.pending[handle]
	delete(c.pending, handle)
	c.cond.Broadcast()
}

func (c *credits) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
}
