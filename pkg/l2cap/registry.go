package l2cap

import (
	"sync"

	"github.com/google/uuid"
)

// binding is what the registry knows about a channel's local address.
type binding struct {
	c   *Channel
	typ ChannelType
	psm uint16
	cid ChannelID
	src BDAddr
}

// registry is the stack wide set of channels. It is used to match incoming
// connections and connectionless traffic against bound channels.
type registry struct {
	mu    sync.RWMutex
	chans map[uuid.UUID]*binding
}

func newRegistry() *registry {
	return &registry{chans: make(map[uuid.UUID]*binding)}
}

func (r *registry) add(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[c.id] = &binding{c: c}
}

func (r *registry) remove(c *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chans[c.id]; !ok {
		return false
	}
	delete(r.chans, c.id)
	return true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chans)
}

func (r *registry) all() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chans := make([]*Channel, 0, len(r.chans))
	for _, b := range r.chans {
		chans = append(chans, b.c)
	}
	return chans
}

// psmInUse must be called with r.mu held.
func (r *registry) psmInUse(psm uint16, src BDAddr) bool {
	for _, b := range r.chans {
		if b.psm == psm && b.src == src {
			return true
		}
	}
	return false
}

// bindPSM records the PSM and address of c. PSM 0 picks the first free
// dynamic PSM. It must be called holding c.
func (r *registry) bindPSM(c *Channel, psm uint16, src BDAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.chans[c.id]
	if !ok {
		return ErrClosed
	}
	if psm != 0 {
		if r.psmInUse(psm, src) {
			return ErrAddrInUse
		}
	} else {
		for p := psmDynamicStart; p < psmDynamicEnd; p += 2 {
			if !r.psmInUse(p, src) {
				psm = p
				break
			}
		}
		if psm == 0 {
			return ErrNoPSM
		}
	}
	b.typ, b.psm, b.src = c.opts.Type, psm, src
	c.psm, c.src = psm, src
	return nil
}

// bindCID records a fixed channel id for c. It must be called holding c.
func (r *registry) bindCID(c *Channel, cid ChannelID, src BDAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.chans[c.id]
	if !ok {
		return ErrClosed
	}
	for _, o := range r.chans {
		if o.cid == cid && o.src == src {
			return ErrAddrInUse
		}
	}
	b.typ, b.cid, b.src = ChannelTypeFixed, cid, src
	c.scid, c.src = cid, src
	return nil
}

// findListening returns the channel listening on psm, preferring one bound
// to src over one bound to any address.
func (r *registry) findListening(psm uint16, src BDAddr) *Channel {
	return r.find(func(b *binding) bool {
		return b.psm == psm && b.c.State() == StateListen
	}, src)
}

// findListeningCID is findListening for fixed channels.
func (r *registry) findListeningCID(cid ChannelID, src BDAddr) *Channel {
	return r.find(func(b *binding) bool {
		return b.cid == cid && b.c.State() == StateListen
	}, src)
}

// findByCID returns a bound or connected fixed channel.
func (r *registry) findByCID(cid ChannelID, src BDAddr) *Channel {
	return r.find(func(b *binding) bool {
		st := b.c.State()
		return b.cid == cid && (st == StateBound || st == StateConnected)
	}, src)
}

func (r *registry) find(match func(*binding) bool, src BDAddr) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var wildcard *Channel
	for _, b := range r.chans {
		if !match(b) {
			continue
		}
		if b.src == src {
			return b.c
		}
		if b.src == BDAddrAny {
			wildcard = b.c
		}
	}
	return wildcard
}

// connectionless returns every connectionless channel that receives psm.
func (r *registry) connectionless(psm uint16, src BDAddr) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chans []*Channel
	for _, b := range r.chans {
		if b.typ != ChannelTypeConnectionless || b.psm != psm {
			continue
		}
		if b.src != src && b.src != BDAddrAny {
			continue
		}
		if st := b.c.State(); st == StateBound || st == StateConnected {
			chans = append(chans, b.c)
		}
	}
	return chans
}

func validPSM(psm uint16) bool {
	return psm&0x0101 == 0x0001
}
