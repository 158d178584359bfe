package l2cap

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

var (
	localAddr  = BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	remoteAddr = BDAddr{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
)

const (
	testDCID ChannelID = 0x0041
	testMPS  uint16    = 48
)

// testConfig keeps every timer well beyond the length of a test.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetransmissionTimeout = time.Minute
	cfg.MonitorTimeout = time.Minute
	cfg.AckTimeout = time.Minute
	cfg.ConnectTimeout = time.Minute
	cfg.DisconnectTimeout = time.Minute
	cfg.InfoTimeout = time.Minute
	return cfg
}

func newTestStack(t *testing.T, cfg Config, opts ...Option) *Stack {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := NewStack(cfg, opts...)
	if err != nil {
		t.Fatalf("NewStack() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recordLink is an incoming link that records every PDU sent on it.
type recordLink struct {
	typ     LinkType
	central bool
	// denied fails every security check while set.
	denied atomic.Bool

	mu     sync.Mutex
	sent   [][]byte
	params [][4]uint16
}

func newRecordLink(typ LinkType) *recordLink {
	return &recordLink{typ: typ}
}

func (l *recordLink) Send(pdu []byte, flushable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, append([]byte(nil), pdu...))
	return nil
}

func (l *recordLink) SecurityCheck(SecurityLevel, AuthType) bool { return !l.denied.Load() }
func (l *recordLink) Type() LinkType                             { return l.typ }
func (l *recordLink) LocalAddr() BDAddr                          { return localAddr }
func (l *recordLink) RemoteAddr() BDAddr                         { return remoteAddr }
func (l *recordLink) Outgoing() bool                             { return false }

func (l *recordLink) MTU() int {
	if l.typ == LinkTypeLE {
		return 251
	}
	return 1021
}

func (l *recordLink) IsCentral() bool { return l.central }

func (l *recordLink) UpdateConnParams(min, max, latency, timeout uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params = append(l.params, [4]uint16{min, max, latency, timeout})
	return nil
}

// take returns and forgets the PDUs sent so far.
func (l *recordLink) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	sent := l.sent
	l.sent = nil
	return sent
}

// testOps collects the SDUs delivered to a channel. While busy is set it
// refuses them.
type testOps struct {
	busy atomic.Bool

	mu   sync.Mutex
	sdus [][]byte
}

func (o *testOps) NewConnection() *Channel { return nil }

func (o *testOps) Recv(sdu []byte) error {
	if o.busy.Load() {
		return ErrBusy
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sdus = append(o.sdus, sdu)
	return nil
}

func (o *testOps) StateChange(State, error) {}
func (o *testOps) Close(error)              {}

func (o *testOps) received() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.sdus...)
}

// attach adds a fresh channel to link with testDCID as the remote channel id
// and runs setup holding it.
func attach(t *testing.T, s *Stack, link Link, ops ChannelOps, setup func(c *Channel)) *Channel {
	t.Helper()
	conn := s.LinkUp(link)
	c := s.NewChannel(ops)
	var err error
	c.run(func() {
		if err = conn.add(c); err != nil {
			return
		}
		conn.setDcid(c, testDCID)
		setup(c)
	})
	if err != nil {
		t.Fatalf("add() = %v", err)
	}
	t.Cleanup(func() { s.LinkDown(link, ErrConnReset) })
	return c
}

// configured completes configuration in mode with testMPS in both
// directions.
func configured(mode Mode) func(c *Channel) {
	return func(c *Channel) {
		c.opts.Mode = mode
		c.mps, c.remoteMPS = testMPS, testMPS
		c.remoteMaxTx = DefaultMaxTx
		c.setState(StateConfig, nil)
		c.configDone()
	}
}

// pipeLink is one end of an in-memory ACL link between two stacks. PDUs
// are handed to the peer stack in order from a goroutine, so a stack never
// re-enters itself through its own sends.
type pipeLink struct {
	p        *pipe
	stack    *Stack
	peer     *pipeLink
	local    BDAddr
	remote   BDAddr
	outgoing bool
	q        chan []byte

	// drop, when set before the link is used, discards matching PDUs.
	drop func(pdu []byte) bool
}

func (l *pipeLink) Send(pdu []byte, flushable bool) error {
	if l.drop != nil && l.drop(pdu) {
		return nil
	}
	select {
	case l.q <- append([]byte(nil), pdu...):
		return nil
	case <-l.p.done:
		return ErrNotConnected
	}
}

func (l *pipeLink) SecurityCheck(SecurityLevel, AuthType) bool { return true }
func (l *pipeLink) Type() LinkType                             { return LinkTypeACL }
func (l *pipeLink) MTU() int                                   { return 1021 }
func (l *pipeLink) LocalAddr() BDAddr                          { return l.local }
func (l *pipeLink) RemoteAddr() BDAddr                         { return l.remote }
func (l *pipeLink) Outgoing() bool                             { return l.outgoing }

func (l *pipeLink) deliver() {
	defer l.p.wg.Done()
	for {
		select {
		case pdu := <-l.q:
			l.peer.stack.Recv(l.peer, pdu, true)
		case <-l.p.done:
			return
		}
	}
}

type pipe struct {
	client, server *pipeLink

	done chan struct{}
	wg   sync.WaitGroup
}

func (p *pipe) Dial(BDAddr, LinkType, SecurityLevel, AuthType) (Link, error) {
	return p.client, nil
}

// newTestPair connects a client and a server stack with a pipe. The client
// dials through the pipe.
func newTestPair(t *testing.T, clientCfg, serverCfg Config) (*Stack, *Stack, *pipe) {
	t.Helper()
	p := &pipe{done: make(chan struct{})}
	client := newTestStack(t, clientCfg, WithDialer(p))
	server := newTestStack(t, serverCfg)
	p.client = &pipeLink{p: p, stack: client, local: localAddr, remote: remoteAddr, outgoing: true, q: make(chan []byte, 1024)}
	p.server = &pipeLink{p: p, stack: server, local: remoteAddr, remote: localAddr, q: make(chan []byte, 1024)}
	p.client.peer, p.server.peer = p.server, p.client
	server.LinkUp(p.server)
	client.LinkUp(p.client)
	p.wg.Add(2)
	go p.client.deliver()
	go p.server.deliver()
	t.Cleanup(func() {
		close(p.done)
		p.wg.Wait()
	})
	return client, server, p
}
