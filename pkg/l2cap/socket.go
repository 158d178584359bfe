package l2cap

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/atomic"
)

// Socket owns a channel and exposes it with blocking, io.ReadWriteCloser
// style calls. Each Read returns one SDU.
type Socket struct {
	ch *Channel

	// rxMu orders a refused Recv against the reader draining rx.
	rxMu sync.Mutex
	rx   chan []byte
	busy atomic.Bool

	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

var _ io.ReadWriteCloser = (*Socket)(nil)

// NewSocket creates a socket on a fresh channel. A nil opts keeps the stack
// defaults.
func NewSocket(stack *Stack, opts *Options) (*Socket, error) {
	s := newSocket(stack)
	if opts != nil {
		if err := s.ch.SetOptions(*opts); err != nil {
			s.ch.Close()
			return nil, err
		}
	}
	return s, nil
}

func newSocket(stack *Stack) *Socket {
	s := &Socket{
		rx:     make(chan []byte, stack.cfg.ReceiveQueue),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.ch = stack.NewChannel(&socketOps{s: s})
	return s
}

// Channel returns the underlying channel.
func (s *Socket) Channel() *Channel { return s.ch }

// Dial connects to psm on addr and waits until the channel is configured.
func (s *Socket) Dial(ctx context.Context, psm uint16, addr BDAddr) error {
	if err := s.ch.Connect(psm, addr); err != nil {
		return err
	}
	select {
	case <-s.ready:
		return nil
	case <-s.closed:
		return s.closeErr()
	case <-ctx.Done():
		s.ch.Close()
		return ctx.Err()
	}
}

// Listen binds psm on addr and accepts connections to it. PSM 0 picks a free
// dynamic PSM.
func (s *Socket) Listen(psm uint16, addr BDAddr, backlog int) error {
	if err := s.ch.Bind(psm, addr); err != nil {
		return err
	}
	return s.ch.Listen(backlog)
}

// Accept waits for the next incoming connection.
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	ch, err := s.ch.Accept(ctx)
	if err != nil {
		return nil, err
	}
	ops, ok := ch.Ops().(*socketOps)
	if !ok {
		return nil, errors.New("accepted channel is not owned by a socket")
	}
	return ops.s, nil
}

// Read returns the next SDU. A buffer shorter than the SDU receives its head
// and io.ErrShortBuffer.
func (s *Socket) Read(b []byte) (int, error) {
	select {
	case sdu := <-s.rx:
		return s.consume(b, sdu)
	default:
	}
	select {
	case sdu := <-s.rx:
		return s.consume(b, sdu)
	case <-s.closed:
		select {
		case sdu := <-s.rx:
			return s.consume(b, sdu)
		default:
		}
		if err := s.closeErr(); err != nil && !errors.Is(err, ErrConnReset) {
			return 0, err
		}
		return 0, io.EOF
	}
}

func (s *Socket) consume(b, sdu []byte) (int, error) {
	s.rxMu.Lock()
	resume := len(s.rx) <= cap(s.rx)/2 && s.busy.CAS(true, false)
	s.rxMu.Unlock()
	if resume {
		s.ch.SetBusy(false)
	}
	n := copy(b, sdu)
	if n < len(sdu) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// Write sends b as one SDU.
func (s *Socket) Write(b []byte) (int, error) {
	return s.ch.Send(b)
}

// Close disconnects the channel. Close on a closed socket is a no-op.
func (s *Socket) Close() error {
	if err := s.ch.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Done is closed once the channel has closed.
func (s *Socket) Done() <-chan struct{} { return s.closed }

// Err returns the reason the channel closed, if any.
func (s *Socket) Err() error { return s.closeErr() }

func (s *Socket) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// socketOps receives channel callbacks for a Socket.
type socketOps struct {
	s *Socket
}

func (o *socketOps) NewConnection() *Channel {
	return newSocket(o.s.ch.Stack()).ch
}

func (o *socketOps) Recv(sdu []byte) error {
	o.s.rxMu.Lock()
	defer o.s.rxMu.Unlock()
	select {
	case o.s.rx <- sdu:
		return nil
	default:
		o.s.busy.Store(true)
		return ErrBusy
	}
}

func (o *socketOps) StateChange(state State, err error) {
	if state == StateConnected {
		o.s.readyOnce.Do(func() { close(o.s.ready) })
	}
}

func (o *socketOps) Close(err error) {
	o.s.closeOnce.Do(func() {
		o.s.mu.Lock()
		o.s.err = err
		o.s.mu.Unlock()
		close(o.s.closed)
	})
}
