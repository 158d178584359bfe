package l2cap

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Stack is an L2CAP protocol instance. Links are attached to it by the HCI
// layer; channels are created on it by their owners.
type Stack struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	dialer   Dialer
	registry *registry

	mu    sync.Mutex
	conns map[Link]*Conn
}

type Option func(*Stack)

func WithLogger(l *zap.Logger) Option {
	return func(s *Stack) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Stack) { s.metrics = m }
}

// WithDialer sets how outgoing channels obtain links.
func WithDialer(d Dialer) Option {
	return func(s *Stack) { s.dialer = d }
}

func NewStack(cfg Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:      cfg,
		logger:   zap.L(),
		registry: newRegistry(),
		conns:    make(map[Link]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.logger = s.logger.Named("l2cap")
	return s, nil
}

func (s *Stack) Config() Config { return s.cfg }

// NewChannel creates an unbound connection-oriented channel owned by ops.
func (s *Stack) NewChannel(ops ChannelOps) *Channel {
	c := newChannel(s, ops)
	s.registry.add(c)
	s.metrics.channels.Inc()
	return c
}

// destroy forgets a closed channel.
func (s *Stack) destroy(c *Channel) {
	if s.registry.remove(c) {
		s.metrics.channels.Dec()
	}
}

func (s *Stack) dial(addr BDAddr, t LinkType, level SecurityLevel, auth AuthType) (Link, error) {
	if s.dialer == nil {
		return nil, ErrNoDialer
	}
	return s.dialer.Dial(addr, t, level, auth)
}

// Conn returns the L2CAP state of link, or nil if the link is not attached.
func (s *Stack) Conn(link Link) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[link]
}

// LinkUp attaches a link. It is idempotent and returns the link's Conn.
func (s *Stack) LinkUp(link Link) *Conn {
	s.mu.Lock()
	conn, ok := s.conns[link]
	if !ok {
		conn = newConn(s, link)
		s.conns[link] = conn
	}
	s.mu.Unlock()
	if !ok {
		conn.logger.Info("link up", zap.Bool("outgoing", link.Outgoing()))
		conn.ready()
	}
	return conn
}

// LinkDown detaches a link and closes every channel on it with err.
func (s *Stack) LinkDown(link Link, err error) {
	s.mu.Lock()
	conn, ok := s.conns[link]
	delete(s.conns, link)
	s.mu.Unlock()
	if ok {
		conn.del(err)
	}
}

// Recv feeds one ACL fragment received on link. start marks the first
// fragment of a PDU.
func (s *Stack) Recv(link Link, frag []byte, start bool) error {
	conn := s.Conn(link)
	if conn == nil {
		return ErrNotConnected
	}
	conn.recvACL(frag, start)
	return nil
}

// EncryptionChanged reports the outcome of a security procedure on link.
// status is the HCI status, zero on success.
func (s *Stack) EncryptionChanged(link Link, status uint8, encrypt bool) {
	if conn := s.Conn(link); conn != nil {
		conn.securityChanged(status, encrypt)
	}
}

// Close closes every channel and detaches every link, closing links that
// implement io.Closer.
func (s *Stack) Close() error {
	var err error
	for _, c := range s.registry.all() {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[Link]*Conn)
	s.mu.Unlock()
	for link, conn := range conns {
		conn.del(ErrConnAborted)
		if cl, ok := link.(io.Closer); ok {
			err = multierr.Append(err, cl.Close())
		}
	}
	return err
}
