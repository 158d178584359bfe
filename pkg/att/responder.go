package att

import (
	"context"
	"errors"
	"sync"

	"github.com/muxable/l2cap/pkg/l2cap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Responder answers Attribute Protocol requests on the LE attribute channel
// of every incoming LE link. It holds no attributes: discovery finds nothing
// and every other request is unsupported.
type Responder struct {
	ch       *l2cap.Channel
	logger   *zap.Logger
	mtu      uint16
	queue    int
	requests *prometheus.CounterVec
}

type ResponderOption func(*Responder)

func WithLogger(l *zap.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// WithMTU sets the server receive MTU reported by Exchange MTU.
func WithMTU(mtu uint16) ResponderOption {
	return func(r *Responder) { r.mtu = mtu }
}

// WithRegisterer registers the request counter with reg.
func WithRegisterer(reg prometheus.Registerer) ResponderOption {
	return func(r *Responder) {
		r.requests = newRequestsCounter(reg)
	}
}

func newRequestsCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "att",
		Name:      "requests_total",
		Help:      "Attribute protocol requests answered, by opcode and result.",
	}, []string{"opcode", "result"})
}

// NewResponder binds the LE attribute channel on stack and listens on it.
func NewResponder(stack *l2cap.Stack, opts ...ResponderOption) (*Responder, error) {
	r := &Responder{
		logger: zap.L(),
		mtu:    l2cap.DefaultLEMTU,
		queue:  8,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.requests == nil {
		r.requests = newRequestsCounter(nil)
	}
	r.logger = r.logger.Named("att")
	r.ch = stack.NewChannel(&listenerOps{r: r})
	if err := r.ch.BindCID(l2cap.ChannelIDAttributeProtocol, l2cap.BDAddrAny); err != nil {
		r.ch.Close()
		return nil, err
	}
	if err := r.ch.Listen(0); err != nil {
		r.ch.Close()
		return nil, err
	}
	return r, nil
}

// Serve takes attached links off the listener's backlog until ctx is done or
// the responder is closed.
func (r *Responder) Serve(ctx context.Context) error {
	for {
		ch, err := r.ch.Accept(ctx)
		if err != nil {
			if errors.Is(err, l2cap.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		r.logger.Info("attribute channel attached", zap.Stringer("chan", ch), zap.Stringer("addr", ch.RemoteAddr()))
	}
}

func (r *Responder) Close() error {
	if err := r.ch.Close(); err != nil && !errors.Is(err, l2cap.ErrClosed) {
		return err
	}
	return nil
}

// Handle returns the response to one request PDU, or nil when none is due.
func (r *Responder) Handle(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	op := Opcode(req[0])
	rsp, result := r.handle(op, req)
	if rsp != nil {
		r.requests.WithLabelValues(op.String(), result).Inc()
	}
	return rsp
}

func (r *Responder) handle(op Opcode, req []byte) ([]byte, string) {
	if op&commandFlag != 0 {
		return nil, ""
	}
	switch op {
	case OpcodeHandleValueConfirmation:
		return nil, ""
	case OpcodeExchangeMTURequest:
		var p ExchangeMTURequestPacket
		if err := p.Unmarshal(req); err != nil {
			return errorResponse(op, 0, ErrorCodeInvalidPDU)
		}
		buf, _ := (&ExchangeMTUResponsePacket{ServerRxMTU: r.mtu}).Marshal()
		return buf, "ok"
	case OpcodeFindInformationRequest, OpcodeFindByTypeValueRequest,
		OpcodeReadByTypeRequest, OpcodeReadByGroupTypeRequest:
		hr, err := UnmarshalHandleRange(req)
		if err != nil {
			return errorResponse(op, 0, ErrorCodeInvalidPDU)
		}
		if !hr.Valid() {
			return errorResponse(op, hr.StartingHandle, ErrorCodeInvalidHandle)
		}
		return errorResponse(op, hr.StartingHandle, ErrorCodeAttributeNotFound)
	}
	if op&0x01 != 0 {
		// Responses, notifications and indications.
		return nil, ""
	}
	return errorResponse(op, 0, ErrorCodeRequestNotSupported)
}

func errorResponse(op Opcode, handle uint16, code ErrorCode) ([]byte, string) {
	buf, _ := (&ErrorResponsePacket{RequestOpcode: op, AttributeHandle: handle, ErrorCode: code}).Marshal()
	return buf, code.String()
}

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeInvalidHandle:
		return "invalid_handle"
	case ErrorCodeInvalidPDU:
		return "invalid_pdu"
	case ErrorCodeRequestNotSupported:
		return "request_not_supported"
	case ErrorCodeAttributeNotFound:
		return "attribute_not_found"
	}
	return "error"
}

// listenerOps owns the bound attribute channel.
type listenerOps struct {
	r *Responder
}

func (o *listenerOps) NewConnection() *l2cap.Channel {
	s := &session{
		r:    o.r,
		reqs: make(chan []byte, o.r.queue),
		done: make(chan struct{}),
	}
	s.ch = o.r.ch.Stack().NewChannel(s)
	go s.serve()
	return s.ch
}

// Recv sees traffic for links with no attached channel, such as links this
// side initiated. Nothing can be answered on them.
func (o *listenerOps) Recv(sdu []byte) error {
	o.r.logger.Debug("dropping attribute pdu for unattached link", zap.Int("len", len(sdu)))
	return nil
}

func (o *listenerOps) StateChange(state l2cap.State, err error) {}

func (o *listenerOps) Close(err error) {
	o.r.logger.Debug("attribute listener closed", zap.Error(err))
}

// session serves one link. Requests are answered from its own goroutine since
// channel callbacks must not send.
type session struct {
	r    *Responder
	ch   *l2cap.Channel
	reqs chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) serve() {
	for {
		select {
		case req := <-s.reqs:
			rsp := s.r.Handle(req)
			if rsp == nil {
				continue
			}
			if _, err := s.ch.Send(rsp); err != nil {
				s.r.logger.Debug("attribute response not sent", zap.Stringer("chan", s.ch), zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) NewConnection() *l2cap.Channel { return nil }

func (s *session) Recv(sdu []byte) error {
	select {
	case s.reqs <- sdu:
		return nil
	default:
		return l2cap.ErrBusy
	}
}

func (s *session) StateChange(state l2cap.State, err error) {}

func (s *session) Close(err error) {
	s.once.Do(func() { close(s.done) })
}
