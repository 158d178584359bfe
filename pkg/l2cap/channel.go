package l2cap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Channel is one logical L2CAP channel.
//
// A channel is held by at most one goroutine at a time. Owner calls wait for
// the channel; inbound frames and signalling that arrive while it is held are
// queued and replayed, in order, by the holder when it releases the channel.
type Channel struct {
	id     uuid.UUID
	stack  *Stack
	ops    ChannelOps
	logger *zap.Logger
	state  atomic.Uint32

	mu           sync.Mutex
	cond         *sync.Cond
	owned        bool
	backlog      []func()
	closePending bool

	// Fields below belong to the holder of the channel. scid, dcid and ident
	// are also read by Conn lookups and are written under Conn.mu.
	conn    *Conn
	opts    Options
	psm     uint16
	scid    ChannelID
	dcid    ChannelID
	ident   uint8
	src     BDAddr
	dst     BDAddr
	parent  *Channel
	err     error
	softErr error

	confState  confState
	confBuf    []byte
	numConfReq int
	numConfRsp int
	flushTO    uint16

	remoteTxWin    uint8
	remoteMaxTx    uint8
	remoteMPS      uint16
	mps            uint16
	retransTimeout time.Duration
	monitorTimeout time.Duration

	nextTxSeq      uint8
	expectedTxSeq  uint8
	expectedAckSeq uint8
	bufferSeq      uint8
	bufferSeqSrej  uint8
	srejSaveReqSeq uint8
	unackedFrames  int
	retryCount     uint8
	framesSent     int
	numAcked       int
	connState      connState

	txQ        []*txFrame
	txSendHead int
	srejQ      []*rxFrame
	srejL      []uint8
	sdu        []byte
	sduLen     int
	busySDU    []byte

	chanTimer    *timer
	retransTimer *timer
	monitorTimer *timer
	ackTimer     *timer

	acceptMu   sync.Mutex
	acceptQ    []*Channel
	maxBacklog int
	acceptWake chan struct{}
}

func newChannel(s *Stack, ops ChannelOps) *Channel {
	c := &Channel{
		id:         uuid.New(),
		stack:      s,
		ops:        ops,
		opts:       s.cfg.defaultOptions(),
		acceptWake: make(chan struct{}, 1),
	}
	c.logger = s.logger.With(zap.Stringer("chan", c.id))
	c.cond = sync.NewCond(&c.mu)
	c.state.Store(uint32(StateOpen))
	c.chanTimer = newTimer(c, "chan", c.chanTimeout)
	c.retransTimer = newTimer(c, "retrans", c.retransTimeoutExpired)
	c.monitorTimer = newTimer(c, "monitor", c.monitorTimeoutExpired)
	c.ackTimer = newTimer(c, "ack", c.ackTimeoutExpired)
	return c
}

func (c *Channel) ID() uuid.UUID    { return c.id }
func (c *Channel) State() State     { return State(c.state.Load()) }
func (c *Channel) Ops() ChannelOps  { return c.ops }
func (c *Channel) Stack() *Stack    { return c.stack }
func (c *Channel) String() string   { return c.id.String() }

// hold waits until no other goroutine holds the channel and takes it.
func (c *Channel) hold() {
	c.mu.Lock()
	for c.owned {
		c.cond.Wait()
	}
	c.owned = true
	c.mu.Unlock()
}

// release replays the work queued while the channel was held, gives the
// channel up and delivers a pending close notification.
func (c *Channel) release() {
	c.mu.Lock()
	for len(c.backlog) > 0 {
		fn := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.owned = false
	notify := c.closePending
	c.closePending = false
	err := c.err
	c.cond.Broadcast()
	c.mu.Unlock()

	if notify {
		c.stack.destroy(c)
		c.ops.Close(err)
	}
}

// run executes fn holding the channel, or queues it behind the current
// holder.
func (c *Channel) run(fn func()) {
	c.mu.Lock()
	if c.owned {
		c.backlog = append(c.backlog, fn)
		c.mu.Unlock()
		return
	}
	c.owned = true
	c.mu.Unlock()
	fn()
	c.release()
}

func (c *Channel) setState(s State, err error) {
	old := State(c.state.Swap(uint32(s)))
	if old == s {
		return
	}
	c.logger.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	c.ops.StateChange(s, err)
}

// Options returns the current channel options.
func (c *Channel) Options() Options {
	c.hold()
	defer c.release()
	return c.opts
}

// SetOptions replaces the channel options. It fails once the channel has
// started connecting.
func (c *Channel) SetOptions(o Options) error {
	c.hold()
	defer c.release()
	switch c.State() {
	case StateOpen, StateBound:
	default:
		return ErrInvalidState
	}
	if err := o.validate(c.stack.cfg); err != nil {
		return err
	}
	c.acceptMu.Lock()
	c.opts = o
	c.acceptMu.Unlock()
	return nil
}

// Mode returns the transport mode in use.
func (c *Channel) Mode() Mode {
	c.hold()
	defer c.release()
	return c.opts.Mode
}

func (c *Channel) PSM() uint16 {
	c.hold()
	defer c.release()
	return c.psm
}

func (c *Channel) RemoteAddr() BDAddr {
	c.hold()
	defer c.release()
	return c.dst
}

// Bind assigns a PSM and local address. PSM 0 allocates a free dynamic PSM.
func (c *Channel) Bind(psm uint16, addr BDAddr) error {
	c.hold()
	defer c.release()
	if c.State() != StateOpen {
		return ErrInvalidState
	}
	if psm != 0 && !validPSM(psm) && c.opts.Type == ChannelTypeConnOriented {
		return ErrInvalidPSM
	}
	if err := c.stack.registry.bindPSM(c, psm, addr); err != nil {
		return err
	}
	c.setState(StateBound, nil)
	return nil
}

// BindCID binds the channel to a fixed channel id, such as the LE attribute
// channel.
func (c *Channel) BindCID(cid ChannelID, addr BDAddr) error {
	c.hold()
	defer c.release()
	if c.State() != StateOpen {
		return ErrInvalidState
	}
	if err := c.stack.registry.bindCID(c, cid, addr); err != nil {
		return err
	}
	c.acceptMu.Lock()
	c.opts.Type = ChannelTypeFixed
	c.acceptMu.Unlock()
	c.setState(StateBound, nil)
	return nil
}

// Listen accepts incoming connections on the bound PSM or fixed channel.
func (c *Channel) Listen(backlog int) error {
	c.hold()
	defer c.release()
	if c.State() != StateBound {
		return ErrInvalidState
	}
	switch c.opts.Type {
	case ChannelTypeConnOriented, ChannelTypeFixed:
	default:
		return ErrInvalidState
	}
	if c.psm == 0 && c.scid == 0 {
		if err := c.stack.registry.bindPSM(c, 0, c.src); err != nil {
			return err
		}
	}
	if backlog <= 0 {
		backlog = c.stack.cfg.Backlog
	}
	c.acceptMu.Lock()
	c.maxBacklog = backlog
	c.acceptMu.Unlock()
	c.setState(StateListen, nil)
	return nil
}

// Accept returns the next connected child of a listening channel. With
// DeferSetup a child is returned in StateConnect2 and must be authorized.
func (c *Channel) Accept(ctx context.Context) (*Channel, error) {
	for {
		c.acceptMu.Lock()
		for i := 0; i < len(c.acceptQ); {
			ch := c.acceptQ[i]
			st := ch.State()
			if st == StateClosed {
				c.acceptQ = append(c.acceptQ[:i], c.acceptQ[i+1:]...)
				continue
			}
			if st == StateConnected || (st == StateConnect2 && c.opts.DeferSetup) {
				c.acceptQ = append(c.acceptQ[:i], c.acceptQ[i+1:]...)
				c.acceptMu.Unlock()
				return ch, nil
			}
			i++
		}
		st := c.State()
		c.acceptMu.Unlock()
		switch st {
		case StateListen:
		case StateClosed:
			return nil, ErrClosed
		default:
			return nil, ErrInvalidState
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.acceptWake:
		}
	}
}

func (c *Channel) wakeAccept() {
	select {
	case c.acceptWake <- struct{}{}:
	default:
	}
}

// enqueueChild adds an incoming child unless the backlog is full.
func (c *Channel) enqueueChild(child *Channel) bool {
	c.acceptMu.Lock()
	defer c.acceptMu.Unlock()
	n := 0
	for _, ch := range c.acceptQ {
		if ch.State() != StateClosed {
			n++
		}
	}
	if n >= c.maxBacklog {
		return false
	}
	c.acceptQ = append(c.acceptQ, child)
	return true
}

func (c *Channel) backlogFull() bool {
	c.acceptMu.Lock()
	defer c.acceptMu.Unlock()
	n := 0
	for _, ch := range c.acceptQ {
		if ch.State() != StateClosed {
			n++
		}
	}
	return n >= c.maxBacklog
}

// childOptions are the options an accepted child starts with.
func (c *Channel) childOptions() Options {
	c.acceptMu.Lock()
	defer c.acceptMu.Unlock()
	o := c.opts
	o.OMTU = 0
	return o
}

// Connect opens a connection-oriented channel to psm on addr, or a fixed or
// connectionless channel to addr. It returns once the request is under way;
// progress is reported through ChannelOps.StateChange.
func (c *Channel) Connect(psm uint16, addr BDAddr) error {
	c.hold()
	defer c.release()
	switch c.State() {
	case StateOpen, StateBound:
	case StateConnect, StateConnect2, StateConfig:
		return ErrInProgress
	case StateConnected:
		return ErrIsConnected
	default:
		return ErrInvalidState
	}
	if c.opts.Type == ChannelTypeConnOriented && !validPSM(psm) {
		return ErrInvalidPSM
	}
	linkType := LinkTypeACL
	if c.opts.Type == ChannelTypeFixed && c.scid == ChannelIDAttributeProtocol {
		linkType = LinkTypeLE
	}
	link, err := c.stack.dial(addr, linkType, c.opts.Security, c.authType())
	if err != nil {
		return err
	}
	conn := c.stack.LinkUp(link)

	c.psm = psm
	c.dst = addr
	c.src = link.LocalAddr()
	if err := conn.add(c); err != nil {
		return err
	}
	c.setState(StateConnect, nil)
	c.chanTimer.set(c.stack.cfg.ConnectTimeout)

	if c.opts.Type == ChannelTypeConnOriented && link.Type() == LinkTypeACL {
		c.doStart()
		return nil
	}
	c.chanTimer.clear()
	if c.checkSecurity() {
		c.ready()
	}
	return nil
}

// Authorize completes the setup of an incoming channel accepted with
// DeferSetup.
func (c *Channel) Authorize() error {
	c.hold()
	defer c.release()
	if c.State() != StateConnect2 || !c.opts.DeferSetup || c.conn == nil {
		return ErrInvalidState
	}
	c.setState(StateConfig, nil)
	c.conn.sendCommand(&ConnectionResponsePacket{
		Identifier:     c.ident,
		DestinationCID: c.scid,
		SourceCID:      c.dcid,
		Result:         ConnectionResponseResultSuccessfulConnection,
		Status:         ConnectionResponseStatusNoFurtherInformationAvailable,
	})
	if !c.confState.testAndSet(confReqSent) {
		c.sendConfReq()
	}
	return nil
}

// Send transmits one SDU and returns its length.
func (c *Channel) Send(sdu []byte) (int, error) {
	c.hold()
	defer c.release()
	if err := c.softErr; err != nil {
		c.softErr = nil
		return 0, err
	}
	if c.State() != StateConnected || c.conn == nil {
		return 0, ErrNotConnected
	}
	switch c.opts.Type {
	case ChannelTypeRaw:
		if err := c.conn.link.Send(sdu, c.opts.Flushable); err != nil {
			return 0, err
		}
		return len(sdu), nil
	case ChannelTypeConnectionless:
		if len(sdu) > int(c.omtu()) {
			return 0, ErrMessageTooLong
		}
		f := &GFrame{PSM: c.psm, Payload: sdu}
		if err := c.sendFrame(f, "connectionless"); err != nil {
			return 0, err
		}
		return len(sdu), nil
	}
	if len(sdu) > int(c.omtu()) {
		return 0, ErrMessageTooLong
	}
	switch c.opts.Mode {
	case ModeERTM, ModeStreaming:
		c.queueSDU(sdu)
		if c.opts.Mode == ModeStreaming {
			c.streamingSend()
		} else if !c.connState.has(connWaitF) {
			c.ertmSend()
		}
	default:
		f := &BFrame{ChannelID: c.dcid, Payload: sdu}
		if err := c.sendFrame(f, "basic"); err != nil {
			return 0, err
		}
	}
	return len(sdu), nil
}

// SetBusy tells the channel whether its owner can accept more SDUs. Clearing
// busy redelivers an SDU the owner refused earlier.
func (c *Channel) SetBusy(busy bool) {
	c.hold()
	defer c.release()
	if c.opts.Mode != ModeERTM || c.State() != StateConnected {
		return
	}
	if busy {
		if !c.connState.has(connLocalBusy) {
			c.enterLocalBusy()
		}
		return
	}
	c.exitLocalBusy()
}

// Close shuts the channel down. Connected channels disconnect gracefully;
// ChannelOps.Close reports completion.
func (c *Channel) Close() error {
	return c.closeWith(nil)
}

func (c *Channel) closeWith(reason error) error {
	c.hold()
	st := c.State()
	if st == StateClosed {
		c.release()
		return ErrClosed
	}
	var children []*Channel
	if st == StateListen {
		c.acceptMu.Lock()
		children, c.acceptQ = c.acceptQ, nil
		c.acceptMu.Unlock()
	}
	c.chanClose(reason)
	c.release()
	c.wakeAccept()
	for _, ch := range children {
		_ = ch.closeWith(ErrConnReset)
	}
	return nil
}

func (c *Channel) omtu() uint16 {
	if c.opts.OMTU == 0 {
		return DefaultMTU
	}
	return c.opts.OMTU
}

// authType derives the authentication requirement from the security level.
func (c *Channel) authType() AuthType {
	switch {
	case c.opts.Type == ChannelTypeRaw:
		switch c.opts.Security {
		case SecurityHigh:
			return AuthDedicatedBondingMITM
		case SecurityMedium:
			return AuthDedicatedBonding
		}
		return AuthNoBonding
	case c.psm == PSMSDP:
		if c.opts.Security == SecurityLow {
			c.opts.Security = SecuritySDP
		}
		if c.opts.Security == SecurityHigh {
			return AuthNoBondingMITM
		}
		return AuthNoBonding
	}
	switch c.opts.Security {
	case SecurityHigh:
		return AuthGeneralBondingMITM
	case SecurityMedium:
		return AuthGeneralBonding
	}
	return AuthNoBonding
}

func (c *Channel) checkSecurity() bool {
	if c.conn == nil {
		return false
	}
	return c.conn.link.SecurityCheck(c.opts.Security, c.authType())
}

func (c *Channel) sendFrame(f Frame, kind string) error {
	buf, err := f.Marshal()
	if err != nil {
		return err
	}
	return c.sendPDU(buf, kind)
}

func (c *Channel) sendPDU(pdu []byte, kind string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.stack.metrics.framesSent.WithLabelValues(kind).Inc()
	if err := c.conn.link.Send(pdu, c.opts.Flushable); err != nil {
		c.logger.Warn("failed to send frame", zap.String("kind", kind), zap.Error(err))
		return err
	}
	return nil
}

// ready marks the channel connected and notifies the owner.
func (c *Channel) ready() {
	c.confState = 0
	c.chanTimer.clear()
	c.setState(StateConnected, nil)
	c.logger.Info("channel connected",
		zap.Uint16("scid", uint16(c.scid)),
		zap.Uint16("dcid", uint16(c.dcid)),
		zap.Stringer("mode", c.opts.Mode))
	if c.parent != nil {
		c.parent.wakeAccept()
	}
}

// chanTimeout fires when a channel makes no progress while connecting,
// configuring or disconnecting.
func (c *Channel) chanTimeout() {
	var reason error
	switch st := c.State(); {
	case st == StateConnected || st == StateConfig:
		reason = ErrConnRefused
	case st == StateConnect && c.opts.Security != SecuritySDP:
		reason = ErrConnRefused
	default:
		reason = ErrTimedOut
	}
	c.logger.Debug("channel timeout", zap.Error(reason))
	c.chanClose(reason)
}

// chanClose moves the channel towards StateClosed according to its state.
func (c *Channel) chanClose(reason error) {
	classic := c.conn != nil && c.conn.link.Type() == LinkTypeACL &&
		c.opts.Type == ChannelTypeConnOriented
	switch c.State() {
	case StateConnected, StateConfig:
		if classic {
			c.sendDisconnReq(reason)
			return
		}
		c.chanDel(reason)
	case StateConnect2:
		if classic {
			result := ConnectionResponseResultRefusedPSMNotSupported
			if c.opts.DeferSetup {
				result = ConnectionResponseResultRefusedSecurityBlock
			}
			c.setState(StateDisconn, reason)
			c.conn.sendCommand(&ConnectionResponsePacket{
				Identifier:     c.ident,
				DestinationCID: c.scid,
				SourceCID:      c.dcid,
				Result:         result,
				Status:         ConnectionResponseStatusNoFurtherInformationAvailable,
			})
		}
		c.chanDel(reason)
	default:
		c.chanDel(reason)
	}
}

// sendDisconnReq starts a disconnect. The channel is deleted when the
// response arrives or the disconnect timer fires.
func (c *Channel) sendDisconnReq(reason error) {
	if c.conn == nil {
		return
	}
	if c.opts.Mode == ModeERTM {
		c.retransTimer.clear()
		c.monitorTimer.clear()
		c.ackTimer.clear()
	}
	if c.err == nil {
		c.err = reason
	}
	c.conn.sendCommand(&DisconnectionRequestPacket{
		Identifier:     c.conn.nextIdent(),
		DestinationCID: c.dcid,
		SourceCID:      c.scid,
	})
	c.setState(StateDisconn, reason)
	c.chanTimer.set(c.stack.cfg.DisconnectTimeout)
}

// chanDel detaches the channel from its link and closes it. The owner is
// notified once the channel is released.
func (c *Channel) chanDel(reason error) {
	if c.State() == StateClosed && c.conn == nil {
		return
	}
	c.chanTimer.clear()
	c.retransTimer.clear()
	c.monitorTimer.clear()
	c.ackTimer.clear()
	if c.conn != nil {
		c.conn.remove(c)
		c.conn = nil
	}
	if c.err == nil {
		c.err = reason
	}
	c.txQ, c.txSendHead = nil, 0
	c.srejQ, c.srejL = nil, nil
	c.sdu, c.busySDU = nil, nil
	c.setState(StateClosed, c.err)
	if c.parent != nil {
		c.parent.wakeAccept()
	}
	if reason != nil {
		c.stack.metrics.disconnects.WithLabelValues(reasonLabel(reason)).Inc()
	}
	c.logger.Info("channel closed", zap.Uint16("scid", uint16(c.scid)), zap.NamedError("reason", c.err))

	c.mu.Lock()
	c.closePending = true
	c.mu.Unlock()
}
