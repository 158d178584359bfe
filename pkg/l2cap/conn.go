package l2cap

import (
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn is the L2CAP state of one link: its channels, signalling identifiers,
// the peer's features and the ACL reassembly buffer.
type Conn struct {
	stack  *Stack
	link   Link
	logger *zap.Logger

	mu         sync.RWMutex
	chans      []*Channel
	txIdent    uint8
	infoState  infoState
	infoIdent  uint8
	featMask   FeatureMask
	fixedChans FixedChannels
	infoTimer  *time.Timer

	rxMu  sync.Mutex
	rxBuf []byte
	rxLen int
}

func newConn(s *Stack, link Link) *Conn {
	return &Conn{
		stack: s,
		link:  link,
		logger: s.logger.With(
			zap.Stringer("remote", link.RemoteAddr()),
			zap.Uint8("type", uint8(link.Type()))),
	}
}

func (conn *Conn) Link() Link { return conn.link }

// FeatureMask returns the features the peer advertised.
func (conn *Conn) FeatureMask() FeatureMask {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.featMask
}

// nextIdent returns the next signalling identifier in 1..128.
func (conn *Conn) nextIdent() uint8 {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.txIdent++
	if conn.txIdent > 128 {
		conn.txIdent = 1
	}
	return conn.txIdent
}

func (conn *Conn) signallingCID() ChannelID {
	if conn.link.Type() == LinkTypeLE {
		return ChannelIDSignallingLEU
	}
	return ChannelIDSignallingACLU
}

func (conn *Conn) sendCommand(p SignallingPacket) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	f := &BFrame{ChannelID: conn.signallingCID(), Payload: buf}
	pdu, err := f.Marshal()
	if err != nil {
		return err
	}
	conn.stack.metrics.framesSent.WithLabelValues("signalling").Inc()
	if err := conn.link.Send(pdu, false); err != nil {
		conn.logger.Warn("failed to send signalling command", zap.Error(err))
		return err
	}
	return nil
}

// add attaches c to the link and assigns its channel ids.
func (conn *Conn) add(c *Channel) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	switch {
	case c.opts.Type == ChannelTypeFixed,
		c.opts.Type == ChannelTypeConnOriented && conn.link.Type() == LinkTypeLE:
		if c.scid == ChannelIDNull {
			c.scid = ChannelIDAttributeProtocol
		}
		c.dcid = c.scid
		c.opts.OMTU = DefaultLEMTU
	case c.opts.Type == ChannelTypeConnOriented:
		cid := conn.allocCID()
		if cid == ChannelIDNull {
			return ErrNoCID
		}
		c.scid = cid
		c.opts.OMTU = DefaultMTU
	case c.opts.Type == ChannelTypeConnectionless:
		c.scid, c.dcid = ChannelIDConnectionless, ChannelIDConnectionless
		c.opts.OMTU = DefaultMTU
	default:
		c.scid, c.dcid = ChannelIDSignallingACLU, ChannelIDSignallingACLU
		c.opts.OMTU = DefaultMTU
	}
	c.conn = conn
	conn.chans = append(conn.chans, c)
	return nil
}

// allocCID must be called with conn.mu held.
func (conn *Conn) allocCID() ChannelID {
	for cid := ChannelIDDynamicStart; cid < ChannelIDDynamicEnd; cid++ {
		if conn.scidLocked(cid) == nil {
			return cid
		}
	}
	return ChannelIDNull
}

func (conn *Conn) remove(c *Channel) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i, ch := range conn.chans {
		if ch == c {
			conn.chans = append(conn.chans[:i], conn.chans[i+1:]...)
			return
		}
	}
}

func (conn *Conn) snapshot() []*Channel {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return append([]*Channel(nil), conn.chans...)
}

func (conn *Conn) scidLocked(cid ChannelID) *Channel {
	for _, c := range conn.chans {
		if c.scid == cid {
			return c
		}
	}
	return nil
}

func (conn *Conn) findByScid(cid ChannelID) *Channel {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.scidLocked(cid)
}

func (conn *Conn) findByDcid(cid ChannelID) *Channel {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	for _, c := range conn.chans {
		if c.dcid == cid {
			return c
		}
	}
	return nil
}

func (conn *Conn) findByIdent(ident uint8) *Channel {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	for _, c := range conn.chans {
		if c.ident == ident {
			return c
		}
	}
	return nil
}

// setDcid and setIdent update fields that lookups read under conn.mu.
func (conn *Conn) setDcid(c *Channel, cid ChannelID) {
	conn.mu.Lock()
	c.dcid = cid
	conn.mu.Unlock()
}

func (conn *Conn) setIdent(c *Channel, ident uint8) {
	conn.mu.Lock()
	c.ident = ident
	conn.mu.Unlock()
}

// recvACL reassembles ACL fragments into L2CAP PDUs.
func (conn *Conn) recvACL(frag []byte, start bool) {
	conn.rxMu.Lock()
	if start {
		if conn.rxLen > 0 {
			conn.logger.Warn("unexpected start frame", zap.Int("pending", conn.rxLen))
			conn.rxBuf, conn.rxLen = nil, 0
			conn.rxMu.Unlock()
			conn.unreliable(ErrComm)
			conn.rxMu.Lock()
		}
		if len(frag) < headerSize {
			conn.rxMu.Unlock()
			conn.logger.Warn("start frame too short", zap.Int("len", len(frag)))
			conn.unreliable(ErrComm)
			return
		}
		n := int(binary.LittleEndian.Uint16(frag)) + headerSize
		if n == len(frag) {
			conn.rxMu.Unlock()
			conn.recvFrame(frag)
			return
		}
		if len(frag) > n {
			conn.rxMu.Unlock()
			conn.logger.Warn("frame is too long", zap.Int("len", len(frag)), zap.Int("expected", n))
			conn.unreliable(ErrComm)
			return
		}
		conn.rxBuf = append(make([]byte, 0, n), frag...)
		conn.rxLen = n - len(frag)
		conn.rxMu.Unlock()
		return
	}
	if conn.rxLen == 0 {
		conn.rxMu.Unlock()
		conn.logger.Warn("unexpected continuation frame", zap.Int("len", len(frag)))
		conn.unreliable(ErrComm)
		return
	}
	if len(frag) > conn.rxLen {
		conn.rxBuf, conn.rxLen = nil, 0
		conn.rxMu.Unlock()
		conn.logger.Warn("fragment is too long", zap.Int("len", len(frag)))
		conn.unreliable(ErrComm)
		return
	}
	conn.rxBuf = append(conn.rxBuf, frag...)
	conn.rxLen -= len(frag)
	if conn.rxLen > 0 {
		conn.rxMu.Unlock()
		return
	}
	pdu := conn.rxBuf
	conn.rxBuf = nil
	conn.rxMu.Unlock()
	conn.recvFrame(pdu)
}

// unreliable reports lost data to channels that asked to hear about it.
func (conn *Conn) unreliable(err error) {
	for _, c := range conn.snapshot() {
		c := c
		c.run(func() {
			if c.opts.ForceReliable {
				c.softErr = err
			}
		})
	}
}

// recvFrame dispatches a complete PDU by channel id.
func (conn *Conn) recvFrame(pdu []byte) {
	var f BFrame
	if err := f.Unmarshal(pdu); err != nil {
		conn.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	switch f.ChannelID {
	case ChannelIDSignallingACLU, ChannelIDSignallingLEU:
		conn.stack.metrics.framesReceived.WithLabelValues("signalling").Inc()
		conn.sigChannel(pdu, f.Payload)
	case ChannelIDConnectionless:
		var g GFrame
		if err := g.Unmarshal(pdu); err != nil {
			conn.logger.Warn("dropping malformed connectionless frame", zap.Error(err))
			return
		}
		conn.stack.metrics.framesReceived.WithLabelValues("connectionless").Inc()
		conn.connectionless(g.PSM, g.Payload)
	case ChannelIDAttributeProtocol:
		conn.stack.metrics.framesReceived.WithLabelValues("fixed").Inc()
		conn.fixedChannel(f.ChannelID, f.Payload)
	case ChannelIDSecurityManagerProtocol:
		conn.logger.Debug("dropping security manager frame")
	default:
		conn.dataChannel(f.ChannelID, pdu)
	}
}

// rawRecv offers a copy of a signalling PDU to every raw channel.
func (conn *Conn) rawRecv(pdu []byte) {
	for _, c := range conn.snapshot() {
		c := c
		c.run(func() {
			if c.opts.Type != ChannelTypeRaw || c.State() != StateConnected {
				return
			}
			if err := c.ops.Recv(append([]byte(nil), pdu...)); err != nil {
				c.logger.Debug("raw channel dropped frame", zap.Error(err))
			}
		})
	}
}

func (conn *Conn) connectionless(psm uint16, payload []byte) {
	chans := conn.stack.registry.connectionless(psm, conn.link.LocalAddr())
	if len(chans) == 0 {
		conn.logger.Debug("no connectionless channel", zap.Uint16("psm", psm))
		return
	}
	for _, c := range chans {
		c := c
		c.run(func() {
			if len(payload) > int(c.opts.IMTU) {
				return
			}
			if err := c.ops.Recv(append([]byte(nil), payload...)); err != nil {
				c.logger.Debug("connectionless channel dropped frame", zap.Error(err))
			}
		})
	}
}

// fixedChannel delivers LE attribute traffic to the channel attached to this
// link, or to a bound channel when none is.
func (conn *Conn) fixedChannel(cid ChannelID, payload []byte) {
	c := conn.findByScid(cid)
	if c == nil {
		c = conn.stack.registry.findByCID(cid, conn.link.LocalAddr())
	}
	if c == nil {
		conn.logger.Debug("no channel for fixed cid", zap.Uint16("cid", uint16(cid)))
		return
	}
	c.run(func() {
		if st := c.State(); st != StateBound && st != StateConnected {
			return
		}
		if len(payload) > int(c.opts.IMTU) {
			return
		}
		if err := c.ops.Recv(append([]byte(nil), payload...)); err != nil {
			c.logger.Debug("fixed channel dropped frame", zap.Error(err))
		}
	})
}

func (conn *Conn) dataChannel(cid ChannelID, pdu []byte) {
	c := conn.findByScid(cid)
	if c == nil {
		conn.logger.Debug("unknown channel", zap.Uint16("cid", uint16(cid)))
		return
	}
	c.run(func() { c.dataRecv(pdu) })
}

// requestFeatures sends the feature mask information request once per link.
func (conn *Conn) requestFeatures() {
	conn.mu.Lock()
	if conn.infoState&infoFeatMaskReqSent != 0 {
		conn.mu.Unlock()
		return
	}
	conn.infoState |= infoFeatMaskReqSent
	conn.mu.Unlock()

	ident := conn.nextIdent()
	conn.mu.Lock()
	conn.infoIdent = ident
	conn.infoTimer = time.AfterFunc(conn.stack.cfg.InfoTimeout, conn.infoTimeout)
	conn.mu.Unlock()
	conn.sendCommand(&InformationRequestPacket{
		Identifier: ident,
		InfoType:   InfoTypeExtendedFeaturesSupported,
	})
}

// featuresKnown reports whether the information exchange has been started
// and whether it has finished.
func (conn *Conn) featuresKnown() (sent, done bool) {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.infoState&infoFeatMaskReqSent != 0, conn.infoState&infoFeatMaskReqDone != 0
}

// finishInfo ends the information exchange and starts waiting channels.
func (conn *Conn) finishInfo() {
	conn.mu.Lock()
	if conn.infoState&infoFeatMaskReqDone != 0 {
		conn.mu.Unlock()
		return
	}
	conn.infoState |= infoFeatMaskReqDone
	conn.infoIdent = 0
	if conn.infoTimer != nil {
		conn.infoTimer.Stop()
		conn.infoTimer = nil
	}
	conn.mu.Unlock()
	conn.start()
}

func (conn *Conn) infoTimeout() {
	conn.logger.Debug("information request timed out")
	conn.finishInfo()
}

// start resumes channels that were waiting for the information exchange or
// for security.
func (conn *Conn) start() {
	for _, c := range conn.snapshot() {
		c.run(c.resume)
	}
}

// ready runs when the link is up.
func (conn *Conn) ready() {
	if conn.link.Type() == LinkTypeLE && !conn.link.Outgoing() {
		conn.leReady()
	}
	for _, c := range conn.snapshot() {
		c := c
		c.run(func() {
			if c.conn != conn {
				return
			}
			switch {
			case conn.link.Type() == LinkTypeLE:
				if c.State() != StateConnected && c.checkSecurity() {
					c.ready()
				}
			case c.opts.Type != ChannelTypeConnOriented:
				c.chanTimer.clear()
				c.setState(StateConnected, nil)
			case c.State() == StateConnect:
				c.doStart()
			}
		})
	}
}

// leReady spawns a child of the channel listening on the LE attribute
// channel for an incoming LE link.
func (conn *Conn) leReady() {
	parent := conn.stack.registry.findListeningCID(ChannelIDAttributeProtocol, conn.link.LocalAddr())
	if parent == nil || parent.backlogFull() {
		return
	}
	child := parent.ops.NewConnection()
	if child == nil {
		return
	}
	child.run(func() {
		child.opts = parent.childOptions()
		child.opts.Type = ChannelTypeFixed
		child.opts.Mode = ModeBasic
		child.parent = parent
		child.src = conn.link.LocalAddr()
		child.dst = conn.link.RemoteAddr()
		if err := conn.add(child); err != nil {
			child.chanDel(err)
			return
		}
		if !parent.enqueueChild(child) {
			child.chanDel(ErrConnRefused)
			return
		}
		child.chanTimer.set(conn.stack.cfg.ConnectTimeout)
		child.ready()
	})
}

// securityChanged reacts to an authentication or encryption change on the
// link. status is the HCI status, zero on success.
func (conn *Conn) securityChanged(status uint8, encrypt bool) {
	for _, c := range conn.snapshot() {
		c := c
		c.run(func() {
			if c.conn != conn {
				return
			}
			c.securityChanged(status, encrypt)
		})
	}
}

// del tears down every channel on the link.
func (conn *Conn) del(err error) {
	conn.mu.Lock()
	if conn.infoTimer != nil {
		conn.infoTimer.Stop()
		conn.infoTimer = nil
	}
	chans := append([]*Channel(nil), conn.chans...)
	conn.mu.Unlock()

	conn.rxMu.Lock()
	conn.rxBuf, conn.rxLen = nil, 0
	conn.rxMu.Unlock()

	for _, c := range chans {
		c := c
		c.run(func() { c.chanDel(err) })
	}
	conn.logger.Info("link down", zap.Int("channels", len(chans)), zap.Error(err))
}
