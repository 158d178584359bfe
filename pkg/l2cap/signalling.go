package l2cap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var errUnknownCommand = errors.New("unknown signalling command")

// securityRetryDelay is how long a channel whose security procedure failed
// lingers before it is closed.
const securityRetryDelay = 100 * time.Millisecond

// sigChannel handles a signalling PDU, which may carry several commands.
func (conn *Conn) sigChannel(pdu, buf []byte) {
	conn.rawRecv(pdu)

	for len(buf) >= commandHeaderSize {
		hdr, err := parseCommandHeader(buf)
		if err != nil {
			return
		}
		n := commandHeaderSize + int(hdr.Length)
		if n > len(buf) || hdr.Identifier == 0 {
			conn.logger.Warn("corrupted signalling command",
				zap.Uint8("code", uint8(hdr.Opcode)),
				zap.Uint8("ident", hdr.Identifier),
				zap.Int("len", int(hdr.Length)))
			return
		}
		cmd := buf[:n]
		buf = buf[n:]

		if conn.link.Type() == LinkTypeLE {
			err = conn.leSigCmd(cmd)
		} else {
			err = conn.sigCmd(cmd)
		}
		if err != nil {
			conn.logger.Debug("rejecting signalling command",
				zap.Uint8("code", uint8(hdr.Opcode)), zap.Error(err))
			conn.sendCommand(&CommandRejectResponsePacket{
				CommandRejectReason: CommandRejectReasonCommandNotUnderstood,
				Identifier:          hdr.Identifier,
			})
		}
	}
}

func (conn *Conn) sigCmd(cmd []byte) error {
	p, err := UnmarshalSignallingPacket(cmd)
	if err != nil {
		return err
	}
	switch p := p.(type) {
	case *CommandRejectResponsePacket:
		conn.commandReject(p)
	case *ConnectionRequestPacket:
		conn.connectReq(p)
	case *ConnectionResponsePacket:
		conn.connectRsp(p)
	case *ConfigurationRequestPacket:
		conn.configReq(p)
	case *ConfigurationResponsePacket:
		conn.configRsp(p)
	case *DisconnectionRequestPacket:
		conn.disconnReq(p)
	case *DisconnectionResponsePacket:
		conn.disconnRsp(p)
	case *EchoRequestPacket:
		conn.sendCommand(&EchoResponsePacket{Identifier: p.Identifier, EchoData: p.EchoData})
	case *EchoResponsePacket:
	case *InformationRequestPacket:
		conn.infoReq(p)
	case *InformationResponsePacket:
		conn.infoRsp(p)
	default:
		return errUnknownCommand
	}
	return nil
}

func (conn *Conn) leSigCmd(cmd []byte) error {
	p, err := UnmarshalSignallingPacket(cmd)
	if err != nil {
		return err
	}
	switch p := p.(type) {
	case *CommandRejectResponsePacket, *ConnectionParameterUpdateResponsePacket:
		return nil
	case *ConnectionParameterUpdateRequestPacket:
		return conn.connParamUpdateReq(p)
	}
	return errUnknownCommand
}

func (conn *Conn) commandReject(p *CommandRejectResponsePacket) {
	if p.CommandRejectReason != CommandRejectReasonCommandNotUnderstood {
		return
	}
	conn.mu.RLock()
	pending := conn.infoState&infoFeatMaskReqSent != 0 && p.Identifier == conn.infoIdent
	conn.mu.RUnlock()
	if pending {
		conn.finishInfo()
	}
}

func (conn *Conn) connectReq(p *ConnectionRequestPacket) {
	rsp := &ConnectionResponsePacket{
		Identifier: p.Identifier,
		SourceCID:  p.SourceCID,
		Result:     ConnectionResponseResultRefusedNoResourcesAvailable,
		Status:     ConnectionResponseStatusNoFurtherInformationAvailable,
	}

	parent := conn.stack.registry.findListening(p.PSM, conn.link.LocalAddr())
	if parent == nil {
		conn.logger.Debug("no listener", zap.Uint16("psm", p.PSM))
		rsp.Result = ConnectionResponseResultRefusedPSMNotSupported
		conn.sendCommand(rsp)
		return
	}
	if parent.backlogFull() {
		conn.logger.Debug("backlog full", zap.Uint16("psm", p.PSM))
		conn.sendCommand(rsp)
		return
	}
	if conn.findByDcid(p.SourceCID) != nil {
		rsp.Result = ConnectionResponseResultRefusedSourceCIDAlreadyAllocated
		conn.sendCommand(rsp)
		return
	}
	child := parent.ops.NewConnection()
	if child == nil {
		conn.sendCommand(rsp)
		return
	}

	child.run(func() {
		child.opts = parent.childOptions()
		child.parent = parent
		child.psm = p.PSM
		child.src = conn.link.LocalAddr()
		child.dst = conn.link.RemoteAddr()
		child.dcid = p.SourceCID
		child.ident = p.Identifier
		if err := conn.add(child); err != nil {
			conn.sendCommand(rsp)
			child.chanDel(err)
			return
		}
		if !parent.enqueueChild(child) {
			conn.sendCommand(rsp)
			child.chanDel(ErrConnRefused)
			return
		}
		rsp.DestinationCID = child.scid
		child.setState(StateConnect2, nil)
		child.chanTimer.set(conn.stack.cfg.ConnectTimeout)

		if _, done := conn.featuresKnown(); done {
			rsp.Result, rsp.Status = child.acceptResult()
		} else {
			rsp.Result = ConnectionResponseResultPending
			rsp.Status = ConnectionResponseStatusNoFurtherInformationAvailable
		}
		conn.sendCommand(rsp)

		if rsp.Result == ConnectionResponseResultPending &&
			rsp.Status == ConnectionResponseStatusNoFurtherInformationAvailable {
			conn.requestFeatures()
		}
		if rsp.Result == ConnectionResponseResultSuccessfulConnection &&
			!child.confState.testAndSet(confReqSent) {
			child.sendConfReq()
		}
	})
}

func (conn *Conn) connectRsp(p *ConnectionResponsePacket) {
	var c *Channel
	if p.SourceCID != ChannelIDNull {
		c = conn.findByScid(p.SourceCID)
	} else {
		c = conn.findByIdent(p.Identifier)
	}
	if c == nil {
		return
	}
	c.run(func() {
		if c.conn != conn || c.State() != StateConnect {
			return
		}
		switch p.Result {
		case ConnectionResponseResultSuccessfulConnection:
			c.setState(StateConfig, nil)
			conn.setIdent(c, 0)
			conn.setDcid(c, p.DestinationCID)
			c.confState.clear(confConnectPend)
			if !c.confState.testAndSet(confReqSent) {
				c.sendConfReq()
			}
		case ConnectionResponseResultPending:
			c.confState.set(confConnectPend)
		default:
			c.logger.Info("connection refused", zap.Uint16("result", uint16(p.Result)))
			c.chanDel(ErrConnRefused)
		}
	})
}

func (conn *Conn) rejectCID(ident uint8, scid, dcid ChannelID) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(scid))
	binary.LittleEndian.PutUint16(data[2:], uint16(dcid))
	conn.sendCommand(&CommandRejectResponsePacket{
		CommandRejectReason: CommandRejectReasonInvalidCIDInRequest,
		Identifier:          ident,
		ReasonData:          data,
	})
}

func (conn *Conn) configReq(p *ConfigurationRequestPacket) {
	c := conn.findByScid(p.DestinationCID)
	if c == nil {
		conn.rejectCID(p.Identifier, p.DestinationCID, ChannelIDNull)
		return
	}
	opts := append([]byte(nil), p.Options...)
	c.run(func() {
		if c.conn != conn {
			return
		}
		c.configReq(p.Identifier, p.Flags, opts)
	})
}

// configReq accumulates the peer's configuration request and answers it
// once complete.
func (c *Channel) configReq(ident uint8, flags ConfigurationFlags, opts []byte) {
	if st := c.State(); st != StateConfig && st != StateConnect2 {
		c.conn.rejectCID(ident, c.scid, c.dcid)
		return
	}
	rsp := &ConfigurationResponsePacket{Identifier: ident, SourceCID: c.dcid}
	if len(c.confBuf)+len(opts) > confBufSize {
		rsp.Result = ConfigurationResultRejected
		c.conn.sendCommand(rsp)
		return
	}
	c.confBuf = append(c.confBuf, opts...)
	if flags&ConfigurationFlagContinuation != 0 {
		rsp.Flags = ConfigurationFlagContinuation
		rsp.Result = ConfigurationResultSuccess
		c.conn.sendCommand(rsp)
		return
	}

	rspOpts, result, err := c.parseConfReq()
	if err != nil {
		c.logger.Info("configuration failed", zap.Error(err))
		c.sendDisconnReq(err)
		return
	}
	rsp.Result, rsp.Options = result, rspOpts
	c.conn.sendCommand(rsp)
	c.numConfRsp++
	c.confBuf = c.confBuf[:0]

	if !c.confState.has(confOutputDone) {
		return
	}
	if c.confState.has(confInputDone) {
		c.configDone()
		return
	}
	if !c.confState.testAndSet(confReqSent) {
		c.sendConfReq()
	}
}

func (conn *Conn) configRsp(p *ConfigurationResponsePacket) {
	c := conn.findByScid(p.SourceCID)
	if c == nil {
		return
	}
	opts := append([]byte(nil), p.Options...)
	c.run(func() {
		if c.conn != conn {
			return
		}
		c.configRsp(p.Flags, p.Result, opts)
	})
}

func (c *Channel) configRsp(flags ConfigurationFlags, result ConfigurationResult, opts []byte) {
	if c.State() != StateConfig {
		return
	}
	switch result {
	case ConfigurationResultSuccess:
		c.confRFCGet(opts)
	case ConfigurationResultUnacceptable:
		if c.numConfReq >= maxConfRounds {
			c.logger.Info("configuration did not converge", zap.Int("rounds", c.numConfReq))
			c.sendDisconnReq(ErrConnRefused)
			return
		}
		if err := c.parseConfRsp(opts); err != nil {
			c.sendDisconnReq(err)
			return
		}
		c.sendConfReq()
		return
	case ConfigurationResultPending:
		return
	default:
		c.logger.Info("configuration refused", zap.Uint16("result", uint16(result)))
		c.sendDisconnReq(ErrConnRefused)
		return
	}

	if flags&ConfigurationFlagContinuation != 0 {
		return
	}
	c.confState.set(confInputDone)
	if c.confState.has(confOutputDone) {
		c.configDone()
	}
}

// sendConfReq sends a configuration request built from the current options.
func (c *Channel) sendConfReq() {
	c.confState.set(confReqSent)
	opts := c.buildConfReq()
	c.conn.sendCommand(&ConfigurationRequestPacket{
		Identifier:     c.conn.nextIdent(),
		DestinationCID: c.dcid,
		Options:        opts,
	})
	c.numConfReq++
}

// configDone runs once both directions are configured.
func (c *Channel) configDone() {
	c.setDefaultFCS()
	c.resetSequences()
	if c.opts.Mode == ModeERTM {
		c.ertmInit()
	}
	c.ready()
}

func (conn *Conn) disconnReq(p *DisconnectionRequestPacket) {
	c := conn.findByScid(p.DestinationCID)
	if c == nil {
		return
	}
	c.run(func() {
		if c.conn != conn {
			return
		}
		conn.sendCommand(&DisconnectionResponsePacket{
			Identifier:     p.Identifier,
			DestinationCID: c.scid,
			SourceCID:      c.dcid,
		})
		c.chanDel(ErrConnReset)
	})
}

func (conn *Conn) disconnRsp(p *DisconnectionResponsePacket) {
	c := conn.findByScid(p.SourceCID)
	if c == nil {
		return
	}
	c.run(func() {
		if c.conn != conn {
			return
		}
		c.chanDel(nil)
	})
}

func (conn *Conn) infoReq(p *InformationRequestPacket) {
	rsp := &InformationResponsePacket{Identifier: p.Identifier, InfoType: p.InfoType}
	switch p.InfoType {
	case InfoTypeExtendedFeaturesSupported:
		rsp.Info = make([]byte, 4)
		binary.LittleEndian.PutUint32(rsp.Info, uint32(conn.stack.cfg.localFeatures()))
	case InfoTypeFixedChannelsSupported:
		rsp.Info = make([]byte, 8)
		binary.LittleEndian.PutUint64(rsp.Info, uint64(FixedChannelSignalling|FixedChannelConnectionless))
	default:
		rsp.Result = InfoTypeResultNotSupported
	}
	conn.sendCommand(rsp)
}

func (conn *Conn) infoRsp(p *InformationResponsePacket) {
	conn.mu.Lock()
	if p.Identifier != conn.infoIdent || conn.infoState&infoFeatMaskReqDone != 0 {
		conn.mu.Unlock()
		return
	}
	if conn.infoTimer != nil {
		conn.infoTimer.Stop()
		conn.infoTimer = nil
	}
	conn.mu.Unlock()

	if p.Result != InfoTypeResultSuccess {
		conn.finishInfo()
		return
	}
	switch p.InfoType {
	case InfoTypeExtendedFeaturesSupported:
		mask, err := p.FeatureMask()
		if err != nil {
			conn.logger.Warn("malformed feature mask", zap.Error(err))
			conn.finishInfo()
			return
		}
		conn.mu.Lock()
		conn.featMask = mask
		conn.mu.Unlock()
		conn.logger.Debug("peer features", zap.String("mask", fmt.Sprintf("%#04x", uint32(mask))))
		if mask&FeatureFixedChannels == 0 {
			conn.finishInfo()
			return
		}
		ident := conn.nextIdent()
		conn.mu.Lock()
		conn.infoIdent = ident
		conn.infoTimer = time.AfterFunc(conn.stack.cfg.InfoTimeout, conn.infoTimeout)
		conn.mu.Unlock()
		conn.sendCommand(&InformationRequestPacket{
			Identifier: ident,
			InfoType:   InfoTypeFixedChannelsSupported,
		})
	case InfoTypeFixedChannelsSupported:
		if fc, err := p.FixedChannels(); err == nil {
			conn.mu.Lock()
			conn.fixedChans = fc
			conn.mu.Unlock()
		}
		conn.finishInfo()
	default:
		conn.finishInfo()
	}
}

// checkConnParams validates an LE connection parameter update request. The
// interval is in 1.25ms units and the supervision timeout in 10ms units.
func checkConnParams(min, max, latency, timeout uint16) error {
	if min > max || min < 6 || max > 3200 {
		return fmt.Errorf("invalid connection interval %d..%d", min, max)
	}
	if timeout < 10 || timeout > 3200 {
		return fmt.Errorf("invalid supervision timeout %d", timeout)
	}
	if uint32(max) >= uint32(timeout)*8 {
		return fmt.Errorf("interval %d exceeds supervision timeout %d", max, timeout)
	}
	if latency > 499 {
		return fmt.Errorf("invalid peripheral latency %d", latency)
	}
	if maxLatency := uint32(timeout)*8/uint32(max) - 1; uint32(latency) > maxLatency {
		return fmt.Errorf("peripheral latency %d exceeds %d", latency, maxLatency)
	}
	return nil
}

func (conn *Conn) connParamUpdateReq(p *ConnectionParameterUpdateRequestPacket) error {
	updater, ok := conn.link.(ConnParamUpdater)
	if !ok || !updater.IsCentral() {
		return errUnknownCommand
	}
	rsp := &ConnectionParameterUpdateResponsePacket{Identifier: p.Identifier}
	err := checkConnParams(p.IntervalMin, p.IntervalMax, p.Latency, p.Timeout)
	if err != nil {
		conn.logger.Info("rejecting connection parameters", zap.Error(err))
		rsp.Result = ConnectionParameterUpdateResultRejected
	}
	conn.sendCommand(rsp)
	if err != nil {
		return nil
	}
	if err := updater.UpdateConnParams(p.IntervalMin, p.IntervalMax, p.Latency, p.Timeout); err != nil {
		conn.logger.Warn("failed to update connection parameters", zap.Error(err))
	}
	return nil
}

// doStart begins an outgoing connection once the peer's features are known.
func (c *Channel) doStart() {
	sent, done := c.conn.featuresKnown()
	if !sent {
		c.conn.requestFeatures()
		return
	}
	if !done {
		return
	}
	if c.checkSecurity() {
		c.sendConnReq()
	}
}

// sendConnReq sends the connection request unless the required mode is not
// available on this link.
func (c *Channel) sendConnReq() {
	if c.confState.has(confConnectPend) {
		return
	}
	if c.opts.ModeRequired && c.opts.Mode != ModeBasic &&
		!modeSupported(c.opts.Mode, c.stack.cfg.localFeatures(), c.conn.FeatureMask()) {
		c.logger.Info("peer does not support required mode", zap.Stringer("mode", c.opts.Mode))
		c.chanClose(ErrConnRefused)
		return
	}
	ident := c.conn.nextIdent()
	c.conn.setIdent(c, ident)
	c.confState.set(confConnectPend)
	c.conn.sendCommand(&ConnectionRequestPacket{
		Identifier: ident,
		PSM:        c.psm,
		SourceCID:  c.scid,
	})
}

// resume continues a channel once the link's information exchange is done.
func (c *Channel) resume() {
	if c.conn == nil {
		return
	}
	if c.opts.Type != ChannelTypeConnOriented {
		return
	}
	switch c.State() {
	case StateConnect:
		if c.checkSecurity() {
			c.sendConnReq()
		}
	case StateConnect2:
		result, status := c.acceptResult()
		c.conn.sendCommand(&ConnectionResponsePacket{
			Identifier:     c.ident,
			DestinationCID: c.scid,
			SourceCID:      c.dcid,
			Result:         result,
			Status:         status,
		})
		if result == ConnectionResponseResultSuccessfulConnection &&
			!c.confState.testAndSet(confReqSent) {
			c.sendConfReq()
		}
	}
}

// acceptResult decides the connection response of an incoming channel in
// StateConnect2, moving it to StateConfig when it can proceed.
func (c *Channel) acceptResult() (ConnectionResponseResult, ConnectionResponseStatus) {
	if !c.checkSecurity() {
		return ConnectionResponseResultPending, ConnectionResponseStatusAuthenticationPending
	}
	if c.opts.DeferSetup {
		if c.parent != nil {
			c.parent.wakeAccept()
		}
		return ConnectionResponseResultPending, ConnectionResponseStatusAuthorizationPending
	}
	c.setState(StateConfig, nil)
	return ConnectionResponseResultSuccessfulConnection, ConnectionResponseStatusNoFurtherInformationAvailable
}

// securityChanged applies the outcome of an authentication or encryption
// procedure on the link.
func (c *Channel) securityChanged(hciStatus uint8, encrypt bool) {
	if c.opts.Type == ChannelTypeFixed && c.scid == ChannelIDAttributeProtocol {
		if hciStatus == 0 && encrypt && c.State() != StateConnected {
			c.ready()
		}
		return
	}
	if c.confState.has(confConnectPend) {
		return
	}
	st := c.State()
	if hciStatus == 0 && (st == StateConnected || st == StateConfig) {
		c.checkEncryption(encrypt)
		return
	}
	switch st {
	case StateConnect:
		if hciStatus == 0 {
			c.sendConnReq()
		} else {
			c.chanTimer.set(securityRetryDelay)
		}
	case StateConnect2:
		rsp := &ConnectionResponsePacket{
			Identifier:     c.ident,
			DestinationCID: c.scid,
			SourceCID:      c.dcid,
		}
		if hciStatus == 0 {
			if c.opts.DeferSetup {
				if c.parent != nil {
					c.parent.wakeAccept()
				}
				rsp.Result = ConnectionResponseResultPending
				rsp.Status = ConnectionResponseStatusAuthorizationPending
			} else {
				c.setState(StateConfig, nil)
				rsp.Result = ConnectionResponseResultSuccessfulConnection
			}
		} else {
			if c.err == nil {
				c.err = ErrAccess
			}
			c.setState(StateDisconn, ErrAccess)
			c.chanTimer.set(securityRetryDelay)
			rsp.Result = ConnectionResponseResultRefusedSecurityBlock
			rsp.Status = ConnectionResponseStatusAuthenticationPending
		}
		c.conn.sendCommand(rsp)
		if rsp.Result == ConnectionResponseResultSuccessfulConnection &&
			!c.confState.testAndSet(confReqSent) {
			c.sendConfReq()
		}
	}
}

// checkEncryption enforces the security level of an established channel
// when the link's encryption changes.
func (c *Channel) checkEncryption(encrypt bool) {
	if c.opts.Type != ChannelTypeConnOriented {
		return
	}
	switch c.opts.Security {
	case SecurityMedium:
		if encrypt {
			c.chanTimer.clear()
		} else {
			c.chanTimer.set(c.stack.cfg.DisconnectTimeout)
		}
	case SecurityHigh:
		if !encrypt {
			c.chanClose(ErrConnRefused)
		}
	}
}
