package l2cap

import (
	"time"

	"go.uber.org/zap"
)

// modeSupported reports whether both sides can use mode.
func modeSupported(mode Mode, local, remote FeatureMask) bool {
	feat := local & remote
	switch mode {
	case ModeERTM:
		return feat&FeatureERTM != 0
	case ModeStreaming:
		return feat&FeatureStreaming != 0
	}
	return false
}

// modeRank orders modes for arbitration: basic < ertm < streaming.
func modeRank(m Mode) int {
	switch m {
	case ModeERTM:
		return 1
	case ModeStreaming:
		return 2
	}
	return 0
}

// selectMode returns mode when both sides support it and basic otherwise.
func (c *Channel) selectMode(mode Mode) Mode {
	switch mode {
	case ModeERTM, ModeStreaming:
		if modeSupported(mode, c.stack.cfg.localFeatures(), c.conn.FeatureMask()) {
			return mode
		}
	}
	return ModeBasic
}

// maxPDU is the largest PDU payload this side accepts, bounded by the link.
func (c *Channel) maxPDU() uint16 {
	return clampMPS(c.stack.cfg.MaxPDUSize, c.conn.link.MTU())
}

func clampMPS(mps uint16, linkMTU int) uint16 {
	if limit := linkMTU - enhancedOverhead; limit > 0 && int(mps) > limit {
		return uint16(limit)
	}
	return mps
}

func millis(d time.Duration) uint16 {
	ms := d / time.Millisecond
	if ms > 0xFFFF {
		return 0xFFFF
	}
	return uint16(ms)
}

// buildConfReq builds the option list of our configuration request. On the
// first round it settles on the mode to propose.
func (c *Channel) buildConfReq() []byte {
	feat := c.conn.FeatureMask()
	if c.numConfReq == 0 && c.numConfRsp == 0 && !c.opts.ModeRequired {
		c.opts.Mode = c.selectMode(c.opts.Mode)
	}

	var opts []byte
	if c.opts.IMTU != DefaultMTU {
		opts = appendConfigUint16(opts, ConfigOptionMTU, c.opts.IMTU)
	}
	switch c.opts.Mode {
	case ModeBasic:
		if feat&(FeatureERTM|FeatureStreaming) == 0 {
			break
		}
		rfc := RFCOption{Mode: ModeBasic}
		opts = AppendConfigOption(opts, ConfigOptionRFC, rfc.Marshal())
	case ModeERTM, ModeStreaming:
		rfc := RFCOption{Mode: c.opts.Mode, MaxPDUSize: c.maxPDU()}
		if c.opts.Mode == ModeERTM {
			rfc.TxWindow = c.opts.TxWindow
			rfc.MaxTransmit = c.opts.MaxTransmit
		}
		c.mps = rfc.MaxPDUSize
		opts = AppendConfigOption(opts, ConfigOptionRFC, rfc.Marshal())
		if feat&FeatureFCS == 0 {
			break
		}
		if c.opts.FCS == FCSNone || c.confState.has(confNoFCSRecv) {
			c.opts.FCS = FCSNone
			opts = AppendConfigOption(opts, ConfigOptionFCS, []byte{uint8(FCSNone)})
		}
	}
	return opts
}

// parseConfReq evaluates the accumulated configuration request of the peer
// and builds our response. A non-nil error means negotiation failed and the
// channel must be disconnected with it.
func (c *Channel) parseConfReq() ([]byte, ConfigurationResult, error) {
	opts, err := UnmarshalConfigOptions(c.confBuf)
	if err != nil {
		c.logger.Warn("malformed configuration request", zap.Error(err))
		return nil, 0, ErrConnReset
	}

	var (
		rsp     []byte
		unknown []byte
		mtu     = DefaultMTU
		rfc     = RFCOption{Mode: ModeBasic}
	)
	for _, o := range opts {
		switch o.Type {
		case ConfigOptionMTU:
			mtu = uint16(o.Uint())
		case ConfigOptionFlushTimeout:
			c.flushTO = uint16(o.Uint())
		case ConfigOptionQoS:
		case ConfigOptionRFC:
			if err := rfc.Unmarshal(o.Value); err != nil {
				c.logger.Debug("ignoring rfc option", zap.Error(err))
			}
		case ConfigOptionFCS:
			if len(o.Value) == 1 && FCSType(o.Value[0]) == FCSNone {
				c.confState.set(confNoFCSRecv)
			}
		default:
			if o.Hint {
				continue
			}
			unknown = append(unknown, uint8(o.Type))
		}
	}
	if len(unknown) > 0 {
		return unknown, ConfigurationResultUnknown, nil
	}

	if c.numConfRsp == 0 && c.numConfReq <= 1 {
		switch c.opts.Mode {
		case ModeERTM, ModeStreaming:
			if c.opts.ModeRequired {
				if c.opts.Mode != rfc.Mode {
					return nil, 0, ErrConnRefused
				}
				break
			}
			if modeRank(rfc.Mode) < modeRank(c.opts.Mode) {
				c.opts.Mode = c.selectMode(rfc.Mode)
			}
		}
	}

	if c.opts.Mode != rfc.Mode {
		if c.numConfRsp >= 1 {
			return nil, 0, ErrConnRefused
		}
		counter := RFCOption{Mode: c.opts.Mode}
		if c.opts.Mode == ModeERTM {
			counter.TxWindow = c.opts.TxWindow
			counter.MaxTransmit = c.opts.MaxTransmit
		}
		if c.opts.Mode != ModeBasic {
			counter.MaxPDUSize = c.maxPDU()
		}
		rsp = AppendConfigOption(rsp, ConfigOptionRFC, counter.Marshal())
		return rsp, ConfigurationResultUnacceptable, nil
	}

	if mtu < MinimumMTU {
		rsp = appendConfigUint16(rsp, ConfigOptionMTU, MinimumMTU)
		return rsp, ConfigurationResultUnacceptable, nil
	}
	c.opts.OMTU = mtu
	c.confState.set(confMTUDone)
	rsp = appendConfigUint16(rsp, ConfigOptionMTU, mtu)

	switch rfc.Mode {
	case ModeERTM:
		c.remoteTxWin = rfc.TxWindow
		if c.remoteTxWin == 0 || c.remoteTxWin > maxTxWin {
			c.remoteTxWin = maxTxWin
		}
		c.remoteMaxTx = rfc.MaxTransmit
		rfc.MaxPDUSize = clampMPS(rfc.MaxPDUSize, c.conn.link.MTU())
		c.remoteMPS = rfc.MaxPDUSize
		rfc.RetransmissionTimeout = millis(c.stack.cfg.RetransmissionTimeout)
		rfc.MonitorTimeout = millis(c.stack.cfg.MonitorTimeout)
		rsp = AppendConfigOption(rsp, ConfigOptionRFC, rfc.Marshal())
	case ModeStreaming:
		rfc.MaxPDUSize = clampMPS(rfc.MaxPDUSize, c.conn.link.MTU())
		c.remoteMPS = rfc.MaxPDUSize
		rsp = AppendConfigOption(rsp, ConfigOptionRFC, rfc.Marshal())
	}
	c.confState.set(confModeDone | confOutputDone)
	return rsp, ConfigurationResultSuccess, nil
}

// parseConfRsp applies the counter proposal of an unacceptable response.
func (c *Channel) parseConfRsp(buf []byte) error {
	opts, err := UnmarshalConfigOptions(buf)
	if err != nil {
		c.logger.Warn("malformed configuration response", zap.Error(err))
		return ErrConnReset
	}
	for _, o := range opts {
		switch o.Type {
		case ConfigOptionMTU:
			mtu := uint16(o.Uint())
			if mtu < MinimumMTU {
				mtu = MinimumMTU
			}
			c.opts.IMTU = mtu
		case ConfigOptionFlushTimeout:
			c.flushTO = uint16(o.Uint())
		case ConfigOptionRFC:
			var rfc RFCOption
			if err := rfc.Unmarshal(o.Value); err != nil || rfc.Mode == c.opts.Mode {
				continue
			}
			if c.opts.ModeRequired || c.opts.Mode == ModeBasic {
				return ErrConnRefused
			}
			c.opts.Mode = c.selectMode(rfc.Mode)
		}
	}
	return nil
}

// confRFCGet picks up the timeouts and PDU size the peer granted in a
// successful configuration response.
func (c *Channel) confRFCGet(buf []byte) {
	if c.opts.Mode != ModeERTM && c.opts.Mode != ModeStreaming {
		return
	}
	opts, _ := UnmarshalConfigOptions(buf)
	for _, o := range opts {
		if o.Type != ConfigOptionRFC {
			continue
		}
		var rfc RFCOption
		if err := rfc.Unmarshal(o.Value); err != nil {
			break
		}
		if rfc.Mode == ModeERTM {
			if rfc.RetransmissionTimeout != 0 {
				c.retransTimeout = time.Duration(rfc.RetransmissionTimeout) * time.Millisecond
			}
			if rfc.MonitorTimeout != 0 {
				c.monitorTimeout = time.Duration(rfc.MonitorTimeout) * time.Millisecond
			}
		}
		if rfc.MaxPDUSize != 0 {
			c.mps = rfc.MaxPDUSize
		}
		return
	}
	c.logger.Warn("configuration response without rfc option")
}

// setDefaultFCS settles the frame check sequence once configuration is
// complete. Either side declaring no FCS turns it off.
func (c *Channel) setDefaultFCS() {
	if c.opts.Mode != ModeERTM && c.opts.Mode != ModeStreaming {
		c.opts.FCS = FCSNone
		return
	}
	switch {
	case c.confState.has(confNoFCSRecv):
		c.opts.FCS = FCSNone
	case c.opts.FCS == FCSNone && c.conn.FeatureMask()&FeatureFCS != 0:
	default:
		c.opts.FCS = FCSCRC16
	}
}
