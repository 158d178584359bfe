package l2cap

import (
	"fmt"
	"time"
)

const (
	DefaultMTU    uint16 = 672
	MinimumMTU    uint16 = 48
	DefaultLEMTU  uint16 = 23
	DefaultTxWin  uint8  = 63
	DefaultMaxTx  uint8  = 3
	DefaultMaxPDU uint16 = 1009

	maxTxWin = 63

	// PDU overhead subtracted from the link MTU when clamping the MPS.
	enhancedOverhead = 10

	maxConfRounds = 2
	confBufSize   = 64
)

// Config holds the stack wide defaults applied to new channels.
type Config struct {
	EnableERTM  bool
	Mode        Mode
	IMTU        uint16
	TxWindow    uint8
	MaxTransmit uint8
	MaxPDUSize  uint16

	RetransmissionTimeout time.Duration
	MonitorTimeout        time.Duration
	AckTimeout            time.Duration
	ConnectTimeout        time.Duration
	DisconnectTimeout     time.Duration
	InfoTimeout           time.Duration

	Backlog      int
	ReceiveQueue int
}

func DefaultConfig() Config {
	return Config{
		EnableERTM:            true,
		Mode:                  ModeBasic,
		IMTU:                  DefaultMTU,
		TxWindow:              DefaultTxWin,
		MaxTransmit:           DefaultMaxTx,
		MaxPDUSize:            DefaultMaxPDU,
		RetransmissionTimeout: 2 * time.Second,
		MonitorTimeout:        12 * time.Second,
		AckTimeout:            200 * time.Millisecond,
		ConnectTimeout:        40 * time.Second,
		DisconnectTimeout:     5 * time.Second,
		InfoTimeout:           4 * time.Second,
		Backlog:               8,
		ReceiveQueue:          32,
	}
}

func (c Config) Validate() error {
	if c.IMTU < MinimumMTU {
		return fmt.Errorf("imtu %d below minimum %d", c.IMTU, MinimumMTU)
	}
	if c.TxWindow == 0 || c.TxWindow > maxTxWin {
		return fmt.Errorf("tx window %d out of range 1..%d", c.TxWindow, maxTxWin)
	}
	if c.MaxPDUSize < MinimumMTU {
		return fmt.Errorf("max pdu size %d below minimum %d", c.MaxPDUSize, MinimumMTU)
	}
	switch c.Mode {
	case ModeBasic:
	case ModeERTM, ModeStreaming:
		if !c.EnableERTM {
			return fmt.Errorf("mode %s requires enhanced retransmission support", c.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %s", c.Mode)
	}
	for name, d := range map[string]time.Duration{
		"retransmission timeout": c.RetransmissionTimeout,
		"monitor timeout":        c.MonitorTimeout,
		"ack timeout":            c.AckTimeout,
		"connect timeout":        c.ConnectTimeout,
		"disconnect timeout":     c.DisconnectTimeout,
		"info timeout":           c.InfoTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Backlog <= 0 || c.ReceiveQueue <= 0 {
		return fmt.Errorf("backlog and receive queue must be positive")
	}
	return nil
}

// localFeatures is the feature mask advertised to peers.
func (c Config) localFeatures() FeatureMask {
	mask := FeatureFixedChannels
	if c.EnableERTM {
		mask |= FeatureERTM | FeatureStreaming | FeatureFCS
	}
	return mask
}

// Options are the per channel settings. They are copied from the stack
// Config when a channel is created and inherited by accepted children.
type Options struct {
	Type ChannelType
	IMTU uint16
	// OMTU is learnt from the peer during configuration.
	OMTU uint16
	Mode Mode
	// ModeRequired refuses the connection rather than falling back to
	// basic mode when the peer cannot use Mode.
	ModeRequired bool
	FCS          FCSType
	TxWindow     uint8
	MaxTransmit  uint8
	Security     SecurityLevel
	Flushable    bool
	// DeferSetup holds incoming connections in StateConnect2 until the
	// owner calls Authorize.
	DeferSetup    bool
	ForceReliable bool
}

func (c Config) defaultOptions() Options {
	mode := c.Mode
	if !c.EnableERTM {
		mode = ModeBasic
	}
	return Options{
		Type:        ChannelTypeConnOriented,
		IMTU:        c.IMTU,
		Mode:        mode,
		FCS:         FCSCRC16,
		TxWindow:    c.TxWindow,
		MaxTransmit: c.MaxTransmit,
		Security:    SecurityLow,
	}
}

func (o Options) validate(cfg Config) error {
	if o.IMTU < MinimumMTU {
		return fmt.Errorf("imtu %d below minimum %d", o.IMTU, MinimumMTU)
	}
	if o.TxWindow == 0 || o.TxWindow > maxTxWin {
		return fmt.Errorf("tx window %d out of range 1..%d", o.TxWindow, maxTxWin)
	}
	switch o.Mode {
	case ModeBasic:
	case ModeERTM, ModeStreaming:
		if !cfg.EnableERTM {
			return fmt.Errorf("mode %s disabled", o.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %s", o.Mode)
	}
	return nil
}
