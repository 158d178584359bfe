package l2cap

import (
	"fmt"
	"net"
)

// State is the lifecycle state of a channel.
type State uint32

const (
	StateClosed State = iota
	StateOpen
	StateBound
	StateListen
	StateConnect
	StateConnect2
	StateConfig
	StateConnected
	StateDisconn
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateBound:
		return "bound"
	case StateListen:
		return "listen"
	case StateConnect:
		return "connect"
	case StateConnect2:
		return "connect2"
	case StateConfig:
		return "config"
	case StateConnected:
		return "connected"
	case StateDisconn:
		return "disconn"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Mode is the transport mode negotiated for a connection-oriented channel.
type Mode uint8

const (
	ModeBasic     Mode = 0x00
	ModeERTM      Mode = 0x03
	ModeStreaming Mode = 0x04
)

func (m Mode) String() string {
	switch m {
	case ModeBasic:
		return "basic"
	case ModeERTM:
		return "ertm"
	case ModeStreaming:
		return "streaming"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// FCSType is the frame check sequence option value.
type FCSType uint8

const (
	FCSNone  FCSType = 0x00
	FCSCRC16 FCSType = 0x01
)

// SecurityLevel is the security a channel requires from its link.
type SecurityLevel uint8

const (
	SecuritySDP SecurityLevel = iota
	SecurityLow
	SecurityMedium
	SecurityHigh
)

// AuthType mirrors the HCI authentication requirements.
type AuthType uint8

const (
	AuthNoBonding            AuthType = 0x00
	AuthNoBondingMITM        AuthType = 0x01
	AuthDedicatedBonding     AuthType = 0x02
	AuthDedicatedBondingMITM AuthType = 0x03
	AuthGeneralBonding       AuthType = 0x04
	AuthGeneralBondingMITM   AuthType = 0x05
)

// LinkType distinguishes BR/EDR ACL links from LE links.
type LinkType uint8

const (
	LinkTypeACL LinkType = 0x01
	LinkTypeLE  LinkType = 0x80
)

// ChannelType selects how a channel is addressed on a link.
type ChannelType uint8

const (
	ChannelTypeConnOriented ChannelType = iota
	ChannelTypeConnectionless
	ChannelTypeFixed
	ChannelTypeRaw
)

// BDAddr is a device address stored little endian, as on the wire.
type BDAddr [6]byte

// BDAddrAny matches every local address.
var BDAddrAny = BDAddr{}

func (a BDAddr) String() string {
	return net.HardwareAddr{a[5], a[4], a[3], a[2], a[1], a[0]}.String()
}

// confState tracks configuration progress of a channel.
type confState uint16

const (
	confReqSent confState = 1 << iota
	confInputDone
	confOutputDone
	confMTUDone
	confModeDone
	confConnectPend
	confNoFCSRecv
)

func (f confState) has(b confState) bool { return f&b != 0 }
func (f *confState) set(b confState)     { *f |= b }
func (f *confState) clear(b confState)   { *f &^= b }

func (f *confState) testAndSet(b confState) bool {
	was := f.has(b)
	*f |= b
	return was
}

// connState holds the ERTM flags of a channel. Predicates combine them, for
// example remote busy while waiting for a final bit is handled differently
// from either flag alone.
type connState uint16

const (
	connSREJSent connState = 1 << iota
	connWaitF
	connSREJAct
	connSendPBit
	connRemoteBusy
	connLocalBusy
	connRejAct
	connSendFBit
	connRNRSent
)

func (f connState) has(b connState) bool { return f&b != 0 }
func (f *connState) set(b connState)     { *f |= b }
func (f *connState) clear(b connState)   { *f &^= b }

func (f *connState) testAndClear(b connState) bool {
	was := f.has(b)
	*f &^= b
	return was
}

// infoState tracks the information request exchange of a link.
type infoState uint8

const (
	infoFeatMaskReqSent infoState = 1 << iota
	infoFeatMaskReqDone
)
