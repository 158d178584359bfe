package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ConfigOptionType identifies a configuration option, Vol 3, Part A, Section 5.
type ConfigOptionType uint8

const (
	ConfigOptionMTU          ConfigOptionType = 0x01
	ConfigOptionFlushTimeout ConfigOptionType = 0x02
	ConfigOptionQoS          ConfigOptionType = 0x03
	ConfigOptionRFC          ConfigOptionType = 0x04
	ConfigOptionFCS          ConfigOptionType = 0x05

	// ConfigOptionHint marks an option the receiver may ignore when it does
	// not recognise it.
	ConfigOptionHint ConfigOptionType = 0x80
)

const (
	configOptionHeaderSize = 2
	rfcOptionSize          = 9
	qosOptionSize          = 22
)

type ConfigOption struct {
	Type  ConfigOptionType
	Hint  bool
	Value []byte
}

// Uint decodes values of width 1, 2 or 4 stored little endian.
func (o ConfigOption) Uint() uint32 {
	switch len(o.Value) {
	case 1:
		return uint32(o.Value[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(o.Value))
	case 4:
		return binary.LittleEndian.Uint32(o.Value)
	}
	return 0
}

// UnmarshalConfigOptions splits an option list. Trailing bytes too short to
// hold an option header are ignored.
func UnmarshalConfigOptions(buf []byte) ([]ConfigOption, error) {
	var opts []ConfigOption
	for len(buf) >= configOptionHeaderSize {
		t, n := ConfigOptionType(buf[0]), int(buf[1])
		if len(buf) < configOptionHeaderSize+n {
			return opts, fmt.Errorf("option 0x%02x: %w", uint8(t), io.ErrShortBuffer)
		}
		opts = append(opts, ConfigOption{
			Type:  t &^ ConfigOptionHint,
			Hint:  t&ConfigOptionHint != 0,
			Value: buf[configOptionHeaderSize : configOptionHeaderSize+n],
		})
		buf = buf[configOptionHeaderSize+n:]
	}
	return opts, nil
}

// AppendConfigOption appends one option to an option list.
func AppendConfigOption(dst []byte, t ConfigOptionType, value []byte) []byte {
	dst = append(dst, uint8(t), uint8(len(value)))
	return append(dst, value...)
}

func appendConfigUint16(dst []byte, t ConfigOptionType, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return AppendConfigOption(dst, t, b[:])
}

// RFCOption is the retransmission and flow control option.
type RFCOption struct {
	Mode                  Mode
	TxWindow              uint8
	MaxTransmit           uint8
	RetransmissionTimeout uint16
	MonitorTimeout        uint16
	MaxPDUSize            uint16
}

func (r *RFCOption) Marshal() []byte {
	b := make([]byte, rfcOptionSize)
	b[0] = uint8(r.Mode)
	b[1] = r.TxWindow
	b[2] = r.MaxTransmit
	binary.LittleEndian.PutUint16(b[3:], r.RetransmissionTimeout)
	binary.LittleEndian.PutUint16(b[5:], r.MonitorTimeout)
	binary.LittleEndian.PutUint16(b[7:], r.MaxPDUSize)
	return b
}

func (r *RFCOption) Unmarshal(b []byte) error {
	if len(b) != rfcOptionSize {
		return fmt.Errorf("rfc option: invalid length %d", len(b))
	}
	r.Mode = Mode(b[0])
	r.TxWindow = b[1]
	r.MaxTransmit = b[2]
	r.RetransmissionTimeout = binary.LittleEndian.Uint16(b[3:])
	r.MonitorTimeout = binary.LittleEndian.Uint16(b[5:])
	r.MaxPDUSize = binary.LittleEndian.Uint16(b[7:])
	return nil
}
