package l2cap

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

const (
	headerSize  = 4
	controlSize = 2
	sduLenSize  = 2
	fcsSize     = 2
	psmLenSize  = 2
)

type Frame interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// UnmarshalFrame decodes a complete basic L2CAP PDU. Connection-oriented
// frames in enhanced modes are returned as B-frames; their information payload
// is decoded by the channel that owns the CID.
func UnmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return nil, io.ErrShortBuffer
	}
	cid := binary.LittleEndian.Uint16(buf[2:])
	var f Frame
	switch ChannelID(cid) {
	case ChannelIDConnectionless:
		f = &GFrame{}
	default:
		f = &BFrame{}
	}
	return f, f.Unmarshal(buf)
}

// BFrame is defined in Vol 3, Part A, Section 3.1 of the Bluetooth Core Specification.
type BFrame struct {
	ChannelID
	Payload []byte
}

func (f *BFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16 {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, headerSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(f.ChannelID))
	copy(buf[4:], f.Payload)
	return buf, nil
}

func (f *BFrame) Unmarshal(buf []byte) error {
	if len(buf) < headerSize || uint16(len(buf)-headerSize) != binary.LittleEndian.Uint16(buf[0:]) {
		return io.ErrShortBuffer
	}
	f.ChannelID = ChannelID(binary.LittleEndian.Uint16(buf[2:]))
	f.Payload = buf[4:]
	return nil
}

// GFrame is defined in Vol 3, Part A, Section 3.2 of the Bluetooth Core Specification.
type GFrame struct {
	PSM     uint16
	Payload []byte
}

func (f *GFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16-psmLenSize {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, headerSize+psmLenSize+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)+psmLenSize))
	binary.LittleEndian.PutUint16(buf[2:], uint16(ChannelIDConnectionless))
	binary.LittleEndian.PutUint16(buf[4:], f.PSM)
	copy(buf[6:], f.Payload)
	return buf, nil
}

func (f *GFrame) Unmarshal(buf []byte) error {
	if len(buf) < headerSize+psmLenSize {
		return io.ErrShortBuffer
	}
	if uint16(len(buf)-headerSize) != binary.LittleEndian.Uint16(buf[0:]) {
		return io.ErrShortBuffer
	}
	if binary.LittleEndian.Uint16(buf[2:]) != uint16(ChannelIDConnectionless) {
		return errors.New("incorrect channel id")
	}
	f.PSM = binary.LittleEndian.Uint16(buf[4:])
	f.Payload = buf[6:]
	return nil
}

// SAR is the segmentation and reassembly marker of an I-frame.
type SAR uint8

const (
	SARUnsegmented SAR = 0x00
	SARStart       SAR = 0x01
	SAREnd         SAR = 0x02
	SARContinue    SAR = 0x03
)

// Supervisory is the function of an S-frame.
type Supervisory uint8

const (
	SupervisoryReceiverReady    Supervisory = 0x00
	SupervisoryReject           Supervisory = 0x01
	SupervisoryReceiverNotReady Supervisory = 0x02
	SupervisorySelectiveReject  Supervisory = 0x03
)

func (s Supervisory) String() string {
	switch s {
	case SupervisoryReceiverReady:
		return "rr"
	case SupervisoryReject:
		return "rej"
	case SupervisoryReceiverNotReady:
		return "rnr"
	}
	return "srej"
}

// Control is the 16-bit enhanced control field, Vol 3, Part A, Section 3.3.2.
type Control uint16

const (
	controlFrameType   Control = 0x0001
	controlTxSeqMask   Control = 0x007E
	controlTxSeqShift          = 1
	controlSuperMask   Control = 0x000C
	controlSuperShift          = 2
	controlPoll        Control = 0x0010
	controlFinal       Control = 0x0080
	controlReqSeqMask  Control = 0x3F00
	controlReqSeqShift         = 8
	controlSARMask     Control = 0xC000
	controlSARShift            = 14
)

// NewIControl builds the control field of an I-frame.
func NewIControl(txSeq, reqSeq uint8, sar SAR, final bool) Control {
	c := Control(txSeq&0x3F)<<controlTxSeqShift |
		Control(reqSeq&0x3F)<<controlReqSeqShift |
		Control(sar&0x03)<<controlSARShift
	if final {
		c |= controlFinal
	}
	return c
}

// NewSControl builds the control field of an S-frame.
func NewSControl(s Supervisory, reqSeq uint8, poll, final bool) Control {
	c := controlFrameType |
		Control(s&0x03)<<controlSuperShift |
		Control(reqSeq&0x3F)<<controlReqSeqShift
	if poll {
		c |= controlPoll
	}
	if final {
		c |= controlFinal
	}
	return c
}

func (c Control) IsSFrame() bool { return c&controlFrameType != 0 }
func (c Control) TxSeq() uint8   { return uint8((c & controlTxSeqMask) >> controlTxSeqShift) }
func (c Control) ReqSeq() uint8  { return uint8((c & controlReqSeqMask) >> controlReqSeqShift) }
func (c Control) Final() bool    { return c&controlFinal != 0 }

// Poll is only meaningful on S-frames.
func (c Control) Poll() bool { return c.IsSFrame() && c&controlPoll != 0 }

// SAR is only meaningful on I-frames.
func (c Control) SAR() SAR { return SAR((c & controlSARMask) >> controlSARShift) }

func (c Control) Super() Supervisory {
	return Supervisory((c & controlSuperMask) >> controlSuperShift)
}

// IFrame is an information frame of a channel in ERTM or streaming mode.
// FCS must be set before Unmarshal when the channel uses a frame check
// sequence.
type IFrame struct {
	ChannelID
	Control
	// SDULength is only present on start frames.
	SDULength uint16
	Payload   []byte
	FCS       bool
}

func (f *IFrame) Marshal() ([]byte, error) {
	var sduLen = -1
	if f.Control.SAR() == SARStart {
		sduLen = int(f.SDULength)
	}
	buf := buildPDU(f.ChannelID, f.Control, sduLen, f.Payload, f.FCS)
	if len(buf)-headerSize > math.MaxUint16 {
		return nil, errors.New("payload too large")
	}
	if f.FCS {
		putFCS(buf)
	}
	return buf, nil
}

func (f *IFrame) Unmarshal(buf []byte) error {
	cid, ctrl, info, err := parsePDU(buf, f.FCS)
	if err != nil {
		return err
	}
	if ctrl.IsSFrame() {
		return errors.New("not an i-frame")
	}
	f.ChannelID = cid
	f.Control = ctrl
	if ctrl.SAR() == SARStart {
		if len(info) < sduLenSize {
			return io.ErrShortBuffer
		}
		f.SDULength = binary.LittleEndian.Uint16(info)
		info = info[sduLenSize:]
	}
	f.Payload = info
	return nil
}

// SFrame is a supervisory frame of a channel in ERTM mode.
type SFrame struct {
	ChannelID
	Control
	FCS bool
}

func (f *SFrame) Marshal() ([]byte, error) {
	buf := buildPDU(f.ChannelID, f.Control|controlFrameType, -1, nil, f.FCS)
	if f.FCS {
		putFCS(buf)
	}
	return buf, nil
}

func (f *SFrame) Unmarshal(buf []byte) error {
	cid, ctrl, info, err := parsePDU(buf, f.FCS)
	if err != nil {
		return err
	}
	if !ctrl.IsSFrame() {
		return errors.New("not an s-frame")
	}
	if len(info) != 0 {
		return errors.New("invalid length")
	}
	f.ChannelID = cid
	f.Control = ctrl
	return nil
}

// buildPDU lays out header, control, optional SDU length, payload and room
// for the FCS. sduLen < 0 omits the SDU length field. The FCS itself is not
// computed since the control field is restamped on every transmission.
func buildPDU(cid ChannelID, ctrl Control, sduLen int, payload []byte, fcs bool) []byte {
	n := headerSize + controlSize + len(payload)
	if sduLen >= 0 {
		n += sduLenSize
	}
	if fcs {
		n += fcsSize
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint16(buf[0:], uint16(n-headerSize))
	binary.LittleEndian.PutUint16(buf[2:], uint16(cid))
	binary.LittleEndian.PutUint16(buf[4:], uint16(ctrl))
	off := headerSize + controlSize
	if sduLen >= 0 {
		binary.LittleEndian.PutUint16(buf[off:], uint16(sduLen))
		off += sduLenSize
	}
	copy(buf[off:], payload)
	return buf
}

// parsePDU checks the FCS of an enhanced-mode PDU and splits it into its
// control field and information payload (SDU length included).
func parsePDU(buf []byte, fcs bool) (ChannelID, Control, []byte, error) {
	min := headerSize + controlSize
	if fcs {
		min += fcsSize
	}
	if len(buf) < min {
		return 0, 0, nil, io.ErrShortBuffer
	}
	if uint16(len(buf)-headerSize) != binary.LittleEndian.Uint16(buf[0:]) {
		return 0, 0, nil, errors.New("invalid length")
	}
	end := len(buf)
	if fcs {
		if !VerifyFCS(buf) {
			return 0, 0, nil, errFCS
		}
		end -= fcsSize
	}
	cid := ChannelID(binary.LittleEndian.Uint16(buf[2:]))
	ctrl := Control(binary.LittleEndian.Uint16(buf[4:]))
	return cid, ctrl, buf[headerSize+controlSize : end], nil
}

var errFCS = errors.New("fcs mismatch")
