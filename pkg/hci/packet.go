package hci

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var ErrUnsupportedPacket = errors.New("unsupported packet type")

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type CommandPacket interface {
	Packet
	Opcode() Opcode
}

// Unmarshal decodes one packet as read from the user channel, including the
// leading packet type byte. Packets the host does not act on return
// ErrUnsupportedPacket.
func Unmarshal(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return nil, io.ErrShortBuffer
	}
	var p Packet
	switch PacketType(buf[0]) {
	case PacketTypeCommand:
		p = &GenericCommandPacket{}
	case PacketTypeEvent:
		if len(buf) < 3 || len(buf) != int(buf[2])+3 {
			return nil, io.ErrShortBuffer
		}
		switch EventCode(buf[1]) {
		case EventCodeCommandComplete:
			p = &CommandCompleteEventPacket{}
		case EventCodeCommandStatus:
			p = &CommandStatusEventPacket{}
		case EventCodeNumberOfCompletedPackets:
			p = &NumberOfCompletedPacketsEventPacket{}
		case EventCodeConnectionComplete:
			p = &ConnectionCompleteEventPacket{}
		case EventCodeConnectionRequest:
			p = &ConnectionRequestEventPacket{}
		case EventCodeDisconnectionComplete:
			p = &DisconnectionCompleteEventPacket{}
		case EventCodeEncryptionChange:
			p = &EncryptionChangeEventPacket{}
		case EventCodeLEMeta:
			if len(buf) > 3 && LEMetaSubeventCode(buf[3]) == LEMetaSubeventCodeConnectionComplete {
				p = &LEConnectionCompleteEventPacket{}
			}
		}
	case PacketTypeACLData:
		p = &ACLDataPacket{}
	}
	if p == nil {
		return nil, ErrUnsupportedPacket
	}
	if err := p.Unmarshal(buf); err != nil {
		return nil, err
	}
	return p, nil
}

type ACLDataPacket struct {
	PacketBoundaryFlag uint8
	BroadcastFlag      uint8
	ConnectionHandle   uint16
	Payload            []byte
}

func (p *ACLDataPacket) Unmarshal(buf []byte) error {
	if len(buf) < 5 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeACLData) {
		return errors.New("incorrect packet")
	}
	b := binary.LittleEndian.Uint16(buf[1:])
	p.PacketBoundaryFlag = byte((b >> 12) & 0x03)
	p.BroadcastFlag = byte((b >> 14) & 0x03)
	p.ConnectionHandle = b & 0x0FFF
	s := binary.LittleEndian.Uint16(buf[3:])
	if len(buf) != int(s)+5 {
		return io.ErrShortBuffer
	}
	p.Payload = buf[5:]
	return nil
}

func (p *ACLDataPacket) Marshal() ([]byte, error) {
	if len(p.Payload) > math.MaxUint16 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 5, 5+len(p.Payload))
	buf[0] = byte(PacketTypeACLData)
	binary.LittleEndian.PutUint16(buf[1:], p.ConnectionHandle|(uint16(p.PacketBoundaryFlag)<<12)|(uint16(p.BroadcastFlag)<<14))
	binary.LittleEndian.PutUint16(buf[3:], uint16(len(p.Payload)))
	return append(buf, p.Payload...), nil
}

// Start reports whether the packet begins an L2CAP PDU.
func (p *ACLDataPacket) Start() bool {
	return p.PacketBoundaryFlag != PacketBoundaryContinuation
}

// GenericCommandPacket encompasses many argument-less packets.
type GenericCommandPacket struct {
	opcode Opcode
}

func NewGenericCommandPacket(opcode Opcode) *GenericCommandPacket {
	return &GenericCommandPacket{opcode}
}

func (p *GenericCommandPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	buf[0] = uint8(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(p.opcode))
	return buf, nil
}

func (p *GenericCommandPacket) Unmarshal(buf []byte) error {
	if len(buf) != 4 || buf[3] != 0 {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) {
		return errors.New("incorrect packet")
	}
	p.opcode = Opcode(binary.LittleEndian.Uint16(buf[1:3]))
	return nil
}

func (p *GenericCommandPacket) Opcode() Opcode {
	return p.opcode
}

// checkEvent validates the event header and returns the parameters.
func checkEvent(buf []byte, code EventCode, size int) ([]byte, error) {
	if len(buf) < 3 {
		return nil, io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeEvent) || buf[1] != byte(code) {
		return nil, errors.New("incorrect packet")
	}
	if len(buf) != int(buf[2])+3 || len(buf) < size+3 {
		return nil, io.ErrShortBuffer
	}
	return buf[3:], nil
}

func marshalEvent(code EventCode, params []byte) ([]byte, error) {
	if len(params) > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 3, 3+len(params))
	buf[0] = byte(PacketTypeEvent)
	buf[1] = byte(code)
	buf[2] = byte(len(params))
	return append(buf, params...), nil
}

type CommandCompleteEventPacket struct {
	NumCommandPackets uint8
	CommandOpcode     Opcode
	ReturnParameters  []byte
}

func (p *CommandCompleteEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeCommandComplete, 3)
	if err != nil {
		return err
	}
	p.NumCommandPackets = b[0]
	p.CommandOpcode = Opcode(binary.LittleEndian.Uint16(b[1:]))
	p.ReturnParameters = b[3:]
	return nil
}

func (p *CommandCompleteEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 3, 3+len(p.ReturnParameters))
	b[0] = p.NumCommandPackets
	binary.LittleEndian.PutUint16(b[1:], uint16(p.CommandOpcode))
	return marshalEvent(EventCodeCommandComplete, append(b, p.ReturnParameters...))
}

// CommandStatusEventPacket acknowledges commands that complete with a later
// event.
type CommandStatusEventPacket struct {
	Status            uint8
	NumCommandPackets uint8
	CommandOpcode     Opcode
}

func (p *CommandStatusEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeCommandStatus, 4)
	if err != nil {
		return err
	}
	p.Status = b[0]
	p.NumCommandPackets = b[1]
	p.CommandOpcode = Opcode(binary.LittleEndian.Uint16(b[2:]))
	return nil
}

func (p *CommandStatusEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = p.Status
	b[1] = p.NumCommandPackets
	binary.LittleEndian.PutUint16(b[2:], uint16(p.CommandOpcode))
	return marshalEvent(EventCodeCommandStatus, b)
}

type NumberOfCompletedPacketsEventPacket struct {
	NumHandles          uint8
	ConnectionHandles   []uint16
	NumCompletedPackets []uint16
}

func (p *NumberOfCompletedPacketsEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeNumberOfCompletedPackets, 1)
	if err != nil {
		return err
	}
	n := int(b[0])
	if len(b) < 1+n*4 {
		return io.ErrShortBuffer
	}
	p.NumHandles = b[0]
	p.ConnectionHandles = make([]uint16, n)
	p.NumCompletedPackets = make([]uint16, n)
	for i := 0; i < n; i++ {
		p.ConnectionHandles[i] = binary.LittleEndian.Uint16(b[1+i*4:]) & 0x0FFF
		p.NumCompletedPackets[i] = binary.LittleEndian.Uint16(b[3+i*4:])
	}
	return nil
}

func (p *NumberOfCompletedPacketsEventPacket) Marshal() ([]byte, error) {
	if len(p.ConnectionHandles) != int(p.NumHandles) || len(p.NumCompletedPackets) != int(p.NumHandles) {
		return nil, io.ErrShortWrite
	}
	b := make([]byte, 1+int(p.NumHandles)*4)
	b[0] = p.NumHandles
	for i := 0; i < int(p.NumHandles); i++ {
		binary.LittleEndian.PutUint16(b[1+i*4:], p.ConnectionHandles[i])
		binary.LittleEndian.PutUint16(b[3+i*4:], p.NumCompletedPackets[i])
	}
	return marshalEvent(EventCodeNumberOfCompletedPackets, b)
}

// LinkKind is the link type field of BR/EDR connection events.
type LinkKind uint8

const (
	LinkKindSCO  LinkKind = 0x00
	LinkKindACL  LinkKind = 0x01
	LinkKindESCO LinkKind = 0x02
)

type ConnectionCompleteEventPacket struct {
	Status            uint8
	ConnectionHandle  uint16
	Address           BDAddr
	LinkKind          LinkKind
	EncryptionEnabled bool
}

func (p *ConnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeConnectionComplete, 11)
	if err != nil {
		return err
	}
	p.Status = b[0]
	p.ConnectionHandle = binary.LittleEndian.Uint16(b[1:]) & 0x0FFF
	copy(p.Address[:], b[3:9])
	p.LinkKind = LinkKind(b[9])
	p.EncryptionEnabled = b[10] == 1
	return nil
}

func (p *ConnectionCompleteEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 11)
	b[0] = p.Status
	binary.LittleEndian.PutUint16(b[1:], p.ConnectionHandle)
	copy(b[3:], p.Address[:])
	b[9] = byte(p.LinkKind)
	if p.EncryptionEnabled {
		b[10] = 1
	}
	return marshalEvent(EventCodeConnectionComplete, b)
}

type ConnectionRequestEventPacket struct {
	Address       BDAddr
	ClassOfDevice [3]byte
	LinkKind      LinkKind
}

func (p *ConnectionRequestEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeConnectionRequest, 10)
	if err != nil {
		return err
	}
	copy(p.Address[:], b[0:6])
	copy(p.ClassOfDevice[:], b[6:9])
	p.LinkKind = LinkKind(b[9])
	return nil
}

func (p *ConnectionRequestEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 10)
	copy(b, p.Address[:])
	copy(b[6:], p.ClassOfDevice[:])
	b[9] = byte(p.LinkKind)
	return marshalEvent(EventCodeConnectionRequest, b)
}

type DisconnectionCompleteEventPacket struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func (p *DisconnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeDisconnectionComplete, 4)
	if err != nil {
		return err
	}
	p.Status = b[0]
	p.ConnectionHandle = binary.LittleEndian.Uint16(b[1:]) & 0x0FFF
	p.Reason = b[3]
	return nil
}

func (p *DisconnectionCompleteEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = p.Status
	binary.LittleEndian.PutUint16(b[1:], p.ConnectionHandle)
	b[3] = p.Reason
	return marshalEvent(EventCodeDisconnectionComplete, b)
}

type EncryptionChangeEventPacket struct {
	Status            uint8
	ConnectionHandle  uint16
	EncryptionEnabled uint8
}

func (p *EncryptionChangeEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeEncryptionChange, 4)
	if err != nil {
		return err
	}
	p.Status = b[0]
	p.ConnectionHandle = binary.LittleEndian.Uint16(b[1:]) & 0x0FFF
	p.EncryptionEnabled = b[3]
	return nil
}

func (p *EncryptionChangeEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = p.Status
	binary.LittleEndian.PutUint16(b[1:], p.ConnectionHandle)
	b[3] = p.EncryptionEnabled
	return marshalEvent(EventCodeEncryptionChange, b)
}

type Role uint8

const (
	RoleCentral    Role = 0
	RolePeripheral Role = 1
)

type CentralClockAccuracy uint8

const (
	CentralClockAccuracy500PPM CentralClockAccuracy = 0
	CentralClockAccuracy250PPM CentralClockAccuracy = 1
	CentralClockAccuracy150PPM CentralClockAccuracy = 2
	CentralClockAccuracy100PPM CentralClockAccuracy = 3
	CentralClockAccuracy75PPM  CentralClockAccuracy = 4
	CentralClockAccuracy50PPM  CentralClockAccuracy = 5
	CentralClockAccuracy30PPM  CentralClockAccuracy = 6
	CentralClockAccuracy20PPM  CentralClockAccuracy = 7
)

type LEConnectionCompleteEventPacket struct {
	Status               uint8
	ConnectionHandle     uint16
	Role                 Role
	PeerAddressType      PeerAddressType
	PeerAddress          BDAddr
	ConnectionInterval   uint16
	PeripheralLatency    uint16
	SupervisionTimeout   uint16
	CentralClockAccuracy CentralClockAccuracy
}

func (p *LEConnectionCompleteEventPacket) Marshal() ([]byte, error) {
	b := make([]byte, 19)
	b[0] = byte(LEMetaSubeventCodeConnectionComplete)
	b[1] = p.Status
	binary.LittleEndian.PutUint16(b[2:], p.ConnectionHandle)
	b[4] = byte(p.Role)
	b[5] = byte(p.PeerAddressType)
	copy(b[6:], p.PeerAddress[:])
	binary.LittleEndian.PutUint16(b[12:], p.ConnectionInterval)
	binary.LittleEndian.PutUint16(b[14:], p.PeripheralLatency)
	binary.LittleEndian.PutUint16(b[16:], p.SupervisionTimeout)
	b[18] = byte(p.CentralClockAccuracy)
	return marshalEvent(EventCodeLEMeta, b)
}

func (p *LEConnectionCompleteEventPacket) Unmarshal(buf []byte) error {
	b, err := checkEvent(buf, EventCodeLEMeta, 19)
	if err != nil {
		return err
	}
	if b[0] != byte(LEMetaSubeventCodeConnectionComplete) {
		return errors.New("incorrect subevent")
	}
	p.Status = b[1]
	p.ConnectionHandle = binary.LittleEndian.Uint16(b[2:4]) & 0x0FFF
	p.Role = Role(b[4])
	p.PeerAddressType = PeerAddressType(b[5])
	copy(p.PeerAddress[:], b[6:12])
	p.ConnectionInterval = binary.LittleEndian.Uint16(b[12:14])
	p.PeripheralLatency = binary.LittleEndian.Uint16(b[14:16])
	p.SupervisionTimeout = binary.LittleEndian.Uint16(b[16:18])
	p.CentralClockAccuracy = CentralClockAccuracy(b[18])
	return nil
}
