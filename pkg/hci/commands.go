package hci

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

func marshalCommand(op Opcode, params []byte) ([]byte, error) {
	if len(params) > math.MaxUint8 {
		return nil, io.ErrShortWrite
	}
	buf := make([]byte, 4, 4+len(params))
	buf[0] = byte(PacketTypeCommand)
	binary.LittleEndian.PutUint16(buf[1:], uint16(op))
	buf[3] = byte(len(params))
	return append(buf, params...), nil
}

// checkCommand validates a command header and returns its parameters.
func checkCommand(buf []byte, op Opcode, size int) ([]byte, error) {
	if len(buf) < 4 {
		return nil, io.ErrShortBuffer
	}
	if buf[0] != byte(PacketTypeCommand) || binary.LittleEndian.Uint16(buf[1:]) != uint16(op) {
		return nil, errors.New("incorrect packet")
	}
	if int(buf[3]) != size || len(buf) != size+4 {
		return nil, io.ErrShortBuffer
	}
	return buf[4:], nil
}

// Section 7.3.1
type EventMask uint64

const (
	EventMaskConnectionCompleteEvent           EventMask = (1 << 2)
	EventMaskConnectionRequestEvent            EventMask = (1 << 3)
	EventMaskDisconnectionCompleteEvent        EventMask = (1 << 4)
	EventMaskEncryptionChangeEvent             EventMask = (1 << 7)
	EventMaskHardwareErrorEvent                EventMask = (1 << 15)
	EventMaskEncryptionKeyRefreshCompleteEvent EventMask = (1 << 47)
	EventMaskLEMetaEvent                       EventMask = (1 << 61)
)

type SetEventMaskCommandPacket struct {
	EventMask
}

func (p *SetEventMaskCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(p.EventMask))
	return marshalCommand(OpcodeSetEventMask, b)
}

func (p *SetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeSetEventMask, 8)
	if err != nil {
		return err
	}
	p.EventMask = EventMask(binary.LittleEndian.Uint64(b))
	return nil
}

func (p *SetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeSetEventMask
}

func (a *Adapter) SetEventMask(mask EventMask) error {
	return a.exec(&SetEventMaskCommandPacket{EventMask: mask})
}

// Section 7.8.1
type LEEventMask uint64

const (
	LEEventMaskConnectionCompleteEvent             LEEventMask = (1 << 0)
	LEEventMaskAdvertisingReportEvent              LEEventMask = (1 << 1)
	LEEventMaskConnectionUpdateCompleteEvent       LEEventMask = (1 << 2)
	LEEventMaskReadRemoteUsedFeaturesCompleteEvent LEEventMask = (1 << 3)
	LEEventMaskLongTermKeyRequestEvent             LEEventMask = (1 << 4)
)

type LESetEventMaskCommandPacket struct {
	LEEventMask
}

func (p *LESetEventMaskCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(p.LEEventMask))
	return marshalCommand(OpcodeLESetEventMask, b)
}

func (p *LESetEventMaskCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeLESetEventMask, 8)
	if err != nil {
		return err
	}
	p.LEEventMask = LEEventMask(binary.LittleEndian.Uint64(b))
	return nil
}

func (p *LESetEventMaskCommandPacket) Opcode() Opcode {
	return OpcodeLESetEventMask
}

func (a *Adapter) LESetEventMask(mask LEEventMask) error {
	return a.exec(&LESetEventMaskCommandPacket{LEEventMask: mask})
}

// ScanEnable selects which scans a BR/EDR controller runs.
type ScanEnable uint8

const (
	ScanEnableNone        ScanEnable = 0x00
	ScanEnableInquiry     ScanEnable = 0x01
	ScanEnablePage        ScanEnable = 0x02
	ScanEnableInquiryPage ScanEnable = 0x03
)

type WriteScanEnableCommandPacket struct {
	ScanEnable
}

func (p *WriteScanEnableCommandPacket) Marshal() ([]byte, error) {
	return marshalCommand(OpcodeWriteScanEnable, []byte{byte(p.ScanEnable)})
}

func (p *WriteScanEnableCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeWriteScanEnable, 1)
	if err != nil {
		return err
	}
	p.ScanEnable = ScanEnable(b[0])
	return nil
}

func (p *WriteScanEnableCommandPacket) Opcode() Opcode {
	return OpcodeWriteScanEnable
}

// WriteScanEnable makes a BR/EDR controller discoverable or connectable.
func (a *Adapter) WriteScanEnable(scan ScanEnable) error {
	return a.exec(&WriteScanEnableCommandPacket{ScanEnable: scan})
}

type AdvertisingType uint8

const (
	AdvertisingTypeConnectableAndScannableUndirectedAdvertising AdvertisingType = 0x00
	AdvertisingTypeConnectableHighDutyCycleDirectedAdvertising  AdvertisingType = 0x01
	AdvertisingTypeScannableUndirectedAdvertising               AdvertisingType = 0x02
	AdvertisingTypeNonConnectableUndirectedAdvertising          AdvertisingType = 0x03
	AdvertisingTypeConnectableLowDutyCycleDirectedAdvertising   AdvertisingType = 0x04
)

type AdvertisingChannelMap uint8

const (
	AdvertisingChannelMapChannel37 AdvertisingChannelMap = 0x01
	AdvertisingChannelMapChannel38 AdvertisingChannelMap = 0x02
	AdvertisingChannelMapChannel39 AdvertisingChannelMap = 0x04

	AdvertisingChannelMapDefault AdvertisingChannelMap = 0x07
)

type AdvertisingFilterPolicy uint8

const (
	AdvertisingFilterPolicyProcessScanAndConnectionRequestsFromAllDevices                       AdvertisingFilterPolicy = 0x00
	AdvertisingFilterPolicyProcessConnectionRequestsFromAllDevicesAndScanRequestsFromFilterList AdvertisingFilterPolicy = 0x01
	AdvertisingFilterPolicyProcessScanRequestsFromAllDevicesAndConnectionRequestsFromFilterList AdvertisingFilterPolicy = 0x02
	AdvertisingFilterPolicyProcessScanAndConnectionRequestsFromFilterList                       AdvertisingFilterPolicy = 0x03
)

type LESetAdvertisingParametersCommandPacket struct {
	AdvertisingIntervalMin  uint16
	AdvertisingIntervalMax  uint16
	AdvertisingType         AdvertisingType
	OwnAddressType          OwnAddressType
	PeerAddressType         PeerAddressType
	PeerAddress             BDAddr
	AdvertisingChannelMap   AdvertisingChannelMap
	AdvertisingFilterPolicy AdvertisingFilterPolicy
}

func (p *LESetAdvertisingParametersCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 15)
	binary.LittleEndian.PutUint16(b[0:], p.AdvertisingIntervalMin)
	binary.LittleEndian.PutUint16(b[2:], p.AdvertisingIntervalMax)
	b[4] = byte(p.AdvertisingType)
	b[5] = byte(p.OwnAddressType)
	b[6] = byte(p.PeerAddressType)
	copy(b[7:], p.PeerAddress[:])
	b[13] = byte(p.AdvertisingChannelMap)
	b[14] = byte(p.AdvertisingFilterPolicy)
	return marshalCommand(OpcodeLESetAdvertisingParameters, b)
}

func (p *LESetAdvertisingParametersCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeLESetAdvertisingParameters, 15)
	if err != nil {
		return err
	}
	p.AdvertisingIntervalMin = binary.LittleEndian.Uint16(b[0:])
	p.AdvertisingIntervalMax = binary.LittleEndian.Uint16(b[2:])
	p.AdvertisingType = AdvertisingType(b[4])
	p.OwnAddressType = OwnAddressType(b[5])
	p.PeerAddressType = PeerAddressType(b[6])
	copy(p.PeerAddress[:], b[7:13])
	p.AdvertisingChannelMap = AdvertisingChannelMap(b[13])
	p.AdvertisingFilterPolicy = AdvertisingFilterPolicy(b[14])
	return nil
}

func (p *LESetAdvertisingParametersCommandPacket) Opcode() Opcode {
	return OpcodeLESetAdvertisingParameters
}

type SetAdvertisingParametersRequest struct {
	AdvertisingIntervalMin  uint16
	AdvertisingIntervalMax  uint16
	AdvertisingType         AdvertisingType
	OwnAddressType          OwnAddressType
	PeerAddressType         PeerAddressType
	PeerAddress             BDAddr
	AdvertisingChannelMap   AdvertisingChannelMap
	AdvertisingFilterPolicy AdvertisingFilterPolicy
}

func (a *Adapter) LESetAdvertisingParameters(request *SetAdvertisingParametersRequest) error {
	if request.AdvertisingIntervalMin == 0 {
		request.AdvertisingIntervalMin = 0x0800
	}
	if request.AdvertisingIntervalMin < 0x0020 || request.AdvertisingIntervalMin > 0x4000 {
		return errors.New("invalid advertising interval min")
	}
	if request.AdvertisingIntervalMax == 0 {
		request.AdvertisingIntervalMax = 0x0800
	}
	if request.AdvertisingIntervalMax < 0x0020 || request.AdvertisingIntervalMax > 0x4000 {
		return errors.New("invalid advertising interval max")
	}
	if request.AdvertisingChannelMap == 0 {
		request.AdvertisingChannelMap = AdvertisingChannelMapDefault
	}
	return a.exec(&LESetAdvertisingParametersCommandPacket{
		AdvertisingIntervalMin:  request.AdvertisingIntervalMin,
		AdvertisingIntervalMax:  request.AdvertisingIntervalMax,
		AdvertisingType:         request.AdvertisingType,
		OwnAddressType:          request.OwnAddressType,
		PeerAddressType:         request.PeerAddressType,
		PeerAddress:             request.PeerAddress,
		AdvertisingChannelMap:   request.AdvertisingChannelMap,
		AdvertisingFilterPolicy: request.AdvertisingFilterPolicy,
	})
}

const maxAdvertisingData = 31

type SetAdvertisingDataCommandPacket struct {
	AdvertisingData []DataType
}

func (p *SetAdvertisingDataCommandPacket) Marshal() ([]byte, error) {
	var ads []byte
	for _, data := range p.AdvertisingData {
		ad, err := data.Marshal()
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad...)
	}
	if len(ads) > maxAdvertisingData {
		return nil, io.ErrShortWrite
	}
	b := make([]byte, 1+maxAdvertisingData)
	b[0] = uint8(len(ads))
	copy(b[1:], ads)
	return marshalCommand(OpcodeSetAdvertisingData, b)
}

func (p *SetAdvertisingDataCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeSetAdvertisingData, 1+maxAdvertisingData)
	if err != nil {
		return err
	}
	if int(b[0]) > maxAdvertisingData {
		return errors.New("invalid length")
	}
	data, err := UnmarshalDataTypes(b[1 : 1+b[0]])
	if err != nil {
		return err
	}
	p.AdvertisingData = data
	return nil
}

func (p *SetAdvertisingDataCommandPacket) Opcode() Opcode {
	return OpcodeSetAdvertisingData
}

func (a *Adapter) SetAdvertisingData(data ...DataType) error {
	return a.exec(&SetAdvertisingDataCommandPacket{AdvertisingData: data})
}

type LESetAdvertisingEnableCommandPacket struct {
	AdvertisingEnable bool
}

func (p *LESetAdvertisingEnableCommandPacket) Marshal() ([]byte, error) {
	var b byte
	if p.AdvertisingEnable {
		b = 1
	}
	return marshalCommand(OpcodeLESetAdvertisingEnable, []byte{b})
}

func (p *LESetAdvertisingEnableCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeLESetAdvertisingEnable, 1)
	if err != nil {
		return err
	}
	p.AdvertisingEnable = b[0] == 1
	return nil
}

func (p *LESetAdvertisingEnableCommandPacket) Opcode() Opcode {
	return OpcodeLESetAdvertisingEnable
}

func (a *Adapter) LESetAdvertisingEnable(enable bool) error {
	return a.exec(&LESetAdvertisingEnableCommandPacket{AdvertisingEnable: enable})
}

// CreateConnectionCommandPacket pages a BR/EDR device.
type CreateConnectionCommandPacket struct {
	Address                BDAddr
	PacketType             uint16
	PageScanRepetitionMode uint8
	ClockOffset            uint16
	AllowRoleSwitch        bool
}

// DM1, DH1, DM3, DH3, DM5 and DH5.
const defaultACLPacketTypes uint16 = 0xCC18

func (p *CreateConnectionCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 13)
	copy(b, p.Address[:])
	binary.LittleEndian.PutUint16(b[6:], p.PacketType)
	b[8] = p.PageScanRepetitionMode
	binary.LittleEndian.PutUint16(b[10:], p.ClockOffset)
	if p.AllowRoleSwitch {
		b[12] = 1
	}
	return marshalCommand(OpcodeCreateConnection, b)
}

func (p *CreateConnectionCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeCreateConnection, 13)
	if err != nil {
		return err
	}
	copy(p.Address[:], b[0:6])
	p.PacketType = binary.LittleEndian.Uint16(b[6:])
	p.PageScanRepetitionMode = b[8]
	p.ClockOffset = binary.LittleEndian.Uint16(b[10:])
	p.AllowRoleSwitch = b[12] == 1
	return nil
}

func (p *CreateConnectionCommandPacket) Opcode() Opcode {
	return OpcodeCreateConnection
}

// CreateConnection starts paging addr. The outcome arrives as a connection
// complete event.
func (a *Adapter) CreateConnection(addr BDAddr) error {
	return a.exec(&CreateConnectionCommandPacket{
		Address:                addr,
		PacketType:             defaultACLPacketTypes,
		PageScanRepetitionMode: 0x02,
		AllowRoleSwitch:        true,
	})
}

type AcceptConnectionRequestCommandPacket struct {
	Address BDAddr
	Role    Role
}

func (p *AcceptConnectionRequestCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 7)
	copy(b, p.Address[:])
	b[6] = byte(p.Role)
	return marshalCommand(OpcodeAcceptConnectionRequest, b)
}

func (p *AcceptConnectionRequestCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeAcceptConnectionRequest, 7)
	if err != nil {
		return err
	}
	copy(p.Address[:], b[0:6])
	p.Role = Role(b[6])
	return nil
}

func (p *AcceptConnectionRequestCommandPacket) Opcode() Opcode {
	return OpcodeAcceptConnectionRequest
}

// AcceptConnectionRequest accepts an incoming BR/EDR connection, staying
// peripheral.
func (a *Adapter) AcceptConnectionRequest(addr BDAddr) error {
	return a.exec(&AcceptConnectionRequestCommandPacket{Address: addr, Role: RolePeripheral})
}

type DisconnectCommandPacket struct {
	ConnectionHandle uint16
	Reason           uint8
}

func (p *DisconnectCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b, p.ConnectionHandle)
	b[2] = p.Reason
	return marshalCommand(OpcodeDisconnect, b)
}

func (p *DisconnectCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeDisconnect, 3)
	if err != nil {
		return err
	}
	p.ConnectionHandle = binary.LittleEndian.Uint16(b)
	p.Reason = b[2]
	return nil
}

func (p *DisconnectCommandPacket) Opcode() Opcode {
	return OpcodeDisconnect
}

// Disconnect terminates the connection. The link goes down when the
// disconnection complete event arrives.
func (a *Adapter) Disconnect(handle uint16, reason uint8) error {
	return a.exec(&DisconnectCommandPacket{ConnectionHandle: handle, Reason: reason})
}

type SetConnectionEncryptionCommandPacket struct {
	ConnectionHandle uint16
	Enable           bool
}

func (p *SetConnectionEncryptionCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b, p.ConnectionHandle)
	if p.Enable {
		b[2] = 1
	}
	return marshalCommand(OpcodeSetConnectionEncryption, b)
}

func (p *SetConnectionEncryptionCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeSetConnectionEncryption, 3)
	if err != nil {
		return err
	}
	p.ConnectionHandle = binary.LittleEndian.Uint16(b)
	p.Enable = b[2] == 1
	return nil
}

func (p *SetConnectionEncryptionCommandPacket) Opcode() Opcode {
	return OpcodeSetConnectionEncryption
}

func (a *Adapter) SetConnectionEncryption(handle uint16, enable bool) error {
	return a.exec(&SetConnectionEncryptionCommandPacket{ConnectionHandle: handle, Enable: enable})
}

// ConnectionParameters are LE connection timings in controller units:
// intervals in 1.25ms, supervision timeout in 10ms.
type ConnectionParameters struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

// DefaultConnectionParameters are used for outgoing LE connections.
var DefaultConnectionParameters = ConnectionParameters{
	IntervalMin:        0x0018,
	IntervalMax:        0x0028,
	Latency:            0,
	SupervisionTimeout: 0x002A,
}

func putConnectionParameters(b []byte, p ConnectionParameters) {
	binary.LittleEndian.PutUint16(b[0:], p.IntervalMin)
	binary.LittleEndian.PutUint16(b[2:], p.IntervalMax)
	binary.LittleEndian.PutUint16(b[4:], p.Latency)
	binary.LittleEndian.PutUint16(b[6:], p.SupervisionTimeout)
}

func connectionParameters(b []byte) ConnectionParameters {
	return ConnectionParameters{
		IntervalMin:        binary.LittleEndian.Uint16(b[0:]),
		IntervalMax:        binary.LittleEndian.Uint16(b[2:]),
		Latency:            binary.LittleEndian.Uint16(b[4:]),
		SupervisionTimeout: binary.LittleEndian.Uint16(b[6:]),
	}
}

type LECreateConnectionCommandPacket struct {
	ScanInterval    uint16
	ScanWindow      uint16
	PeerAddressType PeerAddressType
	PeerAddress     BDAddr
	OwnAddressType  OwnAddressType
	ConnectionParameters
}

func (p *LECreateConnectionCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 25)
	binary.LittleEndian.PutUint16(b[0:], p.ScanInterval)
	binary.LittleEndian.PutUint16(b[2:], p.ScanWindow)
	// b[4] is the initiator filter policy: use the peer address.
	b[5] = byte(p.PeerAddressType)
	copy(b[6:], p.PeerAddress[:])
	b[12] = byte(p.OwnAddressType)
	putConnectionParameters(b[13:], p.ConnectionParameters)
	return marshalCommand(OpcodeLECreateConnection, b)
}

func (p *LECreateConnectionCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeLECreateConnection, 25)
	if err != nil {
		return err
	}
	p.ScanInterval = binary.LittleEndian.Uint16(b[0:])
	p.ScanWindow = binary.LittleEndian.Uint16(b[2:])
	p.PeerAddressType = PeerAddressType(b[5])
	copy(p.PeerAddress[:], b[6:12])
	p.OwnAddressType = OwnAddressType(b[12])
	p.ConnectionParameters = connectionParameters(b[13:])
	return nil
}

func (p *LECreateConnectionCommandPacket) Opcode() Opcode {
	return OpcodeLECreateConnection
}

// LECreateConnection starts initiating an LE connection to addr. The outcome
// arrives as an LE connection complete event.
func (a *Adapter) LECreateConnection(addr BDAddr, addrType PeerAddressType) error {
	return a.exec(&LECreateConnectionCommandPacket{
		ScanInterval:         0x0060,
		ScanWindow:           0x0060,
		PeerAddressType:      addrType,
		PeerAddress:          addr,
		ConnectionParameters: DefaultConnectionParameters,
	})
}

type LEConnectionUpdateCommandPacket struct {
	ConnectionHandle uint16
	ConnectionParameters
}

func (p *LEConnectionUpdateCommandPacket) Marshal() ([]byte, error) {
	b := make([]byte, 14)
	binary.LittleEndian.PutUint16(b, p.ConnectionHandle)
	putConnectionParameters(b[2:], p.ConnectionParameters)
	return marshalCommand(OpcodeLEConnectionUpdate, b)
}

func (p *LEConnectionUpdateCommandPacket) Unmarshal(buf []byte) error {
	b, err := checkCommand(buf, OpcodeLEConnectionUpdate, 14)
	if err != nil {
		return err
	}
	p.ConnectionHandle = binary.LittleEndian.Uint16(b)
	p.ConnectionParameters = connectionParameters(b[2:])
	return nil
}

func (p *LEConnectionUpdateCommandPacket) Opcode() Opcode {
	return OpcodeLEConnectionUpdate
}

func (a *Adapter) LEConnectionUpdate(handle uint16, params ConnectionParameters) error {
	return a.exec(&LEConnectionUpdateCommandPacket{ConnectionHandle: handle, ConnectionParameters: params})
}
