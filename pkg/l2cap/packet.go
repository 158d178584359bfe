package l2cap

import (
	"encoding/binary"
	"errors"
	"io"
)

const commandHeaderSize = 4

type SignallingPacket interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// commandHeader is the header shared by every signalling command.
type commandHeader struct {
	Opcode
	Identifier uint8
	Length     uint16
}

func parseCommandHeader(buf []byte) (commandHeader, error) {
	if len(buf) < commandHeaderSize {
		return commandHeader{}, io.ErrShortBuffer
	}
	return commandHeader{
		Opcode:     Opcode(buf[0]),
		Identifier: buf[1],
		Length:     binary.LittleEndian.Uint16(buf[2:]),
	}, nil
}

func putCommandHeader(b []byte, op Opcode, ident uint8) {
	b[0] = byte(op)
	b[1] = ident
	binary.LittleEndian.PutUint16(b[2:], uint16(len(b)-commandHeaderSize))
}

// checkCommand validates the opcode and, when fixed is non-negative, the
// exact payload length of a command.
func checkCommand(buf []byte, op Opcode, fixed int) error {
	if len(buf) < commandHeaderSize {
		return io.ErrShortBuffer
	}
	if buf[0] != byte(op) {
		return errors.New("invalid opcode")
	}
	n := int(binary.LittleEndian.Uint16(buf[2:]))
	if n != len(buf)-commandHeaderSize {
		return errors.New("invalid length")
	}
	if fixed >= 0 && n != fixed {
		return errors.New("invalid length")
	}
	return nil
}

func UnmarshalSignallingPacket(buf []byte) (SignallingPacket, error) {
	if len(buf) < 1 {
		return nil, io.ErrShortBuffer
	}
	var p SignallingPacket
	switch Opcode(buf[0]) {
	case OpcodeCommandRejectResponse:
		p = &CommandRejectResponsePacket{}
	case OpcodeConnectionRequest:
		p = &ConnectionRequestPacket{}
	case OpcodeConnectionResponse:
		p = &ConnectionResponsePacket{}
	case OpcodeConfigurationRequest:
		p = &ConfigurationRequestPacket{}
	case OpcodeConfigurationResponse:
		p = &ConfigurationResponsePacket{}
	case OpcodeDisconnectionRequest:
		p = &DisconnectionRequestPacket{}
	case OpcodeDisconnectionResponse:
		p = &DisconnectionResponsePacket{}
	case OpcodeEchoRequest:
		p = &EchoRequestPacket{}
	case OpcodeEchoResponse:
		p = &EchoResponsePacket{}
	case OpcodeInformationRequest:
		p = &InformationRequestPacket{}
	case OpcodeInformationResponse:
		p = &InformationResponsePacket{}
	case OpcodeConnectionParameterUpdateRequest:
		p = &ConnectionParameterUpdateRequestPacket{}
	case OpcodeConnectionParameterUpdateResponse:
		p = &ConnectionParameterUpdateResponsePacket{}
	}
	if p == nil {
		return nil, errors.New("invalid opcode")
	}
	return p, p.Unmarshal(buf)
}

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type CommandRejectResponsePacket struct {
	CommandRejectReason
	Identifier uint8
	ReasonData []byte
}

func (p *CommandRejectResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 6+len(p.ReasonData))
	putCommandHeader(b, OpcodeCommandRejectResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.CommandRejectReason))
	copy(b[6:], p.ReasonData)
	return b, nil
}

func (p *CommandRejectResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeCommandRejectResponse, -1); err != nil {
		return err
	}
	if len(buf) < 6 {
		return io.ErrShortBuffer
	}
	p.Identifier = buf[1]
	p.CommandRejectReason = CommandRejectReason(binary.LittleEndian.Uint16(buf[4:]))
	p.ReasonData = buf[6:]
	return nil
}

type ConnectionRequestPacket struct {
	Identifier uint8
	PSM        uint16
	SourceCID  ChannelID
}

func (p *ConnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	putCommandHeader(b, OpcodeConnectionRequest, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], p.PSM)
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *ConnectionRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConnectionRequest, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.PSM = binary.LittleEndian.Uint16(buf[4:])
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}

type ConnectionResponseResult uint16

const (
	ConnectionResponseResultSuccessfulConnection             ConnectionResponseResult = 0x0000
	ConnectionResponseResultPending                          ConnectionResponseResult = 0x0001
	ConnectionResponseResultRefusedPSMNotSupported           ConnectionResponseResult = 0x0002
	ConnectionResponseResultRefusedSecurityBlock             ConnectionResponseResult = 0x0003
	ConnectionResponseResultRefusedNoResourcesAvailable      ConnectionResponseResult = 0x0004
	ConnectionResponseResultRefusedInvalidSourceCID          ConnectionResponseResult = 0x0006
	ConnectionResponseResultRefusedSourceCIDAlreadyAllocated ConnectionResponseResult = 0x0007
)

type ConnectionResponseStatus uint16

const (
	ConnectionResponseStatusNoFurtherInformationAvailable ConnectionResponseStatus = 0x0000
	ConnectionResponseStatusAuthenticationPending         ConnectionResponseStatus = 0x0001
	ConnectionResponseStatusAuthorizationPending          ConnectionResponseStatus = 0x0002
)

type ConnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
	Result         ConnectionResponseResult
	Status         ConnectionResponseStatus
}

func (p *ConnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 12)
	putCommandHeader(b, OpcodeConnectionResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[8:], uint16(p.Result))
	binary.LittleEndian.PutUint16(b[10:], uint16(p.Status))
	return b, nil
}

func (p *ConnectionResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConnectionResponse, 8); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	p.Result = ConnectionResponseResult(binary.LittleEndian.Uint16(buf[8:]))
	p.Status = ConnectionResponseStatus(binary.LittleEndian.Uint16(buf[10:]))
	return nil
}

// ConfigurationFlags carries the continuation bit of a configuration command.
type ConfigurationFlags uint16

const ConfigurationFlagContinuation ConfigurationFlags = 0x0001

// ConfigurationRequestPacket carries a raw option list; see ConfigOption.
type ConfigurationRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	Flags          ConfigurationFlags
	Options        []byte
}

func (p *ConfigurationRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8+len(p.Options))
	putCommandHeader(b, OpcodeConfigurationRequest, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.Flags))
	copy(b[8:], p.Options)
	return b, nil
}

func (p *ConfigurationRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConfigurationRequest, -1); err != nil {
		return err
	}
	if len(buf) < 8 {
		return io.ErrShortBuffer
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.Flags = ConfigurationFlags(binary.LittleEndian.Uint16(buf[6:]))
	p.Options = buf[8:]
	return nil
}

type ConfigurationResult uint16

const (
	ConfigurationResultSuccess      ConfigurationResult = 0x0000
	ConfigurationResultUnacceptable ConfigurationResult = 0x0001
	ConfigurationResultRejected     ConfigurationResult = 0x0002
	ConfigurationResultUnknown      ConfigurationResult = 0x0003
	ConfigurationResultPending      ConfigurationResult = 0x0004
)

type ConfigurationResponsePacket struct {
	Identifier uint8
	SourceCID  ChannelID
	Flags      ConfigurationFlags
	Result     ConfigurationResult
	Options    []byte
}

func (p *ConfigurationResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 10+len(p.Options))
	putCommandHeader(b, OpcodeConfigurationResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.Flags))
	binary.LittleEndian.PutUint16(b[8:], uint16(p.Result))
	copy(b[10:], p.Options)
	return b, nil
}

func (p *ConfigurationResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConfigurationResponse, -1); err != nil {
		return err
	}
	if len(buf) < 10 {
		return io.ErrShortBuffer
	}
	p.Identifier = buf[1]
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.Flags = ConfigurationFlags(binary.LittleEndian.Uint16(buf[6:]))
	p.Result = ConfigurationResult(binary.LittleEndian.Uint16(buf[8:]))
	p.Options = buf[10:]
	return nil
}

type DisconnectionRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	putCommandHeader(b, OpcodeDisconnectionRequest, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *DisconnectionRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeDisconnectionRequest, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}

type DisconnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	putCommandHeader(b, OpcodeDisconnectionResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *DisconnectionResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeDisconnectionResponse, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}

type EchoRequestPacket struct {
	Identifier uint8
	EchoData   []byte
}

func (p *EchoRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, commandHeaderSize+len(p.EchoData))
	putCommandHeader(b, OpcodeEchoRequest, p.Identifier)
	copy(b[4:], p.EchoData)
	return b, nil
}

func (p *EchoRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeEchoRequest, -1); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.EchoData = buf[4:]
	return nil
}

type EchoResponsePacket struct {
	Identifier uint8
	EchoData   []byte
}

func (p *EchoResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, commandHeaderSize+len(p.EchoData))
	putCommandHeader(b, OpcodeEchoResponse, p.Identifier)
	copy(b[4:], p.EchoData)
	return b, nil
}

func (p *EchoResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeEchoResponse, -1); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.EchoData = buf[4:]
	return nil
}

type InfoType uint16

const (
	InfoTypeConnectionlessMTU         InfoType = 0x0001
	InfoTypeExtendedFeaturesSupported InfoType = 0x0002
	InfoTypeFixedChannelsSupported    InfoType = 0x0003
)

type InformationRequestPacket struct {
	Identifier uint8
	InfoType
}

func (p *InformationRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 6)
	putCommandHeader(b, OpcodeInformationRequest, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.InfoType))
	return b, nil
}

func (p *InformationRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeInformationRequest, 2); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.InfoType = InfoType(binary.LittleEndian.Uint16(buf[4:]))
	return nil
}

type InfoTypeResult uint16

const (
	InfoTypeResultSuccess      InfoTypeResult = 0x0000
	InfoTypeResultNotSupported InfoTypeResult = 0x0001
)

type InformationResponsePacket struct {
	Identifier uint8
	InfoType
	Result InfoTypeResult
	Info   []byte
}

func (p *InformationResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 8+len(p.Info))
	putCommandHeader(b, OpcodeInformationResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.InfoType))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.Result))
	copy(b[8:], p.Info)
	return b, nil
}

func (p *InformationResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeInformationResponse, -1); err != nil {
		return err
	}
	if len(buf) < 8 {
		return io.ErrShortBuffer
	}
	p.Identifier = buf[1]
	p.InfoType = InfoType(binary.LittleEndian.Uint16(buf[4:]))
	p.Result = InfoTypeResult(binary.LittleEndian.Uint16(buf[6:]))
	p.Info = buf[8:]
	return nil
}

// FeatureMask decodes the info field of an extended features response.
func (p *InformationResponsePacket) FeatureMask() (FeatureMask, error) {
	if p.InfoType != InfoTypeExtendedFeaturesSupported || len(p.Info) < 4 {
		return 0, errors.New("not a feature mask response")
	}
	return FeatureMask(binary.LittleEndian.Uint32(p.Info)), nil
}

// FixedChannels decodes the info field of a fixed channels response.
func (p *InformationResponsePacket) FixedChannels() (FixedChannels, error) {
	if p.InfoType != InfoTypeFixedChannelsSupported || len(p.Info) < 8 {
		return 0, errors.New("not a fixed channels response")
	}
	return FixedChannels(binary.LittleEndian.Uint64(p.Info)), nil
}

type ConnectionParameterUpdateRequestPacket struct {
	Identifier  uint8
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
}

func (p *ConnectionParameterUpdateRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 12)
	putCommandHeader(b, OpcodeConnectionParameterUpdateRequest, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], p.IntervalMin)
	binary.LittleEndian.PutUint16(b[6:], p.IntervalMax)
	binary.LittleEndian.PutUint16(b[8:], p.Latency)
	binary.LittleEndian.PutUint16(b[10:], p.Timeout)
	return b, nil
}

func (p *ConnectionParameterUpdateRequestPacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConnectionParameterUpdateRequest, 8); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.IntervalMin = binary.LittleEndian.Uint16(buf[4:])
	p.IntervalMax = binary.LittleEndian.Uint16(buf[6:])
	p.Latency = binary.LittleEndian.Uint16(buf[8:])
	p.Timeout = binary.LittleEndian.Uint16(buf[10:])
	return nil
}

type ConnectionParameterUpdateResult uint16

const (
	ConnectionParameterUpdateResultAccepted ConnectionParameterUpdateResult = 0x0000
	ConnectionParameterUpdateResultRejected ConnectionParameterUpdateResult = 0x0001
)

type ConnectionParameterUpdateResponsePacket struct {
	Identifier uint8
	Result     ConnectionParameterUpdateResult
}

func (p *ConnectionParameterUpdateResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 6)
	putCommandHeader(b, OpcodeConnectionParameterUpdateResponse, p.Identifier)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Result))
	return b, nil
}

func (p *ConnectionParameterUpdateResponsePacket) Unmarshal(buf []byte) error {
	if err := checkCommand(buf, OpcodeConnectionParameterUpdateResponse, 2); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.Result = ConnectionParameterUpdateResult(binary.LittleEndian.Uint16(buf[4:]))
	return nil
}
