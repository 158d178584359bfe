package l2cap

type Opcode uint8

const (
	OpcodeCommandRejectResponse             Opcode = 0x01
	OpcodeConnectionRequest                 Opcode = 0x02
	OpcodeConnectionResponse                Opcode = 0x03
	OpcodeConfigurationRequest              Opcode = 0x04
	OpcodeConfigurationResponse             Opcode = 0x05
	OpcodeDisconnectionRequest              Opcode = 0x06
	OpcodeDisconnectionResponse             Opcode = 0x07
	OpcodeEchoRequest                       Opcode = 0x08
	OpcodeEchoResponse                      Opcode = 0x09
	OpcodeInformationRequest                Opcode = 0x0A
	OpcodeInformationResponse               Opcode = 0x0B
	OpcodeConnectionParameterUpdateRequest  Opcode = 0x12
	OpcodeConnectionParameterUpdateResponse Opcode = 0x13
)

// Section 2.1
type ChannelID uint16

const (
	ChannelIDNull                    ChannelID = 0x0000
	ChannelIDSignallingACLU          ChannelID = 0x0001
	ChannelIDConnectionless          ChannelID = 0x0002
	ChannelIDAttributeProtocol       ChannelID = 0x0004
	ChannelIDSignallingLEU           ChannelID = 0x0005
	ChannelIDSecurityManagerProtocol ChannelID = 0x0006
	ChannelIDBREDRSecurityManager    ChannelID = 0x0007

	ChannelIDDynamicStart ChannelID = 0x0040
	ChannelIDDynamicEnd   ChannelID = 0xFFFF
)

// Well known protocol/service multiplexers.
const (
	PSMSDP    uint16 = 0x0001
	PSMRFCOMM uint16 = 0x0003

	psmDynamicStart uint16 = 0x1001
	psmDynamicEnd   uint16 = 0x1100
)

// FeatureMask is the extended feature mask exchanged with an information
// request, Vol 3, Part A, Section 4.12.
type FeatureMask uint32

const (
	FeatureFlowControl           FeatureMask = 0x0001
	FeatureRetransmission        FeatureMask = 0x0002
	FeatureBidirectionalQoS      FeatureMask = 0x0004
	FeatureERTM                  FeatureMask = 0x0008
	FeatureStreaming             FeatureMask = 0x0010
	FeatureFCS                   FeatureMask = 0x0020
	FeatureExtendedFlowSpec      FeatureMask = 0x0040
	FeatureFixedChannels         FeatureMask = 0x0080
	FeatureExtendedWindowSize    FeatureMask = 0x0100
	FeatureUnicastConnectionless FeatureMask = 0x0200
)

// FixedChannels is the fixed channel bitmap returned for
// InfoTypeFixedChannelsSupported.
type FixedChannels uint64

const (
	FixedChannelSignalling     FixedChannels = 1 << ChannelIDSignallingACLU
	FixedChannelConnectionless FixedChannels = 1 << ChannelIDConnectionless
)
