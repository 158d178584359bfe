package hci

// https://software-dl.ti.com/simplelink/esd/simplelink_cc13x2_sdk/1.60.00.29_new/exports/docs/ble5stack/vendor_specific_guide/BLE_Vendor_Specific_HCI_Guide/hci_interface.html

type PacketType uint8

const (
	PacketTypeCommand         PacketType = 0x01
	PacketTypeACLData         PacketType = 0x02
	PacketTypeSynchronousData PacketType = 0x03
	PacketTypeEvent           PacketType = 0x04
	PacketTypeExtendedCommand PacketType = 0x09
)

type Opcode uint16

const (
	OpcodeCreateConnection           Opcode = 0x0405
	OpcodeDisconnect                 Opcode = 0x0406
	OpcodeAcceptConnectionRequest    Opcode = 0x0409
	OpcodeSetConnectionEncryption    Opcode = 0x0413
	OpcodeSetEventMask               Opcode = 0x0C01
	OpcodeReset                      Opcode = 0x0C03
	OpcodeWriteScanEnable            Opcode = 0x0C1A
	OpcodeReadBufferSize             Opcode = 0x1005
	OpcodeReadBDAddr                 Opcode = 0x1009
	OpcodeLESetEventMask             Opcode = 0x2001
	OpcodeLEReadBufferSize           Opcode = 0x2002
	OpcodeLESetAdvertisingParameters Opcode = 0x2006
	OpcodeSetAdvertisingData         Opcode = 0x2008
	OpcodeLESetAdvertisingEnable     Opcode = 0x200A
	OpcodeLECreateConnection         Opcode = 0x200D
	OpcodeReadFilterAcceptListSize   Opcode = 0x200F
	OpcodeClearFilterAcceptList      Opcode = 0x2010
	OpcodeLEConnectionUpdate         Opcode = 0x2013
	OpcodeLEReadSupportedStates      Opcode = 0x201C
)

type EventCode uint8

const (
	EventCodeConnectionComplete                   EventCode = 0x03
	EventCodeConnectionRequest                    EventCode = 0x04
	EventCodeDisconnectionComplete                EventCode = 0x05
	EventCodeEncryptionChange                     EventCode = 0x08
	EventCodeReadRemoteVersionInformationComplete EventCode = 0x0C
	EventCodeCommandComplete                      EventCode = 0x0E
	EventCodeCommandStatus                        EventCode = 0x0F
	EventCodeHardwareError                        EventCode = 0x10
	EventCodeNumberOfCompletedPackets             EventCode = 0x13
	EventCodeDataBufferOverflow                   EventCode = 0x1A
	EventCodeEncryptionKeyRefreshComplete         EventCode = 0x30
	EventCodeAuthenticatedPayloadTimeoutExpired   EventCode = 0x57
	EventCodeLEMeta                               EventCode = 0x3E
)

type LEMetaSubeventCode uint8

const (
	LEMetaSubeventCodeConnectionComplete             LEMetaSubeventCode = 0x01
	LEMetaSubeventCodeAdvertisingReport              LEMetaSubeventCode = 0x02
	LEMetaSubeventCodeConnectionUpdate               LEMetaSubeventCode = 0x03
	LEMetaSubeventCodeReadRemoteUsedFeaturesComplete LEMetaSubeventCode = 0x04
	LEMetaSubeventCodeLongTermKeyRequest             LEMetaSubeventCode = 0x05
	LEMetaSubeventCodeReadLocalP256PublicKeyComplete LEMetaSubeventCode = 0x08
	LEMetaSubeventCodeGenerateDHKeyComplete          LEMetaSubeventCode = 0x09
	LEMetaSubeventCodeEnhancedConnectionComplete     LEMetaSubeventCode = 0x0A
	LEMetaSubeventCodePHYUpdateComplete              LEMetaSubeventCode = 0x0C
	LEMetaSubeventCodeExtendedAdvertisingReport      LEMetaSubeventCode = 0x0D
)

// Packet boundary flags of an ACL data packet.
const (
	PacketBoundaryStartNonFlushable uint8 = 0b00
	PacketBoundaryContinuation      uint8 = 0b01
	PacketBoundaryStartFlushable    uint8 = 0b10
)

// Status codes from Vol 1, Part F of the Bluetooth Core Specification.
const (
	StatusSuccess                      uint8 = 0x00
	StatusAuthenticationFailure        uint8 = 0x05
	StatusPinOrKeyMissing              uint8 = 0x06
	StatusConnectionTimeout            uint8 = 0x08
	StatusRemoteUserTerminated         uint8 = 0x13
	StatusRemoteLowResources           uint8 = 0x14
	StatusRemotePowerOff               uint8 = 0x15
	StatusLocalHostTerminated          uint8 = 0x16
	StatusUnacceptableConnectionParams uint8 = 0x3B
	StatusConnectionFailedToEstablish  uint8 = 0x3E
)
