package att

import (
	"encoding/binary"
	"errors"
	"io"
)

type Packet interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

var errInvalidOpcode = errors.New("invalid opcode")

func checkPDU(buf []byte, op Opcode, size int) error {
	if len(buf) < 1 {
		return io.ErrShortBuffer
	}
	if Opcode(buf[0]) != op {
		return errInvalidOpcode
	}
	if len(buf) < size {
		return io.ErrShortBuffer
	}
	return nil
}

type ErrorResponsePacket struct {
	RequestOpcode   Opcode
	AttributeHandle uint16
	ErrorCode       ErrorCode
}

func (p *ErrorResponsePacket) Marshal() ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = byte(OpcodeErrorResponse)
	buf[1] = byte(p.RequestOpcode)
	binary.LittleEndian.PutUint16(buf[2:], p.AttributeHandle)
	buf[4] = byte(p.ErrorCode)
	return buf, nil
}

func (p *ErrorResponsePacket) Unmarshal(buf []byte) error {
	if err := checkPDU(buf, OpcodeErrorResponse, 5); err != nil {
		return err
	}
	p.RequestOpcode = Opcode(buf[1])
	p.AttributeHandle = binary.LittleEndian.Uint16(buf[2:])
	p.ErrorCode = ErrorCode(buf[4])
	return nil
}

type ExchangeMTURequestPacket struct {
	ClientRxMTU uint16
}

func (p *ExchangeMTURequestPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 3)
	buf[0] = byte(OpcodeExchangeMTURequest)
	binary.LittleEndian.PutUint16(buf[1:], p.ClientRxMTU)
	return buf, nil
}

func (p *ExchangeMTURequestPacket) Unmarshal(buf []byte) error {
	if err := checkPDU(buf, OpcodeExchangeMTURequest, 3); err != nil {
		return err
	}
	p.ClientRxMTU = binary.LittleEndian.Uint16(buf[1:])
	return nil
}

type ExchangeMTUResponsePacket struct {
	ServerRxMTU uint16
}

func (p *ExchangeMTUResponsePacket) Marshal() ([]byte, error) {
	buf := make([]byte, 3)
	buf[0] = byte(OpcodeExchangeMTUResponse)
	binary.LittleEndian.PutUint16(buf[1:], p.ServerRxMTU)
	return buf, nil
}

func (p *ExchangeMTUResponsePacket) Unmarshal(buf []byte) error {
	if err := checkPDU(buf, OpcodeExchangeMTUResponse, 3); err != nil {
		return err
	}
	p.ServerRxMTU = binary.LittleEndian.Uint16(buf[1:])
	return nil
}

// HandleRange is the leading handle range of the discovery requests: find
// information, find by type value, read by type and read by group type.
type HandleRange struct {
	StartingHandle uint16
	EndingHandle   uint16
}

// UnmarshalHandleRange reads the handle range following the opcode.
func UnmarshalHandleRange(buf []byte) (HandleRange, error) {
	if len(buf) < 5 {
		return HandleRange{}, io.ErrShortBuffer
	}
	return HandleRange{
		StartingHandle: binary.LittleEndian.Uint16(buf[1:]),
		EndingHandle:   binary.LittleEndian.Uint16(buf[3:]),
	}, nil
}

// Valid reports whether the range may be searched.
func (r HandleRange) Valid() bool {
	return r.StartingHandle != 0 && r.StartingHandle <= r.EndingHandle
}
