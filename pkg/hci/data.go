package hci

import (
	"encoding/binary"
	"errors"
	"io"
)

// DataType is one advertising data structure, Core Specification Supplement
// Part A.
type DataType interface {
	Marshal() ([]byte, error)
}

const (
	adTypeFlags             = 0x01
	adTypeIncompleteUUID16  = 0x02
	adTypeCompleteUUID16    = 0x03
	adTypeShortLocalName    = 0x08
	adTypeCompleteLocalName = 0x09
)

type FlagsDataType uint8

const (
	FlagsDataTypeLELimitedDiscoverableMode                           FlagsDataType = (1 << 0)
	FlagsDataTypeLEGeneralDiscoverableMode                           FlagsDataType = (1 << 1)
	FlagsDataTypeBREDRNotSupported                                   FlagsDataType = (1 << 2)
	FlagsDataTypeSimultaneousLEAndBREDRTosameDeviceCapableController FlagsDataType = (1 << 3)
)

func (f FlagsDataType) Marshal() ([]byte, error) {
	return []byte{0x02, adTypeFlags, byte(f)}, nil
}

type CompleteLocalName string

func (l CompleteLocalName) Marshal() ([]byte, error) {
	return marshalAD(adTypeCompleteLocalName, []byte(l))
}

type ShortLocalName string

func (l ShortLocalName) Marshal() ([]byte, error) {
	return marshalAD(adTypeShortLocalName, []byte(l))
}

// UUID16List is the complete list of 16-bit service class UUIDs.
type UUID16List []uint16

func (u UUID16List) Marshal() ([]byte, error) {
	b := make([]byte, 2*len(u))
	for i, id := range u {
		binary.LittleEndian.PutUint16(b[2*i:], id)
	}
	return marshalAD(adTypeCompleteUUID16, b)
}

func marshalAD(typ byte, value []byte) ([]byte, error) {
	if len(value) > maxAdvertisingData-2 {
		return nil, io.ErrShortWrite
	}
	return append([]byte{byte(len(value) + 1), typ}, value...), nil
}

// UnmarshalDataTypes decodes advertising data. Unknown structures are
// skipped.
func UnmarshalDataTypes(buf []byte) ([]DataType, error) {
	var out []DataType
	for len(buf) > 0 {
		n := int(buf[0])
		if n == 0 {
			break
		}
		if len(buf) < n+1 {
			return nil, io.ErrShortBuffer
		}
		typ, value := buf[1], buf[2:n+1]
		switch typ {
		case adTypeFlags:
			if len(value) != 1 {
				return nil, errors.New("invalid length")
			}
			out = append(out, FlagsDataType(value[0]))
		case adTypeCompleteLocalName:
			out = append(out, CompleteLocalName(value))
		case adTypeShortLocalName:
			out = append(out, ShortLocalName(value))
		case adTypeCompleteUUID16, adTypeIncompleteUUID16:
			if len(value)%2 != 0 {
				return nil, errors.New("invalid length")
			}
			ids := make(UUID16List, len(value)/2)
			for i := range ids {
				ids[i] = binary.LittleEndian.Uint16(value[2*i:])
			}
			out = append(out, ids)
		}
		buf = buf[n+1:]
	}
	return out, nil
}
