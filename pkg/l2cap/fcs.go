package l2cap

import "encoding/binary"

// The frame check sequence is CRC-16 with generator x^16 + x^15 + x^2 + 1,
// processed LSB first with a zero preset, Vol 3, Part A, Section 3.3.5.

var fcsTable [256]uint16

func init() {
	const poly uint16 = 0xA001 // 0x8005 reflected
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		fcsTable[i] = crc
	}
}

// CalculateFCS computes the FCS over buf.
func CalculateFCS(buf []byte) uint16 {
	var crc uint16
	for _, b := range buf {
		crc = fcsTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// VerifyFCS reports whether the last two bytes of pdu hold the FCS of the
// bytes before them.
func VerifyFCS(pdu []byte) bool {
	if len(pdu) < 2 {
		return false
	}
	n := len(pdu) - 2
	return CalculateFCS(pdu[:n]) == binary.LittleEndian.Uint16(pdu[n:])
}

// putFCS stores the FCS of pdu[:len(pdu)-2] in the trailing two bytes.
func putFCS(pdu []byte) {
	n := len(pdu) - 2
	binary.LittleEndian.PutUint16(pdu[n:], CalculateFCS(pdu[:n]))
}
