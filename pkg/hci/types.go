package hci

import (
	"net"

	"github.com/muxable/l2cap/pkg/l2cap"
)

type OwnAddressType uint8

const (
	OwnAddressTypePublicDeviceAddress         OwnAddressType = 0x00
	OwnAddressTypeRandomDeviceAddress         OwnAddressType = 0x01
	OwnAddressTypeControllerGeneratedOrPublic OwnAddressType = 0x02
	OwnAddressTypeControllerGeneratedOrRandom OwnAddressType = 0x03
)

type PeerAddressType uint8

const (
	PeerAddressTypePublicDeviceAddress PeerAddressType = 0x00
	PeerAddressTypeRandomDeviceAddress PeerAddressType = 0x01
)

// BDAddr is a device address in wire order, least significant byte first.
type BDAddr [6]byte

func (a BDAddr) String() string {
	return net.HardwareAddr{a[5], a[4], a[3], a[2], a[1], a[0]}.String()
}

func (a BDAddr) toL2CAP() l2cap.BDAddr { return l2cap.BDAddr(a) }
