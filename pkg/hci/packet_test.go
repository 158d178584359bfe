package hci

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Packet
		wantErr error
	}{
		{
			name: "acl start",
			buf:  []byte{0x02, 0x40, 0x20, 0x03, 0x00, 0xAA, 0xBB, 0xCC},
			want: &ACLDataPacket{
				PacketBoundaryFlag: PacketBoundaryStartFlushable,
				ConnectionHandle:   0x0040,
				Payload:            []byte{0xAA, 0xBB, 0xCC},
			},
		},
		{
			name:    "acl length mismatch",
			buf:     []byte{0x02, 0x40, 0x20, 0x04, 0x00, 0xAA},
			wantErr: io.ErrShortBuffer,
		},
		{
			name: "command complete",
			buf:  []byte{0x04, 0x0E, 0x04, 0x01, 0x03, 0x0C, 0x00},
			want: &CommandCompleteEventPacket{
				NumCommandPackets: 1,
				CommandOpcode:     OpcodeReset,
				ReturnParameters:  []byte{0x00},
			},
		},
		{
			name: "command status",
			buf:  []byte{0x04, 0x0F, 0x04, 0x00, 0x01, 0x05, 0x04},
			want: &CommandStatusEventPacket{NumCommandPackets: 1, CommandOpcode: OpcodeCreateConnection},
		},
		{
			name: "number of completed packets",
			buf:  []byte{0x04, 0x13, 0x09, 0x02, 0x40, 0x00, 0x03, 0x00, 0x41, 0x00, 0x01, 0x00},
			want: &NumberOfCompletedPacketsEventPacket{
				NumHandles:          2,
				ConnectionHandles:   []uint16{0x0040, 0x0041},
				NumCompletedPackets: []uint16{3, 1},
			},
		},
		{
			name: "disconnection complete",
			buf:  []byte{0x04, 0x05, 0x04, 0x00, 0x40, 0x00, 0x13},
			want: &DisconnectionCompleteEventPacket{ConnectionHandle: 0x0040, Reason: StatusRemoteUserTerminated},
		},
		{
			name: "encryption change",
			buf:  []byte{0x04, 0x08, 0x04, 0x00, 0x02, 0x00, 0x01},
			want: &EncryptionChangeEventPacket{ConnectionHandle: 0x0002, EncryptionEnabled: 1},
		},
		{
			name: "connection complete",
			buf:  []byte{0x04, 0x03, 0x0B, 0x00, 0x02, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x01, 0x00},
			want: &ConnectionCompleteEventPacket{
				ConnectionHandle: 0x0002,
				Address:          BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
				LinkKind:         LinkKindACL,
			},
		},
		{
			name: "connection request",
			buf:  []byte{0x04, 0x04, 0x0A, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x0C, 0x02, 0x5A, 0x01},
			want: &ConnectionRequestEventPacket{
				Address:       BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
				ClassOfDevice: [3]byte{0x0C, 0x02, 0x5A},
				LinkKind:      LinkKindACL,
			},
		},
		{
			name: "le connection complete",
			buf: []byte{
				0x04, 0x3E, 0x13, 0x01, 0x00, 0x40, 0x00, 0x01, 0x01,
				0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF,
				0x18, 0x00, 0x00, 0x00, 0x48, 0x00, 0x05,
			},
			want: &LEConnectionCompleteEventPacket{
				ConnectionHandle:     0x0040,
				Role:                 RolePeripheral,
				PeerAddressType:      PeerAddressTypeRandomDeviceAddress,
				PeerAddress:          BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
				ConnectionInterval:   0x0018,
				SupervisionTimeout:   0x0048,
				CentralClockAccuracy: CentralClockAccuracy50PPM,
			},
		},
		{
			name:    "unhandled le subevent",
			buf:     []byte{0x04, 0x3E, 0x02, 0x03, 0x00},
			wantErr: ErrUnsupportedPacket,
		},
		{
			name:    "unhandled event",
			buf:     []byte{0x04, 0x10, 0x01, 0x00},
			wantErr: ErrUnsupportedPacket,
		},
		{
			name:    "truncated event",
			buf:     []byte{0x04, 0x05, 0x04, 0x00},
			wantErr: io.ErrShortBuffer,
		},
		{
			name:    "empty",
			buf:     nil,
			wantErr: io.ErrShortBuffer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal(tt.buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Unmarshal() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCommandMarshal(t *testing.T) {
	tests := []struct {
		name string
		p    CommandPacket
		want []byte
	}{
		{
			name: "reset",
			p:    NewGenericCommandPacket(OpcodeReset),
			want: []byte{0x01, 0x03, 0x0C, 0x00},
		},
		{
			name: "disconnect",
			p:    &DisconnectCommandPacket{ConnectionHandle: 0x0040, Reason: StatusRemoteUserTerminated},
			want: []byte{0x01, 0x06, 0x04, 0x03, 0x40, 0x00, 0x13},
		},
		{
			name: "create connection",
			p: &CreateConnectionCommandPacket{
				Address:                BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
				PacketType:             defaultACLPacketTypes,
				PageScanRepetitionMode: 0x02,
				AllowRoleSwitch:        true,
			},
			want: []byte{
				0x01, 0x05, 0x04, 0x0D,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
				0x18, 0xCC, 0x02, 0x00, 0x00, 0x00, 0x01,
			},
		},
		{
			name: "le connection update",
			p: &LEConnectionUpdateCommandPacket{
				ConnectionHandle: 0x0040,
				ConnectionParameters: ConnectionParameters{
					IntervalMin:        0x0006,
					IntervalMax:        0x0C80,
					Latency:            0x0001,
					SupervisionTimeout: 0x0C80,
				},
			},
			want: []byte{
				0x01, 0x13, 0x20, 0x0E,
				0x40, 0x00, 0x06, 0x00, 0x80, 0x0C, 0x01, 0x00, 0x80, 0x0C,
				0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name: "set event mask",
			p:    &SetEventMaskCommandPacket{EventMask: EventMaskDisconnectionCompleteEvent | EventMaskLEMetaEvent},
			want: []byte{0x01, 0x01, 0x0C, 0x08, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20},
		},
		{
			name: "advertising enable",
			p:    &LESetAdvertisingEnableCommandPacket{AdvertisingEnable: true},
			want: []byte{0x01, 0x0A, 0x20, 0x01, 0x01},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.p.Marshal()
			if err != nil {
				t.Fatalf("Marshal() = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdvertisingData(t *testing.T) {
	p := &SetAdvertisingDataCommandPacket{AdvertisingData: []DataType{
		FlagsDataTypeLEGeneralDiscoverableMode | FlagsDataTypeBREDRNotSupported,
		CompleteLocalName("l2cap"),
		UUID16List{0x1801},
	}}
	buf, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	wantAD := []byte{
		0x02, 0x01, 0x06,
		0x06, 0x09, 'l', '2', 'c', 'a', 'p',
		0x03, 0x03, 0x01, 0x18,
	}
	if len(buf) != 36 || int(buf[4]) != len(wantAD) {
		t.Fatalf("len = %d, significant = %d", len(buf), buf[4])
	}
	if diff := cmp.Diff(wantAD, buf[5:5+len(wantAD)]); diff != "" {
		t.Errorf("advertising data mismatch (-want +got):\n%s", diff)
	}

	var q SetAdvertisingDataCommandPacket
	if err := q.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if diff := cmp.Diff(p.AdvertisingData, q.AdvertisingData); diff != "" {
		t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
	}

	long := &SetAdvertisingDataCommandPacket{AdvertisingData: []DataType{
		CompleteLocalName("a name much too long to advertise"),
	}}
	if _, err := long.Marshal(); !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("Marshal() of oversized data = %v, want io.ErrShortWrite", err)
	}
}
