package l2cap

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestControl(t *testing.T) {
	i := NewIControl(1, 2, SARStart, true)
	if i != 0x4282 {
		t.Errorf("NewIControl() = %#04x, want 0x4282", uint16(i))
	}
	if i.IsSFrame() || i.TxSeq() != 1 || i.ReqSeq() != 2 || i.SAR() != SARStart || !i.Final() || i.Poll() {
		t.Errorf("i-frame fields decoded wrong from %#04x", uint16(i))
	}

	s := NewSControl(SupervisorySelectiveReject, 5, true, false)
	if s != 0x051D {
		t.Errorf("NewSControl() = %#04x, want 0x051d", uint16(s))
	}
	if !s.IsSFrame() || s.Super() != SupervisorySelectiveReject || s.ReqSeq() != 5 || !s.Poll() || s.Final() {
		t.Errorf("s-frame fields decoded wrong from %#04x", uint16(s))
	}

	// Sequence numbers wrap at 64.
	if got := NewIControl(64, 65, SARUnsegmented, false); got.TxSeq() != 0 || got.ReqSeq() != 1 {
		t.Errorf("NewIControl(64, 65) = txseq %d reqseq %d", got.TxSeq(), got.ReqSeq())
	}
}

var iframeVector = []byte{
	0x0E, 0x00, 0x40, 0x00, 0x02, 0x00,
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09,
	0x38, 0x61,
}

func TestIFrame(t *testing.T) {
	f := &IFrame{
		ChannelID: ChannelIDDynamicStart,
		Control:   NewIControl(1, 0, SARUnsegmented, false),
		Payload:   []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09},
		FCS:       true,
	}
	buf, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	if diff := cmp.Diff(iframeVector, buf); diff != "" {
		t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
	}

	got := &IFrame{FCS: true}
	if err := got.Unmarshal(iframeVector); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
	}
}

func TestIFrameStart(t *testing.T) {
	f := &IFrame{
		ChannelID: ChannelIDDynamicStart,
		Control:   NewIControl(0, 0, SARStart, false),
		SDULength: 300,
		Payload:   []byte{0xAA, 0xBB},
	}
	buf, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	want := []byte{0x06, 0x00, 0x40, 0x00, 0x00, 0x40, 0x2C, 0x01, 0xAA, 0xBB}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
	}
	got := &IFrame{}
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
	}
}

func TestSFrame(t *testing.T) {
	f := &SFrame{
		ChannelID: ChannelIDDynamicStart,
		Control:   NewSControl(SupervisoryReceiverReady, 1, false, false),
		FCS:       true,
	}
	buf, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}
	want := []byte{0x04, 0x00, 0x40, 0x00, 0x01, 0x01, 0xD4, 0x14}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
	}
	if err := (&SFrame{FCS: true}).Unmarshal(iframeVector); err == nil {
		t.Error("SFrame.Unmarshal() accepted an i-frame")
	}
	if err := (&IFrame{FCS: true}).Unmarshal(buf); err == nil {
		t.Error("IFrame.Unmarshal() accepted an s-frame")
	}
}

func TestParsePDU(t *testing.T) {
	corrupt := append([]byte(nil), iframeVector...)
	corrupt[8] ^= 0xFF

	tests := []struct {
		name    string
		buf     []byte
		fcs     bool
		wantErr error
	}{
		{"valid", iframeVector, true, nil},
		{"short", []byte{0x02, 0x00, 0x40, 0x00, 0x00}, false, io.ErrShortBuffer},
		{"fcs mismatch", corrupt, true, errFCS},
		{"fcs ignored", corrupt, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := parsePDU(tt.buf, tt.fcs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("parsePDU() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, _, _, err := parsePDU([]byte{0x09, 0x00, 0x40, 0x00, 0x00, 0x00}, false); err == nil {
		t.Error("parsePDU() accepted a length mismatch")
	}
}

func TestUnmarshalFrame(t *testing.T) {
	f, err := UnmarshalFrame([]byte{0x05, 0x00, 0x02, 0x00, 0x01, 0x10, 0x68, 0x69, 0x21})
	if err != nil {
		t.Fatalf("UnmarshalFrame() = %v", err)
	}
	want := &GFrame{PSM: 0x1001, Payload: []byte("hi!")}
	if diff := cmp.Diff(Frame(want), f); diff != "" {
		t.Errorf("UnmarshalFrame() mismatch (-want +got):\n%s", diff)
	}

	f, err = UnmarshalFrame([]byte{0x02, 0x00, 0x40, 0x00, 0x68, 0x69})
	if err != nil {
		t.Fatalf("UnmarshalFrame() = %v", err)
	}
	if diff := cmp.Diff(Frame(&BFrame{ChannelID: 0x40, Payload: []byte("hi")}), f); diff != "" {
		t.Errorf("UnmarshalFrame() mismatch (-want +got):\n%s", diff)
	}

	if _, err := UnmarshalFrame([]byte{0x05, 0x00, 0x40, 0x00, 0x68}); err == nil {
		t.Error("UnmarshalFrame() accepted a truncated frame")
	}
}
