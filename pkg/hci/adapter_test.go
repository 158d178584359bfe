package hci

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/muxable/l2cap/pkg/l2cap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

func TestAdapterInit(t *testing.T) {
	a, fc, _ := newTestAdapter(t)

	if diff := cmp.Diff(controllerAddr, a.Addr()); diff != "" {
		t.Errorf("Addr() mismatch (-want +got):\n%s", diff)
	}
	var got []Opcode
	for len(fc.cmds) > 0 {
		got = append(got, <-fc.cmds)
	}
	want := []Opcode{
		OpcodeReset,
		OpcodeReadBDAddr,
		OpcodeSetEventMask,
		OpcodeLESetEventMask,
		OpcodeReadBufferSize,
		OpcodeLEReadBufferSize,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestAdapterCommandErrors(t *testing.T) {
	fc := newFakeController(t)
	a := NewAdapter(fc, WithLogger(zaptest.NewLogger(t)), WithCommandTimeout(50*time.Millisecond))
	defer a.Close()

	fc.status[OpcodeLESetAdvertisingEnable] = 0x0C
	fc.status[OpcodeLEConnectionUpdate] = StatusUnacceptableConnectionParams
	fc.silent[OpcodeReset] = true

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"complete with status", func() error { return a.LESetAdvertisingEnable(true) }, ErrCommandFailed},
		{"command status", func() error { return a.LEConnectionUpdate(0x0040, DefaultConnectionParameters) }, ErrCommandFailed},
		{"no answer", a.Reset, unix.ETIMEDOUT},
		{"success", func() error { return a.WriteScanEnable(ScanEnablePage) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLELinkLifecycle(t *testing.T) {
	a, fc, h := newTestAdapter(t)
	peer := BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	fc.event(&LEConnectionCompleteEventPacket{
		ConnectionHandle: 0x0040,
		Role:             RolePeripheral,
		PeerAddress:      peer,
	})
	if diff := cmp.Diff(linkEvent{Kind: "up", Handle: 0x0040}, h.next(t)); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}
	l := a.link(0x0040)
	if l == nil {
		t.Fatal("link not tracked")
	}
	if l.Outgoing() || l.IsCentral() {
		t.Error("peripheral link reported as outgoing")
	}
	if l.Type() != l2cap.LinkTypeLE || l.MTU() != 27 {
		t.Errorf("Type() = %v, MTU() = %d", l.Type(), l.MTU())
	}
	if l.RemoteAddr() != l2cap.BDAddr(peer) || l.LocalAddr() != l2cap.BDAddr(controllerAddr) {
		t.Errorf("addresses = %v, %v", l.LocalAddr(), l.RemoteAddr())
	}

	fc.event(&ACLDataPacket{ConnectionHandle: 0x0040, PacketBoundaryFlag: PacketBoundaryStartFlushable, Payload: []byte{0x05, 0x00, 0x04, 0x00, 0x0A}})
	fc.event(&ACLDataPacket{ConnectionHandle: 0x0040, PacketBoundaryFlag: PacketBoundaryContinuation, Payload: []byte{0x01, 0x00, 0x02, 0x00}})
	fc.event(&DisconnectionCompleteEventPacket{ConnectionHandle: 0x0040, Reason: StatusRemoteUserTerminated})

	want := []linkEvent{
		{Kind: "recv", Handle: 0x0040, Payload: []byte{0x05, 0x00, 0x04, 0x00, 0x0A}, Start: true},
		{Kind: "recv", Handle: 0x0040, Payload: []byte{0x01, 0x00, 0x02, 0x00}},
		{Kind: "down", Handle: 0x0040, Err: unix.ECONNRESET},
	}
	var got []linkEvent
	for range want {
		got = append(got, h.next(t))
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(x, y error) bool { return errors.Is(x, y) })); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if a.link(0x0040) != nil {
		t.Error("link still tracked after disconnection")
	}
	if err := l.Send([]byte{0x00, 0x00, 0x04, 0x00}, false); !errors.Is(err, unix.ENOTCONN) {
		t.Errorf("Send() after disconnect = %v, want ENOTCONN", err)
	}
}

func TestLinkSendFragments(t *testing.T) {
	a, fc, h := newTestAdapter(t)
	fc.event(&LEConnectionCompleteEventPacket{ConnectionHandle: 0x0041, Role: RoleCentral})
	h.next(t)
	l := a.link(0x0041)

	pdu := make([]byte, 60)
	for i := range pdu {
		pdu[i] = byte(i)
	}
	sent := make(chan error, 1)
	go func() { sent <- l.Send(pdu, true) }()

	// Two LE buffers: the third fragment waits for a completed packet.
	first := fc.nextACL(t)
	second := fc.nextACL(t)
	select {
	case p := <-fc.acl:
		t.Fatalf("fragment written without a free buffer: %x", p.Payload)
	case <-time.After(50 * time.Millisecond):
	}
	fc.event(&NumberOfCompletedPacketsEventPacket{
		NumHandles:          1,
		ConnectionHandles:   []uint16{0x0041},
		NumCompletedPackets: []uint16{2},
	})
	third := fc.nextACL(t)
	if err := <-sent; err != nil {
		t.Fatalf("Send() = %v", err)
	}

	tests := []struct {
		name string
		p    *ACLDataPacket
		pb   uint8
		want []byte
	}{
		{"first", first, PacketBoundaryStartNonFlushable, pdu[:27]},
		{"second", second, PacketBoundaryContinuation, pdu[27:54]},
		{"third", third, PacketBoundaryContinuation, pdu[54:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.p.ConnectionHandle != 0x0041 {
				t.Errorf("handle = %#x", tt.p.ConnectionHandle)
			}
			if tt.p.PacketBoundaryFlag != tt.pb {
				t.Errorf("packet boundary = %02b, want %02b", tt.p.PacketBoundaryFlag, tt.pb)
			}
			if !bytes.Equal(tt.p.Payload, tt.want) {
				t.Errorf("payload = %x, want %x", tt.p.Payload, tt.want)
			}
		})
	}
}

func TestDial(t *testing.T) {
	a, fc, h := newTestAdapter(t)
	peer := BDAddr{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}

	type result struct {
		link l2cap.Link
		err  error
	}
	done := make(chan result, 1)
	go func() {
		l, err := a.Dial(l2cap.BDAddr(peer), l2cap.LinkTypeACL, l2cap.SecurityLow, l2cap.AuthNoBonding)
		done <- result{l, err}
	}()
	for op := range fc.cmds {
		if op == OpcodeCreateConnection {
			break
		}
	}
	fc.event(&ConnectionCompleteEventPacket{ConnectionHandle: 0x0002, Address: peer, LinkKind: LinkKindACL})
	r := <-done
	if r.err != nil {
		t.Fatalf("Dial() = %v", r.err)
	}
	if !r.link.Outgoing() || r.link.Type() != l2cap.LinkTypeACL || r.link.MTU() != 1021 {
		t.Errorf("link outgoing=%v type=%v mtu=%d", r.link.Outgoing(), r.link.Type(), r.link.MTU())
	}
	h.next(t)

	again, err := a.Dial(l2cap.BDAddr(peer), l2cap.LinkTypeACL, l2cap.SecurityLow, l2cap.AuthNoBonding)
	if err != nil || again != r.link {
		t.Errorf("second Dial() = %v, %v; want existing link", again, err)
	}
}

func TestDialFailure(t *testing.T) {
	a, fc, _ := newTestAdapter(t)
	peer := BDAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	done := make(chan error, 1)
	go func() {
		_, err := a.Dial(l2cap.BDAddr(peer), l2cap.LinkTypeLE, l2cap.SecurityLow, l2cap.AuthNoBonding)
		done <- err
	}()
	for op := range fc.cmds {
		if op == OpcodeLECreateConnection {
			break
		}
	}
	fc.event(&LEConnectionCompleteEventPacket{Status: StatusConnectionFailedToEstablish, PeerAddress: peer})
	if err := <-done; !errors.Is(err, unix.ECONNREFUSED) {
		t.Errorf("Dial() = %v, want ECONNREFUSED", err)
	}
}

func TestSecurityCheck(t *testing.T) {
	a, fc, h := newTestAdapter(t)
	fc.event(&ConnectionCompleteEventPacket{ConnectionHandle: 0x0003, LinkKind: LinkKindACL})
	h.next(t)
	l := a.link(0x0003)

	if !l.SecurityCheck(l2cap.SecurityLow, l2cap.AuthNoBonding) {
		t.Error("low security refused on an open link")
	}
	if l.SecurityCheck(l2cap.SecurityMedium, l2cap.AuthGeneralBonding) {
		t.Error("medium security granted without encryption")
	}
	fc.event(&EncryptionChangeEventPacket{ConnectionHandle: 0x0003, EncryptionEnabled: 1})
	if diff := cmp.Diff(linkEvent{Kind: "encrypt", Handle: 0x0003}, h.next(t)); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
	if !l.SecurityCheck(l2cap.SecurityHigh, l2cap.AuthGeneralBondingMITM) {
		t.Error("security refused on an encrypted link")
	}
}

func TestAdapterCloseTakesLinksDown(t *testing.T) {
	fc := newFakeController(t)
	a := NewAdapter(fc)
	h := newRecordingHandler()
	a.SetHandler(h)
	fc.event(&LEConnectionCompleteEventPacket{ConnectionHandle: 0x0007})
	h.next(t)

	if err := a.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	e := h.next(t)
	if e.Kind != "down" || !errors.Is(e.Err, unix.ECONNABORTED) {
		t.Errorf("event = %+v, want link down with ECONNABORTED", e)
	}
	if err := a.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status uint8
		want   error
	}{
		{StatusSuccess, nil},
		{StatusAuthenticationFailure, unix.EACCES},
		{StatusConnectionTimeout, unix.ETIMEDOUT},
		{StatusRemoteUserTerminated, unix.ECONNRESET},
		{StatusRemotePowerOff, unix.ECONNRESET},
		{StatusLocalHostTerminated, unix.ECONNABORTED},
		{StatusConnectionFailedToEstablish, unix.ECONNREFUSED},
		{0x7F, unix.EIO},
	}
	for _, tt := range tests {
		if got := StatusError(tt.status); !errors.Is(got, tt.want) && got != tt.want {
			t.Errorf("StatusError(%#x) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
