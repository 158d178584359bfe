package l2cap

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBindDynamicPSM(t *testing.T) {
	s := newTestStack(t, testConfig())
	a, b := s.NewChannel(&testOps{}), s.NewChannel(&testOps{})
	if err := a.Bind(0, BDAddrAny); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if err := b.Bind(0, BDAddrAny); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if got := a.PSM(); got != 0x1001 {
		t.Errorf("first dynamic psm = %#04x, want 0x1001", got)
	}
	if got := b.PSM(); got != 0x1003 {
		t.Errorf("second dynamic psm = %#04x, want 0x1003", got)
	}
	if got := a.State(); got != StateBound {
		t.Errorf("State() = %s, want bound", got)
	}
}

func TestBind(t *testing.T) {
	tests := []struct {
		name    string
		first   BDAddr
		psm     uint16
		addr    BDAddr
		wantErr error
	}{
		{"same psm and address", BDAddrAny, 0x1001, BDAddrAny, ErrAddrInUse},
		{"same psm other address", BDAddrAny, 0x1001, localAddr, nil},
		{"other psm", BDAddrAny, 0x1003, BDAddrAny, nil},
		{"even psm", BDAddrAny, 0x1002, BDAddrAny, ErrInvalidPSM},
		{"psm with upper lsb set", BDAddrAny, 0x0101, BDAddrAny, ErrInvalidPSM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStack(t, testConfig())
			if err := s.NewChannel(&testOps{}).Bind(0x1001, tt.first); err != nil {
				t.Fatalf("Bind() = %v", err)
			}
			err := s.NewChannel(&testOps{}).Bind(tt.psm, tt.addr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Bind(%#04x) = %v, want %v", tt.psm, err, tt.wantErr)
			}
		})
	}
}

func TestBindWrongState(t *testing.T) {
	s := newTestStack(t, testConfig())
	c := s.NewChannel(&testOps{})
	if err := c.Bind(0x1001, BDAddrAny); err != nil {
		t.Fatalf("Bind() = %v", err)
	}
	if err := c.Bind(0x1003, BDAddrAny); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Bind() = %v, want ErrInvalidState", err)
	}
	if err := s.NewChannel(&testOps{}).Listen(0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Listen() unbound = %v, want ErrInvalidState", err)
	}
}

func TestFindListening(t *testing.T) {
	s := newTestStack(t, testConfig())
	wildcard := s.NewChannel(&testOps{})
	exact := s.NewChannel(&testOps{})
	for _, b := range []struct {
		c    *Channel
		addr BDAddr
	}{{wildcard, BDAddrAny}, {exact, localAddr}} {
		if err := b.c.Bind(0x1005, b.addr); err != nil {
			t.Fatalf("Bind() = %v", err)
		}
		if err := b.c.Listen(0); err != nil {
			t.Fatalf("Listen() = %v", err)
		}
	}
	bound := s.NewChannel(&testOps{})
	if err := bound.Bind(0x1007, BDAddrAny); err != nil {
		t.Fatalf("Bind() = %v", err)
	}

	tests := []struct {
		name string
		psm  uint16
		src  BDAddr
		want *Channel
	}{
		{"exact address wins", 0x1005, localAddr, exact},
		{"wildcard", 0x1005, remoteAddr, wildcard},
		{"bound but not listening", 0x1007, localAddr, nil},
		{"unknown psm", 0x1009, localAddr, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.registry.findListening(tt.psm, tt.src); got != tt.want {
				t.Errorf("findListening(%#04x, %s) = %v, want %v", tt.psm, tt.src, got, tt.want)
			}
		})
	}
}

func TestBindCID(t *testing.T) {
	s := newTestStack(t, testConfig())
	a := s.NewChannel(&testOps{})
	if err := a.BindCID(ChannelIDAttributeProtocol, BDAddrAny); err != nil {
		t.Fatalf("BindCID() = %v", err)
	}
	if err := s.NewChannel(&testOps{}).BindCID(ChannelIDAttributeProtocol, BDAddrAny); !errors.Is(err, ErrAddrInUse) {
		t.Errorf("BindCID() duplicate = %v, want ErrAddrInUse", err)
	}
	if err := a.Listen(0); err != nil {
		t.Fatalf("Listen() = %v", err)
	}
	if got := s.registry.findListeningCID(ChannelIDAttributeProtocol, localAddr); got != a {
		t.Errorf("findListeningCID() = %v, want %v", got, a)
	}
}

func TestChannelClose(t *testing.T) {
	s := newTestStack(t, testConfig())
	a := s.NewChannel(&testOps{})
	b := s.NewChannel(&testOps{})
	if got := testutil.ToFloat64(s.metrics.channels); got != 2 {
		t.Fatalf("channels = %v, want 2", got)
	}
	if err := a.Bind(0x1001, BDAddrAny); err != nil {
		t.Fatalf("Bind() = %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
	if got := a.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	if got := testutil.ToFloat64(s.metrics.channels); got != 1 {
		t.Errorf("channels = %v, want 1", got)
	}
	if got := s.registry.len(); got != 1 {
		t.Errorf("registry holds %d channels, want 1", got)
	}
	if err := a.Bind(0x1001, BDAddrAny); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Bind() closed = %v, want ErrInvalidState", err)
	}
	// The PSM of a closed channel is free again.
	if err := b.Bind(0x1001, BDAddrAny); err != nil {
		t.Errorf("Bind() = %v", err)
	}
}
