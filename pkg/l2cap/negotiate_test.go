package l2cap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestModeSupported(t *testing.T) {
	all := FeatureERTM | FeatureStreaming | FeatureFCS | FeatureFixedChannels
	tests := []struct {
		name          string
		mode          Mode
		local, remote FeatureMask
		want          bool
	}{
		{"ertm both", ModeERTM, all, all, true},
		{"ertm remote lacks", ModeERTM, all, FeatureFixedChannels, false},
		{"streaming local lacks", ModeStreaming, FeatureERTM, all, false},
		{"streaming both", ModeStreaming, all, FeatureStreaming, true},
		{"basic", ModeBasic, all, all, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modeSupported(tt.mode, tt.local, tt.remote); got != tt.want {
				t.Errorf("modeSupported() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampMPS(t *testing.T) {
	tests := []struct {
		mps  uint16
		mtu  int
		want uint16
	}{
		{1009, 1021, 1009},
		{1009, 251, 241},
		{64, 1021, 64},
		{1009, 8, 1009},
	}
	for _, tt := range tests {
		if got := clampMPS(tt.mps, tt.mtu); got != tt.want {
			t.Errorf("clampMPS(%d, %d) = %d, want %d", tt.mps, tt.mtu, got, tt.want)
		}
	}
	if got := millis(2 * time.Second); got != 2000 {
		t.Errorf("millis(2s) = %d, want 2000", got)
	}
	if got := millis(time.Hour); got != 0xFFFF {
		t.Errorf("millis(1h) = %d, want 65535", got)
	}
}

// TestConfigRequest feeds one configuration request to a channel whose own
// request is already out and checks the response it sends.
func TestConfigRequest(t *testing.T) {
	rfcBasic := (&RFCOption{Mode: ModeBasic}).Marshal()
	rfcERTM := (&RFCOption{Mode: ModeERTM, TxWindow: 5, MaxTransmit: 3, MaxPDUSize: 64}).Marshal()

	tests := []struct {
		name       string
		opts       []byte
		wantResult ConfigurationResult
		wantOpts   []byte
	}{
		{
			name:       "defaults",
			wantResult: ConfigurationResultSuccess,
			wantOpts:   []byte{0x01, 0x02, 0xA0, 0x02},
		},
		{
			name:       "mtu",
			opts:       []byte{0x01, 0x02, 0x64, 0x00},
			wantResult: ConfigurationResultSuccess,
			wantOpts:   []byte{0x01, 0x02, 0x64, 0x00},
		},
		{
			name:       "mtu below minimum",
			opts:       []byte{0x01, 0x02, 0x28, 0x00},
			wantResult: ConfigurationResultUnacceptable,
			wantOpts:   []byte{0x01, 0x02, 0x30, 0x00},
		},
		{
			name:       "unknown option",
			opts:       []byte{0x09, 0x01, 0x00, 0x0A, 0x00},
			wantResult: ConfigurationResultUnknown,
			wantOpts:   []byte{0x09, 0x0A},
		},
		{
			name:       "unknown hint",
			opts:       []byte{0x89, 0x01, 0x00},
			wantResult: ConfigurationResultSuccess,
			wantOpts:   []byte{0x01, 0x02, 0xA0, 0x02},
		},
		{
			name:       "mode mismatch",
			opts:       AppendConfigOption(nil, ConfigOptionRFC, rfcERTM),
			wantResult: ConfigurationResultUnacceptable,
			wantOpts:   AppendConfigOption(nil, ConfigOptionRFC, rfcBasic),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStack(t, testConfig())
			link := newRecordLink(LinkTypeACL)
			attach(t, s, link, &testOps{}, func(c *Channel) {
				c.setState(StateConfig, nil)
				c.confState.set(confReqSent)
				c.numConfReq = 1
			})

			req, _ := (&ConfigurationRequestPacket{
				Identifier:     0x21,
				DestinationCID: ChannelIDDynamicStart,
				Options:        tt.opts,
			}).Marshal()
			if err := s.Recv(link, sigPDU(ChannelIDSignallingACLU, req), true); err != nil {
				t.Fatalf("Recv() = %v", err)
			}

			rsp, _ := (&ConfigurationResponsePacket{
				Identifier: 0x21,
				SourceCID:  testDCID,
				Result:     tt.wantResult,
				Options:    tt.wantOpts,
			}).Marshal()
			want := [][]byte{sigPDU(ChannelIDSignallingACLU, rsp)}
			if diff := cmp.Diff(want, link.take()); diff != "" {
				t.Errorf("sent mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigRequestContinuation(t *testing.T) {
	s := newTestStack(t, testConfig())
	link := newRecordLink(LinkTypeACL)
	c := attach(t, s, link, &testOps{}, func(c *Channel) {
		c.setState(StateConfig, nil)
		c.confState.set(confReqSent | confInputDone)
		c.numConfReq = 1
	})

	first, _ := (&ConfigurationRequestPacket{
		Identifier:     1,
		DestinationCID: ChannelIDDynamicStart,
		Flags:          ConfigurationFlagContinuation,
		Options:        []byte{0x01, 0x02},
	}).Marshal()
	second, _ := (&ConfigurationRequestPacket{
		Identifier:     2,
		DestinationCID: ChannelIDDynamicStart,
		Options:        []byte{0x64, 0x00},
	}).Marshal()
	s.Recv(link, sigPDU(ChannelIDSignallingACLU, first, second), true)

	partial, _ := (&ConfigurationResponsePacket{
		Identifier: 1,
		SourceCID:  testDCID,
		Flags:      ConfigurationFlagContinuation,
	}).Marshal()
	done, _ := (&ConfigurationResponsePacket{
		Identifier: 2,
		SourceCID:  testDCID,
		Options:    []byte{0x01, 0x02, 0x64, 0x00},
	}).Marshal()
	want := [][]byte{
		sigPDU(ChannelIDSignallingACLU, partial),
		sigPDU(ChannelIDSignallingACLU, done),
	}
	if diff := cmp.Diff(want, link.take()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
	if got := c.Options().OMTU; got != 100 {
		t.Errorf("OMTU = %d, want 100", got)
	}
}

func TestModeNegotiation(t *testing.T) {
	tests := []struct {
		name         string
		client       func(*Config)
		server       func(*Config)
		modeRequired bool
		want         Mode
		wantErr      error
	}{
		{
			name:   "both ertm",
			client: func(c *Config) { c.Mode = ModeERTM },
			server: func(c *Config) { c.Mode = ModeERTM },
			want:   ModeERTM,
		},
		{
			name:   "server without ertm",
			client: func(c *Config) { c.Mode = ModeERTM },
			server: func(c *Config) { c.EnableERTM = false },
			want:   ModeBasic,
		},
		{
			name:   "server prefers basic",
			client: func(c *Config) { c.Mode = ModeERTM },
			server: func(c *Config) {},
			want:   ModeBasic,
		},
		{
			name:   "streaming against ertm",
			client: func(c *Config) { c.Mode = ModeStreaming },
			server: func(c *Config) { c.Mode = ModeERTM },
			want:   ModeERTM,
		},
		{
			name:         "required mode unavailable",
			client:       func(c *Config) { c.Mode = ModeERTM },
			server:       func(c *Config) { c.EnableERTM = false },
			modeRequired: true,
			wantErr:      ErrConnRefused,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientCfg, serverCfg := testConfig(), testConfig()
			tt.client(&clientCfg)
			tt.server(&serverCfg)
			client, server, _ := newTestPair(t, clientCfg, serverCfg)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			srv, err := NewSocket(server, nil)
			if err != nil {
				t.Fatalf("NewSocket() = %v", err)
			}
			if err := srv.Listen(0x1001, BDAddrAny, 0); err != nil {
				t.Fatalf("Listen() = %v", err)
			}

			opts := clientCfg.defaultOptions()
			opts.ModeRequired = tt.modeRequired
			cli, err := NewSocket(client, &opts)
			if err != nil {
				t.Fatalf("NewSocket() = %v", err)
			}
			err = cli.Dial(ctx, 0x1001, remoteAddr)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Dial() = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dial() = %v", err)
			}
			peer, err := srv.Accept(ctx)
			if err != nil {
				t.Fatalf("Accept() = %v", err)
			}
			if got := cli.Channel().Mode(); got != tt.want {
				t.Errorf("client mode = %s, want %s", got, tt.want)
			}
			if got := peer.Channel().Mode(); got != tt.want {
				t.Errorf("server mode = %s, want %s", got, tt.want)
			}
		})
	}
}

// sigPDU wraps signalling commands in a B-frame on cid.
func sigPDU(cid ChannelID, cmds ...[]byte) []byte {
	var payload []byte
	for _, c := range cmds {
		payload = append(payload, c...)
	}
	buf, _ := (&BFrame{ChannelID: cid, Payload: payload}).Marshal()
	return buf
}

func TestConfigRequestOverflow(t *testing.T) {
	s := newTestStack(t, testConfig())
	link := newRecordLink(LinkTypeACL)
	c := attach(t, s, link, &testOps{}, func(c *Channel) {
		c.setState(StateConfig, nil)
		c.confState.set(confReqSent)
		c.numConfReq = 1
	})

	first, _ := (&ConfigurationRequestPacket{
		Identifier:     1,
		DestinationCID: ChannelIDDynamicStart,
		Flags:          ConfigurationFlagContinuation,
		Options:        make([]byte, 40),
	}).Marshal()
	second, _ := (&ConfigurationRequestPacket{
		Identifier:     2,
		DestinationCID: ChannelIDDynamicStart,
		Flags:          ConfigurationFlagContinuation,
		Options:        make([]byte, confBufSize-40+1),
	}).Marshal()
	s.Recv(link, sigPDU(ChannelIDSignallingACLU, first, second), true)

	partial, _ := (&ConfigurationResponsePacket{
		Identifier: 1,
		SourceCID:  testDCID,
		Flags:      ConfigurationFlagContinuation,
	}).Marshal()
	rejected, _ := (&ConfigurationResponsePacket{
		Identifier: 2,
		SourceCID:  testDCID,
		Result:     ConfigurationResultRejected,
	}).Marshal()
	want := [][]byte{
		sigPDU(ChannelIDSignallingACLU, partial),
		sigPDU(ChannelIDSignallingACLU, rejected),
	}
	if diff := cmp.Diff(want, link.take()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if got := len(c.confBuf); got != 40 {
		t.Errorf("buffered %d option bytes, want 40", got)
	}
	if got := c.State(); got != StateConfig {
		t.Errorf("State() = %s, want config", got)
	}
}
