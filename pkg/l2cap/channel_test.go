package l2cap

import (
	"errors"
	"testing"
)

func TestChannelTimeout(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(c *Channel)
		wantErr   error
		wantState State
	}{
		{
			name:      "connected",
			setup:     configured(ModeBasic),
			wantErr:   ErrConnRefused,
			wantState: StateDisconn,
		},
		{
			name:      "config",
			setup:     func(c *Channel) { c.setState(StateConfig, nil) },
			wantErr:   ErrConnRefused,
			wantState: StateDisconn,
		},
		{
			name:      "connect",
			setup:     func(c *Channel) { c.setState(StateConnect, nil) },
			wantErr:   ErrConnRefused,
			wantState: StateClosed,
		},
		{
			name: "connect for sdp",
			setup: func(c *Channel) {
				c.opts.Security = SecuritySDP
				c.setState(StateConnect, nil)
			},
			wantErr:   ErrTimedOut,
			wantState: StateClosed,
		},
		{
			name:      "connect2",
			setup:     func(c *Channel) { c.setState(StateConnect2, nil) },
			wantErr:   ErrTimedOut,
			wantState: StateClosed,
		},
		{
			name:      "disconn",
			setup:     func(c *Channel) { c.setState(StateDisconn, nil) },
			wantErr:   ErrTimedOut,
			wantState: StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStack(t, testConfig())
			link := newRecordLink(LinkTypeACL)
			c := attach(t, s, link, &testOps{}, tt.setup)

			c.run(c.chanTimeout)

			if !errors.Is(c.err, tt.wantErr) {
				t.Errorf("close reason = %v, want %v", c.err, tt.wantErr)
			}
			if got := c.State(); got != tt.wantState {
				t.Errorf("State() = %s, want %s", got, tt.wantState)
			}
		})
	}
}
