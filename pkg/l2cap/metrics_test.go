package l2cap

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestStack(t, testConfig(), WithMetrics(NewMetrics(reg)))

	// Unlabelled metrics are exported from the start, vectors once used.
	if got, err := testutil.GatherAndCount(reg); err != nil || got != 4 {
		t.Fatalf("GatherAndCount() = %d, %v, want 4", got, err)
	}
	s.NewChannel(&testOps{})
	s.metrics.framesSent.WithLabelValues("iframe").Inc()
	if got, err := testutil.GatherAndCount(reg, "l2cap_frames_sent_total", "l2cap_channels"); err != nil || got != 2 {
		t.Errorf("GatherAndCount() = %d, %v, want 2", got, err)
	}
	if got := testutil.ToFloat64(s.metrics.channels); got != 1 {
		t.Errorf("channels = %v, want 1", got)
	}
}

func TestReasonLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrConnRefused, "refused"},
		{ErrTimedOut, "timeout"},
		{ErrConnReset, "reset"},
		{ErrConnAborted, "aborted"},
		{ErrAccess, "access"},
		{fmt.Errorf("dial: %w", ErrTimedOut), "timeout"},
		{unix.EPIPE, "EPIPE"},
		{ErrClosed, "other"},
	}
	for _, tt := range tests {
		if got := reasonLabel(tt.err); got != tt.want {
			t.Errorf("reasonLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
