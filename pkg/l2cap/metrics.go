package l2cap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

const metricsNamespace = "l2cap"

// Metrics are the counters a Stack maintains.
type Metrics struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	retransmissions prometheus.Counter
	fcsErrors       prometheus.Counter
	sdusDelivered   prometheus.Counter
	channels        prometheus.Gauge
	disconnects     *prometheus.CounterVec
}

// NewMetrics creates the stack metrics and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "PDUs handed to links, by frame kind.",
		}, []string{"kind"}),
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "PDUs received from links, by frame kind.",
		}, []string{"kind"}),
		retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_total",
			Help:      "I-frames sent more than once.",
		}),
		fcsErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fcs_errors_total",
			Help:      "Frames dropped because of a frame check sequence mismatch.",
		}),
		sdusDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sdus_delivered_total",
			Help:      "SDUs handed to channel owners.",
		}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channels",
			Help:      "Channels currently allocated.",
		}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Channels closed with an error, by reason.",
		}, []string{"reason"}),
	}
}

func reasonLabel(err error) string {
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ECONNREFUSED:
			return "refused"
		case unix.ETIMEDOUT:
			return "timeout"
		case unix.ECONNRESET:
			return "reset"
		case unix.ECONNABORTED:
			return "aborted"
		case unix.EACCES:
			return "access"
		}
		return unix.ErrnoName(errno)
	}
	return "other"
}
