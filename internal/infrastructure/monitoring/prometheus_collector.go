package monitoring

import (
	"time"

	"instacast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var statuses = []domain.Status{domain.StatusDisconnected, domain.StatusConnecting, domain.StatusConnected}

// PrometheusCollector exports session, recording and rendezvous server
// metrics. It satisfies ports.SessionMetrics and signal.Metrics.
type PrometheusCollector struct {
	// Session
	sessionStatus   *prometheus.GaugeVec
	guestsConnected prometheus.Gauge
	guestsTotal     prometheus.Counter
	controlMessages *prometheus.CounterVec
	hostsDiscovered prometheus.Gauge

	// Recording
	recordingsActive   prometheus.Gauge
	recordingsTotal    *prometheus.CounterVec
	recordingDuration  prometheus.Histogram
	recordingSize      prometheus.Histogram
	chunksCaptured     prometheus.Counter
	chunkBytesCaptured prometheus.Counter

	// Rendezvous server
	peersRegistered  *prometheus.GaugeVec
	messagesRelayed  *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instacast_session_status",
			Help: "1 for the session's current role and status, 0 otherwise",
		}, []string{"role", "status"}),

		guestsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "instacast_guests_connected",
			Help: "Guests currently connected to this host",
		}),

		guestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "instacast_guests_total",
			Help: "Guest connections accepted by this host",
		}),

		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instacast_control_messages_total",
			Help: "Control messages sent and received",
		}, []string{"direction"}),

		hostsDiscovered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "instacast_hosts_discovered",
			Help: "Hosts in the last discovery result",
		}),

		recordingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "instacast_recordings_active",
			Help: "Recordings currently capturing",
		}),

		recordingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instacast_recordings_total",
			Help: "Recordings started, by container format",
		}, []string{"mime_type"}),

		recordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "instacast_recording_duration_seconds",
			Help:    "Length of finished recordings",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		recordingSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "instacast_recording_size_bytes",
			Help:    "Size of finished recordings",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
		}),

		chunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "instacast_recording_chunks_total",
			Help: "Non-empty chunks delivered by the capture engine",
		}),

		chunkBytesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "instacast_recording_chunk_bytes_total",
			Help: "Bytes delivered by the capture engine",
		}),

		peersRegistered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "instacast_signal_peers_registered",
			Help: "Peers registered with the rendezvous server",
		}, []string{"role"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instacast_signal_messages_relayed_total",
			Help: "Negotiation messages relayed between peers",
		}, []string{"type", "kind"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "instacast_signal_messages_rejected_total",
			Help: "Messages answered with an error, by code",
		}, []string{"code"}),
	}
}

func (p *PrometheusCollector) StatusChanged(role domain.Role, status domain.Status) {
	roleLabel := string(role)
	if role == domain.RoleUnset {
		roleLabel = "none"
	}
	p.sessionStatus.Reset()
	for _, s := range statuses {
		value := 0.0
		if s == status {
			value = 1
		}
		p.sessionStatus.WithLabelValues(roleLabel, string(s)).Set(value)
	}
}

func (p *PrometheusCollector) GuestConnected() {
	p.guestsConnected.Inc()
	p.guestsTotal.Inc()
}

func (p *PrometheusCollector) GuestDisconnected() {
	p.guestsConnected.Dec()
}

func (p *PrometheusCollector) ControlMessageSent() {
	p.controlMessages.WithLabelValues("sent").Inc()
}

func (p *PrometheusCollector) ControlMessageReceived() {
	p.controlMessages.WithLabelValues("received").Inc()
}

func (p *PrometheusCollector) RecordingStarted(mimeType string, tracks int) {
	p.recordingsActive.Inc()
	p.recordingsTotal.WithLabelValues(mimeType).Inc()
}

func (p *PrometheusCollector) RecordingStopped(duration time.Duration, size int) {
	p.recordingsActive.Dec()
	p.recordingDuration.Observe(duration.Seconds())
	p.recordingSize.Observe(float64(size))
}

func (p *PrometheusCollector) ChunkCaptured(size int) {
	p.chunksCaptured.Inc()
	p.chunkBytesCaptured.Add(float64(size))
}

func (p *PrometheusCollector) HostsDiscovered(count int) {
	p.hostsDiscovered.Set(float64(count))
}

func (p *PrometheusCollector) PeerRegistered(host bool) {
	p.peersRegistered.WithLabelValues(peerRole(host)).Inc()
}

func (p *PrometheusCollector) PeerUnregistered(host bool) {
	p.peersRegistered.WithLabelValues(peerRole(host)).Dec()
}

func (p *PrometheusCollector) MessageRelayed(msgType, kind string) {
	p.messagesRelayed.WithLabelValues(msgType, kind).Inc()
}

func (p *PrometheusCollector) MessageRejected(code string) {
	p.messagesRejected.WithLabelValues(code).Inc()
}

func peerRole(host bool) string {
	if host {
		return string(domain.RoleHost)
	}
	return "peer"
}
