package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/repositories/memory"
	"instacast/internal/infrastructure/signal"
)

var (
	_ ports.SessionMetrics = (*PrometheusCollector)(nil)
	_ signal.Metrics       = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector_SessionStatus(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.StatusChanged(domain.RoleHost, domain.StatusConnecting)
	c.StatusChanged(domain.RoleHost, domain.StatusConnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("host", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("host", "connecting")))

	c.StatusChanged(domain.RoleUnset, domain.StatusDisconnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("none", "disconnected")))
	assert.Equal(t, 3, testutil.CollectAndCount(c.sessionStatus))
}

func TestPrometheusCollector_GuestsAndMessages(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.GuestConnected()
	c.GuestConnected()
	c.GuestDisconnected()
	c.ControlMessageSent()
	c.ControlMessageReceived()
	c.ControlMessageReceived()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.guestsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.guestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlMessages.WithLabelValues("sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.controlMessages.WithLabelValues("received")))
}

func TestPrometheusCollector_Recording(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordingStarted("audio/webm;codecs=opus", 1)
	c.ChunkCaptured(100)
	c.ChunkCaptured(50)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordingsActive))

	c.RecordingStopped(3*time.Second, 150)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.recordingsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordingsTotal.WithLabelValues("audio/webm;codecs=opus")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksCaptured))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.chunkBytesCaptured))
}

func TestPrometheusCollector_Signal(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.PeerRegistered(true)
	c.PeerRegistered(false)
	c.PeerUnregistered(false)
	c.MessageRelayed(signal.TypeOffer, signal.KindData)
	c.MessageRejected(signal.CodePeerUnavailable)
	c.HostsDiscovered(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersRegistered.WithLabelValues("host")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.peersRegistered.WithLabelValues("peer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRelayed.WithLabelValues("offer", "data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRejected.WithLabelValues("peer_unavailable")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.hostsDiscovered))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	assert.Equal(t, StatusHealthy, h.CheckAll(context.Background()).Status)

	h.AddRepositoryCheck(memory.NewMemoryHostRepository(), time.Second, time.Second)
	h.AddStoreCheck("redis", func(context.Context) error { return errors.New("connection refused") }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["repository"])
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(context.Background()))
	assert.Equal(t, status.Checks, h.LastResults())
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddReadinessCheck(func(context.Context) error { return nil }, memory.NewMemoryHostRepository(), time.Second, time.Second)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_TimeoutApplied(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, time.Second, 20*time.Millisecond)

	status := h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("ok", func(context.Context) (bool, error) { return true, nil }, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	assert.Eventually(t, func() bool {
		return h.LastResults()["ok"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
