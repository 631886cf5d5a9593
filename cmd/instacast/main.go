package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
	"instacast/internal/core/services"
	"instacast/internal/infrastructure/capture"
	"instacast/internal/infrastructure/monitoring"
	"instacast/internal/infrastructure/recording"
	"instacast/internal/infrastructure/signal"
	webrtcinfra "instacast/internal/infrastructure/webrtc"
	"instacast/pkg/config"
	"instacast/pkg/logger"
	"instacast/pkg/tracing"
	"instacast/pkg/utils"
	"instacast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errSignalLost = errors.New("lost connection to the rendezvous server")

type options struct {
	configPath string
	mode       string
	hostID     string
	record     bool
	video      bool
	guests     int
	duration   time.Duration
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to config.yaml")
	flag.StringVar(&o.mode, "mode", "host", "host, guest or discover")
	flag.StringVar(&o.hostID, "host", "", "session id of the host to join (guest mode)")
	flag.BoolVar(&o.record, "record", false, "record the session (host mode)")
	flag.BoolVar(&o.video, "video", false, "include local video in the recording")
	flag.IntVar(&o.guests, "guests", 1, "guests with audio to wait for before recording starts")
	flag.DurationVar(&o.duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	paths := []string{"configs/config.yaml", "config.yaml"}
	if opts.configPath != "" {
		paths = []string{opts.configPath}
	}
	cfg, loadedFrom := config.LoadFirst(paths...)

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if loadedFrom == "" {
		log.Debugw("No config file found, using defaults", "tried", paths)
	}

	if err := run(opts, cfg, log); err != nil {
		log.Errorw("Instacast exited with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config, log *zap.SugaredLogger) error {
	switch opts.mode {
	case "host", "discover":
	case "guest":
		if err := validation.ValidatePeerID(opts.hostID); err != nil {
			return fmt.Errorf("guest mode needs -host: %w", err)
		}
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	var metrics ports.SessionMetrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(nil)
		serveMetrics(ctx, cfg.Monitoring.Address, log)
	}

	session, signalLost, err := buildSession(opts, cfg, metrics, log)
	if err != nil {
		return err
	}

	runErr := drive(ctx, opts, session, signalLost, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.ShutdownTimeout)
	defer cancel()

	if opts.record {
		path, artifact, err := session.SaveRecording(shutdownCtx)
		switch {
		case err != nil:
			runErr = errors.Join(runErr, err)
		case artifact != nil:
			log.Infow("Recording written",
				"path", path,
				"mime_type", artifact.MimeType,
				"duration", artifact.Duration,
				"bytes", len(artifact.Data),
			)
		}
	}

	if err := session.Close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}
	return runErr
}

// buildSession wires the session services. The returned channel is closed
// when the rendezvous connection drops.
func buildSession(opts options, cfg *config.Config, metrics ports.SessionMetrics, log *zap.SugaredLogger) (*services.SessionService, <-chan struct{}, error) {
	device := capture.NewDevice(capture.Options{
		AudioSource: cfg.Media.AudioSource,
		VideoSource: cfg.Media.VideoSource,
	}, log)

	tcfg := webrtcinfra.Config{
		ICEServers: iceServers(cfg.WebRTC.ICEServers),
		Name:       utils.SanitizeDisplayName(cfg.Client.DisplayName, validation.MaxDisplayNameLength),
		Announce:   opts.mode == "host",
	}
	tcfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	tcfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	client := signal.NewClient(cfg.Client.SignalURL, log)
	transport, err := webrtcinfra.NewTransport(client, tcfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peer transport: %w", err)
	}

	manager := services.NewConnectionManager(transport, device, metrics, log, cfg.Client.ConnectTimeout)

	var directory ports.HostDirectory = services.StubDirectory{}
	if cfg.Discovery.Mode == "signal" {
		directory = signal.NewDirectory(cfg.Client.SignalURL, log)
	}
	discovery := services.NewDiscoveryService(directory, cfg.Discovery.ResponseDelay, metrics, log)
	poller := services.NewDiscoveryPoller(discovery, cfg.Discovery.RefreshInterval, manager.ShouldPollDiscovery, log)

	recorder := services.NewRecordingService(manager, recording.NewWebMEngine(log), services.RecordingConfig{
		ChunkInterval: cfg.Recording.ChunkInterval,
		AudioBitrate:  cfg.Recording.AudioBitrate,
	}, metrics, log)

	store := recording.NewFileStore(cfg.Recording.OutputDir, log)
	return services.NewSessionService(manager, recorder, discovery, poller, store, log), client.Done(), nil
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// drive runs the selected mode until ctx ends.
func drive(ctx context.Context, opts options, session *services.SessionService, signalLost <-chan struct{}, log *zap.SugaredLogger) error {
	manager := session.Manager()

	changes := make(chan domain.Session, 16)
	manager.OnSessionChange(func(s domain.Session) {
		select {
		case changes <- s:
		default:
		}
	})

	switch opts.mode {
	case "discover":
		session.Discovery().OnHostsChanged(func(hosts []domain.HostInfo) {
			for _, h := range hosts {
				log.Infow("Host available", "id", h.ID, "name", h.Name)
			}
		})
		session.BrowseHosts(ctx)

	case "host":
		if err := manager.StartAsHost(ctx); err != nil {
			return err
		}
		log.Infow("Hosting session, share this id with guests", "session_id", manager.LocalID())

	case "guest":
		if opts.record {
			log.Warnw("Recording is only available to the host, ignoring -record")
			opts.record = false
		}
		if err := manager.JoinAsGuest(ctx, domain.PeerID(opts.hostID)); err != nil {
			return err
		}
	}

	started := false
	if opts.record && opts.guests <= 0 {
		if err := session.Recorder().StartRecording(ctx, opts.video); err != nil {
			return err
		}
		started = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-signalLost:
			return errSignalLost
		case s := <-changes:
			log.Infow("Session changed",
				"role", s.Role,
				"status", s.Status,
				"guests", s.ConnectedGuests(),
				"muted", s.Muted,
				"error", s.Err,
			)
			if opts.mode == "guest" && s.Status == domain.StatusDisconnected && s.Err != nil {
				return s.Err
			}
			if opts.record && !started && guestsWithAudio(s) >= opts.guests {
				if err := session.Recorder().StartRecording(ctx, opts.video); err != nil {
					return err
				}
				started = true
			}
		}
	}
}

func guestsWithAudio(s domain.Session) int {
	n := 0
	for _, g := range s.Guests {
		if g.Connected && g.HasAudio {
			n++
		}
	}
	return n
}

func serveMetrics(ctx context.Context, addr string, log *zap.SugaredLogger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infow("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
