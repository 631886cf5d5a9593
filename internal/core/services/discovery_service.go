package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"instacast/internal/core/domain"
	"instacast/internal/core/ports"
)

const (
	DemoHostID   domain.PeerID = "demo-host-id"
	DemoHostName               = "Demo Host"
)

// StubDirectory always answers with the single demo host.
type StubDirectory struct{}

func (StubDirectory) ListHosts(ctx context.Context) ([]domain.HostInfo, error) {
	return []domain.HostInfo{{ID: DemoHostID, Name: DemoHostName}}, nil
}

// DiscoveryService keeps the list of joinable hosts. Each refresh clears the
// list at once and publishes the directory's answer after a fixed delay; a
// newer refresh supersedes any pending one.
type DiscoveryService struct {
	directory ports.HostDirectory
	delay     time.Duration
	metrics   ports.SessionMetrics
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	hosts    []domain.HostInfo
	seq      uint64
	timer    *time.Timer
	closed   bool
	onChange func([]domain.HostInfo)
}

// NewDiscoveryService publishes directory answers delay after each refresh.
func NewDiscoveryService(directory ports.HostDirectory, delay time.Duration, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *DiscoveryService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &DiscoveryService{
		directory: directory,
		delay:     delay,
		metrics:   metrics,
		logger:    logger,
	}
}

// OnHostsChanged sets the single listener for host list updates. It is
// called with the empty list at the start of every refresh.
func (d *DiscoveryService) OnHostsChanged(fn func([]domain.HostInfo)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// DiscoverHosts starts a refresh and returns immediately.
func (d *DiscoveryService) DiscoverHosts(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	seq := d.seq
	d.hosts = nil
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.complete(ctx, seq) })
	fn := d.onChange
	d.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
}

func (d *DiscoveryService) complete(ctx context.Context, seq uint64) {
	hosts, err := d.directory.ListHosts(ctx)
	if err != nil {
		d.logger.Warnw("Host discovery failed", "error", err)
		return
	}

	d.mu.Lock()
	if d.closed || seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.hosts = dedupHosts(hosts)
	out := d.hostsLocked()
	fn := d.onChange
	d.mu.Unlock()

	d.metrics.HostsDiscovered(len(out))
	d.logger.Debugw("Hosts discovered", "count", len(out))
	if fn != nil {
		fn(out)
	}
}

// Hosts returns the current list.
func (d *DiscoveryService) Hosts() []domain.HostInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostsLocked()
}

func (d *DiscoveryService) hostsLocked() []domain.HostInfo {
	out := make([]domain.HostInfo, len(d.hosts))
	copy(out, d.hosts)
	return out
}

// Close cancels a pending refresh. Later refreshes are no-ops.
func (d *DiscoveryService) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func dedupHosts(hosts []domain.HostInfo) []domain.HostInfo {
	seen := make(map[domain.PeerID]struct{}, len(hosts))
	out := make([]domain.HostInfo, 0, len(hosts))
	for _, h := range hosts {
		if h.ID == "" {
			continue
		}
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, h)
	}
	return out
}

// DiscoveryPoller refreshes the directory on a fixed interval while active
// reports true.
type DiscoveryPoller struct {
	discovery *DiscoveryService
	interval  time.Duration
	active    func() bool
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscoveryPoller consults active before every refresh.
func NewDiscoveryPoller(discovery *DiscoveryService, interval time.Duration, active func() bool, logger *zap.SugaredLogger) *DiscoveryPoller {
	if active == nil {
		active = func() bool { return true }
	}
	return &DiscoveryPoller{
		discovery: discovery,
		interval:  interval,
		active:    active,
		logger:    logger,
	}
}

// Start refreshes immediately and then on every tick. Calling Start on a
// running poller does nothing.
func (p *DiscoveryPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

func (p *DiscoveryPoller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *DiscoveryPoller) tick(ctx context.Context) {
	if !p.active() {
		return
	}
	p.discovery.DiscoverHosts(ctx)
}

// Stop halts the poller and waits for its goroutine.
func (p *DiscoveryPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debugw("Discovery poller stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (p *DiscoveryPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
