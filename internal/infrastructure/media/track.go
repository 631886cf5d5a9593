package media

import (
	"sync"

	"instacast/internal/core/domain"
)

const subscriberBuffer = 128

// Track fans encoded frames out to any number of subscribers. Frames written
// while the track is disabled are dropped, and a subscriber that falls behind
// loses frames rather than blocking the writer.
type Track struct {
	id    string
	kind  domain.TrackKind
	codec string

	mu      sync.RWMutex
	enabled bool
	stopped bool
	nextSub int
	subs    map[int]chan domain.Frame
	onStop  []func()
}

func NewTrack(id string, kind domain.TrackKind, codec string) *Track {
	return &Track{
		id:      id,
		kind:    kind,
		codec:   codec,
		enabled: true,
		subs:    make(map[int]chan domain.Frame),
	}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) Codec() string          { return t.codec }

func (t *Track) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// WriteFrame delivers f to every subscriber. It reports whether the frame was
// accepted, which is false once the track is stopped or while it is disabled.
func (t *Track) WriteFrame(f domain.Frame) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.stopped || !t.enabled {
		return false
	}
	for _, ch := range t.subs {
		select {
		case ch <- f:
		default:
		}
	}
	return true
}

// Subscribe returns a frame channel and a func that detaches it. The channel
// is closed on detach or when the track stops.
func (t *Track) Subscribe() (<-chan domain.Frame, func()) {
	ch := make(chan domain.Frame, subscriberBuffer)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

func (t *Track) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// OnStop registers fn to run once when the track stops. If the track is
// already stopped fn runs immediately.
func (t *Track) OnStop(fn func()) {
	t.mu.Lock()
	if !t.stopped {
		t.onStop = append(t.onStop, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn()
}

func (t *Track) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	hooks := t.onStop
	t.onStop = nil
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
