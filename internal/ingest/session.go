// Package ingest composes the capture-agent byte stream, the H.264 unit
// extractor, and the GOP cache into per-device ingest sessions, and fans
// out the resulting NAL units to subscribers with late-join correctness
// (components D and E).
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"devicecast/internal/h264"
	"devicecast/internal/observability/logging"
	"devicecast/internal/observability/metrics"
)

// defaultSubscriberCapacity is the minimum bounded queue size for a
// subscriber (spec section 3).
const defaultSubscriberCapacity = 200

// maxSubscriberCapacity bounds the late-join prefill: a GOP snapshot that
// would need a larger queue than this indicates a budget bug in the GOP
// cache rather than a legitimately large keyframe.
const maxSubscriberCapacity = 8192

// DefaultIdleTimeout is used when SessionConfig.IdleTimeout is zero.
const DefaultIdleTimeout = 5 * time.Second

// ByteSource is the subscribable byte-chunk source a Session ingests from.
// *bridge.AgentClient satisfies this; Session depends only on the
// interface so it never imports the bridge package (spec design note on
// cycles).
type ByteSource interface {
	Start(ctx context.Context) error
	Stream(ctx context.Context) <-chan []byte
	Stop(ctx context.Context)
}

// SessionConfig carries the per-session encode parameters forwarded to the
// capture agent.
type SessionConfig struct {
	MaxSize            int
	MaxFPS             int
	BitRate            int
	Codec              string
	IntraRefreshPeriod int
	IdleTimeout        time.Duration
}

func (c SessionConfig) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout
}

// Subscriber is a bounded FIFO of Annex-B NAL unit byte buffers. Callers
// range over Chunks until it closes.
type Subscriber struct {
	id string
	ch chan []byte
}

// ID identifies the subscriber within its session.
func (s *Subscriber) ID() string { return s.id }

// Chunks is the channel of NAL unit byte buffers. It closes when the
// subscriber is removed or the session stops.
func (s *Subscriber) Chunks() <-chan []byte { return s.ch }

// SessionStats is a point-in-time snapshot of session state.
type SessionStats struct {
	Serial          string
	Running         bool
	SubscriberCount int
	GOPBytes        int
}

// Session is the per-device ingest session: it owns the capture-agent
// connection, the extractor, and the GOP cache, and multicasts NAL units to
// subscribers. It is exclusively owned by a Manager.
type Session struct {
	serial    string
	newSource func() ByteSource
	scheduler gocron.Scheduler
	logger    *slog.Logger

	subscribeMu sync.Mutex

	mu              sync.Mutex
	cfg             SessionConfig
	running         bool
	subscribers     map[string]*Subscriber
	gop             *h264.GOPCache
	hasBroadcastAny bool
	generation      uint64
	cancelBroadcast context.CancelFunc
	doneCh          chan struct{}
	idleJob         gocron.Job
}

// NewSession constructs a Session. newSource is called once per Start to
// obtain a fresh ByteSource (agent connections are single-use).
func NewSession(serial string, newSource func() ByteSource, cfg SessionConfig, scheduler gocron.Scheduler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		serial:      serial,
		newSource:   newSource,
		cfg:         cfg,
		scheduler:   scheduler,
		logger:      logging.WithComponent(logger, "ingest.session"),
		subscribers: make(map[string]*Subscriber),
	}
}

// Start is idempotent: starting an already-running session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	genCtx, cancel := context.WithCancel(context.Background())
	s.cancelBroadcast = cancel
	s.running = true
	s.gop = h264.NewGOPCache()
	s.hasBroadcastAny = false
	s.generation++
	gen := s.generation
	done := make(chan struct{})
	s.doneCh = done
	s.mu.Unlock()

	metrics.Default().IngestSessionStarted(s.serial)
	go s.broadcastLoop(genCtx, gen, done)
	return nil
}

func (s *Session) broadcastLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer metrics.Default().IngestSessionStopped(s.serial)

	source := s.newSource()
	if err := source.Start(ctx); err != nil {
		s.logger.Error("ingest start failed", "serial", s.serial, "error", err)
		s.markStoppedIfCurrent(gen)
		return
	}
	defer source.Stop(context.Background())

	extractor := h264.NewExtractor()
	chunks := source.Stream(ctx)
	for chunk := range chunks {
		for _, n := range extractor.Feed(chunk) {
			s.mu.Lock()
			if s.generation != gen {
				s.mu.Unlock()
				return
			}
			if cleared := s.gop.Update(n); cleared {
				s.logger.Warn("gop cache budget exceeded, cache cleared",
					"serial", s.serial,
					"budget", humanize.Bytes(uint64(h264.MaxGOPBytes)))
			}
			s.hasBroadcastAny = true
			subs := make([]*Subscriber, 0, len(s.subscribers))
			for _, sub := range s.subscribers {
				subs = append(subs, sub)
			}
			s.mu.Unlock()

			for _, sub := range subs {
				select {
				case sub.ch <- n.Bytes:
				default:
					metrics.Default().SubscriberDropped(s.serial)
				}
			}
		}
	}

	s.markStoppedIfCurrent(gen)
}

func (s *Session) markStoppedIfCurrent(gen uint64) {
	s.mu.Lock()
	if s.generation == gen {
		s.running = false
	}
	s.mu.Unlock()
}

// Stop is safe to call from any state and more than once.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelBroadcast
	done := s.doneCh
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}

	s.mu.Lock()
	s.running = false
	subs := s.subscribers
	s.subscribers = make(map[string]*Subscriber)
	s.cancelIdleStopLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

// UpdateConfig stops the session (if running) and restarts it with the new
// configuration.
func (s *Session) UpdateConfig(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	wasRunning := s.running
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// Subscribe implements the subscribe protocol from spec section 4.D:
// cancel any pending idle-stop, restart a stale session, prefill a late
// joiner from the current GOP, then make the subscriber visible.
func (s *Session) Subscribe(ctx context.Context) (*Subscriber, error) {
	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()

	s.mu.Lock()
	s.cancelIdleStopLocked()
	running := s.running
	staleRestart := running && len(s.subscribers) == 0 && s.hasBroadcastAny
	s.mu.Unlock()

	if staleRestart {
		s.Stop(ctx)
		running = false
	}
	if !running {
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := defaultSubscriberCapacity
	var prefill [][]byte
	if len(s.subscribers) > 0 && s.gop.HasIDR() {
		prefill = s.gop.Snapshot()
		needed := len(prefill) + defaultSubscriberCapacity
		if needed > maxSubscriberCapacity {
			return nil, ErrSubscriberOverflow
		}
		if needed > capacity {
			capacity = needed
		}
	}

	sub := &Subscriber{id: uuid.NewString(), ch: make(chan []byte, capacity)}
	for _, unit := range prefill {
		sub.ch <- unit
	}
	s.subscribers[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and, if it was the last one, schedules a
// delayed stop.
func (s *Session) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
	}
	empty := len(s.subscribers) == 0
	idleTimeout := s.cfg.idleTimeout()
	s.mu.Unlock()

	if ok {
		close(sub.ch)
	}
	if empty {
		s.scheduleIdleStop(idleTimeout)
	}
}

func (s *Session) scheduleIdleStop(timeout time.Duration) {
	if s.scheduler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleJob != nil || !s.running {
		return
	}
	job, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(timeout))),
		gocron.NewTask(func() { s.Stop(context.Background()) }),
	)
	if err != nil {
		s.logger.Error("schedule idle-stop failed", "serial", s.serial, "error", err)
		return
	}
	s.idleJob = job
}

func (s *Session) cancelIdleStopLocked() {
	if s.idleJob == nil || s.scheduler == nil {
		return
	}
	_ = s.scheduler.RemoveJob(s.idleJob.ID())
	s.idleJob = nil
}

// Stats returns a point-in-time snapshot for diagnostics.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	bytes := 0
	if s.gop != nil {
		bytes = s.gop.ByteCount()
	}
	return SessionStats{
		Serial:          s.serial,
		Running:         s.running,
		SubscriberCount: len(s.subscribers),
		GOPBytes:        bytes,
	}
}

// IsRunning reports whether the session's broadcast loop is currently active.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
