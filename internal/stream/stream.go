// Package stream serves the resumable notification event stream.
//
// Each connection runs its own session: an immediate ack, a poll loop over the
// (createdAt, id) cursor, periodic heartbeats and a forced close before the
// upstream duration ceiling. All resume state lives in the client's token.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pushrelay/internal/cursor"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/model"
	logx "pushrelay/pkg/logx"
)

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultHeartbeat    = 15 * time.Second
	DefaultMaxDuration  = 290 * time.Second
	DefaultBatchSize    = 100
)

const (
	EventConnected    = "connected"
	EventNotification = "notification"
	EventHeartbeat    = "heartbeat"
	EventClose        = "close"
)

// CloseReason says why a session ended.
type CloseReason string

const (
	CloseTimeout  CloseReason = "timeout"
	CloseClient   CloseReason = "client"
	CloseError    CloseReason = "error"
	CloseShutdown CloseReason = "shutdown"
)

// Event is one message on the wire. ID is set on notification events only and
// is the resume token for that row.
type Event struct {
	Type string
	ID   string
	Data any
}

// Sink abstracts the transport (SSE over HTTP, tests).
type Sink interface {
	Send(e Event) error
	Flush() error
}

type Scanner interface {
	Scan(ctx context.Context, f model.Filter, cur *cursor.Cursor, limit int) ([]model.Notification, error)
}

type Config struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
	MaxDuration  time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Options are per-connection parameters.
type Options struct {
	Filter model.Filter
	// Resume is a "{timestamp}_{id}" token. Empty or malformed starts from now.
	Resume string
}

type ConnectedData struct {
	Resumed    bool      `json:"resumed"`
	ServerTime time.Time `json:"serverTime"`
}

type HeartbeatData struct {
	Time time.Time `json:"time"`
}

type CloseData struct {
	Reason CloseReason `json:"reason"`
}

type Server struct {
	mu  sync.Mutex
	cfg Config

	scan Scanner
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time

	active atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

func NewServer(cfg Config, scan Scanner, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), scan: scan, bus: bus, log: log, now: time.Now, stop: make(chan struct{})}
}

// Shutdown ends every open session with a close event. Further sessions close
// immediately.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Apply changes intervals for sessions started afterwards.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Active is the number of open sessions.
func (s *Server) Active() int64 { return s.active.Load() }

type pollResult struct {
	rows []model.Notification
	err  error
}

// Serve runs one session until the client goes away (ctx canceled), the sink
// fails, or the maximum duration elapses.
func (s *Server) Serve(ctx context.Context, sink Sink, opts Options) (CloseReason, error) {
	cfg := s.config()
	s.active.Add(1)
	defer s.active.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := s.now()
	f := opts.Filter
	var cur cursor.Cursor
	resumed := false
	if opts.Resume != "" {
		if c, err := cursor.Parse(opts.Resume); err == nil {
			cur, resumed = c, true
		}
	}
	if !resumed {
		// No backfill: only rows created after the connect instant.
		cur = cursor.Beyond(now)
	}
	log := s.log.With(logx.Bool("resumed", resumed))

	var wake <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(16)
		defer unsub()
		wake = ch
	}

	if err := send(sink, Event{Type: EventConnected, Data: ConnectedData{Resumed: resumed, ServerTime: now.UTC()}}); err != nil {
		return CloseError, err
	}

	pollT := time.NewTicker(cfg.PollInterval)
	defer pollT.Stop()
	hbT := time.NewTicker(cfg.Heartbeat)
	defer hbT.Stop()
	deadline := time.NewTimer(cfg.MaxDuration)
	defer deadline.Stop()

	results := make(chan pollResult, 1)
	inFlight := false
	again := false
	// A tick that finds a poll in flight is dropped. A created event is kept
	// and polled once the running poll returns, since that poll may have
	// missed the new row.
	startPoll := func(keep bool) {
		if inFlight {
			again = again || keep
			return
		}
		inFlight, again = true, false
		from := cur
		go func() {
			rows, err := s.scan.Scan(ctx, f, &from, cfg.BatchSize)
			results <- pollResult{rows: rows, err: err}
		}()
	}

	// Backfill (resume) or first look.
	startPoll(false)

	for {
		select {
		case <-ctx.Done():
			return CloseClient, nil

		case <-s.stop:
			_ = Close(sink, CloseShutdown)
			return CloseShutdown, nil

		case <-deadline.C:
			_ = Close(sink, CloseTimeout)
			return CloseTimeout, nil

		case <-pollT.C:
			startPoll(false)

		case e, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if e.Type == eventbus.NotificationCreated && matches(f, e.Data) {
				startPoll(true)
			}

		case r := <-results:
			inFlight = false
			if r.err != nil {
				if ctx.Err() != nil {
					return CloseClient, nil
				}
				log.Warn("stream poll failed", logx.Err(r.err))
				continue
			}
			if len(r.rows) > 0 {
				for _, n := range r.rows {
					c := cursor.Of(n)
					if err := sink.Send(Event{Type: EventNotification, ID: c.Token(), Data: n}); err != nil {
						return CloseError, err
					}
					cur = c
				}
				if err := sink.Flush(); err != nil {
					return CloseError, err
				}
			}
			// A full batch means there may be more; keep catching up.
			if len(r.rows) >= cfg.BatchSize || again {
				startPoll(false)
			}

		case t := <-hbT.C:
			if err := send(sink, Event{Type: EventHeartbeat, Data: HeartbeatData{Time: t.UTC()}}); err != nil {
				return CloseError, err
			}
		}
	}
}

// Close sends a close event with reason. Used on server shutdown.
func Close(sink Sink, reason CloseReason) error {
	return send(sink, Event{Type: EventClose, Data: CloseData{Reason: reason}})
}

func send(sink Sink, e Event) error {
	if err := sink.Send(e); err != nil {
		return err
	}
	return sink.Flush()
}

// matches reports whether a created-event could pass f. Unknown payloads match.
func matches(f model.Filter, data any) bool {
	c, ok := data.(eventbus.Created)
	if !ok {
		return true
	}
	if f.ChannelID != "" && c.ChannelID != f.ChannelID {
		return false
	}
	if f.MinPriority > 0 && c.Priority < f.MinPriority {
		return false
	}
	return true
}

// ErrClosed is returned by sinks once the peer is gone.
var ErrClosed = errors.New("stream closed")
