package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pushrelay/internal/collab/audit"
	"pushrelay/internal/collab/auth"
	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

// SendRequest is a producer's send call after transport decoding.
type SendRequest struct {
	Channel        string
	Title          string
	Body           string
	Category       string
	Priority       int
	Tags           []string
	Metadata       map[string]any
	ClickURL       string
	Markdown       bool
	IdempotencyKey string
	SkipPush       bool
}

type Channels interface {
	ChannelByName(ctx context.Context, name string) (model.Channel, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.Notification) (dispatch.Attempt, error)
	MarkSkipped(ctx context.Context, n *model.Notification) error
}

type Config struct {
	// DefaultRateLimit applies to keys without their own limit (per minute).
	DefaultRateLimit int
}

// Service runs the producer path: authorize, validate, resolve the channel,
// replay check, guarded creation (rate limited), dispatch, audit, announce.
type Service struct {
	guard      *Guard
	channels   Channels
	dispatcher Dispatcher
	limiter    ratelimit.Limiter
	audit      audit.Recorder
	bus        eventbus.Bus
	log        logx.Logger

	mu  sync.Mutex
	cfg Config
}

type Deps struct {
	Guard      *Guard
	Channels   Channels
	Dispatcher Dispatcher
	Limiter    ratelimit.Limiter
	Audit      audit.Recorder
	Bus        eventbus.Bus
	Log        logx.Logger
}

func NewService(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.Unlimited{}
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	return &Service{
		guard:      d.Guard,
		channels:   d.Channels,
		dispatcher: d.Dispatcher,
		limiter:    d.Limiter,
		audit:      d.Audit,
		bus:        d.Bus,
		log:        d.Log,
		cfg:        cfg,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) limitFor(p auth.Principal) int {
	if p.RateLimit > 0 {
		return p.RateLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultRateLimit
}

// Send accepts one notification. Only validation, auth and rate-limit errors
// (and store failures) are returned; push failures are reported through the
// notification's status.
func (s *Service) Send(ctx context.Context, p auth.Principal, req SendRequest) (Result, error) {
	if err := auth.Require(p, model.PermPublish); err != nil {
		return Result{}, err
	}
	if err := req.normalize(); err != nil {
		return Result{}, err
	}
	ch, err := s.channels.ChannelByName(ctx, req.Channel)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, NewValidationError("channel", fmt.Sprintf("unknown channel %q", req.Channel))
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve channel: %w", err)
	}

	// Replays are free: no rate limit, no dispatch, no audit.
	if prev, ok, err := s.guard.Lookup(ctx, p.KeyID, req.IdempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Notification: prev, Outcome: OutcomeReplayed}, nil
	}

	admit := func(ctx context.Context) error {
		limit := s.limitFor(p)
		dec, err := s.limiter.Allow(ctx, p.KeyID, limit)
		if err != nil {
			// Limiter backend trouble must not stop ingestion.
			s.log.Warn("rate limiter unavailable; allowing", logx.String("key", p.Name), logx.Err(err))
			return nil
		}
		return ratelimit.Check(dec, limit, time.Now())
	}
	res, err := s.guard.IngestAdmitted(ctx, p.KeyID, req.IdempotencyKey, model.Content{
		ChannelID: ch.ID,
		Title:     req.Title,
		Body:      req.Body,
		Category:  req.Category,
		Tags:      req.Tags,
		Priority:  req.Priority,
		Metadata:  req.Metadata,
		ClickURL:  req.ClickURL,
		Markdown:  req.Markdown,
	}, admit)
	if err != nil {
		return Result{}, err
	}
	if res.Replayed() {
		return res, nil
	}

	n := &res.Notification
	n.ChannelName = ch.Name
	if req.SkipPush {
		err = s.dispatcher.MarkSkipped(ctx, n)
	} else {
		_, err = s.dispatcher.Dispatch(ctx, n)
	}
	if err != nil {
		// The row exists; report what is stored rather than failing the call.
		s.log.Error("recording delivery outcome failed", logx.String("id", n.ID), logx.Err(err))
	}

	s.audit.Record(ctx, "notification.create", p.Name, n.ID, map[string]any{
		"channel": ch.Name,
		"status":  string(n.Status),
	})
	eventbus.PublishCreated(s.bus, eventbus.Created{ID: n.ID, ChannelID: n.ChannelID, Priority: n.Priority})
	return res, nil
}
