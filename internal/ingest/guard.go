// Package ingest turns producer requests into notifications.
//
// Guard provides exactly-once creation per (apiKeyID, idempotencyKey). The
// store's UNIQUE(api_key_id, idem_key) index is the only coordination; no
// in-process locks are involved, so it holds across server processes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

const DefaultIdempotencyTTL = 24 * time.Hour

// Outcome tags the result of a creation attempt.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeReplayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeReplayed:
		return "replayed"
	}
	return "unknown"
}

type Result struct {
	Notification model.Notification
	Outcome      Outcome
}

func (r Result) Replayed() bool { return r.Outcome == OutcomeReplayed }

// Repo is the storage the guard needs.
type Repo interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	GetIdempotency(ctx context.Context, apiKeyID, key string) (model.IdempotencyRecord, error)
	CreateIdempotent(ctx context.Context, n model.Notification, rec model.IdempotencyRecord, expiredID string, admit func(context.Context) error) error
}

// Admit decides whether a creation may proceed. It runs only for the request
// that would create, never for a replay, and its error is returned unchanged.
type Admit func(ctx context.Context) error

type Guard struct {
	repo Repo
	ttl  time.Duration
	log  logx.Logger

	now   func() time.Time
	newID func() string
}

func NewGuard(repo Repo, ttl time.Duration, log logx.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{repo: repo, ttl: ttl, log: log, now: time.Now, newID: NewID}
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Lookup returns the notification guarded by a live record for the pair.
// ok is false when there is no record, it expired, or its notification is gone.
func (g *Guard) Lookup(ctx context.Context, apiKeyID, key string) (n model.Notification, ok bool, err error) {
	if key == "" {
		return model.Notification{}, false, nil
	}
	rec, err := g.repo.GetIdempotency(ctx, apiKeyID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Notification{}, false, nil
	}
	if err != nil {
		return model.Notification{}, false, err
	}
	if rec.Expired(g.now()) {
		return model.Notification{}, false, nil
	}
	n, err = g.repo.GetNotification(ctx, rec.NotificationID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Notification{}, false, nil
	}
	if err != nil {
		return model.Notification{}, false, err
	}
	return n, true, nil
}

// Ingest creates a notification from c, or replays the one already created
// for (apiKeyID, key). A replay has no side effects.
func (g *Guard) Ingest(ctx context.Context, apiKeyID, key string, c model.Content) (Result, error) {
	return g.IngestAdmitted(ctx, apiKeyID, key, c, nil)
}

// IngestAdmitted is Ingest with an admission check. With a key, admit runs
// inside the creating transaction after the pair is claimed, so concurrent
// duplicates wait for the winner and replay it without being admitted.
func (g *Guard) IngestAdmitted(ctx context.Context, apiKeyID, key string, c model.Content, admit Admit) (Result, error) {
	now := g.now()
	n := model.NewNotification(g.newID(), apiKeyID, c, now)

	if key == "" {
		if admit != nil {
			if err := admit(ctx); err != nil {
				return Result{}, err
			}
		}
		if err := g.repo.CreateNotification(ctx, n); err != nil {
			return Result{}, fmt.Errorf("create notification: %w", err)
		}
		return Result{Notification: n, Outcome: OutcomeCreated}, nil
	}

	var expiredID string
	rec, err := g.repo.GetIdempotency(ctx, apiKeyID, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Result{}, fmt.Errorf("idempotency lookup: %w", err)
	case !rec.Expired(now):
		prev, err := g.repo.GetNotification(ctx, rec.NotificationID)
		if err == nil {
			return Result{Notification: prev, Outcome: OutcomeReplayed}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("load replayed notification: %w", err)
		}
		// Guarded row was removed by retention; the record no longer guards anything.
		expiredID = rec.ID
	default:
		// The old notification stays; only its record is replaced.
		expiredID = rec.ID
	}

	newRec := model.IdempotencyRecord{
		ID:             g.newID(),
		APIKeyID:       apiKeyID,
		Key:            key,
		NotificationID: n.ID,
		ExpiresAt:      n.CreatedAt.Add(g.ttl),
		CreatedAt:      n.CreatedAt,
	}
	var admitErr error
	err = g.repo.CreateIdempotent(ctx, n, newRec, expiredID, func(ctx context.Context) error {
		if admit == nil {
			return nil
		}
		admitErr = admit(ctx)
		return admitErr
	})
	if err == nil {
		return Result{Notification: n, Outcome: OutcomeCreated}, nil
	}
	if admitErr != nil {
		return Result{}, admitErr
	}
	if !errors.Is(err, storage.ErrConflict) {
		return Result{}, fmt.Errorf("create idempotent notification: %w", err)
	}

	// Lost the race: the transaction rolled back, read the winner.
	g.log.Debug("idempotency race lost", logx.String("api_key_id", apiKeyID), logx.String("key", key))
	winner, err := g.repo.GetIdempotency(ctx, apiKeyID, key)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency re-fetch after conflict: %w", err)
	}
	prev, err := g.repo.GetNotification(ctx, winner.NotificationID)
	if err != nil {
		return Result{}, fmt.Errorf("load winning notification: %w", err)
	}
	return Result{Notification: prev, Outcome: OutcomeReplayed}, nil
}
