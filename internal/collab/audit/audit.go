// Package audit records producer and operator actions.
//
// Record never blocks and never fails the caller: entries are queued and
// written by a background worker. A full queue or a store error is logged.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	rtsup "pushrelay/internal/runtime/supervisor"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

var ErrQueueFull = errors.New("audit queue full")

type Recorder interface {
	Record(ctx context.Context, action, actor, target string, meta map[string]any)
}

type Store interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, map[string]any) {}

// Log is a fire-and-forget queue in front of Store.
type Log struct {
	store Store
	log   logx.Logger

	mu    sync.Mutex
	queue chan storage.AuditEntry
	sup   *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(store Store, queueSize int, log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Log{store: store, log: log, queue: make(chan storage.AuditEntry, queueSize)}
}

// Start launches the writer. It is idempotent.
func (l *Log) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sup != nil {
		return
	}
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log))
	l.sup.GoRestart("audit.writer", l.writer)
}

// Stop drains queued entries until ctx is done.
func (l *Log) Stop(ctx context.Context) {
	l.mu.Lock()
	sup := l.sup
	l.sup = nil
	l.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	l.drain(ctx)
}

func (l *Log) Record(_ context.Context, action, actor, target string, meta map[string]any) {
	e := storage.AuditEntry{At: time.Now(), Action: action, Actor: actor, Target: target}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	select {
	case l.queue <- e:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.log.Warn("audit entry dropped", logx.String("action", action), logx.Err(ErrQueueFull))
		}
	}
}

// Dropped reports how many entries were discarded.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

func (l *Log) writer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-l.queue:
			l.write(ctx, e)
		}
	}
}

func (l *Log) drain(ctx context.Context) {
	for {
		select {
		case e := <-l.queue:
			l.write(ctx, e)
		default:
			return
		}
	}
}

func (l *Log) write(ctx context.Context, e storage.AuditEntry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.store.AppendAudit(wctx, e); err != nil {
		l.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}
