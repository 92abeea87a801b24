// Package dispatch performs write-first push delivery.
//
// The notification row already exists when Dispatch runs. Exactly one push is
// attempted per call, bounded by a hard timeout that holds even when the
// gateway ignores its context. The outcome is always persisted as Delivered
// or Failed, never left unknown.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pushrelay/internal/eventbus"
	"pushrelay/internal/gateway"
	"pushrelay/internal/model"
	logx "pushrelay/pkg/logx"
)

const DefaultTimeout = 2 * time.Second

var ErrNoTopic = errors.New("no push topic configured")

type Config struct {
	Timeout      time.Duration
	DefaultTopic string
}

// Store is the slice of storage the dispatcher needs.
type Store interface {
	ChannelByID(ctx context.Context, id string) (model.Channel, error)
	UpdateDelivery(ctx context.Context, n model.Notification, incrementRetry bool) error
}

// Attempt is the transient outcome of one push.
type Attempt struct {
	OK       bool
	Err      string
	TimedOut bool
	Elapsed  time.Duration
}

type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	gw    gateway.Gateway
	store Store
	bus   eventbus.Bus
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, gw gateway.Gateway, store Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{gw: gw, store: store, bus: bus, log: log, now: time.Now}
	d.applyLocked(cfg)
	return d
}

// Apply swaps timeout and default topic at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.DefaultTopic = strings.TrimSpace(cfg.DefaultTopic)
	d.cfg = cfg
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Topic resolves the push topic: channel override, else the default.
func (d *Dispatcher) Topic(ctx context.Context, n model.Notification) string {
	def := d.config().DefaultTopic
	if d.store == nil || n.ChannelID == "" {
		return def
	}
	ch, err := d.store.ChannelByID(ctx, n.ChannelID)
	if err != nil {
		d.log.Warn("channel lookup failed; using default topic", logx.String("channel_id", n.ChannelID), logx.Err(err))
		return def
	}
	if t := strings.TrimSpace(ch.Topic); t != "" {
		return t
	}
	return def
}

// Push performs exactly one gateway call and returns within the configured
// timeout regardless of the gateway. It does not touch the store.
func (d *Dispatcher) Push(ctx context.Context, n model.Notification) Attempt {
	timeout := d.config().Timeout
	start := time.Now()

	topic := d.Topic(ctx, n)
	if topic == "" {
		return Attempt{Err: ErrNoTopic.Error(), Elapsed: time.Since(start)}
	}
	if d.gw == nil {
		return Attempt{Err: "no push gateway configured", Elapsed: time.Since(start)}
	}
	msg := gateway.Message{
		Topic:    topic,
		Title:    n.Title,
		Body:     n.Body,
		Priority: n.Priority,
		Tags:     n.Tags,
		ClickURL: n.ClickURL,
		Markdown: n.Markdown,
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned send can still complete and exit.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("gateway panic: %v", r)
			}
		}()
		done <- d.gw.Send(pctx, msg)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var a Attempt
	select {
	case err := <-done:
		switch {
		case err == nil:
			a.OK = true
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			a.TimedOut = true
			a.Err = fmt.Sprintf("push timeout after %s: %v", timeout, err)
		default:
			a.Err = err.Error()
		}
	case <-timer.C:
		a.TimedOut = true
		a.Err = fmt.Sprintf("push timeout after %s", timeout)
	case <-ctx.Done():
		a.Err = "push canceled: " + ctx.Err().Error()
	}
	a.Elapsed = time.Since(start)
	return a
}

// Apply writes the attempt onto n.
func (a Attempt) Apply(n *model.Notification, at time.Time) {
	if a.OK {
		n.MarkDelivered(at)
		return
	}
	n.MarkFailed(a.Err, at)
}

// Dispatch pushes n once and persists the outcome. n is updated only after the
// store accepted the new state. Push failures are recorded on the row, not
// returned; the error result is for store failures only.
func (d *Dispatcher) Dispatch(ctx context.Context, n *model.Notification) (Attempt, error) {
	a := d.Push(ctx, *n)
	return a, d.Record(ctx, n, a, false)
}

// Record persists an attempt outcome. retry increments retry_count.
func (d *Dispatcher) Record(ctx context.Context, n *model.Notification, a Attempt, retry bool) error {
	next := *n
	a.Apply(&next, d.now())
	if retry {
		next.RetryCount++
	}
	// Persist even if the request context is gone: the push already happened.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.store.UpdateDelivery(wctx, next, retry); err != nil {
		return fmt.Errorf("record delivery %s: %w", n.ID, err)
	}
	*n = next

	log := d.log.With(logx.String("id", n.ID), logx.Duration("elapsed", a.Elapsed), logx.Bool("retry", retry))
	switch {
	case a.OK:
		log.Debug("push delivered")
	case a.TimedOut:
		log.Warn("push timed out", logx.String("err", a.Err))
	default:
		log.Warn("push failed", logx.String("err", a.Err))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryRecorded, Data: eventbus.Delivery{ID: n.ID, OK: a.OK, TimedOut: a.TimedOut, Retry: retry}})
	}
	return nil
}

// MarkSkipped records the caller's push opt-out without calling the gateway.
func (d *Dispatcher) MarkSkipped(ctx context.Context, n *model.Notification) error {
	next := *n
	next.MarkSkipped(d.now())
	if err := d.store.UpdateDelivery(ctx, next, false); err != nil {
		return fmt.Errorf("mark skipped %s: %w", n.ID, err)
	}
	*n = next
	return nil
}
