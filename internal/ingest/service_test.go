package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/collab/auth"
	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/gateway"
	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

type fixture struct {
	svc   *Service
	store storage.Store
	bus   eventbus.Bus
	calls *atomic.Int32
}

func newFixture(t *testing.T, gw gateway.Func, timeout time.Duration, defaultLimit int) fixture {
	t.Helper()
	st := openStore(t)
	bus := eventbus.New()
	var calls atomic.Int32
	counted := gateway.Func(func(ctx context.Context, m gateway.Message) error {
		calls.Add(1)
		return gw(ctx, m)
	})
	d := dispatch.New(dispatch.Config{Timeout: timeout, DefaultTopic: "default"}, counted, st, bus, logx.Nop())
	svc := NewService(Config{DefaultRateLimit: defaultLimit}, Deps{
		Guard:      NewGuard(st, time.Hour, logx.Nop()),
		Channels:   st,
		Dispatcher: d,
		Limiter:    ratelimit.NewMemory(),
		Bus:        bus,
	})
	return fixture{svc: svc, store: st, bus: bus, calls: &calls}
}

var publisher = auth.Principal{KeyID: "k1", Name: "ci", Permissions: []string{model.PermPublish}}

func okGateway(context.Context, gateway.Message) error { return nil }

func TestSendCreatedThenReplay(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 0)
	events, unsub := f.bus.Subscribe(8)
	defer unsub()
	req := SendRequest{Channel: "alerts", Title: "deploy", Body: "done", IdempotencyKey: "X", Tags: []string{"CI", "ci"}}

	first, err := f.svc.Send(context.Background(), publisher, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.Equal(t, model.StatusDelivered, first.Notification.Status)
	assert.Equal(t, "alerts", first.Notification.ChannelName)
	assert.Equal(t, []string{"ci"}, first.Notification.Tags)
	assert.Equal(t, model.DefaultPriority, first.Notification.Priority)

	second, err := f.svc.Send(context.Background(), publisher, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed())
	assert.Equal(t, first.Notification.ID, second.Notification.ID)
	assert.EqualValues(t, 1, f.calls.Load())

	select {
	case e := <-events:
		if e.Type == eventbus.DeliveryRecorded {
			e = <-events
		}
		assert.Equal(t, eventbus.NotificationCreated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no created event")
	}
}

func TestSendUnreachableGatewayStillCreated(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f := newFixture(t, func(context.Context, gateway.Message) error { <-block; return nil }, 50*time.Millisecond, 0)

	start := time.Now()
	res, err := f.svc.Send(context.Background(), publisher, SendRequest{Channel: "alerts", Title: "t"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, model.StatusFailed, res.Notification.Status)
	assert.Contains(t, res.Notification.Error(), "timeout")
	assert.Equal(t, 0, res.Notification.RetryCount)
}

func TestSendSkipPush(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 0)
	res, err := f.svc.Send(context.Background(), publisher, SendRequest{Channel: "alerts", Title: "t", SkipPush: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSkipped, res.Notification.Status)
	assert.Zero(t, f.calls.Load())
}

func TestSendReplayDoesNotConsumeRateLimit(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 1)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "A"})
	require.NoError(t, err)
	res, err := f.svc.Send(ctx, publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "A"})
	require.NoError(t, err)
	assert.True(t, res.Replayed())

	_, err = f.svc.Send(ctx, publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "B"})
	var rl *ratelimit.Error
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Positive(t, rl.RetryAfter)
}

func TestSendRejectsBeforeAnyWrite(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 0)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, auth.Principal{KeyID: "r", Permissions: []string{model.PermRead}}, SendRequest{Channel: "alerts", Title: "t"})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	cases := map[string]SendRequest{
		"title":    {Channel: "alerts"},
		"channel":  {Channel: "nope", Title: "t"},
		"priority": {Channel: "alerts", Title: "t", Priority: 9},
		"tags":     {Channel: "alerts", Title: "t", Tags: []string{"has space"}},
		"clickUrl": {Channel: "alerts", Title: "t", ClickURL: "javascript:alert(1)"},
	}
	for field, req := range cases {
		_, err := f.svc.Send(ctx, publisher, req)
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), field)
		assert.Contains(t, ve.Fields, field)
	}

	total, err := f.store.CountNotifications(ctx, model.Filter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, f.calls.Load())
}

type countingLimiter struct {
	ratelimit.Limiter
	calls atomic.Int32
}

func (c *countingLimiter) Allow(ctx context.Context, id string, limit int) (ratelimit.Decision, error) {
	c.calls.Add(1)
	return c.Limiter.Allow(ctx, id, limit)
}

func TestSendConcurrentDuplicatesChargeOnce(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 2)
	lim := &countingLimiter{Limiter: ratelimit.NewMemory()}
	f.svc.limiter = lim

	const n = 8
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		created  atomic.Int32
		replayed atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Send(context.Background(), publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "same"})
			if !assert.NoError(t, err) {
				return
			}
			if res.Replayed() {
				replayed.Add(1)
			} else {
				created.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, n-1, replayed.Load())
	assert.EqualValues(t, 1, lim.calls.Load())
	assert.EqualValues(t, 1, f.calls.Load())

	// One slot is left for a different key.
	_, err := f.svc.Send(context.Background(), publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "other"})
	require.NoError(t, err)
}

func TestSendRateLimitedLeavesNoRecord(t *testing.T) {
	f := newFixture(t, okGateway, time.Second, 1)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, publisher, SendRequest{Channel: "alerts", Title: "t"})
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, publisher, SendRequest{Channel: "alerts", Title: "t", IdempotencyKey: "late"})
	var rl *ratelimit.Error
	require.True(t, errors.As(err, &rl), "got %v", err)

	_, ok, err := f.svc.guard.Lookup(ctx, publisher.KeyID, "late")
	require.NoError(t, err)
	assert.False(t, ok)
	total, err := f.store.CountNotifications(ctx, model.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}
