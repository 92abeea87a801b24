package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/dispatch"
	"pushrelay/internal/gateway"
	"pushrelay/internal/model"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{-1, time.Minute},
		{27, time.Minute << 27},
		{28, math.MaxInt64},
		{30, math.MaxInt64},
		{200, math.MaxInt64},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(time.Minute, tc.count), "count=%d", tc.count)
	}
	for c := 0; c < 100; c++ {
		assert.Positive(t, Backoff(time.Minute, c), "count=%d", c)
	}
	assert.Zero(t, Backoff(0, 3))

	stale := model.Notification{RetryCount: 40, UpdatedAt: time.Now().Add(-24 * time.Hour)}
	assert.False(t, Due(stale, time.Minute, time.Now()))
}

type env struct {
	store storage.Store
	sched *Scheduler
	calls *atomic.Int32
	now   time.Time
}

func newEnv(t *testing.T, gw gateway.Func) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateChannel(context.Background(), model.Channel{ID: "ch1", Name: "alerts"}))

	var calls atomic.Int32
	counted := gateway.Func(func(ctx context.Context, m gateway.Message) error {
		calls.Add(1)
		return gw(ctx, m)
	})
	d := dispatch.New(dispatch.Config{DefaultTopic: "t", Timeout: time.Second}, counted, st, nil, logx.Nop())
	e := &env{store: st, calls: &calls, now: model.Truncate(time.Now())}
	e.sched = New(Config{}, st, d, logx.Nop())
	e.sched.now = func() time.Time { return e.now }
	return e
}

// failed inserts a failed row last updated at updated.
func (e *env) failed(t *testing.T, id string, retries int, created, updated time.Time) {
	t.Helper()
	n := model.NewNotification(id, "k1", model.Content{ChannelID: "ch1", Title: id, Priority: 3}, created)
	n.MarkFailed("push timeout after 2s", updated)
	n.RetryCount = retries
	require.NoError(t, e.store.CreateNotification(context.Background(), n))
}

func TestRetryRespectsBackoff(t *testing.T) {
	e := newEnv(t, func(context.Context, gateway.Message) error { return nil })
	last := e.now.Add(-7 * time.Minute)
	e.failed(t, "n1", 3, last, last)

	st, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Attempted)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, e.calls.Load())

	e.now = last.Add(8 * time.Minute)
	st, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Attempted)
	assert.Equal(t, 1, st.Succeeded)

	got, err := e.store.GetNotification(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	assert.NotNil(t, got.DeliveredAt)
}

func TestRetryFailureIncrementsAndKeepsFailed(t *testing.T) {
	e := newEnv(t, func(context.Context, gateway.Message) error { return errors.New("upstream 500") })
	e.failed(t, "n1", 0, e.now.Add(-time.Hour), e.now.Add(-time.Hour))

	st, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)

	got, err := e.store.GetNotification(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream 500", got.Error())
	assert.Nil(t, got.GaveUpAt)

	// Just attempted: not due on an immediate second run.
	st, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Attempted)
}

func TestRetryGivesUpAndExcludes(t *testing.T) {
	e := newEnv(t, func(context.Context, gateway.Message) error { return nil })
	old := e.now.Add(-2 * time.Hour)
	e.failed(t, "exhausted", DefaultMaxAttempts, old, old)
	e.failed(t, "stale", 0, e.now.Add(-25*time.Hour), old)

	st, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.GaveUp)
	assert.Equal(t, 0, st.Attempted)
	assert.Zero(t, e.calls.Load())

	got, err := e.store.GetNotification(context.Background(), "exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.GaveUpAt)
	assert.Contains(t, got.Error(), "gave up")

	st, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestConcurrentRunsDoNotDoubleCharge(t *testing.T) {
	e := newEnv(t, func(context.Context, gateway.Message) error { return errors.New("down") })
	for _, id := range []string{"a", "b", "c"} {
		e.failed(t, id, 0, e.now.Add(-time.Hour), e.now.Add(-time.Hour))
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := e.sched.RunOnce(context.Background())
			assert.NoError(t, err)
			total.Add(int32(st.Attempted))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, total.Load())
	assert.EqualValues(t, 3, e.calls.Load())
	for _, id := range []string{"a", "b", "c"} {
		got, err := e.store.GetNotification(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount, id)
	}
}
