package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushrelay/internal/retry"
	logx "pushrelay/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  Kind
		spec  string
		fails bool
	}{
		{in: "@hourly", kind: KindCron, spec: "@hourly"},
		{in: "*/5 * * * *", kind: KindCron, spec: "*/5 * * * *"},
		{in: "@every 15m", kind: KindInterval, spec: "@every 15m0s"},
		{in: "15m", kind: KindInterval, spec: "@every 15m0s"},
		{in: "02:30", kind: KindInterval, spec: "@every 2h30m0s"},
		{in: "every:00:15", kind: KindInterval, spec: "@every 15m0s"},
		{in: "cron:0 * * * *", kind: KindCron, spec: "0 * * * *"},
		{in: "", fails: true},
		{in: "soon", fails: true},
		{in: "00:75", fails: true},
		{in: "-5m", fails: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.fails {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, got.Kind, tc.in)
		assert.Equal(t, tc.spec, got.Spec(), tc.in)
	}
}

func TestAddRejectsBadCron(t *testing.T) {
	s := New(Config{}, logx.Nop())
	err := s.Add("x", "cron:not a cron", 0, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestRunNowSkipsOverlap(t *testing.T) {
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add("slow", "1h", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrRunning)
	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, runs.Load())

	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.EqualValues(t, 1, info[0].Runs)
	assert.EqualValues(t, 1, info[0].Skipped)
	assert.False(t, info[0].Running)
}

func TestRunNowRecordsErrorsAndPanics(t *testing.T) {
	s := New(Config{}, logx.Nop())
	boom := errors.New("boom")
	require.NoError(t, s.Add("err", "1h", 0, func(context.Context) error { return boom }))
	require.NoError(t, s.Add("panic", "1h", 0, func(context.Context) error { panic("bad") }))

	require.ErrorIs(t, s.RunNow(context.Background(), "err"), boom)
	require.ErrorContains(t, s.RunNow(context.Background(), "panic"), "panic")
	require.Error(t, s.RunNow(context.Background(), "missing"))

	for _, it := range s.Snapshot() {
		assert.NotEmpty(t, it.LastErr, it.Name)
	}
}

func TestStartTriggersCronJob(t *testing.T) {
	s := New(Config{}, logx.Nop())
	fired := make(chan struct{}, 4)
	require.NoError(t, s.Add("tick", "cron:* * * * * *", time.Second, func(context.Context) error {
		fired <- struct{}{}
		return nil
	}))
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron job did not fire")
	}
	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.False(t, info[0].Next.IsZero())
}

type fakeRetrier struct{ calls atomic.Int32 }

func (f *fakeRetrier) RunOnce(context.Context) (retry.Stats, error) {
	f.calls.Add(1)
	return retry.Stats{Attempted: 1, Succeeded: 1}, nil
}

type fakeCleaner struct{ calls atomic.Int32 }

func (f *fakeCleaner) DeleteExpiredIdempotency(context.Context, time.Time) (int64, error) {
	f.calls.Add(1)
	return 2, nil
}

func TestRegisterRelay(t *testing.T) {
	s := New(Config{}, logx.Nop())
	r, c := &fakeRetrier{}, &fakeCleaner{}
	var logs bytes.Buffer
	require.NoError(t, RegisterRelay(s, Schedules{}, r, c, logx.NewWriter(&logs, "info")))

	specs := map[string]string{}
	for _, it := range s.Snapshot() {
		specs[it.Name] = it.Spec
	}
	assert.Equal(t, map[string]string{JobRetry: "@every 15m0s", JobCleanup: "@hourly"}, specs)

	require.NoError(t, s.RunNow(context.Background(), JobRetry))
	require.NoError(t, s.RunNow(context.Background(), JobCleanup))
	assert.EqualValues(t, 1, r.calls.Load())
	assert.EqualValues(t, 1, c.calls.Load())
	assert.Contains(t, logs.String(), "expired idempotency records deleted")
	assert.NotContains(t, logs.String(), "attempted")

	require.NoError(t, RegisterRelay(s, Schedules{Cleanup: "off"}, r, c, logx.Nop()))
	require.Len(t, s.Snapshot(), 1)
	assert.Equal(t, JobRetry, s.Snapshot()[0].Name)
}
