package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pushrelay/internal/cursor"
	"pushrelay/internal/eventbus"
	"pushrelay/internal/model"
	"pushrelay/internal/query"
	"pushrelay/internal/storage"
	logx "pushrelay/pkg/logx"
)

type recSink struct{ ch chan Event }

func newSink() *recSink { return &recSink{ch: make(chan Event, 256)} }

func (s *recSink) Send(e Event) error { s.ch <- e; return nil }
func (s *recSink) Flush() error       { return nil }

func (s *recSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-s.ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// nextOf skips heartbeats.
func (s *recSink) nextOf(t *testing.T, typ string) Event {
	t.Helper()
	for {
		e := s.next(t)
		if e.Type == typ {
			return e
		}
		require.Equal(t, EventHeartbeat, e.Type, "unexpected %s event", e.Type)
	}
}

func (s *recSink) none(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-s.ch:
			if e.Type != EventHeartbeat {
				t.Fatalf("unexpected %s event %s", e.Type, e.ID)
			}
		case <-deadline:
			return
		}
	}
}

func setup(t *testing.T, cfg Config, bus eventbus.Bus) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.CreateChannel(ctx, model.Channel{ID: "ch1", Name: "alerts"}))
	require.NoError(t, st.CreateChannel(ctx, model.Channel{ID: "ch2", Name: "builds"}))
	return NewServer(cfg, query.New(st), bus, logx.Nop()), st
}

func insert(t *testing.T, st storage.Store, id, ch string, at time.Time) model.Notification {
	t.Helper()
	n := model.NewNotification(id, "k1", model.Content{ChannelID: ch, Title: id, Priority: 3}, at)
	require.NoError(t, st.CreateNotification(context.Background(), n))
	return n
}

type served struct {
	reason CloseReason
	err    error
}

func serve(ctx context.Context, s *Server, sink Sink, opts Options) <-chan served {
	out := make(chan served, 1)
	go func() {
		r, err := s.Serve(ctx, sink, opts)
		out <- served{r, err}
	}()
	return out
}

func TestResumeDeliversWithoutGapsOrDuplicates(t *testing.T) {
	srv, st := setup(t, Config{PollInterval: 20 * time.Millisecond, Heartbeat: time.Hour, MaxDuration: time.Hour}, nil)
	base := time.Now().Add(-time.Minute)
	var rows []model.Notification
	for i, id := range []string{"n0", "n1", "n2", "n3", "n4"} {
		rows = append(rows, insert(t, st, id, "ch1", base.Add(time.Duration(i)*time.Millisecond)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := newSink()
	done := serve(ctx, srv, sink, Options{Resume: cursor.Of(rows[1]).Token()})

	e := sink.next(t)
	require.Equal(t, EventConnected, e.Type)
	require.True(t, e.Data.(ConnectedData).Resumed)

	for _, want := range rows[2:] {
		e := sink.nextOf(t, EventNotification)
		require.Equal(t, want.ID, e.Data.(model.Notification).ID)
		require.Equal(t, cursor.Of(want).Token(), e.ID)
	}

	live := insert(t, st, "n5", "ch1", time.Now())
	e = sink.nextOf(t, EventNotification)
	require.Equal(t, live.ID, e.Data.(model.Notification).ID)
	sink.none(t, 100*time.Millisecond)

	cancel()
	r := <-done
	require.Equal(t, CloseClient, r.reason)
	require.NoError(t, r.err)
	require.Zero(t, srv.Active())
}

func TestMalformedTokenStartsFromNow(t *testing.T) {
	srv, st := setup(t, Config{PollInterval: 20 * time.Millisecond, Heartbeat: time.Hour, MaxDuration: time.Hour}, nil)
	connectAt := time.Now()
	srv.now = func() time.Time { return connectAt }
	insert(t, st, "old", "ch1", connectAt.Add(-time.Second))
	insert(t, st, "same-ms", "ch1", connectAt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newSink()
	serve(ctx, srv, sink, Options{Resume: "not-a-token"})

	e := sink.next(t)
	require.Equal(t, EventConnected, e.Type)
	require.False(t, e.Data.(ConnectedData).Resumed)
	sink.none(t, 80*time.Millisecond)

	insert(t, st, "new", "ch1", connectAt.Add(time.Second))
	e = sink.nextOf(t, EventNotification)
	require.Equal(t, "new", e.Data.(model.Notification).ID)
}

func TestHeartbeatAndMaxDuration(t *testing.T) {
	srv, _ := setup(t, Config{PollInterval: time.Hour, Heartbeat: 20 * time.Millisecond, MaxDuration: 150 * time.Millisecond}, nil)
	sink := newSink()
	done := serve(context.Background(), srv, sink, Options{})

	require.Equal(t, EventConnected, sink.next(t).Type)
	require.Equal(t, EventHeartbeat, sink.next(t).Type)

	e := sink.nextOf(t, EventClose)
	require.Equal(t, CloseTimeout, e.Data.(CloseData).Reason)
	r := <-done
	require.Equal(t, CloseTimeout, r.reason)
}

func TestCreatedEventTriggersImmediatePoll(t *testing.T) {
	bus := eventbus.New()
	srv, st := setup(t, Config{PollInterval: time.Hour, Heartbeat: time.Hour, MaxDuration: time.Hour}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newSink()
	serve(ctx, srv, sink, Options{})
	require.Equal(t, EventConnected, sink.next(t).Type)
	sink.none(t, 50*time.Millisecond)

	n := insert(t, st, "fresh", "ch1", time.Now().Add(time.Second))
	eventbus.PublishCreated(bus, eventbus.Created{ID: n.ID, ChannelID: n.ChannelID, Priority: n.Priority})

	e := sink.nextOf(t, EventNotification)
	require.Equal(t, "fresh", e.Data.(model.Notification).ID)
}

func TestChannelFilter(t *testing.T) {
	srv, st := setup(t, Config{PollInterval: 20 * time.Millisecond, Heartbeat: time.Hour, MaxDuration: time.Hour}, nil)
	base := time.Now().Add(-time.Minute)
	insert(t, st, "a", "ch1", base)
	insert(t, st, "b", "ch2", base.Add(time.Millisecond))
	insert(t, st, "c", "ch1", base.Add(2*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newSink()
	serve(ctx, srv, sink, Options{
		Filter: model.Filter{ChannelID: "ch2"},
		Resume: cursor.New(base.Add(-time.Millisecond), "0").Token(),
	})
	require.Equal(t, EventConnected, sink.next(t).Type)
	e := sink.nextOf(t, EventNotification)
	require.Equal(t, "b", e.Data.(model.Notification).ID)
	sink.none(t, 80*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, _ := setup(t, Config{PollInterval: time.Hour, Heartbeat: time.Hour, MaxDuration: time.Hour}, nil)
	sink := newSink()
	done := serve(context.Background(), srv, sink, Options{})
	require.Equal(t, EventConnected, sink.next(t).Type)

	srv.Shutdown()
	e := sink.nextOf(t, EventClose)
	require.Equal(t, CloseShutdown, e.Data.(CloseData).Reason)
	require.Equal(t, CloseShutdown, (<-done).reason)
}

func TestMatches(t *testing.T) {
	f := model.Filter{ChannelID: "ch1", MinPriority: 3}
	require.True(t, matches(f, eventbus.Created{ChannelID: "ch1", Priority: 4}))
	require.False(t, matches(f, eventbus.Created{ChannelID: "ch2", Priority: 4}))
	require.False(t, matches(f, eventbus.Created{ChannelID: "ch1", Priority: 2}))
	require.True(t, matches(f, "unknown"))
}

// slowScanner blocks the first Scan until release is closed and every later
// one until the context ends.
type slowScanner struct {
	release chan struct{}
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	started chan int32
}

func (s *slowScanner) Scan(ctx context.Context, _ model.Filter, _ *cursor.Cursor, _ int) ([]model.Notification, error) {
	n := s.calls.Add(1)
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxSeen.Load()
		if cur <= m || s.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	s.started <- n
	if n == 1 {
		select {
		case <-s.release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPollInFlightDropsTicks(t *testing.T) {
	scan := &slowScanner{release: make(chan struct{}), started: make(chan int32, 16)}
	srv := NewServer(Config{PollInterval: 10 * time.Millisecond, Heartbeat: time.Hour, MaxDuration: time.Hour}, scan, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	sink := newSink()
	done := serve(ctx, srv, sink, Options{})
	require.Equal(t, EventConnected, sink.next(t).Type)

	waitStart := func(want int32) {
		t.Helper()
		select {
		case n := <-scan.started:
			require.Equal(t, want, n)
		case <-time.After(3 * time.Second):
			t.Fatalf("scan %d did not start", want)
		}
	}

	waitStart(1)
	// Several ticks pass while the first poll is blocked.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, scan.calls.Load())

	close(scan.release)
	waitStart(2)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 2, scan.calls.Load())
	require.EqualValues(t, 1, scan.maxSeen.Load())

	cancel()
	require.Equal(t, CloseClient, (<-done).reason)
}
