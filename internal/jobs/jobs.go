// Package jobs triggers the relay's periodic maintenance (retry sweeps and
// idempotency cleanup) on cron or interval schedules.
//
// A job never overlaps itself: a trigger that fires while the previous run is
// still going is skipped.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "pushrelay/pkg/logx"
)

type Func func(ctx context.Context) error

type Config struct {
	Timezone string // IANA TZ; empty means Local
}

type def struct {
	name    string
	sched   Schedule
	timeout time.Duration
	run     Func
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	lastErr atomic.Value // string
}

// Info describes a registered job.
type Info struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skipped uint64
	LastErr string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defs []*def
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers (or replaces, by name) a job. Jobs added before Start are
// scheduled when Start runs.
func (s *Service) Add(name, schedule string, timeout time.Duration, run Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if run == nil {
		return errors.New("job func required")
	}
	sc, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if sc.Kind == KindCron {
		if _, err := s.parser.Parse(sc.Cron); err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", name, sc.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, sched: sc, timeout: timeout, run: run}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.scheduleLocked(d)
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", sc.Spec()), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("jobs started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering, cancels running jobs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		s.log.Info("jobs stopped")
	case <-ctx.Done():
		s.log.Warn("jobs stop timed out")
	}
}

// Apply updates the timezone; a change restarts the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("jobs restarted", logx.String("tz", s.loc.String()))
}

// RunNow runs name synchronously, honoring the overlap rule. It returns
// ErrRunning when a run is already in progress.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *def
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.execute(ctx, d)
}

var ErrRunning = errors.New("job already running")

func (s *Service) scheduleLocked(d *def) {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		if err := s.execute(ctx, d); errors.Is(err, ErrRunning) {
			s.log.Debug("job still running; trigger skipped", logx.String("job", d.name))
		}
	})
	if d.sched.Kind == KindInterval {
		d.entryID = s.c.Schedule(intervalWithSpread(d.sched.Every, time.Now().In(s.loc), d.name), job)
		return
	}
	id, err := s.c.AddJob(d.sched.Cron, job)
	if err != nil {
		s.log.Error("job schedule failed", logx.String("job", d.name), logx.Err(err))
		return
	}
	d.entryID = id
}

func (s *Service) execute(ctx context.Context, d *def) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return ErrRunning
	}
	s.wg.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panic: %v", d.name, r)
			s.log.Error("job panic", logx.String("job", d.name), logx.Any("panic", r))
		}
		if err != nil {
			d.lastErr.Store(err.Error())
		} else {
			d.lastErr.Store("")
		}
		d.running.Store(false)
		s.wg.Done()
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	d.runs.Add(1)
	err = d.run(ctx)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
	}
	return err
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{
			Name:    d.name,
			Spec:    d.sched.Spec(),
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		it.LastErr, _ = d.lastErr.Load().(string)
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
