package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modbot/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	// base is the parent of every job context; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "maintenance")),
		// SecondOptional accepts both 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates the config. Toggling Enabled starts or stops triggering; a
// timezone change rebuilds cron with the new location.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	tzChanged := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if running && cfg.Enabled && tzChanged {
		s.rebuildLocked()
	}
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !running:
		s.Start(ctx)
	case !cfg.Enabled && running:
		s.Stop(ctx)
	}
}

// Start begins triggering registered jobs. It is a no-op when disabled or
// already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.rebuildLocked()
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering, cancels running jobs and waits for them, bounded
// by ctx. Job definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("maintenance stopped")
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out", logx.Err(ctx.Err()))
	}
}

// AddSchedule registers (or replaces, by name) a job. See Plan for
// accepted schedule strings.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	plan, err := ParsePlan(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	spec := plan.Spec()
	if plan.Every == 0 {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", name, spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: job, stats: &jobStats{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters a job by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// RunNow triggers a job outside its schedule, honouring the overlap rule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	var d *jobDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
		}
	}
	base := s.base
	s.mu.Unlock()
	if d == nil {
		return false
	}
	if base == nil {
		base = context.Background()
	}
	s.trigger(base, d)
	return true
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
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) rebuildLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) addLocked(d *jobDef) error {
	base := s.base
	job := cron.FuncJob(func() { s.trigger(base, d) })

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(every); err == nil && dur > 0 {
			sched, off := staggerInterval(d.name, dur, time.Now().In(s.loc))
			d.stagger = off
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// trigger runs d unless its previous run is still in flight.
func (s *Service) trigger(base context.Context, d *jobDef) {
	if !d.stats.running.CompareAndSwap(false, true) {
		d.stats.skipped.Add(1)
		s.log.Debug("job skipped; previous run still active", logx.String("name", d.name))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.stats.running.Store(false)

	ctx := base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return d.run(ctx)
	}()
	took := time.Since(start)
	d.stats.runs.Add(1)
	d.stats.lastDur.Store(int64(took))
	if err != nil {
		d.stats.failed.Add(1)
		d.stats.lastErr.Store(err.Error())
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	d.stats.lastErr.Store("")
	s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", took))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		lastErr, _ := d.stats.lastErr.Load().(string)
		it := JobInfo{
			Name:         d.name,
			Spec:         d.spec,
			Timeout:      d.timeout,
			Stagger:      d.stagger,
			Running:      d.stats.running.Load(),
			Runs:         d.stats.runs.Load(),
			Skipped:      d.stats.skipped.Load(),
			Failed:       d.stats.failed.Load(),
			LastErr:      lastErr,
			LastDuration: time.Duration(d.stats.lastDur.Load()),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
