package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdbot/internal/task/engine"
	logx "crowdbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

const enqueueWarnThrottle = 5 * time.Second

// ErrUnknownSchedule is returned by RunNow for a name that was never registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// AddScheduleOpt parses schedule and registers a cron or interval job.
// firstAfter delays the first trigger of an interval schedule; cron
// schedules follow their expression.
//
// Supported formats:
//   - Cron: "*/5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes)
func (s *Service) AddScheduleOpt(name, schedule string, firstAfter, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	if ps.Kind == SpecInterval {
		return s.AddIntervalOpt(name, ps.Every, firstAfter, timeout, opt, job)
	}
	return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.upsert(&scheduleDef{name: name, spec: spec, timeout: timeout, opt: opt, job: job})
}

// AddIntervalOpt registers a job firing every interval. The first trigger
// happens firstAfter from registration (or from Start), or one interval
// later when firstAfter is 0.
func (s *Service) AddIntervalOpt(name string, every, firstAfter, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", name)
	}
	return s.upsert(&scheduleDef{
		name:       name,
		spec:       "@every " + every.String(),
		every:      every,
		firstAfter: firstAfter,
		timeout:    timeout,
		opt:        opt,
		job:        job,
	})
}

// upsert replaces any schedule with the same name, so hot reloads can
// re-register without duplicates.
func (s *Service) upsert(d *scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	d.state = &engine.RunState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.removeLocked(d.name); old != nil {
		// Keep overlap state so a re-registration cannot start a second run.
		d.state = old.state
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", d.name),
		logx.String("spec", d.spec),
		logx.Duration("timeout", d.timeout),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

// Remove unregisters a schedule by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name)) != nil
}

func (s *Service) removeLocked(name string) *scheduleDef {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return d
	}
	return nil
}

// RunNow enqueues a registered job immediately, honoring its overlap policy.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for _, d := range s.defs {
		if d.name == name {
			def = d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.enqueue(def)
}

func (s *Service) enqueue(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() {
		if err := s.enqueue(d); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	})
	if d.every > 0 {
		d.entryID = s.c.Schedule(newDelayedSchedule(d.every, d.firstAfter, time.Now()), job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips are normal when a run outlasts its interval.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	throttled := !last.IsZero() && now.Sub(last) < enqueueWarnThrottle
	if !throttled {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if !throttled {
		s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
	}
}

// delayedSchedule fires first at start+firstAfter, then every interval.
type delayedSchedule struct {
	every time.Duration
	first time.Time
}

func newDelayedSchedule(every, firstAfter time.Duration, now time.Time) cron.Schedule {
	if firstAfter <= 0 {
		firstAfter = every
	}
	return &delayedSchedule{every: every, first: now.Add(firstAfter)}
}

func (d *delayedSchedule) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	// Stay on the grid anchored at first so triggers don't drift with late wakeups.
	n := t.Sub(d.first)/d.every + 1
	return d.first.Add(n * d.every)
}
