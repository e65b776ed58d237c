// Package sched runs timed frame transmission jobs: one-shot, counted
// repeats and periodic cycles.
package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/canscope/internal/can"
)

// Mode selects how often a job fires.
type Mode uint8

const (
	Once Mode = iota
	RepeatN
	Periodic
)

func (m Mode) String() string {
	switch m {
	case Once:
		return "once"
	case RepeatN:
		return "repeat"
	case Periodic:
		return "periodic"
	}
	return "unknown"
}

// Error is a scheduler operation failure.
type Error struct {
	Op     string
	JobID  string
	Reason string
}

func (e *Error) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("sched %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("sched %s %s: %s", e.Op, e.JobID, e.Reason)
}

// Emit delivers a due frame. It runs on the scheduler goroutine, so a slow
// sink delays the tick.
type Emit func(can.Frame)

// Job is one transmission entry. Use the constructors; Add validates the
// fields they fill.
type Job struct {
	ID        string
	Frame     can.Frame
	Mode      Mode
	Period    time.Duration
	Remaining int
	Enabled   bool
	Sent      uint64
	NextDue   time.Time
}

// NewOnce fires a single transmission on the next tick.
func NewOnce(id string, f can.Frame) Job {
	return Job{ID: id, Frame: f, Mode: Once, Enabled: true}
}

// NewRepeat fires count transmissions spaced by period.
func NewRepeat(id string, f can.Frame, count int, period time.Duration) Job {
	return Job{ID: id, Frame: f, Mode: RepeatN, Remaining: count, Period: period, Enabled: true}
}

// NewPeriodic fires every period until removed.
func NewPeriodic(id string, f can.Frame, period time.Duration) Job {
	return Job{ID: id, Frame: f, Mode: Periodic, Period: period, Enabled: true}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick overrides the default 1ms dispatch resolution.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Scheduler owns the job table. All mutation goes through its mutex, so
// jobs may be added, removed and rescaled while the loop runs.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job
	emit Emit
	now  func() time.Time
	tick time.Duration
}

func New(emit Emit, opts ...Option) *Scheduler {
	if emit == nil {
		emit = func(can.Frame) {}
	}
	s := &Scheduler{
		jobs: map[string]*Job{},
		emit: emit,
		now:  time.Now,
		tick: time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run dispatches due jobs on the tick resolution until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance(s.now())
		}
	}
}

// Advance dispatches everything due at the given instant. Run calls it on
// every tick; tests drive it directly with a synthetic clock.
func (s *Scheduler) Advance(now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && !j.NextDue.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextDue.Equal(due[k].NextDue) {
			return due[i].NextDue.Before(due[k].NextDue)
		}
		return due[i].ID < due[k].ID
	})
	frames := make([]can.Frame, 0, len(due))
	for _, j := range due {
		frames = append(frames, j.Frame)
		j.Sent++
		switch j.Mode {
		case Once:
			delete(s.jobs, j.ID)
		case RepeatN:
			j.Remaining--
			if j.Remaining <= 0 {
				delete(s.jobs, j.ID)
			} else {
				j.NextDue = j.NextDue.Add(j.Period)
			}
		case Periodic:
			// Keep the original phase. A stall emits once and skips
			// the missed cycles instead of bursting.
			j.NextDue = j.NextDue.Add(j.Period)
			for !j.NextDue.After(now) {
				j.NextDue = j.NextDue.Add(j.Period)
			}
		}
	}
	s.mu.Unlock()
	for _, f := range frames {
		s.emit(f)
	}
}

// Add registers a job. The first emission is due immediately unless
// NextDue is preset.
func (s *Scheduler) Add(j Job) error {
	if j.ID == "" {
		return &Error{Op: "add", Reason: "empty job id"}
	}
	if j.Mode != Once && j.Period <= 0 {
		return &Error{Op: "add", JobID: j.ID, Reason: "period must be positive"}
	}
	if j.Mode == RepeatN && j.Remaining <= 0 {
		return &Error{Op: "add", JobID: j.ID, Reason: "repeat count must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.ID]; dup {
		return &Error{Op: "add", JobID: j.ID, Reason: "duplicate job id"}
	}
	if j.NextDue.IsZero() {
		j.NextDue = s.now()
	}
	s.jobs[j.ID] = &j
	return nil
}

// Remove drops a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return &Error{Op: "remove", JobID: id, Reason: "unknown job"}
	}
	delete(s.jobs, id)
	return nil
}

// Enable pauses or resumes a job. Resuming an overdue periodic job emits
// once on the next tick and then realigns to its phase.
func (s *Scheduler) Enable(id string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &Error{Op: "enable", JobID: id, Reason: "unknown job"}
	}
	j.Enabled = on
	return nil
}

// SetPeriod rescales a job's period, preserving the phase: the fraction of
// the current interval still to run carries over to the new period.
func (s *Scheduler) SetPeriod(id string, d time.Duration) error {
	if d <= 0 {
		return &Error{Op: "set-period", JobID: id, Reason: "period must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &Error{Op: "set-period", JobID: id, Reason: "unknown job"}
	}
	s.setPeriodLocked(j, d)
	return nil
}

func (s *Scheduler) setPeriodLocked(j *Job, d time.Duration) {
	now := s.now()
	remaining := j.NextDue.Sub(now)
	if j.Period > 0 && remaining > 0 {
		frac := float64(remaining) / float64(j.Period)
		if frac > 1 {
			frac = 1
		}
		j.NextDue = now.Add(time.Duration(frac * float64(d)))
	} else {
		j.NextDue = now
	}
	j.Period = d
}

// ScalePeriod multiplies a job's period by factor (0.5 doubles the rate, 2
// halves it).
func (s *Scheduler) ScalePeriod(id string, factor float64) error {
	if factor <= 0 {
		return &Error{Op: "scale", JobID: id, Reason: "factor must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &Error{Op: "scale", JobID: id, Reason: "unknown job"}
	}
	if j.Period <= 0 {
		return &Error{Op: "scale", JobID: id, Reason: "job has no period"}
	}
	s.setPeriodLocked(j, time.Duration(float64(j.Period)*factor))
	return nil
}

// ScaleAll multiplies every job's period by factor.
func (s *Scheduler) ScaleAll(factor float64) error {
	if factor <= 0 {
		return &Error{Op: "scale-all", Reason: "factor must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Period > 0 {
			s.setPeriodLocked(j, time.Duration(float64(j.Period)*factor))
		}
	}
	return nil
}

// HalveRate doubles the period of one job.
func (s *Scheduler) HalveRate(id string) error { return s.ScalePeriod(id, 2) }

// DoubleRate halves the period of one job.
func (s *Scheduler) DoubleRate(id string) error { return s.ScalePeriod(id, 0.5) }

// HalveRateAll doubles every period.
func (s *Scheduler) HalveRateAll() error { return s.ScaleAll(2) }

// DoubleRateAll halves every period.
func (s *Scheduler) DoubleRateAll() error { return s.ScaleAll(0.5) }

// Jobs returns a snapshot of the job table sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
