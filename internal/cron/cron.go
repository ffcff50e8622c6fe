// Package cron runs periodic maintenance jobs, such as tenant summary
// aggregation, on standard cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const maxRunHistory = 50

// JobFunc is the work a job does on each tick.
type JobFunc func(ctx context.Context) error

// RunRecord tracks one job execution.
type RunRecord struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

type job struct {
	spec  string
	fn    JobFunc
	entry cron.EntryID
}

// Runner owns a cron instance. Jobs can be replaced while running, which is
// how config hot reloads move the tenant summary schedule.
type Runner struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]*job
	runs   []RunRecord
	ctx    context.Context
	logger *slog.Logger
}

func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cl := slogAdapter{logger: logger}
	return &Runner{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Set schedules fn under name, replacing any job of that name. An empty spec
// removes the job.
func (r *Runner) Set(name, spec string, fn JobFunc) error {
	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.jobs[name]; ok {
		if old.spec == spec && spec != "" {
			old.fn = fn
			return nil
		}
		r.cron.Remove(old.entry)
		delete(r.jobs, name)
	}
	if spec == "" {
		r.logger.Info("cron job removed", "job", name)
		return nil
	}

	j := &job{spec: spec, fn: fn}
	j.entry = r.cron.Schedule(sched, cron.FuncJob(func() { r.execute(name) }))
	r.jobs[name] = j
	r.logger.Info("cron job scheduled", "job", name, "schedule", spec)
	return nil
}

// Start begins firing jobs. ctx is handed to every run and Stop is called
// when it is done.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	n := len(r.jobs)
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info("cron runner started", "jobs", n)
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Trigger runs a job now, outside its schedule.
func (r *Runner) Trigger(name string) error {
	r.mu.Lock()
	_, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %q not found", name)
	}
	return r.execute(name)
}

func (r *Runner) execute(name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	ctx := r.ctx
	var fn JobFunc
	if ok {
		fn = j.fn
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	start := time.Now()
	err := fn(ctx)
	rec := RunRecord{Job: name, StartedAt: start, Duration: time.Since(start), Success: err == nil}
	if err != nil {
		rec.Error = err.Error()
		r.logger.Warn("cron job failed", "job", name, "err", err)
	} else {
		r.logger.Debug("cron job done", "job", name, "duration_ms", rec.Duration.Milliseconds())
	}

	r.mu.Lock()
	r.runs = append(r.runs, rec)
	if len(r.runs) > maxRunHistory {
		r.runs = r.runs[len(r.runs)-maxRunHistory:]
	}
	r.mu.Unlock()
	return err
}

// Jobs lists scheduled job names with their next fire time.
func (r *Runner) Jobs() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.jobs))
	for name, j := range r.jobs {
		out[name] = r.cron.Entry(j.entry).Next
	}
	return out
}

// Runs returns recent executions, newest last.
func (r *Runner) Runs() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]RunRecord(nil), r.runs...)
	sort.SliceStable(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
