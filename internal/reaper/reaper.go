// Package reaper recovers tasks whose lease expired without a terminal op.
// Each sweep walks the active projects and puts every expired running task
// through the same requeue-or-fail transition the fetch path uses, so a
// crashed agent's work becomes available again (or goes terminal when its
// retry budget is spent).
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

const (
	defaultInterval     = time.Minute
	maxConcurrentSweeps = 4
)

// Options carries the reaper's dependencies. Clock, logger, and metrics are
// injected; nil Metrics disables recording.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	return o
}

// Reaper sweeps projects for expired leases.
type Reaper struct {
	store    storage.Store
	clk      clock.Clock
	log      *slog.Logger
	met      *metrics.Metrics
	interval time.Duration
}

func New(store storage.Store, opts Options) *Reaper {
	opts = opts.withDefaults()
	return &Reaper{
		store:    store,
		clk:      opts.Clock,
		log:      opts.Logger,
		met:      opts.Metrics,
		interval: opts.Interval,
	}
}

// SweepResult reports reclaimed tasks and the distinct agents left with no
// running work after their tasks were reclaimed.
type SweepResult struct {
	ReclaimedTasks int `json:"reclaimed_tasks"`
	CleanedAgents  int `json:"cleaned_agents"`
}

// SweepProject reclaims every expired task in one project. Per-task errors
// are logged and the sweep moves on; an error return means the project
// itself could not be swept.
func (r *Reaper) SweepProject(ctx context.Context, projectID string) (*SweepResult, error) {
	now := r.clk.Now().UTC()
	expired, err := r.store.ListExpiredTasks(ctx, projectID, now)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{}
	agents := make(map[string]struct{})
	for _, task := range expired {
		reaped, err := r.store.ReapTask(ctx, storage.ReapInput{TaskID: task.ID, Now: now})
		if err != nil {
			r.log.Error("reap failed", "task_id", task.ID, "project_id", projectID, "error", err)
			continue
		}
		if reaped == nil {
			// A concurrent fetch got there first.
			continue
		}
		res.ReclaimedTasks++
		r.met.IncTaskEvent(metrics.EventReclaimed)
		if task.AssignedTo != "" {
			agents[task.AssignedTo] = struct{}{}
		}
		r.log.Info("task reclaimed",
			"task_id", task.ID, "project_id", projectID,
			"agent", task.AssignedTo, "status", reaped.Status, "retry_count", reaped.RetryCount)
	}

	for agent := range agents {
		remaining, err := r.store.ListTasks(ctx, projectID, storage.TaskFilter{
			Status:     models.TaskStatusRunning,
			AssignedTo: agent,
		})
		if err != nil {
			r.log.Error("agent check failed", "agent", agent, "project_id", projectID, "error", err)
			continue
		}
		if len(remaining) == 0 {
			res.CleanedAgents++
		}
	}
	return res, nil
}

// Sweep runs one pass over every active project. Project failures are logged
// and never abort the pass.
func (r *Reaper) Sweep(ctx context.Context) (*SweepResult, error) {
	start := r.clk.Now()
	projects, err := r.store.ListProjects(ctx, false)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		total SweepResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSweeps)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			res, err := r.SweepProject(gctx, p.ID)
			if err != nil {
				r.log.Error("project sweep failed", "project_id", p.ID, "error", err)
				return nil
			}
			mu.Lock()
			total.ReclaimedTasks += res.ReclaimedTasks
			total.CleanedAgents += res.CleanedAgents
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	running := 0
	for _, p := range projects {
		stats, err := r.store.ProjectStats(ctx, p.ID)
		if err != nil {
			continue
		}
		running += stats.Running
	}
	r.met.SetActiveLeases(running)
	r.met.ObserveSweep(r.clk.Now().Sub(start))
	r.met.AddReclaimed(total.ReclaimedTasks)
	r.met.AddCleanedAgents(total.CleanedAgents)

	if total.ReclaimedTasks > 0 {
		r.log.Info("sweep reclaimed work",
			"reclaimed_tasks", total.ReclaimedTasks, "cleaned_agents", total.CleanedAgents)
	}
	return &total, nil
}

// Run sweeps on the configured interval until ctx is done. Sweep errors are
// logged; the loop never stops on them.
func (r *Reaper) Run(ctx context.Context) error {
	timer := r.clk.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", "error", err)
			}
			timer.Reset(r.interval)
		}
	}
}
