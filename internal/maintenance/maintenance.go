// Package maintenance runs the periodic housekeeping jobs: store health
// checks, expired-key sweeps and notification inbox cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	JobStoreHealth         = "store-health"
	JobStoreSweep          = "store-sweep"
	JobNotificationCleanup = "notification-cleanup"

	DefaultJobTimeout = 30 * time.Second
)

var ErrUnknownJob = errors.New("unknown maintenance job")

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Store is the part of *ephemeral.Failover the jobs drive.
type Store interface {
	Ping(ctx context.Context) error
	Sweep(ctx context.Context) (int, error)
}

// Inboxes is satisfied by *notify.Dispatcher.
type Inboxes interface {
	Cleanup(ctx context.Context, userID string) (int, error)
}

// Users is satisfied by *hub.Registry.
type Users interface {
	AllOnlineUsers() []string
}

type Options struct {
	Store   Store
	Inboxes Inboxes
	Users   Users
	Logger  *slog.Logger
	Timeout time.Duration

	HealthSchedule  string
	SweepSchedule   string
	CleanupSchedule string
}

type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	jobs    map[string]func(context.Context) error

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// New registers a job for every schedule that has both a spec and the
// component it needs. Empty schedules disable their job.
func New(opts Options) (*Runner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	r := &Runner{
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		timeout: timeout,
		jobs:    map[string]func(context.Context) error{},
		lastRun: map[string]time.Time{},
	}

	if opts.Store != nil {
		if err := r.add(JobStoreHealth, opts.HealthSchedule, r.storeHealth(opts.Store)); err != nil {
			return nil, err
		}
		if err := r.add(JobStoreSweep, opts.SweepSchedule, r.storeSweep(opts.Store)); err != nil {
			return nil, err
		}
	}
	if opts.Inboxes != nil && opts.Users != nil {
		if err := r.add(JobNotificationCleanup, opts.CleanupSchedule, r.inboxCleanup(opts.Inboxes, opts.Users)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) add(name, spec string, job func(context.Context) error) error {
	if spec == "" {
		return nil
	}
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse %s schedule %q: %w", name, spec, err)
	}
	r.jobs[name] = job
	r.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := r.Run(context.Background(), name); err != nil {
			r.logger.Warn("maintenance job failed", "job", name, "error", err)
		}
	}))
	return nil
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Jobs lists the registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one job immediately under the job timeout.
func (r *Runner) Run(ctx context.Context, name string) error {
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := job(ctx)
	r.mu.Lock()
	r.lastRun[name] = time.Now().UTC()
	r.mu.Unlock()
	return err
}

func (r *Runner) LastRun(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.lastRun[name]
	return at, ok
}

func (r *Runner) storeHealth(store Store) func(context.Context) error {
	return func(ctx context.Context) error {
		return store.Ping(ctx)
	}
}

func (r *Runner) storeSweep(store Store) func(context.Context) error {
	return func(ctx context.Context) error {
		removed, err := store.Sweep(ctx)
		if removed > 0 {
			r.logger.Debug("swept expired keys", "removed", removed)
		}
		return err
	}
}

// inboxCleanup only visits online users; offline inboxes age out through
// the store ttl.
func (r *Runner) inboxCleanup(inboxes Inboxes, users Users) func(context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		total := 0
		for _, userID := range users.AllOnlineUsers() {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			removed, err := inboxes.Cleanup(ctx, userID)
			if err != nil {
				errs = append(errs, fmt.Errorf("cleanup %s: %w", userID, err))
				continue
			}
			total += removed
		}
		if total > 0 {
			r.logger.Debug("cleaned notification inboxes", "removed", total)
		}
		return errors.Join(errs...)
	}
}
