// Package janitor runs periodic housekeeping for the gateway's in-memory
// state: dropping stale signing keys from the key cache and forgetting idle
// clients in the in-process rate limiter.
//
// A [Janitor] moves through a small state machine:
//
//	Idle -> Running -> Stopped
//
// Tasks are registered while Idle. Stop waits for any sweep in progress.
package janitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/ratelimit"
)

// Default schedules, in robfig/cron syntax.
const (
	DefaultKeyCacheSchedule = "@every 5m"
	DefaultLimiterSchedule  = "@every 1m"
)

// State is the janitor's position in its lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// String returns the state name.
func (s State) String() string { return string(s) }

// SweepFunc removes stale entries and returns how many it removed.
type SweepFunc func() int

// Config holds task schedules.
type Config struct {
	KeyCacheSchedule string `json:"key_cache_schedule" yaml:"key_cache_schedule" env:"JANITOR_KEY_CACHE_SCHEDULE" envDefault:"@every 5m"`
	LimiterSchedule  string `json:"limiter_schedule" yaml:"limiter_schedule" env:"JANITOR_LIMITER_SCHEDULE" envDefault:"@every 1m"`
}

type task struct {
	name  string
	sweep SweepFunc
}

// Janitor schedules sweep tasks on a cron runner.
type Janitor struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu    sync.Mutex
	state State
	tasks []task
}

// New returns an idle janitor. A nil logger uses [slog.Default].
func New(logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cron:   cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		state:  StateIdle,
	}
}

// Add schedules sweep under name. It fails on an unparsable schedule or if
// the janitor has already started.
func (j *Janitor) Add(name, schedule string, sweep SweepFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StateIdle {
		return sserr.Newf(sserr.CodeInternal, "janitor: cannot add task %s while %s", name, j.state)
	}
	t := task{name: name, sweep: sweep}
	if _, err := j.cron.AddFunc(schedule, func() { j.run(t) }); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "janitor: invalid schedule %q for %s", schedule, name)
	}
	j.tasks = append(j.tasks, t)
	return nil
}

// AddKeyCache schedules [auth.KeyCache.CleanupExpired].
func (j *Janitor) AddKeyCache(schedule string, cache *auth.KeyCache) error {
	return j.Add("key_cache", schedule, cache.CleanupExpired)
}

// AddLimiter schedules [ratelimit.SlidingWindow.Sweep].
func (j *Janitor) AddLimiter(schedule string, sw *ratelimit.SlidingWindow) error {
	return j.Add("rate_limiter", schedule, sw.Sweep)
}

// Start begins running tasks on their schedules.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StateIdle {
		return sserr.Newf(sserr.CodeInternal, "janitor: cannot start while %s", j.state)
	}
	j.cron.Start()
	j.state = StateRunning
	j.logger.InfoContext(ctx, "janitor: started", "tasks", len(j.tasks))
	return nil
}

// Stop halts scheduling and waits for running sweeps to finish or ctx to
// end. Stopping a janitor that is not running is a no-op.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return nil
	}
	j.state = StateStopped
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.InfoContext(ctx, "janitor: stopped")
		return nil
	case <-ctx.Done():
		return sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "janitor: stop timed out waiting for running sweeps")
	}
}

// RunNow runs every task once, synchronously, and returns the total
// number of entries removed.
func (j *Janitor) RunNow() int {
	j.mu.Lock()
	tasks := append([]task(nil), j.tasks...)
	j.mu.Unlock()

	total := 0
	for _, t := range tasks {
		total += j.run(t)
	}
	return total
}

// State returns the current state.
func (j *Janitor) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Janitor) run(t task) int {
	removed := t.sweep()
	if removed > 0 {
		j.logger.Debug("janitor: sweep removed entries", "task", t.name, "removed", removed)
	}
	return removed
}
