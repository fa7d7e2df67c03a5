// Package sync reconciles the local card store with a shared remote.
//
// A cycle authenticates, pulls remote records newer than the last seen remote
// revision, merges them into the store, pushes a snapshot of the pending
// change log and finally consumes exactly that snapshot. Concurrent requests
// share one in-flight cycle.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/store"
)

var (
	// ErrConflictUnresolved is returned when a first sync finds cards on both
	// sides. It is never resolved automatically; see ResolveFirstSync.
	ErrConflictUnresolved = errors.New("first sync conflict requires an explicit choice")

	// ErrSyncCancelled is returned when a cycle is cancelled between phases
	// or the user cancels a first sync.
	ErrSyncCancelled = errors.New("sync cancelled")
)

// State is the phase the engine is in.
type State int32

const (
	Idle State = iota
	Connecting
	Pulling
	Applying
	Pushing
	Finalizing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Pulling:
		return "pulling"
	case Applying:
		return "applying"
	case Pushing:
		return "pushing"
	case Finalizing:
		return "finalizing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes a completed cycle.
type Result = domain.SyncReport

// FirstSyncStatus describes the local and remote datasets before the first
// sync. Counts include live cards only.
type FirstSyncStatus struct {
	IsFirstSync bool
	HasConflict bool
	LocalCount  int
	RemoteCount int
}

// Options configures an Engine.
type Options struct {
	Bus    *events.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine drives sync cycles for one store.
type Engine struct {
	store  store.SyncStore
	remote remote.Remote
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	state   atomic.Int32
	loops   atomic.Int32 // active Run loops
	flight  singleflight.Group
	cycleMu gosync.Mutex
	trigger chan struct{}
}

// New creates an engine. cfg is validated and defaults are filled in.
func New(st store.SyncStore, r remote.Remote, cfg Config, opts Options) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   st,
		remote:  r,
		cfg:     cfg,
		bus:     opts.Bus,
		logger:  opts.Logger.With(slog.String("component", "sync_engine"), slog.String("device_id", st.DeviceID())),
		now:     opts.Now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// State returns the current phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Sync runs one incremental cycle. A call made while a cycle is in flight
// waits for that cycle and returns its result.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	v, err, shared := e.flight.Do("sync", func() (any, error) {
		return e.runCycle(ctx)
	})
	if shared {
		e.logger.Debug("joined in-flight sync cycle")
	}
	res, _ := v.(Result)
	return res, err
}

// CheckFirstSyncStatus reports whether the store has never synced and, if so,
// whether both sides already hold cards.
func (e *Engine) CheckFirstSyncStatus(ctx context.Context) (FirstSyncStatus, error) {
	meta, err := e.store.Metadata(ctx)
	if err != nil {
		return FirstSyncStatus{}, err
	}
	local, err := e.store.Count(ctx, false)
	if err != nil {
		return FirstSyncStatus{}, err
	}
	sess, err := e.authenticate(ctx)
	if err != nil {
		return FirstSyncStatus{}, err
	}
	records, err := e.pull(ctx, sess, 0)
	if err != nil {
		return FirstSyncStatus{}, err
	}

	st := FirstSyncStatus{
		IsFirstSync: meta.IsFirstSync(),
		LocalCount:  local,
		RemoteCount: liveRecords(records),
	}
	st.HasConflict = st.IsFirstSync && st.LocalCount > 0 && st.RemoteCount > 0
	return st, nil
}

// Choice is the user's answer to a first sync conflict. It is one of
// ChoiceUpload, ChoiceDownload or ChoiceCancel.
type Choice interface {
	choice()
}

// ChoiceUpload keeps the local cards and replaces the remote dataset.
type ChoiceUpload struct{}

// ChoiceDownload keeps the remote cards and replaces the local dataset.
type ChoiceDownload struct{}

// ChoiceCancel leaves both sides untouched.
type ChoiceCancel struct{}

func (ChoiceUpload) choice()   {}
func (ChoiceDownload) choice() {}
func (ChoiceCancel) choice()   {}

// ResolveFirstSync applies the user's choice for a first sync conflict.
func (e *Engine) ResolveFirstSync(ctx context.Context, c Choice) (Result, error) {
	switch c.(type) {
	case ChoiceUpload:
		return e.ForceReplace(ctx)
	case ChoiceDownload:
		return e.ForcePull(ctx)
	case ChoiceCancel:
		e.logger.Info("first sync cancelled by user")
		return Result{}, ErrSyncCancelled
	default:
		return Result{}, fmt.Errorf("unknown first sync choice %T", c)
	}
}

// Trigger asks a running Run loop for an immediate cycle. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs every cfg.Interval and whenever Trigger is called, until ctx is
// done. Failures are reported through sync:failed events only.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.Interval <= 0 {
		return errors.New("sync interval must be positive to run in the background")
	}
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	e.loops.Add(1)
	defer e.loops.Add(-1)

	e.logger.Info("background sync started", "interval", e.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("background sync stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		if _, err := e.Sync(ctx); err != nil {
			e.logger.Debug("background sync cycle failed", "error", err)
		}
	}
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %w", ErrSyncCancelled, s, err)
	}
	e.setState(s)
	e.publish(ctx, events.SyncProgress, events.ProgressPayload{Phase: s.String()})
	return nil
}

func (e *Engine) publish(ctx context.Context, topic events.Topic, payload any) {
	if err := e.bus.Publish(context.WithoutCancel(ctx), topic, payload); err != nil {
		e.logger.Warn("sync event handler failed", "topic", topic, "error", err)
	}
}

func (e *Engine) fail(ctx context.Context, err error) {
	phase := e.State()
	e.setState(Failed)

	var retryIn *time.Duration
	// Only a running loop will try again on its own.
	if remote.IsRetryable(err) && e.loops.Load() > 0 {
		d := e.cfg.Interval
		retryIn = &d
	}
	e.logger.Error("sync failed", "phase", phase, "error", err, "retry_in", retryIn)
	e.publish(ctx, events.SyncFailed, events.FailedPayload{Err: err, Phase: phase.String(), RetryIn: retryIn})
}

func (e *Engine) succeed(ctx context.Context, res Result) {
	e.setState(Idle)
	e.logger.Info("sync completed",
		"pulled", res.Pulled,
		"applied", res.Applied,
		"conflicts", res.Conflicts,
		"pushed", res.Pushed,
		"rejected", res.Rejected,
		"purged", res.Purged,
		"duration", res.Duration)
	e.publish(ctx, events.SyncCompleted, events.CompletedPayload{Report: res})
}

func liveRecords(records []remote.Record) int {
	n := 0
	for _, r := range records {
		if !r.Card.IsDeleted() {
			n++
		}
	}
	return n
}
