package config

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/knadh/koanf/providers/file"
	"github.com/spf13/pflag"

	"github.com/conorfennell/knolsync/internal/fsrs"
)

// Settings is the live, reloadable subset of the configuration that review
// operations read on every call. It is safe for concurrent use.
type Settings struct {
	cur atomic.Pointer[settingsSnapshot]
}

type settingsSnapshot struct {
	weights   fsrs.Weights
	scheduler fsrs.Config
	startHour int
}

// NewSettings returns settings initialised from cfg.
func NewSettings(cfg Config) *Settings {
	s := &Settings{}
	s.Update(cfg)
	return s
}

// Update replaces the settings with those in cfg.
func (s *Settings) Update(cfg Config) {
	w := fsrs.DefaultWeights()
	if len(cfg.Scheduler.Weights) > 0 {
		w = slices.Clone(fsrs.Weights(cfg.Scheduler.Weights))
	}
	s.cur.Store(&settingsSnapshot{
		weights:   w,
		scheduler: cfg.Scheduler.Config,
		startHour: cfg.Day.StartHour,
	})
}

// Scheduler returns the FSRS weights and configuration.
func (s *Settings) Scheduler() (fsrs.Weights, fsrs.Config) {
	cur := s.cur.Load()
	return slices.Clone(cur.weights), cur.scheduler
}

// DayStartHour returns the hour logical days start at.
func (s *Settings) DayStartHour() int {
	return s.cur.Load().startHour
}

// Watch reloads the file at path whenever it changes and applies the result
// to settings. An invalid file is logged and ignored. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, flags *pflag.FlagSet, settings *Settings, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "config_watcher"), slog.String("path", path))

	fp := file.Provider(path)
	err := fp.Watch(func(_ any, err error) {
		if err != nil {
			logger.Warn("config watch error", "error", err)
			return
		}
		cfg, err := Load(path, flags)
		if err != nil {
			logger.Warn("ignoring invalid config change", "error", err)
			return
		}
		settings.Update(cfg)
		logger.Info("reloaded settings", "day_start_hour", cfg.Day.StartHour)
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	return fp.Unwatch()
}
