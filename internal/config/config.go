// Package config loads knolsync settings from defaults, a YAML file,
// KNOLSYNC_ environment variables and command-line flags, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/knolsync/internal/fsrs"
	"github.com/conorfennell/knolsync/internal/logger"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/remote/gitremote"
	"github.com/conorfennell/knolsync/internal/review"
	"github.com/conorfennell/knolsync/internal/server"
	syncengine "github.com/conorfennell/knolsync/internal/sync"
)

// Config holds all application configuration.
type Config struct {
	DataDir    string `koanf:"data_dir" validate:"required"`
	Database   string `koanf:"database"`
	DeviceFile string `koanf:"device_file"`

	Log       logger.Config   `koanf:"log"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Day       DayConfig       `koanf:"day"`
	Sync      SyncConfig      `koanf:"sync"`
	Server    server.Config   `koanf:"server"`
}

// SchedulerConfig is the FSRS configuration. An empty weight list selects the
// default weights.
type SchedulerConfig struct {
	fsrs.Config `koanf:",squash"`
	Weights     []float64 `koanf:"weights"`
}

// DayConfig controls logical days and the daily queue.
type DayConfig struct {
	StartHour   int           `koanf:"start_hour" validate:"gte=0,lte=23"`
	Timezone    string        `koanf:"timezone"`
	LearnAhead  time.Duration `koanf:"learn_ahead" validate:"gte=0"`
	NewLimit    int           `koanf:"new_limit" validate:"gte=0"`
	ReviewLimit int           `koanf:"review_limit" validate:"gte=0"`
}

// SyncConfig selects the remote and tunes the sync engine. At most one of URL
// and GitURL may be set; with neither, sync is disabled.
type SyncConfig struct {
	URL            string `koanf:"url" validate:"omitempty,url,excluded_with=GitURL"`
	GitURL         string `koanf:"git_url"`
	GitDir         string `koanf:"git_dir"`
	GitBranch      string `koanf:"git_branch"`
	GitAuthorName  string `koanf:"git_author_name"`
	GitAuthorEmail string `koanf:"git_author_email" validate:"omitempty,email"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`

	syncengine.Config `koanf:",squash"`
}

// Enabled reports whether a remote is configured.
func (s SyncConfig) Enabled() bool {
	return s.URL != "" || s.GitURL != ""
}

// Engine returns the engine configuration with the credentials filled in.
func (s SyncConfig) Engine() syncengine.Config {
	cfg := s.Config
	cfg.Credentials = remote.Credentials{Username: s.Username, Password: s.Password}
	return cfg
}

// Git returns the git remote configuration rooted under dataDir.
func (c Config) Git() gitremote.Config {
	dir := c.Sync.GitDir
	if dir == "" {
		dir = filepath.Join(c.DataDir, "remote")
	}
	return gitremote.Config{
		URL:         c.Sync.GitURL,
		Dir:         dir,
		Branch:      c.Sync.GitBranch,
		AuthorName:  c.Sync.GitAuthorName,
		AuthorEmail: c.Sync.GitAuthorEmail,
	}
}

// Limits returns the daily queue limits.
func (d DayConfig) Limits() review.Limits {
	return review.Limits{New: d.NewLimit, Review: d.ReviewLimit}
}

// Location resolves Timezone. Empty means the local zone.
func (d DayConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid day.timezone: %w", err)
	}
	return loc, nil
}

// DefaultDataDir is ~/.knolsync, or .knolsync when there is no home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".knolsync"
	}
	return filepath.Join(home, ".knolsync")
}

// resolvePaths fills in the file locations derived from DataDir.
func (c *Config) resolvePaths() {
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "knolsync.db")
	}
	if c.DeviceFile == "" {
		c.DeviceFile = filepath.Join(c.DataDir, "device_id")
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the settings validator cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Scheduler.Weights) > 0 {
		if err := fsrs.Weights(c.Scheduler.Weights).Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if r := c.Scheduler.DesiredRetention; r != 0 && (r <= 0 || r > 1) {
		return errors.New("invalid config: scheduler.desired_retention must be in (0, 1]")
	}
	if _, err := c.Day.Location(); err != nil {
		return err
	}
	if c.Sync.GitURL != "" && (c.Sync.GitAuthorName == "" || c.Sync.GitAuthorEmail == "") {
		return errors.New("invalid config: sync.git_author_name and sync.git_author_email are required with sync.git_url")
	}
	return nil
}
