package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/knolsync/internal/fsrs"
	syncengine "github.com/conorfennell/knolsync/internal/sync"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: KNOLSYNC_SYNC__RETRY__MAX_ATTEMPTS.
const EnvPrefix = "KNOLSYNC_"

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"data-dir":   "data_dir",
	"database":   "database",
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-file":   "log.file",
	"sync-url":   "sync.url",
	"git-url":    "sync.git_url",
	"username":   "sync.username",
	"addr":       "server.addr",
}

// RegisterFlags adds the flags that override config keys to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("data-dir", "", "directory holding the database and device id")
	fs.String("database", "", "path of the SQLite database")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: json or text")
	fs.String("log-file", "", "write logs to this file instead of stderr")
	fs.String("sync-url", "", "URL of the knolsync server")
	fs.String("git-url", "", "URL of a git repository used as the sync remote")
	fs.String("username", "", "sync username")
	fs.String("addr", "", "listen address for serve")
}

// defaults is a koanf provider for the built-in settings.
type defaults map[string]any

func (d defaults) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaults provider does not support ReadBytes")
}

func (d defaults) Read() (map[string]any, error) {
	return maps.Unflatten(d, "."), nil
}

func builtin() defaults {
	s := syncengine.DefaultConfig()
	f := fsrs.DefaultConfig()
	return defaults{
		"data_dir":                    DefaultDataDir(),
		"log.level":                   "info",
		"log.format":                  "text",
		"log.max_size_mb":             20,
		"log.max_backups":             3,
		"log.max_age_days":            28,
		"scheduler.desired_retention": f.DesiredRetention,
		"scheduler.learning_steps":    f.LearningSteps,
		"scheduler.relearning_steps":  f.RelearningSteps,
		"scheduler.maximum_interval":  f.MaximumInterval,
		"scheduler.enable_fuzz":       true,
		"day.start_hour":              4,
		"day.learn_ahead":             20 * time.Minute,
		"day.new_limit":               20,
		"day.review_limit":            200,
		"sync.git_branch":             "main",
		"sync.interval":               s.Interval,
		"sync.call_timeout":           s.CallTimeout,
		"sync.push_batch_size":        s.PushBatchSize,
		"sync.apply_batch_size":       s.ApplyBatchSize,
		"sync.tombstone_retention":    s.TombstoneRetention,
		"sync.retry.max_attempts":     s.Retry.MaxAttempts,
		"sync.retry.initial_delay":    s.Retry.InitialDelay,
		"sync.retry.max_delay":        s.Retry.MaxDelay,
		"server.addr":                 ":8080",
		"server.token_ttl":            24 * time.Hour,
	}
}

// Load reads the configuration. path may be empty; a missing file at an
// explicit path is an error. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(builtin(), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, EnvPrefix)
		if key == "CONFIG" {
			return ""
		}
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PathFromEnv returns KNOLSYNC_CONFIG, falling back to config.yaml in the
// default data directory when that file exists.
func PathFromEnv() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	p := DefaultDataDir() + string(os.PathSeparator) + "config.yaml"
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
