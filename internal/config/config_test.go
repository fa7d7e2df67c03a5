package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/knolsync/internal/fsrs"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir(), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "knolsync.db"), cfg.Database)
	assert.Equal(t, filepath.Join(cfg.DataDir, "device_id"), cfg.DeviceFile)
	assert.Equal(t, 4, cfg.Day.StartHour)
	assert.Equal(t, 20, cfg.Day.NewLimit)
	assert.Equal(t, 0.9, cfg.Scheduler.DesiredRetention)
	assert.Equal(t, []time.Duration{time.Minute, 10 * time.Minute}, cfg.Scheduler.LearningSteps)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, uint64(5), cfg.Sync.Retry.MaxAttempts)
	assert.False(t, cfg.Sync.Enabled())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
data_dir: `+dir+`
log:
  level: debug
day:
  start_hour: 6
  new_limit: 5
scheduler:
  learning_steps: ["2m", "15m"]
sync:
  url: https://sync.example.com
  username: ana
  interval: 90s
  retry:
    max_attempts: 2
`)
	t.Setenv("KNOLSYNC_DAY__NEW_LIMIT", "7")
	t.Setenv("KNOLSYNC_SYNC__PASSWORD", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--username", "bob"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 6, cfg.Day.StartHour)
	assert.Equal(t, 7, cfg.Day.NewLimit)
	assert.Equal(t, []time.Duration{2 * time.Minute, 15 * time.Minute}, cfg.Scheduler.LearningSteps)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, uint64(2), cfg.Sync.Retry.MaxAttempts)
	assert.True(t, cfg.Sync.Enabled())

	eng := cfg.Sync.Engine()
	assert.Equal(t, "bob", eng.Credentials.Username)
	assert.Equal(t, "from-env", eng.Credentials.Password)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"start hour", "day:\n  start_hour: 24\n"},
		{"log level", "log:\n  level: loud\n"},
		{"retention", "scheduler:\n  desired_retention: 1.5\n"},
		{"weights", "scheduler:\n  weights: [1, 2, 3]\n"},
		{"timezone", "day:\n  timezone: Mars/Olympus\n"},
		{"both remotes", "sync:\n  url: https://a.example.com\n  git_url: /tmp/r.git\n"},
		{"git author", "sync:\n  git_url: /tmp/r.git\n"},
		{"retry delays", "sync:\n  retry:\n    initial_delay: 10s\n    max_delay: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestGitConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
data_dir: `+dir+`
sync:
  git_url: /srv/cards.git
  git_author_name: Ana
  git_author_email: ana@example.com
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	g := cfg.Git()
	assert.Equal(t, "/srv/cards.git", g.URL)
	assert.Equal(t, filepath.Join(dir, "remote"), g.Dir)
	assert.Equal(t, "main", g.Branch)
}

func TestSettings(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	s := NewSettings(cfg)
	w, sc := s.Scheduler()
	assert.Equal(t, fsrs.DefaultWeights(), w)
	assert.Equal(t, 0.9, sc.DesiredRetention)
	assert.Equal(t, 4, s.DayStartHour())

	w[0] = 99
	again, _ := s.Scheduler()
	assert.NotEqual(t, 99.0, again[0])

	cfg.Day.StartHour = 2
	s.Update(cfg)
	assert.Equal(t, 2, s.DayStartHour())
}

func TestWatchReloadsSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "data_dir: "+dir+"\nday:\n  start_hour: 3\n")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	settings := NewSettings(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, settings, nil) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("data_dir: "+dir+"\nday:\n  start_hour: 8\n"), 0o644)
		return settings.DayStartHour() == 8
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
