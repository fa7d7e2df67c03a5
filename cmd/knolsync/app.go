package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/conorfennell/knolsync/internal/config"
	"github.com/conorfennell/knolsync/internal/device"
	"github.com/conorfennell/knolsync/internal/events"
	"github.com/conorfennell/knolsync/internal/logger"
	"github.com/conorfennell/knolsync/internal/remote"
	"github.com/conorfennell/knolsync/internal/remote/gitremote"
	"github.com/conorfennell/knolsync/internal/remote/httpremote"
	"github.com/conorfennell/knolsync/internal/review"
	"github.com/conorfennell/knolsync/internal/storage"
	syncengine "github.com/conorfennell/knolsync/internal/sync"
)

var errSyncDisabled = errors.New("no remote configured; set sync.url or sync.git_url")

// app holds the dependencies of one command invocation.
type app struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	logCloser  io.Closer
	bus        *events.Bus
	db         *storage.DB
	settings   *config.Settings
	review     *review.Service
}

func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path, cmd.Flags())
	return cfg, path, err
}

// openApp loads the configuration, sets up logging and opens the card
// store of this device.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	id, err := device.LoadOrCreate(cfg.DeviceFile)
	if err != nil {
		closer.Close()
		return nil, err
	}

	bus := events.NewBus(log)
	db, err := storage.Open(cmd.Context(), cfg.Database, storage.Options{
		DeviceID: id.ID,
		Bus:      bus,
		Logger:   log,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}

	loc, err := cfg.Day.Location()
	if err != nil {
		db.Close()
		closer.Close()
		return nil, err
	}
	settings := config.NewSettings(cfg)
	svc := review.NewService(db, settings, review.Options{
		Location:   loc,
		LearnAhead: cfg.Day.LearnAhead,
		Logger:     log,
	})

	return &app{
		cfg:        cfg,
		configPath: path,
		logger:     log,
		logCloser:  closer,
		bus:        bus,
		db:         db,
		settings:   settings,
		review:     svc,
	}, nil
}

func (a *app) Close() error {
	err := errors.Join(a.bus.Close(), a.db.Close())
	return errors.Join(err, a.logCloser.Close())
}

// remote builds the configured sync remote.
func (a *app) remote() (remote.Remote, error) {
	switch {
	case a.cfg.Sync.URL != "":
		return httpremote.New(a.cfg.Sync.URL, httpremote.WithLogger(a.logger))
	case a.cfg.Sync.GitURL != "":
		return gitremote.New(a.cfg.Git(), a.logger)
	default:
		return nil, errSyncDisabled
	}
}

func (a *app) engine() (*syncengine.Engine, error) {
	r, err := a.remote()
	if err != nil {
		return nil, err
	}
	return syncengine.New(a.db, r, a.cfg.Sync.Engine(), syncengine.Options{
		Bus:    a.bus,
		Logger: a.logger,
	})
}

// withApp wraps a RunE body with openApp and Close.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}
