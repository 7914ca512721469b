package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/filemesh/filemesh/internal/admin"
	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/control"
	"github.com/filemesh/filemesh/internal/logging/audit"
	"github.com/filemesh/filemesh/internal/master"
	"github.com/filemesh/filemesh/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// logLevelSet is true when --log-level was given; it then wins over the
// configured level.
var logLevelSet bool

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the master",
		Long: `Run the master: connect to the roster slaves, merge their listings,
serve the admin HTTP interface and the control socket, and schedule
replication.

Signals:
  SIGHUP           re-read the roster
  SIGINT, SIGTERM  shut down, writing a final tree snapshot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			logStartupBanner()
			logLevelSet = cmd.Flags().Changed("log-level")

			configPath := resolveConfigPath()
			if configPath == "" {
				return errors.New("config file required (use --config)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMaster(ctx, configPath)
		},
	}
}

// runMaster runs a master from configPath until ctx is cancelled.
func runMaster(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !logLevelSet && applyLogLevel(cfg.LogLevel) {
		log.Debug().Str("level", cfg.LogLevel).Msg("log level configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	m, err := master.New(cfg, master.Options{
		Registerer: metrics.Registry,
		ConfigPath: configPath,
		Log:        log.Logger,
		Audit:      audit.NewLogger(log.Logger),
	})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(m, log.Logger)
		if err := adminServer.Start(cfg.Admin.Listen); err != nil {
			_ = m.Stop()
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	ctl := control.NewServer(cfg.ControlSocket, m, log.Logger)
	if err := ctl.Start(); err != nil {
		log.Warn().Err(err).Msg("control socket unavailable")
		ctl = nil
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if res, err := m.Reload(master.SourceSignal); err != nil {
				log.Error().Err(err).Msg("roster reload failed")
			} else {
				log.Info().
					Strs("added", res.Added).
					Strs("removed", res.Removed).
					Strs("updated", res.Updated).
					Msg("roster reloaded")
			}
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			if ctl != nil {
				_ = ctl.Stop()
			}
			if adminServer != nil {
				_ = adminServer.Stop()
			}
			return m.Stop()
		}
	}
}
