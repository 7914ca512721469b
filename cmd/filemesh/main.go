// filemesh is the master of a distributed file system built from slave
// storage nodes.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	socketPath string

	// Set by the service manager, see svc.RunFlag.
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filemesh",
		Short: "filemesh - distributed file system master",
		Long: `filemesh merges the file listings of many slave storage nodes into one
virtual tree, picks slaves for uploads and downloads, and replicates files
between slaves.

QUICK START:

  # Run the master
  filemesh serve --config /etc/filemesh/master.yaml

  # Replicate a file to two more slaves
  filemesh jobs add /pub/iso/debian.iso --copies 2

  # Watch the fleet
  filemesh slaves list
  filemesh jobs list

For more help on any command, use: filemesh <command> --help`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (default: control_socket from the config)")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newSlavesCmd())
	rootCmd.AddCommand(newRosterCmd())
	rootCmd.AddCommand(newSchedulerCmd())
	rootCmd.AddCommand(newTransfersCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newServiceCmd())

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "filemesh %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

// runAsService runs the master under the service manager. The arguments are
// the ones svc.NewServiceConfig installed.
func runAsService() {
	setupServiceLogging()
	logStartupBanner()

	configPath := ""
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	cfg := svc.ServiceConfig{ConfigPath: configPath}.WithDefaults()

	log.Info().Str("config", cfg.ConfigPath).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        runMaster,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging writes to a log file as well as stderr, since service
// managers do not always keep stderr. The configured level applies once the
// configuration is loaded.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := filepath.Join(os.TempDir(), "filemesh-service.log")
	if runtime.GOOS != "windows" {
		logPath = "/var/log/filemesh-service.log"
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// applyLogLevel sets the global level from the configuration. It returns
// false when level does not parse.
func applyLogLevel(level string) bool {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(l)
	return true
}

func logStartupBanner() {
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Str("go", runtime.Version()).
		Str("os_arch", runtime.GOOS+"/"+runtime.GOARCH).
		Msg("filemesh starting")
}

// resolveConfigPath returns --config, or the platform default when it
// exists.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := svc.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

// loadConfig loads the configuration file, or the defaults when there is
// none.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
