package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/filemesh/filemesh/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the filemesh system service",
		Long: `Install, control, and manage the filemesh master as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo filemesh service install --config /etc/filemesh/master.yaml
  sudo filemesh service start
  sudo filemesh service status
  sudo filemesh service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: filemesh)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install filemesh as a system service",
		Long: `Install the filemesh master as a system service that starts at boot.
The service runs "filemesh serve" with the given --config.

Requires administrator/root privileges.`,
		Args: cobra.NoArgs,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the filemesh system service",
		Args:  cobra.NoArgs,
		RunE:  runServiceUninstall,
	})

	for _, action := range []struct{ name, short string }{
		{"start", "Start the filemesh service"},
		{"stop", "Stop the filemesh service"},
		{"restart", "Restart the filemesh service"},
	} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action.name,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceControl(cmd, action.name)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show filemesh service status",
		Args:  cobra.NoArgs,
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View filemesh service logs",
		Long: `View logs from the filemesh service.

Log locations by platform:
  - Linux:   journalctl -u filemesh
  - macOS:   launchd log files under /usr/local/var/log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: getServiceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() svc.ServiceConfig {
	configPath := cfgFile
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	return svc.ServiceConfig{
		Name:       serviceName,
		ConfigPath: configPath,
		UserName:   serviceUser,
	}.WithDefaults()
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or specify a different path with --config", cfg.ConfigPath)
	}

	log.Info().
		Str("name", cfg.Name).
		Str("config", cfg.ConfigPath).
		Msg("installing service")

	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed successfully.\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "\nTo start the service:\n")
	_, _ = fmt.Fprintf(out, "  filemesh service start --name %s\n", cfg.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Msg("uninstalling service")

	if err := svc.Uninstall(cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled successfully.\n", cfg.Name)
	return nil
}

func runServiceControl(cmd *cobra.Command, action string) error {
	setupLogging()

	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

	if err := svc.Control(cfg, action); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	out := cmd.OutOrStdout()

	status, err := svc.Status(cfg)
	if err != nil {
		// Service might not be installed
		_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
		_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
		_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Service: %s\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	_, _ = fmt.Fprintf(out, "Config:  %s\n", cfg.ConfigPath)
	return nil
}
