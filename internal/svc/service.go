// Package svc installs and runs the filemesh master as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service defaults.
const (
	DefaultName        = "filemesh"
	DefaultDisplayName = "filemesh master"
	DefaultDescription = "filemesh distributed file system master"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs the master until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - start the actual work in a goroutine.
func (p *Program) Start(s service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop is called when the service stops. It cancels the run and waits for it.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // Service name
	DisplayName string // Display name shown in service manager
	Description string // Service description
	ConfigPath  string // Path to configuration file
	UserName    string // User to run service as (Linux/macOS only)
}

// WithDefaults fills empty fields.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.DisplayName == "" {
		c.DisplayName = DefaultDisplayName
	}
	if c.Description == "" {
		c.Description = DefaultDescription
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath()
	}
	return c
}

// DefaultConfigPath returns the platform's default configuration file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "filemesh", "master.yaml")
	}
	return "/etc/filemesh/master.yaml"
}

// NewServiceConfig builds the service manager configuration. The service
// runs "serve --config <path>" behind RunFlag.
func NewServiceConfig(cfg ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{RunFlag, "serve", "--config", cfg.ConfigPath},
	}

	// Platform-specific options
	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

func newService(prg *Program, cfg ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An installed service is replaced only when
// force is set.
func Install(cfg ServiceConfig, force bool) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it runs and removes it.
func Uninstall(cfg ServiceConfig) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends action ("start", "stop" or "restart") to the service manager.
func Control(cfg ServiceConfig, action string) error {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg ServiceConfig) (service.Status, error) {
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == RunFlag {
			return true
		}
	}
	return false
}
