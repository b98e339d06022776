// Package svc installs and runs a casmesh node as a system service.
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

// Default service identity.
const (
	DefaultName        = "casmesh"
	DefaultDisplayName = "casmesh Content Node"
	DefaultDescription = "Distributed content-addressable build cache node"
)

// EnvSharedSecret passes the fleet secret to the service without putting it
// on the command line.
const EnvSharedSecret = "CASMESH_SHARED_SECRET"

// RunFunc runs a node until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(_ service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the node and waits for it to shut down.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config holds configuration for service installation.
type Config struct {
	Name         string
	DisplayName  string
	Description  string
	ConfigPath   string
	UserName     string // Linux/macOS only
	SharedSecret string // exported as EnvSharedSecret
}

func (c *Config) applyDefaults() {
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
}

// DefaultConfigPath returns the platform's default config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "casmesh", "casmesh.yaml")
	}
	return "/etc/casmesh/casmesh.yaml"
}

// ServiceConfig builds the service manager configuration. The service runs
// "casmesh service run --config <path>".
func ServiceConfig(cfg Config) *service.Config {
	cfg.applyDefaults()

	env := make(map[string]string)
	if cfg.SharedSecret != "" {
		env[EnvSharedSecret] = cfg.SharedSecret
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"service", "run", "--config", cfg.ConfigPath},
		EnvVars:     env,
	}

	// Platform-specific options
	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
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

// New creates a service bound to prg.
func New(prg *Program, cfg Config) (service.Service, error) {
	return service.New(prg, ServiceConfig(cfg))
}

// Control runs a service manager action: install, uninstall, start, stop
// or restart. Install refuses to replace an existing service unless force
// is set.
func Control(cfg Config, action string, force bool) error {
	switch action {
	case "install", "uninstall", "start", "stop", "restart":
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	cfg.applyDefaults()
	s, err := New(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	switch action {
	case "install":
		if status, err := s.Status(); err == nil && status != service.StatusUnknown {
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if status == service.StatusRunning {
				if err := s.Stop(); err != nil {
					log.Warn().Err(err).Msg("Failed to stop service")
				}
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("Failed to uninstall service")
			}
		}
		err = s.Install()
	case "uninstall":
		if status, _ := s.Status(); status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		err = s.Uninstall()
	case "start":
		err = s.Start()
	case "stop":
		err = s.Stop()
	case "restart":
		err = s.Restart()
	}
	if err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg Config) (service.Status, error) {
	s, err := New(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
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

// Run runs prg under the service manager, or in the foreground when started
// interactively.
func Run(prg *Program, cfg Config) error {
	cfg.ConfigPath = prg.ConfigPath
	s, err := New(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges checks if the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install fails with a clear error when not elevated.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
