package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/casmesh/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the casmesh system service",
		Long: `Install, control, and manage a casmesh node as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install the node service
  sudo casmesh service install --config /etc/casmesh/casmesh.yaml

  # Control the service
  sudo casmesh service start
  sudo casmesh service stop
  sudo casmesh service status

  # View logs
  sudo casmesh service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install casmesh as a system service",
		Long: `Install casmesh as a system service that starts automatically at boot.

The shared secret is taken from ` + svc.EnvSharedSecret + ` when set and
passed to the service environment.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	for _, action := range []struct{ use, short string }{
		{"uninstall", "Remove the casmesh system service"},
		{"start", "Start the casmesh service"},
		{"stop", "Stop the casmesh service"},
		{"restart", "Restart the casmesh service"},
	} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServiceAction(action.use)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show casmesh service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View casmesh service logs",
		Long: `View logs from the casmesh service.

Log locations by platform:
  - Linux:   journalctl -u casmesh
  - macOS:   /var/log/casmesh.{out,err}.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	// run is what the service manager invokes.
	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the node under the service manager",
		Hidden: true,
		RunE:   runServiceRun,
	}
	runCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	serviceCmd.AddCommand(runCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "Service name (default: casmesh)")

	return serviceCmd
}

func getServiceConfig() svc.Config {
	name := serviceName
	if name == "" {
		name = svc.DefaultName
	}
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return svc.Config{
		Name:         name,
		DisplayName:  svc.DefaultDisplayName,
		Description:  svc.DefaultDescription,
		ConfigPath:   configPath,
		UserName:     serviceUser,
		SharedSecret: os.Getenv(svc.EnvSharedSecret),
	}
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
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
		Bool("shared_secret", cfg.SharedSecret != "").
		Msg("installing service")

	if err := svc.Control(cfg, "install", forceInstall); err != nil {
		return err
	}

	fmt.Printf("Service %q installed successfully.\n", cfg.Name)
	fmt.Printf("\nTo start the service:\n")
	fmt.Printf("  casmesh service start --name %s\n", cfg.Name)
	fmt.Printf("\nTo view logs:\n")
	fmt.Printf("  casmesh service logs --name %s\n", cfg.Name)

	return nil
}

func runServiceAction(action string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}

	cfg := getServiceConfig()
	log.Info().Str("name", cfg.Name).Str("action", action).Msg("controlling service")

	if err := svc.Control(cfg, action, false); err != nil {
		return err
	}

	fmt.Printf("Service %q: %s done.\n", cfg.Name, action)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	status, err := svc.Status(cfg)
	if err != nil {
		// Service might not be installed
		fmt.Printf("Service: %s\n", cfg.Name)
		fmt.Printf("Status:  not installed or unknown\n")
		fmt.Printf("Error:   %v\n", err)
		return nil
	}

	fmt.Printf("Service: %s\n", cfg.Name)
	fmt.Printf("Status:  %s\n", svc.StatusString(status))
	fmt.Printf("Config:  %s\n", cfg.ConfigPath)

	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()

	return svc.ViewLogs(svc.LogOptions{
		ServiceName: cfg.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func runServiceRun(cmd *cobra.Command, args []string) error {
	cfg := getServiceConfig()
	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        runNodeFromConfig,
	}
	return svc.Run(prg, cfg)
}
