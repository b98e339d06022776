package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the platform command that shows the service's logs.
func LogCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd services log to files in /var/log/
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName))
		return exec.Command("tail", args...), nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | "+
				"Sort-Object TimeCreated | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.ServiceName, opts.Lines)
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs shows the service's logs on the terminal.
func ViewLogs(opts LogOptions) error {
	cmd, err := LogCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
