package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int // default: 50
}

// ViewLogs shows the service's recent logs with the platform's log tool.
func ViewLogs(opts LogOptions) error {
	name, args, err := logsCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logsCommand returns the command line that shows the logs on goos.
// Systemd services log to the journal; launchd services to the files named
// by kardianos/service.
func logsCommand(goos string, opts LogOptions) (string, []string, error) {
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
		return "journalctl", args, nil
	case "darwin":
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/usr/local/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/usr/local/var/log/%s.out.log", opts.ServiceName),
		)
		return "tail", args, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s; check the system event log for source %q", goos, opts.ServiceName)
	}
}
