package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonize re-executes serve in the background without --daemonize and
// exits the parent.
func daemonize(pidFile string, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	proc, err := spawnDaemon(executable, daemonArgs(os.Args[1:]), pidFile, logFile)
	if err != nil {
		return err
	}
	fmt.Printf("Daemon started with PID %d\n", proc.Pid)
	os.Exit(0)
	return nil
}

// spawnDaemon starts name detached with output appended to logFile. The
// parent's copy of the log file is closed once the child holds it.
func spawnDaemon(name string, args []string, pidFile, logFile string) (*os.Process, error) {
	// #nosec G204
	cmd := exec.Command(name, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	var logF *os.File
	if logFile != "" {
		// #nosec G304
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logF = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	err := cmd.Start()
	if logF != nil {
		_ = logF.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, cmd.Process.Pid); err != nil {
			return nil, fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	return cmd.Process, nil
}

// daemonArgs drops --daemonize and --logfile from args. --pidfile is kept so
// the child removes the file on exit.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize", strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

func writePidFile(pidFile string, pid int) error {
	// #nosec G302
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
