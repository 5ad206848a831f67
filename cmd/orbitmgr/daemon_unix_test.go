//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestSpawnDaemonWritesLogAndPid(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "daemon.log")
	pidFile := filepath.Join(dir, "daemon.pid")

	proc, err := spawnDaemon("/bin/sh", []string{"-c", "echo started"}, pidFile, logFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	b, err := os.ReadFile(pidFile)
	if err != nil || string(b) != strconv.Itoa(proc.Pid) {
		t.Fatalf("pid file = %q, %v", b, err)
	}
	out, err := os.ReadFile(logFile)
	if err != nil || strings.TrimSpace(string(out)) != "started" {
		t.Fatalf("log = %q, %v", out, err)
	}
}

func TestSpawnDaemonBadLogFile(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "missing", "daemon.log")
	if _, err := spawnDaemon("/bin/sh", []string{"-c", "true"}, "", bad); err == nil {
		t.Fatal("expected error for unwritable log file")
	}
}

func TestSpawnDaemonStartFailure(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "daemon.log")
	if _, err := spawnDaemon(filepath.Join(t.TempDir(), "nope"), nil, "", logFile); err == nil {
		t.Fatal("expected start failure")
	}
}
