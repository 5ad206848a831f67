package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	AutoStart bool
	Daemonize bool
	PidFile   string
	LogFile   string
}

// ControlFlags select the local control API of a running serve process.
type ControlFlags struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
	CACert    string
	Insecure  bool
}

type LogsFlags struct {
	Stream string
	Tail   int
	Follow bool
}

// APIFlags configure direct calls to the backend HTTP API.
type APIFlags struct {
	BaseURL  string
	Timeout  time.Duration
	Username string
	Password string
	Insecure bool
	CACert   string
}

type StubFlags struct {
	Listen   string
	Username string
	Password string
	Auth     bool
}
