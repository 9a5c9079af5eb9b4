package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// WorkerFlags configures the hidden worker subcommand.
type WorkerFlags struct {
	Backend string
	Socket  string
}

// ThumbFlags configures the thumb subcommand.
type ThumbFlags struct {
	Out     string
	Width   uint32
	Height  uint32
	SeekMs  int64
	Timeout time.Duration
}

// ProbeFlags configures the probe subcommand.
type ProbeFlags struct {
	Timeout time.Duration
}

// ServeFlags configures the serve subcommand.
type ServeFlags struct {
	Listen   string
	BasePath string
	// NonBlocking returns right after startup; used by tests.
	NonBlocking bool
}
