package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Config struct {
	Runner  RunnerConfig  `json:"runner"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage,omitempty"`
	Ops     OpsConfig     `json:"ops,omitempty"`

	// Tasks are external commands registered when the app starts.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

// RunnerConfig controls the task runner.
//
// All durations accept Go duration strings ("500ms", "10s") or bare seconds ("2", "0.5").
//
// Defaults (when fields are omitted/zero):
//   - executor: thread
//   - max_workers: number of CPUs
//   - cleanup_interval: 1s
//   - read_timeout: 1s
//   - read_chunk_size: 8192
//   - shutdown_grace: 5s
//
// executor, max_workers and cleanup_interval are read once; hot reload ignores them.
type RunnerConfig struct {
	InstanceID      int    `json:"instance_id,omitempty"`
	Executor        string `json:"executor,omitempty"`
	MaxWorkers      int    `json:"max_workers,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	ReadChunkSize   int    `json:"read_chunk_size,omitempty"`
	ShutdownGrace   string `json:"shutdown_grace,omitempty"`
	HandleSignals   bool   `json:"handle_signals,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig controls the optional control-action audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mcprunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the read-only diagnostics HTTP server.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`

	// Token is required (Bearer header or ?token=) when set. Non-loopback
	// binds refuse to start without one unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// TaskConfig describes one external command registered at start.
type TaskConfig struct {
	Name       string      `json:"name"`
	Command    string      `json:"command"`
	Args       []string    `json:"args,omitempty"`
	Env        []string    `json:"env,omitempty"`
	Cwd        string      `json:"cwd,omitempty"`
	Shell      bool        `json:"shell,omitempty"`
	Schedule   string      `json:"schedule,omitempty"`
	Trigger    string      `json:"trigger,omitempty"`
	Repeat     RepeatValue `json:"repeat,omitempty"`
	Keep       int         `json:"keep,omitempty"`
	MaxAge     string      `json:"max_age,omitempty"`
	KeepPolicy string      `json:"keep_policy,omitempty"`
	Timeout    string      `json:"timeout,omitempty"`
}

// RepeatValue accepts either a keyword ("NEVER", "ALWAYS") or an integer.
// It is kept as a string; the engine parses it.
type RepeatValue string

func (r *RepeatValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = RepeatValue(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("repeat: %w", err)
	}
	if _, err := strconv.Atoi(n.String()); err != nil {
		return fmt.Errorf("repeat: expected integer, got %s", n.String())
	}
	*r = RepeatValue(n.String())
	return nil
}

func (r RepeatValue) String() string { return string(r) }
