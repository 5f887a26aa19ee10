// Package config resolves the core's runtime settings from three tiers:
// process environment, checked-in defaults, and the human-editable
// HEARTBEAT.md checklist, in that override order.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the process-level configuration resolved once at startup from
// environment variables, falling back to Default() for anything unset.
type Config struct {
	DataDir         string        // AWC_DATA_DIR
	Port            int           // AWC_PORT
	BearerToken     string        // AWC_BEARER_TOKEN, required to reach the API
	PromptsDir      string        // AWC_PROMPTS_DIR
	WorkspaceRoot   string        // AWC_WORKSPACE_ROOT, the git repo the core operates on
	ChecklistPath   string        // AWC_CHECKLIST_PATH, defaults to <WorkspaceRoot>/HEARTBEAT.md
	HeartbeatPeriod time.Duration // AWC_HEARTBEAT_PERIOD
	AgentTimeout    time.Duration // AWC_AGENT_TIMEOUT, clamped to 30 minutes
	Verbose         bool          // AWC_VERBOSE
}

// Default returns the checked-in defaults, mirroring the teacher's
// struct-literal DefaultConfig() convention.
func Default() Config {
	return Config{
		DataDir:         "./data",
		Port:            8080,
		PromptsDir:      "./prompts",
		WorkspaceRoot:   ".",
		ChecklistPath:   "HEARTBEAT.md",
		HeartbeatPeriod: 60 * time.Second,
		AgentTimeout:    30 * time.Minute,
		Verbose:         false,
	}
}

// FromEnv resolves Config from the process environment, falling back to
// Default() field-by-field for anything unset or unparseable.
func FromEnv() Config {
	c := Default()

	if v := os.Getenv("AWC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AWC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("AWC_BEARER_TOKEN"); v != "" {
		c.BearerToken = v
	}
	if v := os.Getenv("AWC_PROMPTS_DIR"); v != "" {
		c.PromptsDir = v
	}
	if v := os.Getenv("AWC_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("AWC_CHECKLIST_PATH"); v != "" {
		c.ChecklistPath = v
	} else {
		c.ChecklistPath = filepath.Join(c.WorkspaceRoot, "HEARTBEAT.md")
	}
	if v := os.Getenv("AWC_HEARTBEAT_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatPeriod = d
		}
	}
	if v := os.Getenv("AWC_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AgentTimeout = d
		}
	}
	if v := os.Getenv("AWC_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Verbose = b
		}
	}

	if c.AgentTimeout > 30*time.Minute {
		c.AgentTimeout = 30 * time.Minute
	}

	return c
}
