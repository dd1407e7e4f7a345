// Package config loads the orchestrator's operational and structural
// configuration: environment-driven runtime knobs plus a static YAML agent
// registry.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Options holds every operationally-tunable value named, each
// with the documented default.
type Options struct {
	StreamPath               string
	CheckpointPath           string
	MaxStreamSizeMB          int
	MaxCheckpoints           int
	CheckpointTimeout        time.Duration
	EnableContextPreservation bool
	EnableHumanInLoop        bool
	BaseInterval             time.Duration
	MaxInterval              time.Duration
	StuckThreshold           time.Duration
	Verbose                  bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		StreamPath:                filepath.Join(".opencode", "orchestration_stream.jsonl"),
		CheckpointPath:            filepath.Join(".opencode", "checkpoints"),
		MaxStreamSizeMB:           10,
		MaxCheckpoints:            20,
		CheckpointTimeout:         300_000 * time.Millisecond,
		EnableContextPreservation: true,
		EnableHumanInLoop:         true,
		BaseInterval:              30_000 * time.Millisecond,
		MaxInterval:               120_000 * time.Millisecond,
		StuckThreshold:            30_000 * time.Millisecond,
		Verbose:                   false,
	}
}

// LoadOptions loads an optional .env file from configDir (a missing file is
// not an error), then layers environment variables over DefaultOptions.
func LoadOptions(configDir string) Options {
	log := slog.With("component", "config")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("loaded environment file", "path", envPath)
	}

	opts := DefaultOptions()
	opts.StreamPath = getEnv("STREAM_PATH", opts.StreamPath)
	opts.CheckpointPath = getEnv("CHECKPOINT_PATH", opts.CheckpointPath)
	opts.MaxStreamSizeMB = getEnvInt("MAX_STREAM_SIZE_MB", opts.MaxStreamSizeMB)
	opts.MaxCheckpoints = getEnvInt("MAX_CHECKPOINTS", opts.MaxCheckpoints)
	opts.CheckpointTimeout = getEnvDurationMS("CHECKPOINT_TIMEOUT_MS", opts.CheckpointTimeout)
	opts.EnableContextPreservation = getEnvBool("ENABLE_CONTEXT_PRESERVATION", opts.EnableContextPreservation)
	opts.EnableHumanInLoop = getEnvBool("ENABLE_HUMAN_IN_LOOP", opts.EnableHumanInLoop)
	opts.BaseInterval = getEnvDurationMS("BASE_INTERVAL_MS", opts.BaseInterval)
	opts.MaxInterval = getEnvDurationMS("MAX_INTERVAL_MS", opts.MaxInterval)
	opts.StuckThreshold = getEnvDurationMS("STUCK_THRESHOLD_MS", opts.StuckThreshold)
	opts.Verbose = getEnvBool("VERBOSE", opts.Verbose)

	return opts
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDurationMS(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
