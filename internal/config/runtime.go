package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Runtime holds process-level settings read from the environment.
type Runtime struct {
	// Home is the cache root; checkpoints live under Home/checkpoints.
	Home string
	// WeightsBaseURL, when set, replaces everything but the file name of
	// every catalog download URL (mirrors of the public model zoo).
	WeightsBaseURL string
	LogLevel       string
	LogFormat      string
	MetricsAddr    string
}

// LoadRuntime reads VIT_* environment variables, falling back to defaults.
func LoadRuntime() (Runtime, error) {
	home, err := defaultHome()
	if err != nil {
		return Runtime{}, err
	}
	rt := Runtime{
		Home:           envOr("VIT_HOME", home),
		WeightsBaseURL: strings.TrimRight(os.Getenv("VIT_WEIGHTS_BASE_URL"), "/"),
		LogLevel:       envOr("VIT_LOG_LEVEL", "info"),
		LogFormat:      envOr("VIT_LOG_FORMAT", "console"),
		MetricsAddr:    envOr("VIT_METRICS_ADDR", ":9090"),
	}
	return rt, rt.Validate()
}

func (r *Runtime) Validate() error {
	if r.Home == "" {
		return fmt.Errorf("invalid home: empty path")
	}
	switch strings.ToLower(r.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q (want console or json)", r.LogFormat)
	}
	return nil
}

// CheckpointDir is where downloaded weight archives are cached.
func (r *Runtime) CheckpointDir() string {
	return filepath.Join(r.Home, "checkpoints")
}

func defaultHome() (string, error) {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "longbow-vit"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "longbow-vit"), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
