// Package config layers bootstrapd's configuration the way the
// teacher's internal/util.ConfigStore does: a TOML file, then
// BOOTSTRAPD__-prefixed environment variables, then CLI flags, each
// layer overriding the last.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is the environment-variable namespace bootstrapd reads
// configuration overrides from (the teacher uses SLUG__; this daemon
// is not a Slug runtime, so it gets its own prefix).
const EnvPrefix = "BOOTSTRAPD__"

// Config is the fully resolved daemon configuration (spec.md §6, §9's
// "single top-level Daemon value" design note).
type Config struct {
	// DaemonID names this daemon instance for ancestor registration
	// ("<daemon-id>.<pid>", spec.md §6).
	DaemonID string

	// SocketPath is where the daemon listens for bootstrap RPCs.
	SocketPath string

	// UpstreamSocket names the socket of an inherited bootstrap
	// context. It is loaded but never dialed: internal/daemon forwards
	// unresolved look_up calls only to an in-process Daemon installed
	// with SetUpstream.
	UpstreamSocket string

	// MetricsAddr is the loopback-only listen address for /metrics
	// (SPEC_FULL.md's metrics wiring, grounded on the teacher's
	// control-plane HTTP listener).
	MetricsAddr string

	// SubsetDepthLimit is loaded (default 100) but not read anywhere:
	// subset nesting is bounded by the constant job.MaxSubsetDepth.
	SubsetDepthLimit int

	// MinRelaunchInterval is loaded (default 1s) but not read
	// anywhere: on-demand relaunch is throttled by
	// job.DefaultMinRelaunchInterval, which rpcsurface's create_server
	// leaves in effect.
	MinRelaunchInterval time.Duration

	// PID1Lenient enables the "PID 1 lenient" create_server rule
	// (spec.md §8 scenario 6): only the daemon acting as the system's
	// PID 1 equivalent should set this.
	PID1Lenient bool

	// LogLevel selects internal/logger's verbosity for the daemon's
	// component loggers.
	LogLevel string
}

// Defaults returns the configuration used when no file, environment,
// or CLI override is present.
func Defaults() Config {
	return Config{
		DaemonID:            "bootstrapd",
		SocketPath:          "/tmp/bootstrapd.sock",
		MetricsAddr:         "127.0.0.1:9090",
		SubsetDepthLimit:    100,
		MinRelaunchInterval: time.Second,
		LogLevel:            "info",
	}
}

// Load resolves configuration by layering, in increasing precedence:
// the built-in Defaults, a TOML file at path (if it exists), this
// process's BOOTSTRAPD__-prefixed environment variables, and finally
// the overrides already parsed onto cliOverrides by the CLI layer
// (cmd/bootstrapd's cobra flags) — cliOverrides applies only the keys
// present in the map, which the CLI adds only for flags the user set.
func Load(path string, cliOverrides map[string]string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fileValues map[string]any
			if _, err := toml.DecodeFile(path, &fileValues); err != nil {
				return cfg, err
			}
			applyValues(&cfg, flatten(fileValues, ""))
		}
	}

	applyValues(&cfg, envValues())
	applyValues(&cfg, cliOverrides)

	return cfg, nil
}

func envValues() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(pair[0], EnvPrefix))
		key = strings.ReplaceAll(key, "__", ".")
		out[key] = pair[1]
	}
	return out
}

func flatten(src map[string]any, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			for fk, fv := range flatten(vv, key) {
				out[fk] = fv
			}
		default:
			out[key] = toStringValue(vv)
		}
	}
	return out
}

func toStringValue(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case int64:
		return strconv.FormatInt(vv, 10)
	default:
		return ""
	}
}

func applyValues(cfg *Config, values map[string]string) {
	for key, val := range values {
		switch key {
		case "daemon_id", "daemon.id":
			cfg.DaemonID = val
		case "socket_path", "socket.path":
			cfg.SocketPath = filepath.Clean(val)
		case "upstream_socket", "upstream.socket":
			cfg.UpstreamSocket = val
		case "metrics_addr", "metrics.addr":
			cfg.MetricsAddr = val
		case "subset_depth_limit", "subset.depth_limit":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.SubsetDepthLimit = n
			}
		case "min_relaunch_interval", "relaunch.min_interval":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.MinRelaunchInterval = d
			}
		case "pid1_lenient", "pid1.lenient":
			if b, err := strconv.ParseBool(val); err == nil {
				cfg.PID1Lenient = b
			}
		case "log_level", "log.level":
			cfg.LogLevel = val
		}
	}
}
