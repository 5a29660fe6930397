// Package config provides configuration loading, validation, and hot-reload
// for the VAGUSGUARD supervisor.
//
// Configuration file: /etc/vagusguard/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Supervisor listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply rate-limit and circuit-breaker changes through the Capability
//     Issuer's DAO-gated governance setters. Other fields, including the ANS
//     thresholds and the log level, take effect only after a restart.
//   - Destructive changes (DB path, gRPC listen address, DAO address) require
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The supervisor does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (0 < dangerThreshold < safeThreshold <= 10000).
//   - Invalid config on startup: supervisor refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vagusguard/vagusguard/internal/storage"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for VAGUSGUARD.
// All fields except DAOAddress have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this VAGUSGUARD node, used in ledger
	// entries. Default: hostname.
	NodeID string `yaml:"node_id"`

	// DAOAddress is the sole identity authorized to call the governance
	// setters on the Capability Issuer and Inbox, and the Reflex Arc's
	// manual trigger.
	DAOAddress string `yaml:"dao_address"`

	ANS           ANSConfig           `yaml:"ans"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Brake         BrakeConfig         `yaml:"brake"`
	Inbox         InboxConfig         `yaml:"inbox"`
	Reflex        ReflexConfig        `yaml:"reflex"`
	Storage       StorageConfig       `yaml:"storage"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// ANSConfig holds the ANS State Manager's hysteresis parameters.
type ANSConfig struct {
	// MinResidency is MIN_STATE_RESIDENCY. Default: 60s.
	MinResidency time.Duration `yaml:"min_residency"`
	// SafeThresholdBp is S: vti >= S keeps/returns to SAFE. Default: 7000.
	SafeThresholdBp uint64 `yaml:"safe_threshold_bp"`
	// DangerThresholdBp is D: 0 < D < S. Default: 3000.
	DangerThresholdBp uint64 `yaml:"danger_threshold_bp"`
}

// CapabilityConfig holds the Capability Issuer's rate-limit, circuit
// breaker, and authorization parameters.
type CapabilityConfig struct {
	// AuthorizedExecutors are the callers permitted to invoke Issue directly.
	// Normally contains only the Vagal Brake's identity.
	AuthorizedExecutors []string `yaml:"authorized_executors"`

	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`

	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	BreakerRecovery  int           `yaml:"breaker_recovery"`
}

// BrakeConfig holds the Vagal Brake's admission parameters.
type BrakeConfig struct {
	// AuthorizedCallers are the planner-facing identities permitted to
	// invoke IssueWithBrake.
	AuthorizedCallers []string `yaml:"authorized_callers"`

	// RequireFreshEvidence gates admission on the Intent's preStateRoot
	// matching the Afferent Inbox's latest evidence for the executor.
	// Default: false.
	RequireFreshEvidence bool `yaml:"require_fresh_evidence"`
}

// InboxConfig holds the Afferent Inbox's authorization parameters.
type InboxConfig struct {
	AuthorizedAttestors []string `yaml:"authorized_attestors"`
}

// ReflexConfig holds the Reflex Arc's cooldown and classifier parameters.
type ReflexConfig struct {
	// Cooldown is REFLEX_COOLDOWN. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`

	// DangerVti and ShutdownVti parameterize the reference VTI-threshold
	// classifier (reflex.VTIClassifier).
	DangerVti   uint64 `yaml:"danger_vti"`
	ShutdownVti uint64 `yaml:"shutdown_vti"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/vagusguard/vagusguard.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the audit-ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// GRPCConfig holds the planner/gateway-facing gRPC ingress parameters.
// Transport is out of the core contract's scope; this is the one concrete
// wire surface the supervisor exposes for PostAEP/UpdateTone/IssueWithBrake.
type GRPCConfig struct {
	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:9443.
	ListenAddr string `yaml:"listen_addr"`

	// TLSCertFile is the path to the node's TLS certificate (PEM).
	TLSCertFile string `yaml:"tls_cert_file"`
	// TLSKeyFile is the path to the node's TLS private key (PEM).
	TLSKeyFile string `yaml:"tls_key_file"`
	// TLSCAFile is the path to the CA certificate for client verification
	// (PEM). Empty disables mutual TLS.
	TLSCAFile string `yaml:"tls_ca_file"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the governance-console Unix socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator console.
	// Permissions: 0600, owned by root. Default: /run/vagusguard/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		ANS: ANSConfig{
			MinResidency:      60 * time.Second,
			SafeThresholdBp:   7000,
			DangerThresholdBp: 3000,
		},
		Capability: CapabilityConfig{
			RateLimitWindow:      60 * time.Second,
			RateLimitMaxRequests: 100,
			BreakerThreshold:     5,
			BreakerTimeout:       30 * time.Second,
			BreakerRecovery:      3,
		},
		Brake: BrakeConfig{
			RequireFreshEvidence: false,
		},
		Reflex: ReflexConfig{
			Cooldown:    30 * time.Second,
			DangerVti:   3000,
			ShutdownVti: 1000,
		},
		Storage: StorageConfig{
			DBPath:        storage.DefaultDBPath,
			RetentionDays: storage.DefaultRetentionDays,
		},
		GRPC: GRPCConfig{
			ListenAddr: "0.0.0.0:9443",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/vagusguard/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.DAOAddress == "" {
		errs = append(errs, "dao_address must not be empty")
	}

	if cfg.ANS.DangerThresholdBp == 0 || cfg.ANS.SafeThresholdBp > 10000 ||
		cfg.ANS.DangerThresholdBp >= cfg.ANS.SafeThresholdBp {
		errs = append(errs, fmt.Sprintf(
			"ans thresholds must satisfy 0 < danger_threshold_bp(%d) < safe_threshold_bp(%d) <= 10000",
			cfg.ANS.DangerThresholdBp, cfg.ANS.SafeThresholdBp))
	}
	if cfg.ANS.MinResidency < 0 {
		errs = append(errs, "ans.min_residency must be >= 0")
	}

	if cfg.Capability.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Sprintf("capability.rate_limit_window must be >= 1s, got %s", cfg.Capability.RateLimitWindow))
	}
	if cfg.Capability.RateLimitMaxRequests < 1 {
		errs = append(errs, fmt.Sprintf("capability.rate_limit_max_requests must be >= 1, got %d", cfg.Capability.RateLimitMaxRequests))
	}
	if cfg.Capability.BreakerThreshold < 1 {
		errs = append(errs, fmt.Sprintf("capability.breaker_threshold must be >= 1, got %d", cfg.Capability.BreakerThreshold))
	}
	if cfg.Capability.BreakerTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("capability.breaker_timeout must be >= 1s, got %s", cfg.Capability.BreakerTimeout))
	}
	if cfg.Capability.BreakerRecovery < 1 {
		errs = append(errs, fmt.Sprintf("capability.breaker_recovery must be >= 1, got %d", cfg.Capability.BreakerRecovery))
	}

	if cfg.Reflex.Cooldown < 0 {
		errs = append(errs, "reflex.cooldown must be >= 0")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	if cfg.GRPC.ListenAddr == "" {
		errs = append(errs, "grpc.listen_addr must not be empty")
	}
	if (cfg.GRPC.TLSCertFile == "") != (cfg.GRPC.TLSKeyFile == "") {
		errs = append(errs, "grpc.tls_cert_file and grpc.tls_key_file must both be set or both be empty")
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
