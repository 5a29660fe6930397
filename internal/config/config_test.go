package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.DAOAddress = "dao-address"
	return cfg
}

func TestDefaultsPassValidationOnceDAOAddressSet(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(defaults): %v", err)
	}
}

func TestValidateRejectsBadThresholdOrdering(t *testing.T) {
	cfg := validConfig()
	cfg.ANS.DangerThresholdBp = 7000
	cfg.ANS.SafeThresholdBp = 3000
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for danger >= safe")
	}
}

func TestValidateRejectsMissingDAOAddress(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for empty dao_address")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Observability.LogLevel = "trace"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestValidateRejectsMismatchedTLSFiles(t *testing.T) {
	cfg := validConfig()
	cfg.GRPC.TLSCertFile = "/etc/vagusguard/tls.crt"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error when only tls_cert_file is set")
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "schema_version: \"1\"\n" +
		"node_id: node-1\n" +
		"dao_address: dao-1\n" +
		"ans:\n  safe_threshold_bp: 9000\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ANS.SafeThresholdBp != 9000 {
		t.Fatalf("expected overridden safe_threshold_bp=9000, got %d", cfg.ANS.SafeThresholdBp)
	}
	// Values not present in the file fall back to defaults.
	if cfg.ANS.DangerThresholdBp != 3000 {
		t.Fatalf("expected default danger_threshold_bp=3000, got %d", cfg.ANS.DangerThresholdBp)
	}
	if cfg.Capability.RateLimitMaxRequests != 100 {
		t.Fatalf("expected default rate_limit_max_requests=100, got %d", cfg.Capability.RateLimitMaxRequests)
	}
}

func TestLoadRejectsInvalidMergedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "schema_version: \"1\"\nnode_id: node-1\ndao_address: dao-1\nans:\n  safe_threshold_bp: 100\n  danger_threshold_bp: 9000\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a merged config with danger >= safe")
	}
}
