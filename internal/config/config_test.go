package config

import (
	"os"
	"slices"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "podlauncher-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.MetricsPort != 6162 {
		t.Errorf("expected MetricsPort 6162, got %d", cfg.MetricsPort)
	}
	if cfg.Backend != "kubernetes" {
		t.Errorf("expected Backend kubernetes, got %s", cfg.Backend)
	}
	if cfg.KubernetesNamespace != "default" {
		t.Errorf("expected namespace default, got %s", cfg.KubernetesNamespace)
	}
	if cfg.PodNamePrefix != "orchestrator" {
		t.Errorf("expected PodNamePrefix orchestrator, got %s", cfg.PodNamePrefix)
	}
	if cfg.ReapTimeout != 45*time.Second {
		t.Errorf("expected ReapTimeout 45s, got %v", cfg.ReapTimeout)
	}
	if cfg.ReapBackoff != time.Second {
		t.Errorf("expected ReapBackoff 1s, got %v", cfg.ReapBackoff)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("expected PollInterval 1s, got %v", cfg.PollInterval)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected HeartbeatInterval 30s, got %v", cfg.HeartbeatInterval)
	}
	if cfg.StatusStore != "redis" {
		t.Errorf("expected StatusStore redis, got %s", cfg.StatusStore)
	}
	if cfg.RedisAddress != "localhost:6379" {
		t.Errorf("expected RedisAddress localhost:6379, got %s", cfg.RedisAddress)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.OTELSampleRatio != 1.0 {
		t.Errorf("expected OTELSampleRatio 1.0, got %v", cfg.OTELSampleRatio)
	}
	if len(cfg.TransferEnv) != 0 {
		t.Errorf("expected no TransferEnv, got %v", cfg.TransferEnv)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BACKEND", "docker")
	t.Setenv("DOCKER_WORKDIR", "/tmp/units")
	t.Setenv("REAP_TIMEOUT", "10s")
	t.Setenv("STATUS_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("TRANSFER_ENV", "AWS_REGION, LOG_LEVEL")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.Backend != "docker" {
		t.Errorf("expected Backend docker, got %s", cfg.Backend)
	}
	if cfg.DockerWorkDir != "/tmp/units" {
		t.Errorf("expected DockerWorkDir /tmp/units, got %s", cfg.DockerWorkDir)
	}
	if cfg.ReapTimeout != 10*time.Second {
		t.Errorf("expected ReapTimeout 10s, got %v", cfg.ReapTimeout)
	}
	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if !slices.Equal(cfg.TransferEnv, []string{"AWS_REGION", "LOG_LEVEL"}) {
		t.Errorf("expected TransferEnv [AWS_REGION LOG_LEVEL], got %v", cfg.TransferEnv)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
	if cfg.OTELSampleRatio != 0.1 {
		t.Errorf("expected OTELSampleRatio 0.1, got %v", cfg.OTELSampleRatio)
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STATUS_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_S3RequiresBucket(t *testing.T) {
	t.Setenv("STATUS_STORE", "s3")

	if _, err := Load(""); err == nil {
		t.Error("expected error when S3_BUCKET is missing")
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("BACKEND", "nomad")

	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid backend")
	}
}

func TestLoad_InvalidStatusStore(t *testing.T) {
	t.Setenv("STATUS_STORE", "etcd")

	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid status store")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
http_port: 7777
backend: docker
status_store: s3
s3_bucket: launcher-status
s3_force_path_style: true
transfer_env:
  - AWS_REGION
  - TZ
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.Backend != "docker" {
		t.Errorf("expected Backend docker, got %s", cfg.Backend)
	}
	if cfg.S3Bucket != "launcher-status" || !cfg.S3ForcePathStyle {
		t.Errorf("expected S3 settings from file, got %s %v", cfg.S3Bucket, cfg.S3ForcePathStyle)
	}
	if !slices.Equal(cfg.TransferEnv, []string{"AWS_REGION", "TZ"}) {
		t.Errorf("expected TransferEnv [AWS_REGION TZ], got %v", cfg.TransferEnv)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
http_port: 7777
pod_name_prefix: from-file
`)
	t.Setenv("PORT", "8888")
	t.Setenv("POD_NAME_PREFIX", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
	if cfg.PodNamePrefix != "from-env" {
		t.Errorf("expected PodNamePrefix from env, got %s", cfg.PodNamePrefix)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestRequireInternalSecret(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireInternalSecret(); err == nil {
		t.Error("expected error without internal secret")
	}

	t.Setenv("INTERNAL_SECRET", "s3cret")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.RequireInternalSecret(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStatusStoreEnv(t *testing.T) {
	t.Setenv("STATUS_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://status/db")
	t.Setenv("STATUS_RECORD_TTL", "24h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := cfg.StatusStoreEnv()
	if env["STATUS_STORE"] != "postgres" {
		t.Errorf("expected STATUS_STORE postgres, got %q", env["STATUS_STORE"])
	}
	if env["DATABASE_URL"] != "postgres://status/db" {
		t.Errorf("expected DATABASE_URL, got %q", env["DATABASE_URL"])
	}
	if env["STATUS_RECORD_TTL"] != "24h0m0s" {
		t.Errorf("expected STATUS_RECORD_TTL 24h0m0s, got %q", env["STATUS_RECORD_TTL"])
	}
	if _, ok := env["REDIS_PASSWORD"]; ok {
		t.Error("expected empty REDIS_PASSWORD to be left out")
	}

	// The unit must be able to load the same store config back.
	for key, value := range env {
		t.Setenv(key, value)
	}
	roundTrip, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if roundTrip.StatusStore != cfg.StatusStore || roundTrip.DatabaseURL != cfg.DatabaseURL || roundTrip.StatusRecordTTL != cfg.StatusRecordTTL {
		t.Errorf("store config did not survive env round trip: %+v", roundTrip)
	}
}
