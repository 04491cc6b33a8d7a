// Package config loads service configuration from an optional YAML file and
// environment variables, with environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// HTTP server port for the launch API
	HTTPPort int
	// Port serving Prometheus metrics
	MetricsPort int
	// Shared secret for the internal API
	InternalSecret string
	LogLevel       string

	// Cluster backend: "kubernetes" or "docker"
	Backend                  string
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string
	DockerWorkDir            string
	DockerNetwork            string

	// Launch behaviour
	PodNamePrefix     string
	OrchestratorImage string
	ReapTimeout       time.Duration
	ReapBackoff       time.Duration
	DeleteRateLimit   float64
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Names of environment variables copied into every unit
	TransferEnv []string

	// Status store: "redis", "postgres" or "s3"
	StatusStore       string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	StatusRecordTTL   time.Duration
	DatabaseURL       string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3Prefix          string
	S3ForcePathStyle  bool
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Internal API rate limit
	APIRateLimit float64
	APIRateBurst int

	// OpenTelemetry collector endpoint; empty disables span export
	OTELEndpoint    string
	OTELSampleRatio float64
	ShutdownTimeout time.Duration
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"http_port":                  "PORT",
	"metrics_port":               "METRICS_PORT",
	"internal_secret":            "INTERNAL_SECRET",
	"log_level":                  "LOG_LEVEL",
	"backend":                    "BACKEND",
	"kubernetes_namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes_service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes_cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes_memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"docker_workdir":             "DOCKER_WORKDIR",
	"docker_network":             "DOCKER_NETWORK",
	"pod_name_prefix":            "POD_NAME_PREFIX",
	"orchestrator_image":         "ORCHESTRATOR_IMAGE",
	"reap_timeout":               "REAP_TIMEOUT",
	"reap_backoff":               "REAP_BACKOFF",
	"delete_rate_limit":          "DELETE_RATE_LIMIT",
	"poll_interval":              "POLL_INTERVAL",
	"heartbeat_interval":         "HEARTBEAT_INTERVAL",
	"transfer_env":               "TRANSFER_ENV",
	"status_store":               "STATUS_STORE",
	"redis_address":              "REDIS_ADDRESS",
	"redis_password":             "REDIS_PASSWORD",
	"redis_db":                   "REDIS_DB",
	"status_record_ttl":          "STATUS_RECORD_TTL",
	"database_url":               "DATABASE_URL",
	"s3_bucket":                  "S3_BUCKET",
	"s3_region":                  "S3_REGION",
	"s3_endpoint":                "S3_ENDPOINT",
	"s3_prefix":                  "S3_PREFIX",
	"s3_force_path_style":        "S3_FORCE_PATH_STYLE",
	"s3_access_key_id":           "S3_ACCESS_KEY_ID",
	"s3_secret_access_key":       "S3_SECRET_ACCESS_KEY",
	"api_rate_limit":             "API_RATE_LIMIT",
	"api_rate_burst":             "API_RATE_BURST",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otel_sample_ratio":          "OTEL_TRACES_SAMPLER_ARG",
	"shutdown_timeout":           "SHUTDOWN_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6161)
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("log_level", "info")
	v.SetDefault("backend", "kubernetes")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_cpu_limit", "500m")
	v.SetDefault("kubernetes_memory_limit", "256Mi")
	v.SetDefault("pod_name_prefix", "orchestrator")
	v.SetDefault("orchestrator_image", "podlauncher/orchestrator:latest")
	v.SetDefault("reap_timeout", 45*time.Second)
	v.SetDefault("reap_backoff", time.Second)
	v.SetDefault("delete_rate_limit", 20.0)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("status_store", "redis")
	v.SetDefault("redis_address", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("api_rate_limit", 10.0)
	v.SetDefault("api_rate_burst", 20)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("otel_sample_ratio", 1.0)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// Load reads configuration from the YAML file at path (optional) and
// environment variables. Without a path, podlauncher.yaml is looked up in
// the working directory and /etc/podlauncher.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("podlauncher")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/podlauncher")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPPort:       v.GetInt("http_port"),
		MetricsPort:    v.GetInt("metrics_port"),
		InternalSecret: v.GetString("internal_secret"),
		LogLevel:       v.GetString("log_level"),

		Backend:                  strings.ToLower(v.GetString("backend")),
		KubernetesNamespace:      v.GetString("kubernetes_namespace"),
		KubernetesServiceAccount: v.GetString("kubernetes_service_account"),
		KubernetesCPULimit:       v.GetString("kubernetes_cpu_limit"),
		KubernetesMemoryLimit:    v.GetString("kubernetes_memory_limit"),
		DockerWorkDir:            v.GetString("docker_workdir"),
		DockerNetwork:            v.GetString("docker_network"),

		PodNamePrefix:     v.GetString("pod_name_prefix"),
		OrchestratorImage: v.GetString("orchestrator_image"),
		ReapTimeout:       v.GetDuration("reap_timeout"),
		ReapBackoff:       v.GetDuration("reap_backoff"),
		DeleteRateLimit:   v.GetFloat64("delete_rate_limit"),
		PollInterval:      v.GetDuration("poll_interval"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		TransferEnv:       splitList(v.Get("transfer_env")),

		StatusStore:       strings.ToLower(v.GetString("status_store")),
		RedisAddress:      v.GetString("redis_address"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		StatusRecordTTL:   v.GetDuration("status_record_ttl"),
		DatabaseURL:       v.GetString("database_url"),
		S3Bucket:          v.GetString("s3_bucket"),
		S3Region:          v.GetString("s3_region"),
		S3Endpoint:        v.GetString("s3_endpoint"),
		S3Prefix:          v.GetString("s3_prefix"),
		S3ForcePathStyle:  v.GetBool("s3_force_path_style"),
		S3AccessKeyID:     v.GetString("s3_access_key_id"),
		S3SecretAccessKey: v.GetString("s3_secret_access_key"),

		APIRateLimit: v.GetFloat64("api_rate_limit"),
		APIRateBurst: v.GetInt("api_rate_burst"),

		OTELEndpoint:    v.GetString("otel_endpoint"),
		OTELSampleRatio: v.GetFloat64("otel_sample_ratio"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "kubernetes", "docker":
	default:
		return fmt.Errorf("invalid backend %q: must be kubernetes or docker", c.Backend)
	}

	switch c.StatusStore {
	case "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required (env: DATABASE_URL)")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required (env: S3_BUCKET)")
		}
	default:
		return fmt.Errorf("invalid status_store %q: must be redis, postgres or s3", c.StatusStore)
	}

	if c.ReapTimeout <= 0 {
		return errors.New("reap_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	return nil
}

// RequireInternalSecret fails when no internal API secret is configured.
func (c *Config) RequireInternalSecret() error {
	if c.InternalSecret == "" {
		return errors.New("internal_secret is required (env: INTERNAL_SECRET)")
	}
	return nil
}

// StatusStoreEnv returns the environment a launched unit needs to reach the
// same status store as this process. Empty values are left out.
func (c *Config) StatusStoreEnv() map[string]string {
	values := map[string]string{
		"status_store":         c.StatusStore,
		"redis_address":        c.RedisAddress,
		"redis_password":       c.RedisPassword,
		"redis_db":             strconv.Itoa(c.RedisDB),
		"database_url":         c.DatabaseURL,
		"s3_bucket":            c.S3Bucket,
		"s3_region":            c.S3Region,
		"s3_endpoint":          c.S3Endpoint,
		"s3_prefix":            c.S3Prefix,
		"s3_force_path_style":  strconv.FormatBool(c.S3ForcePathStyle),
		"s3_access_key_id":     c.S3AccessKeyID,
		"s3_secret_access_key": c.S3SecretAccessKey,
	}
	if c.StatusRecordTTL > 0 {
		values["status_record_ttl"] = c.StatusRecordTTL.String()
	}

	env := make(map[string]string, len(values))
	for key, value := range values {
		if value != "" {
			env[envBindings[key]] = value
		}
	}
	return env
}

// splitList accepts a YAML list or a comma separated string.
func splitList(raw any) []string {
	var items []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
	case []string:
		items = v
	case string:
		items = strings.Split(v, ",")
	}

	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
