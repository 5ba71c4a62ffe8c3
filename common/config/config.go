package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Engine     EngineConfig     `yaml:"engine"`
	Agents     AgentConfig      `yaml:"agents"`
	Approvals  ApprovalConfig   `yaml:"approvals"`
	Iterations IterationCaps    `yaml:"max_iterations"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	// Submission rate limits, per minute. Zero disables the check.
	SubmitRateLimit int64 `yaml:"submit_rate_limit"`
	ClientRateLimit int64 `yaml:"client_rate_limit"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	Database    string   `yaml:"database"`
	User        string   `yaml:"user"`
	Password    string   `yaml:"password"`
	MaxConns    int      `yaml:"max_conns"`
	MinConns    int      `yaml:"min_conns"`
	MaxIdleTime Duration `yaml:"max_idle_time"`
	MaxLifetime Duration `yaml:"max_lifetime"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig holds workflow engine settings
type EngineConfig struct {
	WorkerCount          int      `yaml:"worker_count"`
	LeaseTTL             Duration `yaml:"lease_ttl"`
	PersistMaxRetries    int      `yaml:"persist_max_retries"`
	PersistRetryBackoff  Duration `yaml:"persist_retry_backoff"`
	ResumeStream         string   `yaml:"resume_stream"`
	ConsumerGroup        string   `yaml:"consumer_group"`
	RecoveryScanInterval Duration `yaml:"recovery_scan_interval"`
}

// AgentConfig holds agent adapter settings
type AgentConfig struct {
	// Mode selects the agent backend: "stub" runs the scripted in-process
	// agents, "remote" expects registered remote adapters.
	Mode string `yaml:"mode"`
	// RemoteURL is the base URL of the agent gateway used in remote mode.
	RemoteURL      string   `yaml:"remote_url"`
	MaxAttempts    int      `yaml:"retry_max_attempts"`
	BackoffBase    Duration `yaml:"retry_backoff_base"`
	BackoffJitter  Duration `yaml:"retry_backoff_jitter"`
	DefaultTimeout Duration `yaml:"default_timeout"`
}

// ApprovalConfig holds approval gate settings
type ApprovalConfig struct {
	DefaultSLA    Duration `yaml:"default_sla"`
	SweepInterval Duration `yaml:"sweep_interval"`
	// TimeoutPolicy is a CEL expression evaluated when a pending approval
	// passes its SLA deadline. It receives `approval` and `workflow` and must
	// return true to escalate directly to human review instead of routing
	// the timeout as a rejection.
	TimeoutPolicy string `yaml:"timeout_policy"`
}

// IterationCaps bounds each loop site in the workflow graph
type IterationCaps struct {
	Requirements int `yaml:"requirements"`
	Phenotype    int `yaml:"phenotype"`
	QAReextract  int `yaml:"qa_reextract"`
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool `yaml:"enable_pprof"`
	PprofPort     int  `yaml:"pprof_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// Duration wraps time.Duration so YAML configs can use "30s" / "5m" syntax
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with the precedence defaults < file < environment.
// The file path comes from RESEARCHFLOW_CONFIG and is optional.
func Load(serviceName string) (*Config, error) {
	cfg := defaults(serviceName)

	if path := os.Getenv("RESEARCHFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	return cfg, cfg.Validate()
}

func defaults(serviceName string) *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            serviceName,
			Port:            8080,
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "text",
			SubmitRateLimit: 120,
			ClientRateLimit: 30,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			Database:    "researchflow",
			User:        "researchflow",
			Password:    "researchflow",
			MaxConns:    50,
			MinConns:    10,
			MaxIdleTime: Duration(30 * time.Minute),
			MaxLifetime: Duration(1 * time.Hour),
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Engine: EngineConfig{
			WorkerCount:          8,
			LeaseTTL:             Duration(30 * time.Second),
			PersistMaxRetries:    5,
			PersistRetryBackoff:  Duration(200 * time.Millisecond),
			ResumeStream:         "rf.workflow.resume",
			ConsumerGroup:        "engine_workers",
			RecoveryScanInterval: Duration(1 * time.Minute),
		},
		Agents: AgentConfig{
			Mode:           "remote",
			RemoteURL:      "http://localhost:9000",
			MaxAttempts:    3,
			BackoffBase:    Duration(500 * time.Millisecond),
			BackoffJitter:  Duration(250 * time.Millisecond),
			DefaultTimeout: Duration(2 * time.Minute),
		},
		Approvals: ApprovalConfig{
			DefaultSLA:    Duration(72 * time.Hour),
			SweepInterval: Duration(1 * time.Minute),
			TimeoutPolicy: "",
		},
		Iterations: IterationCaps{
			Requirements: 5,
			Phenotype:    5,
			QAReextract:  3,
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   true,
			PprofPort:     6060,
			EnableMetrics: true,
			MetricsPort:   9090,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Service.Port = getEnvInt("PORT", cfg.Service.Port)
	cfg.Service.Environment = getEnv("ENVIRONMENT", cfg.Service.Environment)
	cfg.Service.LogLevel = getEnv("LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Service.LogFormat = getEnv("LOG_FORMAT", cfg.Service.LogFormat)
	cfg.Service.SubmitRateLimit = int64(getEnvInt("SUBMIT_RATE_LIMIT", int(cfg.Service.SubmitRateLimit)))
	cfg.Service.ClientRateLimit = int64(getEnvInt("CLIENT_RATE_LIMIT", int(cfg.Service.ClientRateLimit)))

	cfg.Database.Host = getEnv("POSTGRES_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("POSTGRES_PORT", cfg.Database.Port)
	cfg.Database.Database = getEnv("POSTGRES_DB", cfg.Database.Database)
	cfg.Database.User = getEnv("POSTGRES_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("POSTGRES_PASSWORD", cfg.Database.Password)
	cfg.Database.MaxConns = getEnvInt("POSTGRES_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.MinConns = getEnvInt("POSTGRES_MIN_CONNS", cfg.Database.MinConns)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Engine.WorkerCount = getEnvInt("ENGINE_WORKER_COUNT", cfg.Engine.WorkerCount)
	cfg.Engine.LeaseTTL = getEnvDuration("ENGINE_LEASE_TTL", cfg.Engine.LeaseTTL)
	cfg.Engine.RecoveryScanInterval = getEnvDuration("ENGINE_RECOVERY_SCAN_INTERVAL", cfg.Engine.RecoveryScanInterval)

	cfg.Agents.Mode = getEnv("AGENT_MODE", cfg.Agents.Mode)
	cfg.Agents.RemoteURL = getEnv("AGENT_REMOTE_URL", cfg.Agents.RemoteURL)
	cfg.Agents.MaxAttempts = getEnvInt("AGENT_RETRY_MAX_ATTEMPTS", cfg.Agents.MaxAttempts)
	cfg.Agents.BackoffBase = getEnvDuration("AGENT_RETRY_BACKOFF_BASE", cfg.Agents.BackoffBase)
	cfg.Agents.BackoffJitter = getEnvDuration("AGENT_RETRY_BACKOFF_JITTER", cfg.Agents.BackoffJitter)
	cfg.Agents.DefaultTimeout = getEnvDuration("AGENT_DEFAULT_TIMEOUT", cfg.Agents.DefaultTimeout)

	cfg.Approvals.DefaultSLA = getEnvDuration("APPROVAL_DEFAULT_SLA", cfg.Approvals.DefaultSLA)
	cfg.Approvals.SweepInterval = getEnvDuration("APPROVAL_SWEEP_INTERVAL", cfg.Approvals.SweepInterval)
	cfg.Approvals.TimeoutPolicy = getEnv("APPROVAL_TIMEOUT_POLICY", cfg.Approvals.TimeoutPolicy)

	cfg.Iterations.Requirements = getEnvInt("MAX_ITERATIONS_REQUIREMENTS", cfg.Iterations.Requirements)
	cfg.Iterations.Phenotype = getEnvInt("MAX_ITERATIONS_PHENOTYPE", cfg.Iterations.Phenotype)
	cfg.Iterations.QAReextract = getEnvInt("MAX_ITERATIONS_QA_REEXTRACT", cfg.Iterations.QAReextract)

	cfg.Telemetry.EnablePprof = getEnvBool("ENABLE_PPROF", cfg.Telemetry.EnablePprof)
	cfg.Telemetry.PprofPort = getEnvInt("PPROF_PORT", cfg.Telemetry.PprofPort)
	cfg.Telemetry.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.Telemetry.EnableMetrics)
	cfg.Telemetry.MetricsPort = getEnvInt("METRICS_PORT", cfg.Telemetry.MetricsPort)
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine worker_count must be >= 1")
	}

	if c.Agents.MaxAttempts < 1 {
		return fmt.Errorf("agent retry_max_attempts must be >= 1")
	}

	if c.Iterations.Requirements < 0 || c.Iterations.Phenotype < 0 || c.Iterations.QAReextract < 0 {
		return fmt.Errorf("iteration caps must be >= 0")
	}

	switch c.Agents.Mode {
	case "stub":
	case "remote":
		if c.Agents.RemoteURL == "" {
			return fmt.Errorf("agent remote_url is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown agent mode: %s", c.Agents.Mode)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax ("30s") or a bare integer
// interpreted as milliseconds.
func getEnvDuration(key string, defaultValue Duration) Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return Duration(duration)
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return Duration(time.Duration(ms) * time.Millisecond)
	}
	return defaultValue
}
