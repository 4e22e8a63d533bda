package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by the server, worker and producer binaries.
// Each binary reads only the sections it needs.
type Config struct {
	HTTPAddr string `yaml:"httpAddr"`

	Redis RedisConfig `yaml:"redis"`

	// Matchmaking
	MatchInterval         time.Duration `yaml:"matchInterval"`
	PendingTTL            time.Duration `yaml:"pendingTTL"`
	StoreTimeout          time.Duration `yaml:"storeTimeout"`
	AcceptRetries         int           `yaml:"acceptRetries"`
	AutoLeaveOnDisconnect bool          `yaml:"autoLeaveOnDisconnect"`

	DB DBConfig `yaml:"db"`

	Sandbox SandboxConfig `yaml:"sandbox"`

	WorkerConcurrency int `yaml:"workerConcurrency"`

	// Run endpoint rate limit: tokens per second and burst size.
	RunRate  float64 `yaml:"runRate"`
	RunBurst int     `yaml:"runBurst"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	KeyPrefix     string `yaml:"keyPrefix"`
	JobsStream    string `yaml:"jobsStream"`
	JobsGroup     string `yaml:"jobsGroup"`
	ResultsStream string `yaml:"resultsStream"`
	ResultsGroup  string `yaml:"resultsGroup"`
	EventsChannel string `yaml:"eventsChannel"`

	// Deliveries left unacknowledged longer than RecoveryMaxAge are reclaimed.
	RecoveryInterval time.Duration `yaml:"recoveryInterval"`
	RecoveryMaxAge   time.Duration `yaml:"recoveryMaxAge"`
}

type DBConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

type SandboxConfig struct {
	Image         string        `yaml:"image"`
	Timeout       time.Duration `yaml:"timeout"`
	MemoryMB      int64         `yaml:"memoryMB"`
	CodeDir       string        `yaml:"codeDir"`
	FixtureSource string        `yaml:"fixtureSource"` // "dir" | "minio"
	FixtureDir    string        `yaml:"fixtureDir"`

	MinIO MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			KeyPrefix:        "codeduel",
			JobsStream:       "codeduel:jobs",
			JobsGroup:        "codeduel:sandbox",
			ResultsStream:    "codeduel:results",
			ResultsGroup:     "codeduel:correlators",
			EventsChannel:    "codeduel:events",
			RecoveryInterval: 30 * time.Second,
			RecoveryMaxAge:   2 * time.Minute,
		},
		MatchInterval: 5 * time.Second,
		PendingTTL:    12 * time.Second,
		StoreTimeout:  2 * time.Second,
		AcceptRetries: 5,
		DB: DBConfig{
			Driver: "sqlite",
			Path:   "./data/codeduel.db",
		},
		Sandbox: SandboxConfig{
			Image:         "codeduel-launcher:node",
			Timeout:       15 * time.Second,
			MemoryMB:      512,
			CodeDir:       os.TempDir(),
			FixtureSource: "dir",
			FixtureDir:    "./challengeTests",
			MinIO: MinIOConfig{
				Bucket: "challenge-tests",
			},
		},
		WorkerConcurrency: 4,
		RunRate:           0.5,
		RunBurst:          5,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then CODEDUEL_* / legacy environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	FromEnv(&cfg)
	return cfg, nil
}

// FromEnv overlays environment variables onto cfg.
func FromEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("CODEDUEL_HTTP_ADDR", cfg.HTTPAddr)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("CODEDUEL_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.Redis.JobsStream = getEnv("CODEDUEL_JOBS_STREAM", cfg.Redis.JobsStream)
	cfg.Redis.JobsGroup = getEnv("CODEDUEL_JOBS_GROUP", cfg.Redis.JobsGroup)
	cfg.Redis.ResultsStream = getEnv("CODEDUEL_RESULTS_STREAM", cfg.Redis.ResultsStream)
	cfg.Redis.ResultsGroup = getEnv("CODEDUEL_RESULTS_GROUP", cfg.Redis.ResultsGroup)
	cfg.Redis.EventsChannel = getEnv("CODEDUEL_EVENTS_CHANNEL", cfg.Redis.EventsChannel)

	cfg.MatchInterval = getEnvDuration("CODEDUEL_MATCH_INTERVAL", cfg.MatchInterval)
	cfg.PendingTTL = getEnvDuration("CODEDUEL_PENDING_TTL", cfg.PendingTTL)
	cfg.StoreTimeout = getEnvDuration("CODEDUEL_STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.AcceptRetries = getEnvInt("CODEDUEL_ACCEPT_RETRIES", cfg.AcceptRetries)
	cfg.AutoLeaveOnDisconnect = getEnvBool("AUTO_LEAVE_ON_DISCONNECT", cfg.AutoLeaveOnDisconnect)

	cfg.DB.Driver = getEnv("CODEDUEL_DB_DRIVER", cfg.DB.Driver)
	cfg.DB.Path = getEnv("CODEDUEL_DB_PATH", cfg.DB.Path)
	cfg.DB.URL = getEnv("CODEDUEL_DATABASE_URL", cfg.DB.URL)

	cfg.Sandbox.Image = getEnv("SANDBOX_IMAGE", cfg.Sandbox.Image)
	cfg.Sandbox.Timeout = getEnvDuration("SANDBOX_TIMEOUT", cfg.Sandbox.Timeout)
	cfg.Sandbox.MemoryMB = int64(getEnvInt("SANDBOX_MEMORY_MB", int(cfg.Sandbox.MemoryMB)))
	cfg.Sandbox.CodeDir = getEnv("SANDBOX_CODE_DIR", cfg.Sandbox.CodeDir)
	cfg.Sandbox.FixtureSource = getEnv("SANDBOX_FIXTURE_SOURCE", cfg.Sandbox.FixtureSource)
	cfg.Sandbox.FixtureDir = getEnv("SANDBOX_FIXTURE_DIR", cfg.Sandbox.FixtureDir)
	cfg.Sandbox.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", cfg.Sandbox.MinIO.Endpoint)
	cfg.Sandbox.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", cfg.Sandbox.MinIO.AccessKey)
	cfg.Sandbox.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", cfg.Sandbox.MinIO.SecretKey)
	cfg.Sandbox.MinIO.Bucket = getEnv("MINIO_BUCKET", cfg.Sandbox.MinIO.Bucket)
	cfg.Sandbox.MinIO.Prefix = getEnv("MINIO_PREFIX", cfg.Sandbox.MinIO.Prefix)
	cfg.Sandbox.MinIO.UseSSL = getEnvBool("MINIO_USE_SSL", cfg.Sandbox.MinIO.UseSSL)

	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.RunBurst = getEnvInt("CODEDUEL_RUN_BURST", cfg.RunBurst)
	if v := os.Getenv("CODEDUEL_RUN_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RunRate = f
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
