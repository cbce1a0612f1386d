package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/common/db"
	commonmw "execbox/internal/common/http/middleware"
	"execbox/internal/common/mq"
	"execbox/internal/common/storage"
	"execbox/internal/executor/engine"
	"execbox/internal/executor/fetcher"
	"execbox/internal/executor/registry"
	"execbox/internal/executor/service"
	"execbox/internal/executor/spec"
	"execbox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 90 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxConcurrent   = 4
	defaultWorkspaceMaxAge = time.Hour
	defaultSweepInterval   = 10 * time.Minute
	defaultPruneInterval   = time.Hour
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ExecutorConfig holds request handling settings.
type ExecutorConfig struct {
	MaxConcurrent         int             `yaml:"maxConcurrent"`
	DefaultTimeout        time.Duration   `yaml:"defaultTimeout"`
	DefaultMaxOutputBytes int64           `yaml:"defaultMaxOutputBytes"`
	Service               service.Options `yaml:",inline"`
}

// SandboxConfig holds process runner settings.
type SandboxConfig struct {
	Mode             string        `yaml:"mode"`
	HelperPath       string        `yaml:"helperPath"`
	RootFS           string        `yaml:"rootFS"`
	SeccompProfile   string        `yaml:"seccompProfile"`
	CgroupRoot       string        `yaml:"cgroupRoot"`
	EnableSeccomp    bool          `yaml:"enableSeccomp"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`
	DisableNetwork   bool          `yaml:"disableNetwork"`
	KillGrace        time.Duration `yaml:"killGrace"`
}

// WorkspaceConfig holds workspace settings.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	MaxAge        time.Duration `yaml:"maxAge"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// ResultConfig holds result store settings.
type ResultConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// HistoryConfig holds execution history retention settings.
type HistoryConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`
	EmptyCacheTTL time.Duration `yaml:"emptyCacheTTL"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxInFlight   int           `yaml:"maxInFlight"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// AuthConfig holds optional bearer token settings.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// AppConfig holds executor-service config.
type AppConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Logger    logger.Config            `yaml:"logger"`
	Executor  ExecutorConfig           `yaml:"executor"`
	Sandbox   SandboxConfig            `yaml:"sandbox"`
	Fetcher   fetcher.Config           `yaml:"fetcher"`
	Workspace WorkspaceConfig          `yaml:"workspace"`
	Result    ResultConfig             `yaml:"result"`
	History   HistoryConfig            `yaml:"history"`
	Redis     cache.RedisConfig        `yaml:"redis"`
	Database  db.MySQLConfig           `yaml:"database"`
	MinIO     storage.MinIOConfig      `yaml:"minio"`
	Kafka     KafkaConfig              `yaml:"kafka"`
	Auth      AuthConfig               `yaml:"auth"`
	RateLimit commonmw.RateLimitConfig `yaml:"rateLimit"`
	CORS      commonmw.CORSConfig      `yaml:"cors"`
	Languages []registry.Profile       `yaml:"languages"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Languages) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultHTTPAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = defaultIdleTimeout
	}
	if c.Executor.MaxConcurrent <= 0 {
		c.Executor.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Executor.Service.SourceBucket == "" {
		c.Executor.Service.SourceBucket = c.MinIO.Bucket
	}
	if c.Fetcher.DefaultBucket == "" {
		c.Fetcher.DefaultBucket = c.MinIO.Bucket
	}
	if c.Workspace.MaxAge == 0 {
		c.Workspace.MaxAge = defaultWorkspaceMaxAge
	}
	if c.Workspace.SweepInterval == 0 {
		c.Workspace.SweepInterval = defaultSweepInterval
	}
	if c.History.PruneInterval == 0 {
		c.History.PruneInterval = defaultPruneInterval
	}
	if c.Kafka.MaxInFlight <= 0 {
		c.Kafka.MaxInFlight = c.Executor.MaxConcurrent
	}
	topics := &c.Executor.Service.Topics
	if len(c.Kafka.Brokers) > 0 {
		if topics.Jobs == "" {
			topics.Jobs = "execbox.jobs"
		}
		if topics.Results == "" {
			topics.Results = "execbox.results"
		}
		if topics.DeadLetter == "" {
			topics.DeadLetter = "execbox.jobs.dlq"
		}
	}
	if c.Redis.Addr != "" {
		c.Redis = c.Redis.WithDefaults()
	}
}

func (c ExecutorConfig) defaultLimits() spec.Limits {
	return spec.Limits{
		TimeoutMs:      c.DefaultTimeout.Milliseconds(),
		MaxOutputBytes: c.DefaultMaxOutputBytes,
	}
}

func (s SandboxConfig) toEngineConfig(exec ExecutorConfig) engine.Config {
	return engine.Config{
		Mode:                  s.Mode,
		HelperPath:            s.HelperPath,
		RootFS:                s.RootFS,
		SeccompProfile:        s.SeccompProfile,
		CgroupRoot:            s.CgroupRoot,
		EnableSeccomp:         s.EnableSeccomp,
		EnableCgroup:          s.EnableCgroup,
		EnableNamespaces:      s.EnableNamespaces,
		DisableNetwork:        s.DisableNetwork,
		KillGrace:             s.KillGrace,
		DefaultTimeout:        exec.DefaultTimeout,
		DefaultMaxOutputBytes: exec.DefaultMaxOutputBytes,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func (k KafkaConfig) subscribeOptions(deadLetter string, limiter mq.FetchLimiter) mq.SubscribeOptions {
	return mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxAttempts:     k.MaxAttempts,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: deadLetter,
		MessageTTL:      k.MessageTTL,
		Limiter:         limiter,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
