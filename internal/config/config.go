// Package config loads and validates watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pdf-watcher/internal/batch/remote"
	"github.com/JakeFAU/pdf-watcher/internal/logging"
	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	"github.com/JakeFAU/pdf-watcher/internal/progress"
	"github.com/JakeFAU/pdf-watcher/internal/report"
	"github.com/JakeFAU/pdf-watcher/internal/storage/gcs"
	"github.com/JakeFAU/pdf-watcher/internal/storage/local"
	"github.com/JakeFAU/pdf-watcher/internal/storage/postgres"
	"github.com/JakeFAU/pdf-watcher/internal/telemetry"
)

// Backend names shared by several sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSheet    = "sheet"
	BackendGCS      = "gcs"
	BackendBadger   = "badger"
	BackendLocal    = "local"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Logging      logging.Config      `mapstructure:"logging"`
	Workbook     WorkbookConfig      `mapstructure:"workbook"`
	Storage      StorageConfig       `mapstructure:"storage"`
	Database     postgres.PoolConfig `mapstructure:"database"`
	Redis        RedisConfig         `mapstructure:"redis"`
	State        StateConfig         `mapstructure:"state"`
	Lock         LockConfig          `mapstructure:"lock"`
	Scheduler    SchedulerConfig     `mapstructure:"scheduler"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Batch        BatchConfig         `mapstructure:"batch"`
	Changes      ChangesConfig       `mapstructure:"changes"`
	PubSub       PubSubConfig        `mapstructure:"pubsub"`
	Report       report.Config       `mapstructure:"report"`
	Progress     ProgressConfig      `mapstructure:"progress"`
	Tracing      telemetry.Config    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Dispatch runs the continuation consumer alongside the API.
	Dispatch bool `mapstructure:"dispatch"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkbookConfig locates the spreadsheet backend.
type WorkbookConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig selects the repository backend and the report blob store.
type StorageConfig struct {
	Backend string     `mapstructure:"backend"`
	Blob    BlobConfig `mapstructure:"blob"`
}

// BlobConfig selects where workbook exports go.
type BlobConfig struct {
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// RedisConfig addresses the shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StateConfig selects the processing state store.
type StateConfig struct {
	Backend    string        `mapstructure:"backend"`
	Key        string        `mapstructure:"key"`
	Expiry     time.Duration `mapstructure:"expiry"`
	Table      string        `mapstructure:"table"`
	BadgerPath string        `mapstructure:"badger_path"`
	Bucket     string        `mapstructure:"bucket"`
	Object     string        `mapstructure:"object"`
}

// LockConfig selects the lock backend and its retry policy.
type LockConfig struct {
	Backend    string        `mapstructure:"backend"`
	RunKey     string        `mapstructure:"run_key"`
	ArchiveKey string        `mapstructure:"archive_key"`
	Retries    int           `mapstructure:"retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	Lease      time.Duration `mapstructure:"lease"`
	Poll       time.Duration `mapstructure:"poll"`
}

// SchedulerConfig selects the continuation scheduler.
type SchedulerConfig struct {
	Backend  string        `mapstructure:"backend"`
	Key      string        `mapstructure:"key"`
	Poll     time.Duration `mapstructure:"poll"`
	Capacity int           `mapstructure:"capacity"`
}

// BatchConfig selects between the in-process and remote batch runner.
type BatchConfig struct {
	Remote        remote.Config `mapstructure:"remote"`
	ParallelSize  int           `mapstructure:"parallel_size"`
	ParallelLimit int           `mapstructure:"parallel_limit"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
}

// ChangesConfig controls changes history retention.
type ChangesConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	Hub        progress.Config `mapstructure:"hub"`
	LogSink    bool            `mapstructure:"log_sink"`
	Prometheus bool            `mapstructure:"prometheus"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PDFWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	orch := orchestrator.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.dispatch", true)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("workbook.path", "pdf-watcher.xlsx")
	v.SetDefault("storage.backend", BackendSheet)
	v.SetDefault("storage.blob.backend", BackendNone)
	v.SetDefault("storage.blob.gcs.bucket", "")
	v.SetDefault("storage.blob.gcs.prefix", "")
	v.SetDefault("storage.blob.local.base_dir", "exports")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("state.backend", BackendMemory)
	v.SetDefault("state.key", "PDF_WATCHER_PROCESSING_STATE")
	v.SetDefault("state.expiry", 24*time.Hour)
	v.SetDefault("state.table", "watcher_state")
	v.SetDefault("state.badger_path", "state.badger")
	v.SetDefault("state.bucket", "")
	v.SetDefault("state.object", "pdf-watcher/state.json")
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.run_key", "pdf-watcher:lock:run")
	v.SetDefault("lock.archive_key", "pdf-watcher:lock:archive")
	v.SetDefault("lock.retries", 3)
	v.SetDefault("lock.backoff", time.Second)
	v.SetDefault("lock.lease", 10*time.Minute)
	v.SetDefault("lock.poll", 250*time.Millisecond)
	v.SetDefault("scheduler.backend", BackendMemory)
	v.SetDefault("scheduler.key", "pdf-watcher:continuations")
	v.SetDefault("scheduler.poll", 5*time.Second)
	v.SetDefault("scheduler.capacity", 16)
	v.SetDefault("orchestrator.group_size", orch.GroupSize)
	v.SetDefault("orchestrator.mini_batch_size", orch.MiniBatchSize)
	v.SetDefault("orchestrator.max_execution_time", orch.MaxExecutionTime)
	v.SetDefault("orchestrator.safety_margin", orch.SafetyMargin)
	v.SetDefault("orchestrator.min_group_time", orch.MinGroupTime)
	v.SetDefault("orchestrator.continuation_delay", orch.ContinuationDelay)
	v.SetDefault("orchestrator.busy_retry_delay", orch.BusyRetryDelay)
	v.SetDefault("orchestrator.new_run_lock_wait", orch.NewRunLockWait)
	v.SetDefault("orchestrator.continue_lock_wait", orch.ContinueLockWait)
	v.SetDefault("orchestrator.archive_store_id", "")
	v.SetDefault("batch.remote.url", "")
	v.SetDefault("batch.remote.api_key", "")
	v.SetDefault("batch.remote.rps", 0)
	v.SetDefault("batch.remote.attempts", 3)
	v.SetDefault("batch.remote.backoff", time.Second)
	v.SetDefault("batch.remote.timeout", 2*time.Minute)
	v.SetDefault("batch.parallel_size", 50)
	v.SetDefault("batch.parallel_limit", 10)
	v.SetDefault("batch.lock_wait", 30*time.Second)
	v.SetDefault("changes.retention", 5*24*time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("report.topic", report.DefaultTopic)
	v.SetDefault("report.export_prefix", "exports")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.hub.buffer_size", 256)
	v.SetDefault("progress.hub.max_batch_events", 64)
	v.SetDefault("progress.hub.max_batch_wait", time.Second)
	v.SetDefault("progress.hub.sink_timeout", 2*time.Second)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "pdf-watcher")
	v.SetDefault("tracing.version", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendSheet, BackendPostgres, BackendMemory); err != nil {
		return err
	}
	if err := oneOf("storage.blob.backend", c.Storage.Blob.Backend, BackendGCS, BackendLocal, BackendMemory, BackendNone); err != nil {
		return err
	}
	if err := oneOf("state.backend", c.State.Backend,
		BackendMemory, BackendRedis, BackendPostgres, BackendGCS, BackendBadger); err != nil {
		return err
	}
	if err := oneOf("lock.backend", c.Lock.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("scheduler.backend", c.Scheduler.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	switch {
	case c.Storage.Backend == BackendSheet && c.Workbook.Path == "":
		return fmt.Errorf("workbook.path must be set for the sheet backend")
	case c.UsesPostgres() && c.Database.DSN == "":
		return fmt.Errorf("database.dsn must be set for postgres backends")
	case c.UsesRedis() && c.Redis.Addr == "":
		return fmt.Errorf("redis.addr must be set for redis backends")
	case c.Storage.Blob.Backend == BackendGCS && c.Storage.Blob.GCS.Bucket == "":
		return fmt.Errorf("storage.blob.gcs.bucket must be set for the gcs blob backend")
	case c.State.Backend == BackendGCS && c.State.Bucket == "":
		return fmt.Errorf("state.bucket must be set for the gcs state backend")
	case c.State.Key == "":
		return fmt.Errorf("state.key must be set")
	case c.State.Expiry <= 0:
		return fmt.Errorf("state.expiry must be > 0")
	case c.Lock.Retries <= 0:
		return fmt.Errorf("lock.retries must be > 0")
	case c.Batch.ParallelSize <= 0 || c.Batch.ParallelLimit <= 0:
		return fmt.Errorf("batch.parallel_size and batch.parallel_limit must be > 0")
	case c.Changes.Retention <= 0:
		return fmt.Errorf("changes.retention must be > 0")
	case c.PubSub.TopicName != "" && c.PubSub.ProjectID == "":
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// UsesPostgres reports whether any backend needs the connection pool.
func (c Config) UsesPostgres() bool {
	return c.Storage.Backend == BackendPostgres || c.State.Backend == BackendPostgres
}

// UsesRedis reports whether any backend needs the Redis client.
func (c Config) UsesRedis() bool {
	return c.State.Backend == BackendRedis || c.Lock.Backend == BackendRedis || c.Scheduler.Backend == BackendRedis
}

// RemoteBatch reports whether mini-batches go to a remote batch endpoint.
func (c Config) RemoteBatch() bool {
	return c.Batch.Remote.BaseURL != ""
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
