package renderq

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the API and worker processes. Values come
// from an optional YAML file with environment overrides on top, so a bare
// deployment can run on environment variables alone.
type Config struct {
	// Redis is the broker store connection.
	Redis RedisConfig `yaml:"redis"`

	// Queue is the dispatch queue name shared by API and workers.
	Queue string `yaml:"queue"`

	// HTTP configures the API process.
	HTTP HTTPConfig `yaml:"http"`

	// Upload bounds for submitted images.
	Upload UploadConfig `yaml:"upload"`

	// Artifact selects and configures the blob store for inputs/results.
	Artifact ArtifactConfig `yaml:"artifact"`

	// Generation holds the fixed parameters passed to the collaborator.
	Generation GenerationConfig `yaml:"generation"`

	// Worker configures the consumer process.
	Worker WorkerConfig `yaml:"worker"`
}

// RedisConfig is the broker store connection location.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// SubmitRatePerSec caps accepted submissions per second. Zero disables
	// the limiter.
	SubmitRatePerSec float64 `yaml:"submit_rate_per_sec"`
	SubmitBurst      int     `yaml:"submit_burst"`
}

// UploadConfig bounds submitted payloads.
type UploadConfig struct {
	// MaxBytes is the largest accepted image payload.
	MaxBytes int64 `yaml:"max_bytes"`
}

// ArtifactConfig selects the blob store backend.
type ArtifactConfig struct {
	// Backend is "fs" or "s3".
	Backend string `yaml:"backend"`
	// Dir is the root directory for the fs backend.
	Dir string `yaml:"dir"`
	// Bucket is the bucket name for the s3 backend.
	Bucket string `yaml:"bucket"`
}

// GenerationConfig holds the collaborator invocation and its fixed
// parameters. These are configuration, not per-request inputs.
type GenerationConfig struct {
	// Command is the pipeline binary the worker execs per job.
	Command string `yaml:"command"`
	// Args are passed to Command with {input}/{output}/{width}/{height}/
	// {frames}/{fps}/{chunk} placeholders expanded.
	Args []string `yaml:"args"`

	Width           int `yaml:"width"`
	Height          int `yaml:"height"`
	Frames          int `yaml:"frames"`
	FPS             int `yaml:"fps"`
	DecodeChunkSize int `yaml:"decode_chunk_size"`

	// Timeout bounds one generation run. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is how many times a failed generation is requeued before
	// the job is parked at failed.
	MaxRetries int `yaml:"max_retries"`
}

// WorkerConfig configures the consumer process.
type WorkerConfig struct {
	// Concurrency is the number of concurrent jobs per worker process.
	// Generation monopolizes the accelerator, so the default is 1.
	Concurrency int `yaml:"concurrency"`

	// HeartbeatInterval is how often in-flight jobs are heartbeated.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleAfter is the lease threshold after which a started job without
	// a heartbeat is returned to the queue. Zero disables reaping.
	StaleAfter time.Duration `yaml:"stale_after"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: "video-tasks",
		HTTP: HTTPConfig{
			Addr:             ":8000",
			SubmitRatePerSec: 5,
			SubmitBurst:      10,
		},
		Upload: UploadConfig{MaxBytes: 20 << 20},
		Artifact: ArtifactConfig{
			Backend: "fs",
			Dir:     "data",
		},
		Generation: GenerationConfig{
			Width:           1024,
			Height:          576,
			Frames:          25,
			FPS:             7,
			DecodeChunkSize: 8,
			MaxRetries:      3,
		},
		Worker: WorkerConfig{
			Concurrency:       1,
			HeartbeatInterval: 10 * time.Second,
			StaleAfter:        5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// RENDERQ_* environment overrides, in that order. An empty path skips the
// file step.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("renderq: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("renderq: parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides configuration from RENDERQ_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Redis.Addr, "RENDERQ_REDIS_ADDR")
	setString(&c.Redis.Password, "RENDERQ_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "RENDERQ_REDIS_DB")
	setString(&c.Queue, "RENDERQ_QUEUE")
	setString(&c.HTTP.Addr, "RENDERQ_HTTP_ADDR")
	setInt64(&c.Upload.MaxBytes, "RENDERQ_UPLOAD_MAX_BYTES")
	setString(&c.Artifact.Backend, "RENDERQ_ARTIFACT_BACKEND")
	setString(&c.Artifact.Dir, "RENDERQ_ARTIFACT_DIR")
	setString(&c.Artifact.Bucket, "RENDERQ_ARTIFACT_BUCKET")
	setString(&c.Generation.Command, "RENDERQ_GEN_COMMAND")
	setInt(&c.Generation.Width, "RENDERQ_GEN_WIDTH")
	setInt(&c.Generation.Height, "RENDERQ_GEN_HEIGHT")
	setInt(&c.Generation.Frames, "RENDERQ_GEN_FRAMES")
	setInt(&c.Generation.FPS, "RENDERQ_GEN_FPS")
	setInt(&c.Generation.DecodeChunkSize, "RENDERQ_GEN_DECODE_CHUNK_SIZE")
	setDuration(&c.Generation.Timeout, "RENDERQ_GEN_TIMEOUT")
	setInt(&c.Generation.MaxRetries, "RENDERQ_GEN_MAX_RETRIES")
	setInt(&c.Worker.Concurrency, "RENDERQ_WORKER_CONCURRENCY")
	setDuration(&c.Worker.HeartbeatInterval, "RENDERQ_WORKER_HEARTBEAT_INTERVAL")
	setDuration(&c.Worker.StaleAfter, "RENDERQ_WORKER_STALE_AFTER")
	setDuration(&c.Worker.ShutdownTimeout, "RENDERQ_WORKER_SHUTDOWN_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
