// Package config loads server configuration from an optional YAML file and
// REPLAYCORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"replaycore/internal/blob"
)

// Config holds all configuration values.
type Config struct {
	Addr     string         `yaml:"addr"`
	Blob     BlobConfig     `yaml:"blob"`
	Playback PlaybackConfig `yaml:"playback"`
	Stats    StatsConfig    `yaml:"stats"`
	Agent    AgentConfig    `yaml:"agent"`
	Log      LogConfig      `yaml:"log"`

	// Watch reports replay files changed by other processes (fs driver only).
	Watch bool `yaml:"watch"`
}

// BlobConfig selects where replay documents live.
type BlobConfig struct {
	Driver string        `yaml:"driver"`
	FSRoot string        `yaml:"fs_root"`
	S3     blob.S3Config `yaml:"s3"`
}

// PlaybackConfig paces background playback.
type PlaybackConfig struct {
	FrameDelay  time.Duration `yaml:"frame_delay"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// StatsConfig selects the training-run store.
type StatsConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AgentConfig sizes the built-in baseline agent.
type AgentConfig struct {
	MemoryCapacity int    `yaml:"memory_capacity"`
	Seed           uint64 `yaml:"seed"`
}

// LogConfig controls the logger built by SetupLogger.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr: ":8080",
		Blob: BlobConfig{Driver: string(blob.DriverFilesystem), FSRoot: "./replays"},
		Playback: PlaybackConfig{
			FrameDelay:  50 * time.Millisecond,
			StopTimeout: time.Second,
		},
		Stats: StatsConfig{Driver: "sqlite", SQLitePath: "replaycore.db"},
		Agent: AgentConfig{MemoryCapacity: 10000},
		Log:   LogConfig{File: "replaycore.log", Level: "INFO"},
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty, then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and non-positive sizes.
func (c Config) Validate() error {
	var errs []error
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverS3, blob.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if blob.Driver(c.Blob.Driver) == blob.DriverS3 && c.Blob.S3.Bucket == "" {
		errs = append(errs, errors.New("s3 bucket required"))
	}
	switch c.Stats.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown stats driver %q", c.Stats.Driver))
	}
	if c.Playback.FrameDelay <= 0 {
		errs = append(errs, errors.New("playback frame delay must be positive"))
	}
	if c.Playback.StopTimeout <= 0 {
		errs = append(errs, errors.New("playback stop timeout must be positive"))
	}
	if c.Agent.MemoryCapacity <= 0 {
		errs = append(errs, errors.New("agent memory capacity must be positive"))
	}
	return errors.Join(errs...)
}

// Level parses Log.Level.
func (c Config) Level() slog.Level {
	return ParseLogLevel(c.Log.Level)
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Addr, "REPLAYCORE_ADDR")
	setString(&cfg.Blob.Driver, "REPLAYCORE_BLOB_DRIVER")
	setString(&cfg.Blob.FSRoot, "REPLAYCORE_BLOB_FS_ROOT")
	setString(&cfg.Blob.S3.Bucket, "REPLAYCORE_BLOB_S3_BUCKET")
	setString(&cfg.Blob.S3.Region, "REPLAYCORE_BLOB_S3_REGION")
	setString(&cfg.Blob.S3.Endpoint, "REPLAYCORE_BLOB_S3_ENDPOINT")
	setString(&cfg.Blob.S3.AccessKeyID, "REPLAYCORE_BLOB_S3_ACCESS_KEY_ID")
	setString(&cfg.Blob.S3.SecretAccessKey, "REPLAYCORE_BLOB_S3_SECRET_ACCESS_KEY")
	setString(&cfg.Blob.S3.SessionToken, "REPLAYCORE_BLOB_S3_SESSION_TOKEN")
	setString(&cfg.Stats.Driver, "REPLAYCORE_STATS_DRIVER")
	setString(&cfg.Stats.SQLitePath, "REPLAYCORE_SQLITE_PATH")
	setString(&cfg.Stats.PostgresDSN, "REPLAYCORE_POSTGRES_DSN")
	setString(&cfg.Log.File, "REPLAYCORE_LOG_FILE")
	setString(&cfg.Log.Level, "REPLAYCORE_LOG_LEVEL")

	var errs []error
	errs = append(errs,
		setBool(&cfg.Blob.S3.PathStyle, "REPLAYCORE_BLOB_S3_PATH_STYLE"),
		setBool(&cfg.Watch, "REPLAYCORE_WATCH"),
		setDuration(&cfg.Playback.FrameDelay, "REPLAYCORE_PLAYBACK_DELAY"),
		setDuration(&cfg.Playback.StopTimeout, "REPLAYCORE_STOP_TIMEOUT"),
		setInt(&cfg.Agent.MemoryCapacity, "REPLAYCORE_MEMORY_CAPACITY"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// ParseLogLevel maps DEBUG, INFO, WARN/WARNING and ERROR to slog levels;
// anything else is INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
