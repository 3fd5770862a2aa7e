package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultDBPath            = "./chatcore.db"
	DefaultListenAddr        = "127.0.0.1:8686"
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 20
	DefaultMinMessageLength  = 1
	DefaultMaxMessageLength  = 6000
	DefaultDuplicateWindow   = 10 * time.Second
	DefaultMaxReplyDepth     = 1000
	DefaultMaxGroupMembers   = 50
	DefaultArchiveBatchSize  = 100
	DefaultArchiveRetryCron  = "*/15 * * * *"
	DefaultPresenceTTL       = 5 * time.Minute
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	envPrefix                = "CHATCORE_"
	defaultConfigFileName    = "chatcore.yaml"
	defaultDotEnvFileName    = ".env"
)

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Messages MessageConfig  `yaml:"messages"`
	Mentions MentionConfig  `yaml:"mentions"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Presence PresenceConfig `yaml:"presence"`
	Events   EventsConfig   `yaml:"events"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP daemon.
type ServerConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles each user's write requests. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MessageConfig holds content validation rules.
type MessageConfig struct {
	MinLength       int      `yaml:"min_length"`
	MaxLength       int      `yaml:"max_length"`
	DuplicateWindow Duration `yaml:"duplicate_window"`
	BannedWords     []string `yaml:"banned_words"`
	MaxReplyDepth   int      `yaml:"max_reply_depth"`
}

// MentionConfig holds mention fan-out limits.
type MentionConfig struct {
	MaxGroupMembers int `yaml:"max_group_members"`
}

// ArchiveConfig holds channel archive settings.
type ArchiveConfig struct {
	BatchSize         int      `yaml:"batch_size"`
	BatchesPerSecond  float64  `yaml:"batches_per_second"`
	RetryCron         string   `yaml:"retry_cron"`
	DefaultCategoryID int64    `yaml:"default_category_id"`
	DefaultTags       []string `yaml:"default_tags"`
}

// PresenceConfig selects the "here" tracker.
type PresenceConfig struct {
	RedisURL string   `yaml:"redis_url"`
	TTL      Duration `yaml:"ttl"`
}

// EventsConfig configures the JSONL audit log. Empty path disables it.
type EventsConfig struct {
	JSONLPath string `yaml:"jsonl_path"`
}

// Duration is a time.Duration that parses from YAML strings like "10s" or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDBPath},
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			RateLimit:  RateLimitConfig{RequestsPerSecond: DefaultRequestsPerSecond, Burst: DefaultBurst},
		},
		Log:      LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Messages: MessageConfig{
			MinLength:       DefaultMinMessageLength,
			MaxLength:       DefaultMaxMessageLength,
			DuplicateWindow: Duration(DefaultDuplicateWindow),
			MaxReplyDepth:   DefaultMaxReplyDepth,
		},
		Mentions: MentionConfig{MaxGroupMembers: DefaultMaxGroupMembers},
		Archive: ArchiveConfig{
			BatchSize: DefaultArchiveBatchSize,
			RetryCron: DefaultArchiveRetryCron,
		},
		Presence: PresenceConfig{TTL: Duration(DefaultPresenceTTL)},
	}
}

// Load resolves configuration with the following priority:
//  1. CHATCORE_* environment variables (highest)
//  2. variables from a .env file next to the working directory
//  3. the YAML file at path (chatcore.yaml when path is empty; a missing default file is fine)
//  4. defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = defaultConfigFileName
	}
	if err := cfg.mergeFile(path, explicit); err != nil {
		return nil, err
	}

	// .env only fills variables that are not already set
	if err := godotenv.Load(defaultDotEnvFileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", defaultDotEnvFileName, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("DB_PATH", &c.Database.Path)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("REDIS_URL", &c.Presence.RedisURL)
	str("ARCHIVE_RETRY_CRON", &c.Archive.RetryCron)
	str("EVENTS_PATH", &c.Events.JSONLPath)

	if v := getenv(envPrefix + "ARCHIVE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sARCHIVE_BATCH_SIZE %q: %w", envPrefix, v, err)
		}
		c.Archive.BatchSize = n
	}
	if v := getenv(envPrefix + "DUPLICATE_WINDOW"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sDUPLICATE_WINDOW: %w", envPrefix, err)
		}
		c.Messages.DuplicateWindow = Duration(d)
	}
	if v := getenv(envPrefix + "BANNED_WORDS"); v != "" {
		c.Messages.BannedWords = strings.Split(v, ",")
	}
	return nil
}

// Validate fails fast on values the services cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is empty: set database.path or %sDB_PATH", envPrefix)
	}
	if c.Archive.BatchSize <= 0 {
		return fmt.Errorf("archive.batch_size must be positive, got %d", c.Archive.BatchSize)
	}
	if c.Archive.BatchesPerSecond < 0 {
		return fmt.Errorf("archive.batches_per_second must not be negative")
	}
	if c.Archive.RetryCron != "" && !gronx.IsValid(c.Archive.RetryCron) {
		return fmt.Errorf("archive.retry_cron is not a valid cron expression: %q", c.Archive.RetryCron)
	}
	if c.Messages.MinLength < 0 || c.Messages.MaxLength <= 0 {
		return fmt.Errorf("messages length limits must be positive")
	}
	if c.Messages.MinLength > c.Messages.MaxLength {
		return fmt.Errorf("messages.min_length %d exceeds messages.max_length %d", c.Messages.MinLength, c.Messages.MaxLength)
	}
	if c.Messages.MaxReplyDepth <= 0 {
		return fmt.Errorf("messages.max_reply_depth must be positive")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if c.Mentions.MaxGroupMembers <= 0 {
		return fmt.Errorf("mentions.max_group_members must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
