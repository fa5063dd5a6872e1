package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Tier names recognized by the limiter configuration.
const (
	TierStandard = "STANDARD"
	TierFree     = "FREE"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Extractor   ExtractorConfig `toml:"extractor"`
	Session     SessionConfig   `toml:"session"`
	Profiles    ProfilesConfig  `toml:"profiles"`
	Cleanup     CleanupConfig   `toml:"cleanup"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Blob   BlobConfig   `toml:"blob"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// BlobConfig represents the filesystem blob store configuration
type BlobConfig struct {
	Root string `toml:"root"` // Root directory all blob paths resolve under
	// SigningKey signs time-limited download URLs. Generated at startup
	// when empty, which invalidates outstanding URLs across restarts.
	SigningKey string `toml:"signing_key"`
}

// ExtractorConfig configures the document-understanding provider client
// and the shared dispatch quota.
type ExtractorConfig struct {
	Endpoint string `toml:"endpoint"` // Provider base URL
	APIKey   string `toml:"api_key"`  // Provider API key

	// Tier selects the limiter + concurrency defaults; rate/burst/
	// max_concurrent override individual values when non-zero.
	Tier          string  `toml:"tier" validate:"omitempty,oneof=STANDARD FREE"`
	Rate          float64 `toml:"rate"`           // Tokens per second
	Burst         int     `toml:"burst"`          // Bucket capacity
	MaxConcurrent int     `toml:"max_concurrent"` // Dispatcher pool size

	PollIntervalMin string `toml:"poll_interval_min"` // Minimum poll spacing, e.g. "2s"
	PollDeadline    string `toml:"poll_deadline"`     // Per-job poll cap, e.g. "10m"
}

// SessionConfig bounds uploads and retention.
type SessionConfig struct {
	Retention          string `toml:"retention"`     // Session TTL, e.g. "24h"
	MaxFileSize        int64  `toml:"max_file_size"` // Per-file upload cap in bytes
	MaxFilesPerSession int    `toml:"max_files_per_session"`
	DefaultModel       string `toml:"default_model"` // Model used when upload omits model_id
	CreditGrant        int    `toml:"credit_grant"`  // Starting page balance for new users
}

// ProfilesConfig locates the model profile registry.
type ProfilesConfig struct {
	Path string `toml:"path"` // models.yaml path; embedded defaults when empty
}

// CleanupConfig drives the lifecycle sweep that backs up armed timers.
type CleanupConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for WebSocket progress streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast via WebSocket. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"session_progress": "500ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in papyrus.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/db",
			},
			Blob: BlobConfig{
				Root: "./data/blobs",
			},
		},
		Extractor: ExtractorConfig{
			Endpoint:        "http://localhost:9090",
			Tier:            TierStandard,
			PollIntervalMin: "2s",
			PollDeadline:    "10m",
		},
		Session: SessionConfig{
			Retention:          "24h",
			MaxFileSize:        4 * 1024 * 1024, // 4 MiB per file
			MaxFilesPerSession: 20,
			DefaultModel:       "ticket-extraction-v3",
			CreditGrant:        100,
		},
		Profiles: ProfilesConfig{
			Path: "", // embedded defaults
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Schedule: "0 * * * *", // hourly sweep backing up armed timers
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"session_progress": "500ms",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PAPYRUS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PAPYRUS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PAPYRUS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("PAPYRUS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if blobRoot := os.Getenv("PAPYRUS_BLOB_ROOT"); blobRoot != "" {
		config.Storage.Blob.Root = blobRoot
	}
	if signingKey := os.Getenv("PAPYRUS_BLOB_SIGNING_KEY"); signingKey != "" {
		config.Storage.Blob.SigningKey = signingKey
	}

	// Extractor configuration
	if endpoint := os.Getenv("PAPYRUS_EXTRACTOR_ENDPOINT"); endpoint != "" {
		config.Extractor.Endpoint = endpoint
	}
	if apiKey := os.Getenv("PAPYRUS_EXTRACTOR_API_KEY"); apiKey != "" {
		config.Extractor.APIKey = apiKey
	}
	if tier := os.Getenv("PAPYRUS_EXTRACTOR_TIER"); tier != "" {
		config.Extractor.Tier = strings.ToUpper(tier)
	}
	if rate := os.Getenv("PAPYRUS_EXTRACTOR_RATE"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Extractor.Rate = r
		}
	}
	if burst := os.Getenv("PAPYRUS_EXTRACTOR_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			config.Extractor.Burst = b
		}
	}
	if maxConcurrent := os.Getenv("PAPYRUS_EXTRACTOR_MAX_CONCURRENT"); maxConcurrent != "" {
		if mc, err := strconv.Atoi(maxConcurrent); err == nil {
			config.Extractor.MaxConcurrent = mc
		}
	}
	if pollInterval := os.Getenv("PAPYRUS_EXTRACTOR_POLL_INTERVAL_MIN"); pollInterval != "" {
		if _, err := time.ParseDuration(pollInterval); err == nil {
			config.Extractor.PollIntervalMin = pollInterval
		}
	}
	if pollDeadline := os.Getenv("PAPYRUS_EXTRACTOR_POLL_DEADLINE"); pollDeadline != "" {
		if _, err := time.ParseDuration(pollDeadline); err == nil {
			config.Extractor.PollDeadline = pollDeadline
		}
	}

	// Session configuration
	if retention := os.Getenv("PAPYRUS_SESSION_RETENTION"); retention != "" {
		if _, err := time.ParseDuration(retention); err == nil {
			config.Session.Retention = retention
		}
	}
	if maxFileSize := os.Getenv("PAPYRUS_SESSION_MAX_FILE_SIZE"); maxFileSize != "" {
		if mfs, err := strconv.ParseInt(maxFileSize, 10, 64); err == nil {
			config.Session.MaxFileSize = mfs
		}
	}
	if maxFiles := os.Getenv("PAPYRUS_SESSION_MAX_FILES"); maxFiles != "" {
		if mf, err := strconv.Atoi(maxFiles); err == nil {
			config.Session.MaxFilesPerSession = mf
		}
	}
	if defaultModel := os.Getenv("PAPYRUS_SESSION_DEFAULT_MODEL"); defaultModel != "" {
		config.Session.DefaultModel = defaultModel
	}
	if creditGrant := os.Getenv("PAPYRUS_SESSION_CREDIT_GRANT"); creditGrant != "" {
		if cg, err := strconv.Atoi(creditGrant); err == nil {
			config.Session.CreditGrant = cg
		}
	}

	// Profiles configuration
	if profilesPath := os.Getenv("PAPYRUS_PROFILES_PATH"); profilesPath != "" {
		config.Profiles.Path = profilesPath
	}

	// Cleanup configuration
	if enabled := os.Getenv("PAPYRUS_CLEANUP_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Cleanup.Enabled = e
		}
	}
	if schedule := os.Getenv("PAPYRUS_CLEANUP_SCHEDULE"); schedule != "" {
		config.Cleanup.Schedule = schedule
	}

	// Logging configuration
	if level := os.Getenv("PAPYRUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PAPYRUS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("PAPYRUS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// WebSocket configuration
	if allowedEvents := os.Getenv("PAPYRUS_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			if trimmed := strings.TrimSpace(e); trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if progressThrottle := os.Getenv("PAPYRUS_WEBSOCKET_THROTTLE_PROGRESS"); progressThrottle != "" {
		if _, err := time.ParseDuration(progressThrottle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["session_progress"] = progressThrottle
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints and duration fields.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"extractor.poll_interval_min": c.Extractor.PollIntervalMin,
		"extractor.poll_deadline":     c.Extractor.PollDeadline,
		"session.retention":           c.Session.Retention,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	return nil
}

// PollIntervalMinDuration returns the minimum poll spacing, defaulting to 2s.
func (c *ExtractorConfig) PollIntervalMinDuration() time.Duration {
	return parseDurationOr(c.PollIntervalMin, 2*time.Second)
}

// PollDeadlineDuration returns the per-job poll cap, defaulting to 10m.
func (c *ExtractorConfig) PollDeadlineDuration() time.Duration {
	return parseDurationOr(c.PollDeadline, 10*time.Minute)
}

// RetentionDuration returns the session TTL, defaulting to 24h.
func (c *SessionConfig) RetentionDuration() time.Duration {
	return parseDurationOr(c.Retention, 24*time.Hour)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
