package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file")
	ErrConfigVersionMissing  = errors.New("config file is missing version field")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
	ErrBotTokenMissing       = errors.New("BOT_TOKEN is not set")
	ErrUnknownBackend        = errors.New("unknown ledger backend")
)

// CurrentVersion is the version of the config file layout.
const CurrentVersion = 1

// FileName is the name of the config file looked up in each search path.
const FileName = "gatekeeper.toml"

// Ledger backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendCSV      = "csv"
	BackendRedis    = "redis"
)

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	Ledger     Ledger     `koanf:"ledger"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	SQLite     SQLite     `koanf:"sqlite"`
	CSV        CSV        `koanf:"csv"`
	Redis      Redis      `koanf:"redis"`
	Discord    Discord    `koanf:"discord"`
	GlobalBan  GlobalBan  `koanf:"global_ban"`
	Telemetry  Telemetry  `koanf:"telemetry"`
	Loki       Loki       `koanf:"loki"`

	// Env holds credentials and notification destinations read from the environment.
	Env Env `koanf:"-"`
}

// Env contains the values only ever supplied through environment variables.
type Env struct {
	BotToken         string `env:"BOT_TOKEN"`
	BanWebhookURL    string `env:"BAN_WEBHOOK_URL"`
	AvatarWebhookURL string `env:"AVATAR_WEBHOOK_URL"`
	ReportWebhookURL string `env:"REPORT_WEBHOOK_URL"`
	LocalKickWebhook string `env:"LK_WEBHOOK_URL"`
	LocalBanWebhook  string `env:"LB_WEBHOOK_URL"`
	PurgeWebhookURL  string `env:"PURGE_WEBHOOK_URL"`
	DBPassword       string `env:"DB_PASSWORD"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	UptraceDSN       string `env:"UPTRACE_DSN"`
	LokiPassword     string `env:"LOKI_PASSWORD"`
}

// Debug contains logging configuration.
type Debug struct {
	// Logging level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Number of session log directories to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
	// Maximum number of lines kept in each log file.
	MaxLogLines int `koanf:"max_log_lines"`
	// Also write logs to stderr.
	Console bool `koanf:"console"`
}

// Ledger selects the storage backend.
type Ledger struct {
	// One of postgres, sqlite, csv, redis.
	Backend string `koanf:"backend"`
	// Apply pending schema migrations on startup (SQL backends only).
	AutoMigrate bool `koanf:"auto_migrate"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	DBName       string `koanf:"db_name"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	// Connection lifetimes in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	MaxIdleTime int `koanf:"max_idle_time"`
}

// SQLite contains the embedded database configuration.
type SQLite struct {
	Path string `koanf:"path"`
}

// CSV contains the flat record file configuration.
type CSV struct {
	// Directory holding servers.csv and users.csv.
	Dir string `koanf:"dir"`
}

// Redis contains connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// Key prefix so several deployments can share one server.
	Prefix string `koanf:"prefix"`
}

// Discord contains bot behaviour settings.
type Discord struct {
	// Register slash commands on startup.
	RegisterCommands bool `koanf:"register_commands"`
	// Register commands in this guild only (faster propagation while testing).
	DevGuildID uint64 `koanf:"dev_guild_id"`
	// Run the membership scan when the gateway is ready.
	StartupScan bool `koanf:"startup_scan"`
	// Minutes an avatar change is remembered to suppress duplicate notifications.
	AvatarDedupMinutes int `koanf:"avatar_dedup_minutes"`
}

// GlobalBan contains fan-out settings.
type GlobalBan struct {
	// Maximum number of communities acted on at once.
	MaxConcurrency int `koanf:"max_concurrency"`
}

// Telemetry contains tracing configuration.
type Telemetry struct {
	// Uptrace project DSN. Tracing stays off when empty.
	UptraceDSN string `koanf:"uptrace_dsn"`
	// Deployment environment reported with every span.
	Environment string `koanf:"environment"`
	// Service version reported with every span.
	ServiceVersion string `koanf:"service_version"`
}

// TracingEnabled reports whether spans are exported.
func (t *Telemetry) TracingEnabled() bool {
	return t.UptraceDSN != ""
}

// Loki contains Grafana Loki logging configuration.
type Loki struct {
	// Enable Loki integration
	Enabled bool `koanf:"enabled"`
	// Loki server URL (without /loki/api/v1/push suffix)
	URL string `koanf:"url"`
	// Maximum number of log entries per batch
	BatchMaxSize int `koanf:"batch_max_size"`
	// Maximum time to wait before sending a batch (in milliseconds)
	BatchMaxWaitMS int `koanf:"batch_max_wait_ms"`
	// Labels added to all log streams
	Labels map[string]string `koanf:"labels"`
	// Basic authentication username (optional)
	Username string `koanf:"username"`
	// Basic authentication password (optional)
	Password string `koanf:"password"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Debug: Debug{
			LogLevel:      "info",
			MaxLogsToKeep: 10,
			MaxLogLines:   100000,
			Console:       true,
		},
		Ledger: Ledger{
			Backend:     BackendSQLite,
			AutoMigrate: true,
		},
		PostgreSQL: PostgreSQL{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			DBName:       "gatekeeper",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30,
			MaxIdleTime:  5,
		},
		SQLite: SQLite{Path: "data/gatekeeper.db"},
		CSV:    CSV{Dir: "data"},
		Redis: Redis{
			Host:   "localhost",
			Port:   6379,
			Prefix: "gatekeeper",
		},
		Discord: Discord{
			RegisterCommands:   true,
			StartupScan:        true,
			AvatarDedupMinutes: 10,
		},
		GlobalBan: GlobalBan{MaxConcurrency: 8},
		Telemetry: Telemetry{
			Environment:    "production",
			ServiceVersion: "dev",
		},
		Loki: Loki{
			BatchMaxSize:   100,
			BatchMaxWaitMS: 1000,
			Labels:         map[string]string{"app": "gatekeeper"},
		},
	}
}

// SearchPaths lists the directories checked for the config file, in order.
func SearchPaths() []string {
	paths := []string{".gatekeeper"}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".gatekeeper", "config"))
	}

	return append(paths, "/etc/gatekeeper/config", "/app/config", "config", ".")
}

// LoadConfig builds the configuration from defaults, the config file and the environment.
// An explicit path must exist; otherwise the search paths are tried and a missing file
// leaves the defaults in place. Returns the config along with the file that was used.
func LoadConfig(path string) (*Config, string, error) {
	cfg := Default()
	k := koanf.New(".")

	usedPath, err := loadFile(k, path)
	if err != nil {
		return nil, "", err
	}

	if usedPath != "" {
		cfg.Version = 0
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
		}

		if err := checkConfigVersion(usedPath, cfg.Version, CurrentVersion); err != nil {
			return nil, "", err
		}
	}

	if err := env.Parse(&cfg.Env); err != nil {
		return nil, "", fmt.Errorf("parse env: %w", err)
	}

	if cfg.Env.DBPassword != "" {
		cfg.PostgreSQL.Password = cfg.Env.DBPassword
	}

	if cfg.Env.RedisPassword != "" {
		cfg.Redis.Password = cfg.Env.RedisPassword
	}

	if cfg.Env.UptraceDSN != "" {
		cfg.Telemetry.UptraceDSN = cfg.Env.UptraceDSN
	}

	if cfg.Env.LokiPassword != "" {
		cfg.Loki.Password = cfg.Env.LokiPassword
	}

	switch cfg.Ledger.Backend {
	case BackendPostgres, BackendSQLite, BackendCSV, BackendRedis:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Ledger.Backend)
	}

	return cfg, usedPath, nil
}

// RequireBotToken checks that the bot credential was provided.
func (c *Config) RequireBotToken() error {
	if c.Env.BotToken == "" {
		return ErrBotTokenMissing
	}

	return nil
}

// loadFile loads the first config file found into k.
func loadFile(k *koanf.Koanf, path string) (string, error) {
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrConfigFileNotFound, path, err)
		}

		return path, nil
	}

	for _, dir := range SearchPaths() {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}

		if err := k.Load(file.Provider(candidate), toml.Parser()); err != nil {
			return "", fmt.Errorf("failed to load %s: %w", candidate, err)
		}

		return candidate, nil
	}

	return "", nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current == 0 {
		return fmt.Errorf("%w: %s", ErrConfigVersionMissing, name)
	}

	if current != expected {
		return fmt.Errorf("%w: %s (got: %d, expected: %d)",
			ErrConfigVersionMismatch, name, current, expected)
	}

	return nil
}
