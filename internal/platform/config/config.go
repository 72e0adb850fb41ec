package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is the ingest server configuration, read from the environment.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	JWTSecret       string        `env:"JWT_SECRET"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"12h"`
	CredentialsFile string        `env:"CREDENTIALS_FILE" envDefault:"credentials.yaml"`

	// IntegrityMode is "signature" or "checksum".
	IntegrityMode       string `env:"INTEGRITY_MODE" envDefault:"signature"`
	FrameBufferCapacity int    `env:"FRAME_BUFFER_CAPACITY" envDefault:"100"`

	FFmpegPath            string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFmpegFrameRate       int           `env:"FFMPEG_FRAMERATE" envDefault:"25"`
	FFmpegInputFormat     string        `env:"FFMPEG_INPUT_FORMAT" envDefault:"mjpeg"`
	RTMPBaseURL           string        `env:"RTMP_BASE_URL" envDefault:"rtmp://localhost/live"`
	TranscoderGracePeriod time.Duration `env:"TRANSCODER_GRACE_PERIOD" envDefault:"5s"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"seechange.db"`

	// RedisAddr enables stream list fan-out when set.
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"seechange:streams"`
}

// Parse reads Config from the environment and validates it.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.IntegrityMode = strings.ToLower(strings.TrimSpace(cfg.IntegrityMode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.FrameBufferCapacity <= 0 {
		return fmt.Errorf("FRAME_BUFFER_CAPACITY must be positive, got %d", c.FrameBufferCapacity)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	switch c.IntegrityMode {
	case "signature", "checksum":
	default:
		return fmt.Errorf("INTEGRITY_MODE must be signature or checksum, got %q", c.IntegrityMode)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}
