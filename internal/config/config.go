package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Config holds all configuration for the webhook server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Storage   StorageConfig
	Relay     RelayConfig
	Notifier  NotifierConfig
	RateLimit int
	Reconcile time.Duration
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string

	// StatementTimeout bounds every query; zero leaves the server default.
	StatementTimeout time.Duration
}

type RedisConfig struct {
	URL string
}

type ProviderConfig struct {
	Name     string
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	// Models maps a tool to the provider model or version used when submitting.
	Models map[models.ToolKind]string
}

type WebhookConfig struct {
	PublicURL         string
	AsyncCompletion   bool
	CompletionTimeout time.Duration
	ResolveLookback   time.Duration
}

type StorageConfig struct {
	Driver        string
	LocalPath     string
	PublicBaseURL string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3PathStyle   bool
}

type RelayConfig struct {
	MaxBytes        int64
	DownloadTimeout time.Duration
}

type NotifierConfig struct {
	Driver  string
	NATSURL string
}

var validProviders = map[string]bool{
	"replicate": true,
	"mock":      true,
}

var validStorageDrivers = map[string]bool{
	"s3":    true,
	"local": true,
}

var validNotifiers = map[string]bool{
	"redis": true,
	"nats":  true,
	"none":  true,
}

// DefaultModels are the provider identifiers used for submission when no
// MODEL_<TOOL> override is set.
var DefaultModels = map[models.ToolKind]string{
	models.ToolVideoGenerate:  "kwaivgi/kling-v2.1",
	models.ToolVideoUpscale:   "topazlabs/video-upscale",
	models.ToolVideoSwap:      "wan-video/wan-2.2-animate-replace",
	models.ToolLogoBatch:      "ideogram-ai/ideogram-v3-turbo",
	models.ToolThumbnailBatch: "black-forest-labs/flux-1.1-pro",
	models.ToolMusic:          "meta/musicgen",
	models.ToolVoiceOver:      "minimax/speech-02-hd",
	models.ToolFaceSwap:       "cdingram/face-swap",
	models.ToolScriptToVideo:  "bluefx/script-to-video",
	models.ToolTitleGen:       "meta/meta-llama-3-8b-instruct",
}

// Load reads configuration from the environment (and .env files when present)
// and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("APP_PORT", 8080),
			Env:  envString("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),

			StatementTimeout: envDuration("DATABASE_STATEMENT_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Provider: ProviderConfig{
			Name:     envString("PROVIDER", "replicate"),
			BaseURL:  envString("PROVIDER_BASE_URL", "https://api.replicate.com"),
			APIToken: os.Getenv("PROVIDER_API_TOKEN"),
			Timeout:  envDuration("PROVIDER_TIMEOUT", 30*time.Second),
			Models:   loadModels(),
		},
		Webhook: WebhookConfig{
			PublicURL:         os.Getenv("WEBHOOK_PUBLIC_URL"),
			AsyncCompletion:   envBool("WEBHOOK_ASYNC_COMPLETION", false),
			CompletionTimeout: envDuration("WEBHOOK_COMPLETION_TIMEOUT", 2*time.Minute),
			ResolveLookback:   envDuration("RESOLVE_LOOKBACK", 72*time.Hour),
		},
		Storage: StorageConfig{
			Driver:        envString("STORAGE_DRIVER", "local"),
			LocalPath:     envString("STORAGE_LOCAL_PATH", "./storage"),
			PublicBaseURL: envString("STORAGE_PUBLIC_BASE_URL", "http://localhost:8080/assets"),
			S3Bucket:      os.Getenv("S3_BUCKET"),
			S3Region:      envString("S3_REGION", "us-east-1"),
			S3Endpoint:    os.Getenv("S3_ENDPOINT"),
			S3PathStyle:   envBool("S3_PATH_STYLE", false),
		},
		Relay: RelayConfig{
			MaxBytes:        int64(envInt("RELAY_MAX_BYTES", 500*1024*1024)),
			DownloadTimeout: envDuration("RELAY_DOWNLOAD_TIMEOUT", 90*time.Second),
		},
		Notifier: NotifierConfig{
			Driver:  envString("NOTIFIER", "redis"),
			NATSURL: envString("NATS_URL", "nats://localhost:4222"),
		},
		RateLimit: envInt("RATE_LIMIT_PER_MINUTE", 120),
		Reconcile: envDuration("RECONCILE_INTERVAL", time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.Provider.Name] {
		return fmt.Errorf("PROVIDER must be one of replicate, mock; got %q", c.Provider.Name)
	}
	if c.Provider.Name == "replicate" && c.Provider.APIToken == "" {
		return fmt.Errorf("PROVIDER_API_TOKEN is required when PROVIDER is replicate")
	}

	if c.Webhook.PublicURL == "" {
		return fmt.Errorf("WEBHOOK_PUBLIC_URL is required")
	}
	if !strings.HasPrefix(c.Webhook.PublicURL, "http://") && !strings.HasPrefix(c.Webhook.PublicURL, "https://") {
		return fmt.Errorf("WEBHOOK_PUBLIC_URL must start with http:// or https://, got %q", c.Webhook.PublicURL)
	}

	if !validStorageDrivers[c.Storage.Driver] {
		return fmt.Errorf("STORAGE_DRIVER must be one of s3, local; got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "s3" && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER is s3")
	}

	if !validNotifiers[c.Notifier.Driver] {
		return fmt.Errorf("NOTIFIER must be one of redis, nats, none; got %q", c.Notifier.Driver)
	}

	return nil
}

// loadModels starts from DefaultModels and applies MODEL_<TOOL> overrides,
// e.g. MODEL_VIDEO_GENERATE.
func loadModels() map[models.ToolKind]string {
	out := make(map[models.ToolKind]string, len(DefaultModels))
	for tool, model := range DefaultModels {
		key := "MODEL_" + strings.ToUpper(strings.ReplaceAll(string(tool), "-", "_"))
		out[tool] = envString(key, model)
	}
	return out
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
