package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Queue     QueueConfig
	Provider  ProviderConfig
	Chunking  ChunkingConfig
	Cache     CacheConfig
	Fallback  FallbackConfig
	Media     MediaConfig
	R2        R2Config
	JWT       JWTConfig
	OIDC      OIDCConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver     string // "redis" or "sqlite"
	SQLitePath string
}

type QueueConfig struct {
	Backend         string // "asynq" or "memory"
	Name            string
	Concurrency     int
	MaxAttempts     int
	BaseDelay       time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	ShutdownTimeout time.Duration
}

type ProviderConfig struct {
	APIKey                string
	BaseURL               string
	RatePerSecond         int
	PollInterval          time.Duration
	PollTimeout           time.Duration
	SequentialPollTimeout time.Duration
	UploadVia             string // "provider" or "r2"
}

type ChunkingConfig struct {
	WorkDir              string
	TargetSeconds        float64
	SequentialMaxSeconds float64
	OrphanTTL            time.Duration
	GCInterval           time.Duration
}

type CacheConfig struct {
	MinChars   int
	StaleAfter time.Duration
}

type FallbackConfig struct {
	CaptionsURL string
	MinChars    int
	MinWords    int
}

type MediaConfig struct {
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	// Endpoint overrides the account endpoint, for S3-compatible stores
	Endpoint string
	Prefix   string
}

type JWTConfig struct {
	Secret string
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
	// JWKSURL skips discovery when set
	JWKSURL      string
	RequiredRole string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	TriggerPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("PROVIDER_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.name", "QUEUE_NAME")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.base_delay", "QUEUE_BASE_DELAY")
	_ = v.BindEnv("queue.multiplier", "QUEUE_BACKOFF_MULTIPLIER")
	_ = v.BindEnv("queue.max_delay", "QUEUE_MAX_DELAY")
	_ = v.BindEnv("queue.shutdown_timeout", "QUEUE_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	_ = v.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	_ = v.BindEnv("provider.rate_per_second", "PROVIDER_RATE_PER_SECOND")
	_ = v.BindEnv("provider.poll_interval", "PROVIDER_POLL_INTERVAL")
	_ = v.BindEnv("provider.poll_timeout", "PROVIDER_POLL_TIMEOUT")
	_ = v.BindEnv("provider.sequential_poll_timeout", "PROVIDER_SEQUENTIAL_POLL_TIMEOUT")
	_ = v.BindEnv("provider.upload_via", "PROVIDER_UPLOAD_VIA")
	_ = v.BindEnv("chunking.work_dir", "CHUNK_WORK_DIR")
	_ = v.BindEnv("chunking.target_seconds", "CHUNK_TARGET_SECONDS")
	_ = v.BindEnv("chunking.sequential_max_seconds", "CHUNK_SEQUENTIAL_MAX_SECONDS")
	_ = v.BindEnv("chunking.orphan_ttl", "CHUNK_ORPHAN_TTL")
	_ = v.BindEnv("chunking.gc_interval", "CHUNK_GC_INTERVAL")
	_ = v.BindEnv("cache.min_chars", "CACHE_MIN_CHARS")
	_ = v.BindEnv("cache.stale_after", "CACHE_STALE_AFTER")
	_ = v.BindEnv("fallback.captions_url", "CAPTIONS_URL")
	_ = v.BindEnv("fallback.min_chars", "FALLBACK_MIN_CHARS")
	_ = v.BindEnv("fallback.min_words", "FALLBACK_MIN_WORDS")
	_ = v.BindEnv("media.ytdlp_path", "YTDLP_PATH")
	_ = v.BindEnv("media.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("media.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("r2.prefix", "R2_PREFIX")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("oidc.jwks_url", "OIDC_JWKS_URL")
	_ = v.BindEnv("oidc.required_role", "OIDC_REQUIRED_ROLE")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.trigger_per_hour", "RATELIMIT_TRIGGER_PER_HOUR")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

// Default returns the configuration with every default applied and no
// environment or file overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "./data/transcripts.db")

	// Queue defaults
	v.SetDefault("queue.backend", "asynq")
	v.SetDefault("queue.name", "transcription")
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", 2*time.Second)
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.max_delay", time.Minute)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	// Provider defaults
	v.SetDefault("provider.base_url", "https://api.assemblyai.com")
	v.SetDefault("provider.rate_per_second", 10)
	v.SetDefault("provider.poll_interval", 5*time.Second)
	v.SetDefault("provider.poll_timeout", 5*time.Minute)
	v.SetDefault("provider.sequential_poll_timeout", 30*time.Minute)
	v.SetDefault("provider.upload_via", "provider")
	v.SetDefault("r2.prefix", "chunks")

	// Chunking defaults
	v.SetDefault("chunking.work_dir", "./data/chunks")
	v.SetDefault("chunking.target_seconds", 300.0)
	v.SetDefault("chunking.sequential_max_seconds", 600.0)
	v.SetDefault("chunking.orphan_ttl", 24*time.Hour)
	v.SetDefault("chunking.gc_interval", time.Hour)

	v.SetDefault("cache.min_chars", 50)
	v.SetDefault("cache.stale_after", 2*time.Hour)

	v.SetDefault("fallback.min_chars", 50)
	v.SetDefault("fallback.min_words", 10)

	v.SetDefault("media.ytdlp_path", "yt-dlp")
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")

	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.trigger_per_hour", 60)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(v.GetString("store.driver")),
			SQLitePath: v.GetString("store.sqlite_path"),
		},
		Queue: QueueConfig{
			Backend:         strings.ToLower(v.GetString("queue.backend")),
			Name:            v.GetString("queue.name"),
			Concurrency:     v.GetInt("queue.concurrency"),
			MaxAttempts:     v.GetInt("queue.max_attempts"),
			BaseDelay:       v.GetDuration("queue.base_delay"),
			Multiplier:      v.GetFloat64("queue.multiplier"),
			MaxDelay:        v.GetDuration("queue.max_delay"),
			ShutdownTimeout: v.GetDuration("queue.shutdown_timeout"),
		},
		Provider: ProviderConfig{
			APIKey:                v.GetString("provider.api_key"),
			BaseURL:               v.GetString("provider.base_url"),
			RatePerSecond:         v.GetInt("provider.rate_per_second"),
			PollInterval:          v.GetDuration("provider.poll_interval"),
			PollTimeout:           v.GetDuration("provider.poll_timeout"),
			SequentialPollTimeout: v.GetDuration("provider.sequential_poll_timeout"),
			UploadVia:             strings.ToLower(v.GetString("provider.upload_via")),
		},
		Chunking: ChunkingConfig{
			WorkDir:              v.GetString("chunking.work_dir"),
			TargetSeconds:        v.GetFloat64("chunking.target_seconds"),
			SequentialMaxSeconds: v.GetFloat64("chunking.sequential_max_seconds"),
			OrphanTTL:            v.GetDuration("chunking.orphan_ttl"),
			GCInterval:           v.GetDuration("chunking.gc_interval"),
		},
		Cache: CacheConfig{
			MinChars:   v.GetInt("cache.min_chars"),
			StaleAfter: v.GetDuration("cache.stale_after"),
		},
		Fallback: FallbackConfig{
			CaptionsURL: v.GetString("fallback.captions_url"),
			MinChars:    v.GetInt("fallback.min_chars"),
			MinWords:    v.GetInt("fallback.min_words"),
		},
		Media: MediaConfig{
			YtDlpPath:   v.GetString("media.ytdlp_path"),
			FFmpegPath:  v.GetString("media.ffmpeg_path"),
			FFprobePath: v.GetString("media.ffprobe_path"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			Endpoint:        v.GetString("r2.endpoint"),
			Prefix:          v.GetString("r2.prefix"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		OIDC: OIDCConfig{
			Issuer:       v.GetString("oidc.issuer"),
			ClientID:     v.GetString("oidc.client_id"),
			JWKSURL:      v.GetString("oidc.jwks_url"),
			RequiredRole: v.GetString("oidc.required_role"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			TriggerPerHour: v.GetInt("ratelimit.trigger_per_hour"),
		},
	}
}
