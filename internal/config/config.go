package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCollectionsConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	MachineID   int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	AutoMigrate       bool

	Redis     RedisConfig
	Processor ProcessorConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
	Push      MetricsPushConfig
	RateLimit RateLimitConfig
	Assistant AssistantConfig

	CardVaultKey      string
	AnalyticsCacheTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type ProcessorConfig struct {
	Provider          string
	BaseURL           string
	PublicMerchantID  string
	PrivateMerchantID string
	Timeout           time.Duration
}

type StorageConfig struct {
	Bucket          string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

func (c StorageConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

type KafkaConfig struct {
	BootstrapServers    string
	ChargeOutcomesTopic string
}

func (c KafkaConfig) Enabled() bool {
	return strings.TrimSpace(c.BootstrapServers) != ""
}

type SchedulerConfig struct {
	Enabled           bool
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	EnabledJobs       []string
}

type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// AssistantConfig points the dashboard assistant at an OpenAI-compatible
// chat completions API. Without an API key the assistant is disabled.
type AssistantConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

func (c AssistantConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// RateLimitConfig throttles uploads and manual charge execution per
// actor. Buckets live in Redis when configured, in process otherwise.
type RateLimitConfig struct {
	Enabled     bool
	UploadRate  float64
	UploadBurst int
	ChargeRate  float64
	ChargeBurst int

	// Zero assistant values fall back to the charge budget.
	AssistantRate  float64
	AssistantBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "cobro"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		MachineID:    getenvInt64("MACHINE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "cobro"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		AutoMigrate:       getenvBool("DATABASE_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Processor: ProcessorConfig{
			Provider:          strings.ToLower(getenv("PROCESSOR_PROVIDER", "sandbox")),
			BaseURL:           strings.TrimRight(getenv("PROCESSOR_BASE_URL", "https://api-uat.kushkipagos.com"), "/"),
			PublicMerchantID:  strings.TrimSpace(getenv("PROCESSOR_PUBLIC_MERCHANT_ID", "")),
			PrivateMerchantID: strings.TrimSpace(getenv("PROCESSOR_PRIVATE_MERCHANT_ID", "")),
			Timeout:           getenvDuration("PROCESSOR_TIMEOUT", 12*time.Second),
		},
		Storage: StorageConfig{
			Bucket:          strings.TrimSpace(getenv("S3_BUCKET", "")),
			Region:          getenv("S3_REGION", "us-east-1"),
			EndpointURL:     strings.TrimSpace(getenv("S3_ENDPOINT_URL", "")),
			AccessKeyID:     strings.TrimSpace(getenv("S3_ACCESS_KEY_ID", "")),
			SecretAccessKey: strings.TrimSpace(getenv("S3_SECRET_ACCESS_KEY", "")),
		},
		Kafka: KafkaConfig{
			BootstrapServers:    strings.TrimSpace(getenv("KAFKA_BOOTSTRAP_SERVERS", "")),
			ChargeOutcomesTopic: getenv("KAFKA_TOPIC_CHARGE_OUTCOMES", "cobro.charge-outcomes"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:         int(getenvInt64("SCHEDULER_BATCH_SIZE", 50)),
			RecoveryThreshold: getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 15*time.Minute),
			EnabledJobs:       splitList(getenv("SCHEDULER_JOBS", "")),
		},
		Push: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			UploadRate:  getenvFloat("RATE_LIMIT_UPLOAD_RATE", 0.2),
			UploadBurst: int(getenvInt64("RATE_LIMIT_UPLOAD_BURST", 3)),
			ChargeRate:  getenvFloat("RATE_LIMIT_CHARGE_RATE", 2),
			ChargeBurst: int(getenvInt64("RATE_LIMIT_CHARGE_BURST", 10)),

			AssistantRate:  getenvFloat("RATE_LIMIT_ASSISTANT_RATE", 0.5),
			AssistantBurst: int(getenvInt64("RATE_LIMIT_ASSISTANT_BURST", 5)),
		},
		Assistant: AssistantConfig{
			APIKey:      strings.TrimSpace(getenv("OPENAI_API_KEY", "")),
			BaseURL:     strings.TrimRight(getenv("ASSISTANT_BASE_URL", "https://api.openai.com/v1"), "/"),
			Model:       getenv("ASSISTANT_MODEL", "gpt-4o-mini"),
			Timeout:     getenvDuration("ASSISTANT_TIMEOUT", 30*time.Second),
			MaxTokens:   int(getenvInt64("ASSISTANT_MAX_TOKENS", 500)),
			Temperature: getenvFloat("ASSISTANT_TEMPERATURE", 0.7),
		},
		CardVaultKey:      strings.TrimSpace(getenv("CARD_VAULT_KEY", "")),
		AnalyticsCacheTTL: getenvDuration("ANALYTICS_CACHE_TTL", 30*time.Second),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or plain seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
