package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":18080"`
	StoreMode   string `env:"STORE_MODE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"perpbot.db"`
	RedisURL    string `env:"REDIS_URL"`

	CredentialEncryptionKey string        `env:"CREDENTIAL_ENCRYPTION_KEY"`
	AdminUsername           string        `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword           string        `env:"ADMIN_PASSWORD" envDefault:"change-me"`
	JWTSecret               string        `env:"JWT_SECRET" envDefault:"change-this-secret"`
	AdminTokenTTL           time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"12h"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"LOG_ENCODING" envDefault:"json"`

	HyperliquidURL    string        `env:"HYPERLIQUID_URL" envDefault:"https://api.hyperliquid.xyz"`
	MarketDataTimeout time.Duration `env:"MARKET_DATA_TIMEOUT" envDefault:"10s"`
	MarketDataRate    float64       `env:"MARKET_DATA_RATE_PER_SEC" envDefault:"10"`
	QuoteTTL          time.Duration `env:"QUOTE_TTL" envDefault:"2s"`

	ExchangeURL     string        `env:"EXCHANGE_URL"`
	ExchangeAPIKey  string        `env:"EXCHANGE_API_KEY"`
	ExchangeTimeout time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"10s"`
	ExchangeRate    float64       `env:"EXCHANGE_RATE_PER_SEC" envDefault:"5"`

	SchedulerSpec      string        `env:"SCHEDULER_SPEC" envDefault:"@every 1m"`
	SchedulerBatchSize int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"8"`
	TickTimeout        time.Duration `env:"TICK_TIMEOUT" envDefault:"2m"`
	TickLease          time.Duration `env:"TICK_LEASE" envDefault:"5m"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderRatePerMin int           `env:"PROVIDER_RATE_PER_MIN" envDefault:"60"`
	BrokerTimeout      time.Duration `env:"BROKER_TIMEOUT" envDefault:"15s"`

	TrendEMAGapPct float64 `env:"TREND_EMA_GAP_PCT" envDefault:"0.25"`
	BreakoutATRPct float64 `env:"BREAKOUT_ATR_PCT" envDefault:"1.5"`
	RSIOversold    float64 `env:"RSI_OVERSOLD" envDefault:"30"`
	RSIOverbought  float64 `env:"RSI_OVERBOUGHT" envDefault:"70"`

	StrategiesFile string `env:"STRATEGIES_FILE"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`

	WebhookURL        string        `env:"WEBHOOK_URL"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookRetryBase  time.Duration `env:"WEBHOOK_RETRY_BASE" envDefault:"500ms"`
	WebhookRetryMax   time.Duration `env:"WEBHOOK_RETRY_MAX" envDefault:"5s"`
}

// Load reads the process environment. Call LoadDotEnv first to pick up a
// .env file.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.StoreMode {
	case "memory", "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unknown STORE_MODE %q", cfg.StoreMode)
	}
	if cfg.SchedulerBatchSize <= 0 {
		cfg.SchedulerBatchSize = 1
	}
	return cfg, nil
}
