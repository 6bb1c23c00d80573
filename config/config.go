package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	MySQL             MySQLConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Auth              AuthConfig
	Epay              EpayConfig
	Stripe            StripeConfig
	Plans             PlansConfig
	Billing           BillingConfig
	Redis             RedisConfig
	AMQP              AMQPConfig
	Telemetry         TelemetryConfig
	Jobs              JobsConfig
}

type AppConfig struct {
	ServiceName string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type AuthConfig struct {
	JWTSecret string
}

type EpayConfig struct {
	MerchantID    string
	Key           string
	GatewayURL    string
	NotifyURL     string
	ReturnURL     string
	DisplayName   string
	DefaultMethod string
	QueryURL      string
	HTTPTimeout   time.Duration
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SuccessURL                string
	CancelURL                 string
	PortalReturnURL           string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type PlansConfig struct {
	MonthlyAmount        int64
	QuarterlyAmount      int64
	YearlyAmount         int64
	StripePriceMonthly   string
	StripePriceQuarterly string
	StripePriceYearly    string
}

type BillingConfig struct {
	Currency        string
	DefaultProvider string
	PendingTimeout  time.Duration
	WebhookTimeout  time.Duration
	JobBatchSize    int32
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ReplayTTL time.Duration
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type TelemetryConfig struct {
	OTLPEndpoint string
}

type JobsConfig struct {
	ReconcilePendingInterval   time.Duration
	ExpireEntitlementsInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "billing-service"),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Epay: EpayConfig{
			MerchantID:    getEnv("EPAY_MERCHANT_ID", ""),
			Key:           getEnv("EPAY_KEY", ""),
			GatewayURL:    getEnv("EPAY_GATEWAY_URL", ""),
			NotifyURL:     getEnv("EPAY_NOTIFY_URL", ""),
			ReturnURL:     getEnv("EPAY_RETURN_URL", ""),
			DisplayName:   getEnv("EPAY_DISPLAY_NAME", "Membership"),
			DefaultMethod: getEnv("EPAY_DEFAULT_METHOD", "alipay"),
			QueryURL:      getEnv("EPAY_QUERY_URL", ""),
			HTTPTimeout:   getSecondsEnv("EPAY_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			APIBaseURL:                getEnv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
			SuccessURL:                getEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:                 getEnv("STRIPE_CANCEL_URL", ""),
			PortalReturnURL:           getEnv("STRIPE_PORTAL_RETURN_URL", ""),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Plans: PlansConfig{
			MonthlyAmount:        int64(getIntEnv("PLAN_MONTHLY_AMOUNT_MINOR", 990)),
			QuarterlyAmount:      int64(getIntEnv("PLAN_QUARTERLY_AMOUNT_MINOR", 2690)),
			YearlyAmount:         int64(getIntEnv("PLAN_YEARLY_AMOUNT_MINOR", 9900)),
			StripePriceMonthly:   getEnv("STRIPE_PRICE_MONTHLY", ""),
			StripePriceQuarterly: getEnv("STRIPE_PRICE_QUARTERLY", ""),
			StripePriceYearly:    getEnv("STRIPE_PRICE_YEARLY", ""),
		},
		Billing: BillingConfig{
			Currency:        getEnv("BILLING_CURRENCY", "CNY"),
			DefaultProvider: getEnv("BILLING_DEFAULT_PROVIDER", "redirect-sign"),
			PendingTimeout:  getMinutesEnv("BILLING_PENDING_TIMEOUT_MINUTES", 24*time.Hour),
			WebhookTimeout:  getSecondsEnv("BILLING_WEBHOOK_TIMEOUT_SECONDS", 8*time.Second),
			JobBatchSize:    int32(getIntEnv("BILLING_JOB_BATCH_SIZE", 100)),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getIntEnv("REDIS_DB", 0),
			ReplayTTL: getMinutesEnv("REDIS_REPLAY_TTL_MINUTES", 24*time.Hour),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "billing.events"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
		Jobs: JobsConfig{
			ReconcilePendingInterval:   getSecondsEnv("JOB_RECONCILE_PENDING_INTERVAL_SECONDS", 5*time.Minute),
			ExpireEntitlementsInterval: getSecondsEnv("JOB_EXPIRE_ENTITLEMENTS_INTERVAL_SECONDS", time.Hour),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
