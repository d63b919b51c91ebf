package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	HTTP         HTTPConfig
	FeatureFlags FeatureFlagsConfig
	Billing      BillingConfig
	Cron         CronConfig
	Webhooks     WebhookConfig
	Stripe       StripeConfig
	Square       SquareConfig
	PayTR        PayTRConfig
	Iyzico       IyzicoConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLING_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BILLING_DB_HOST"`
	LegacyPort     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BILLING_DB_USER"`
	LegacyPassword string `envconfig:"BILLING_DB_PASSWORD"`
	LegacyName     string `envconfig:"BILLING_DB_NAME"`
	LegacySSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"BILLING_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"BILLING_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"BILLING_JWT_EXPIRATION_MINUTES" required:"true"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return 0
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

// HTTPConfig shapes the public API surface.
type HTTPConfig struct {
	CORSOrigins     []string      `envconfig:"BILLING_CORS_ORIGINS" default:"http://localhost:3000"`
	RateLimitWindow time.Duration `envconfig:"BILLING_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitIP     int           `envconfig:"BILLING_RATE_LIMIT_IP" default:"120"`
	RateLimitTenant int           `envconfig:"BILLING_RATE_LIMIT_TENANT" default:"30"`
	ShutdownTimeout time.Duration `envconfig:"BILLING_HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"BILLING_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

// BillingConfig holds the knobs of the subscription lifecycle.
type BillingConfig struct {
	DefaultProvider  string            `envconfig:"BILLING_DEFAULT_PROVIDER" default:"STRIPE"`
	RegionProviders  map[string]string `envconfig:"BILLING_REGION_PROVIDERS" default:"TR:PAYTR"`
	BaseCurrency     string            `envconfig:"BILLING_BASE_CURRENCY" default:"USD"`
	TaxRate          string            `envconfig:"BILLING_TAX_RATE" default:"0"`
	GatewayTimeout   time.Duration     `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"15s"`
	PendingChangeTTL time.Duration     `envconfig:"BILLING_PENDING_CHANGE_TTL" default:"24h"`
	PastDueGrace     time.Duration     `envconfig:"BILLING_PAST_DUE_GRACE_PERIOD" default:"168h"`
	TrialReminder    time.Duration     `envconfig:"BILLING_TRIAL_REMINDER_LEAD" default:"72h"`
	RenewalLookahead time.Duration     `envconfig:"BILLING_RENEWAL_LOOKAHEAD" default:"24h"`
	PaymentWindow    time.Duration     `envconfig:"BILLING_RENEWAL_PAYMENT_WINDOW" default:"72h"`
	PlanCacheTTL     time.Duration     `envconfig:"BILLING_PLAN_CACHE_TTL" default:"5m"`
	PlanCacheSize    int               `envconfig:"BILLING_PLAN_CACHE_SIZE" default:"64"`
}

func (b BillingConfig) validate() error {
	if b.GatewayTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvBillingGatewayTimeout)
	}
	if strings.TrimSpace(b.DefaultProvider) == "" {
		return fmt.Errorf("%s is required", EnvBillingDefaultProvider)
	}
	return nil
}

type CronConfig struct {
	Interval time.Duration `envconfig:"BILLING_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"BILLING_CRON_LOCK_TTL" default:"5m"`
}

type WebhookConfig struct {
	IdempotencyTTL time.Duration `envconfig:"BILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
	MaxBodyBytes   int64         `envconfig:"BILLING_WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"BILLING_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"BILLING_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"BILLING_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// Enabled reports whether the Stripe gateway can be constructed.
func (s StripeConfig) Enabled() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type SquareConfig struct {
	AccessToken     string `envconfig:"BILLING_SQUARE_ACCESS_TOKEN"`
	Env             string `envconfig:"BILLING_SQUARE_ENV" default:"sandbox"`
	LocationID      string `envconfig:"BILLING_SQUARE_LOCATION_ID"`
	SignatureKey    string `envconfig:"BILLING_SQUARE_WEBHOOK_SIGNATURE_KEY"`
	NotificationURL string `envconfig:"BILLING_SQUARE_WEBHOOK_NOTIFICATION_URL"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

type PayTRConfig struct {
	MerchantID   string `envconfig:"BILLING_PAYTR_MERCHANT_ID"`
	MerchantKey  string `envconfig:"BILLING_PAYTR_MERCHANT_KEY"`
	MerchantSalt string `envconfig:"BILLING_PAYTR_MERCHANT_SALT"`
	BaseURL      string `envconfig:"BILLING_PAYTR_BASE_URL" default:"https://www.paytr.com"`
	CallbackURL  string `envconfig:"BILLING_PAYTR_CALLBACK_URL"`
	TestMode     bool   `envconfig:"BILLING_PAYTR_TEST_MODE" default:"true"`
}

func (p PayTRConfig) Enabled() bool {
	return p.MerchantID != "" && p.MerchantKey != "" && p.MerchantSalt != ""
}

type IyzicoConfig struct {
	APIKey      string `envconfig:"BILLING_IYZICO_API_KEY"`
	SecretKey   string `envconfig:"BILLING_IYZICO_SECRET_KEY"`
	BaseURL     string `envconfig:"BILLING_IYZICO_BASE_URL" default:"https://sandbox-api.iyzipay.com"`
	CallbackURL string `envconfig:"BILLING_IYZICO_CALLBACK_URL"`
}

func (i IyzicoConfig) Enabled() bool {
	return i.APIKey != "" && i.SecretKey != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BILLING_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"BILLING_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"BILLING_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic      string `envconfig:"BILLING_PUBSUB_BILLING_TOPIC" default:"billing-events"`
	NotificationTopic string `envconfig:"BILLING_PUBSUB_NOTIFICATION_TOPIC" default:"billing-notifications"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"BILLING_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"BILLING_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"BILLING_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
