package config

// EnvPrefix is passed to envconfig; every field below carries its full name explicitly.
const EnvPrefix = "BILLING"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "BILLING_APP_ENV"
	EnvPort         = "BILLING_APP_PORT"
	EnvLogLevel     = "BILLING_LOG_LEVEL"
	EnvLogWarnStack = "BILLING_LOG_WARN_STACK"
	EnvServiceKind  = "BILLING_SERVICE_KIND"

	EnvDBDSN      = "BILLING_DB_DSN"
	EnvDBDriver   = "BILLING_DB_DRIVER"
	EnvDBHost     = "BILLING_DB_HOST"
	EnvDBPort     = "BILLING_DB_PORT"
	EnvDBUser     = "BILLING_DB_USER"
	EnvDBPassword = "BILLING_DB_PASSWORD"
	EnvDBName     = "BILLING_DB_NAME"
	EnvDBSSLMode  = "BILLING_DB_SSLMODE"

	EnvRedisURL = "BILLING_REDIS_URL"

	EnvJWTSecret  = "BILLING_JWT_SECRET"
	EnvJWTIssuer  = "BILLING_JWT_ISSUER"
	EnvJWTExpMins = "BILLING_JWT_EXPIRATION_MINUTES"

	EnvBillingDefaultProvider = "BILLING_DEFAULT_PROVIDER"
	EnvBillingRegionProviders = "BILLING_REGION_PROVIDERS"
	EnvBillingTaxRate         = "BILLING_TAX_RATE"
	EnvBillingGatewayTimeout  = "BILLING_GATEWAY_TIMEOUT"

	EnvCronInterval = "BILLING_CRON_INTERVAL"

	EnvStripeAPIKey        = "BILLING_STRIPE_API_KEY"
	EnvStripeWebhookSecret = "BILLING_STRIPE_WEBHOOK_SECRET"

	EnvSquareAccessToken     = "BILLING_SQUARE_ACCESS_TOKEN"
	EnvSquareSignatureKey    = "BILLING_SQUARE_WEBHOOK_SIGNATURE_KEY"
	EnvSquareNotificationURL = "BILLING_SQUARE_WEBHOOK_NOTIFICATION_URL"

	EnvPayTRMerchantID   = "BILLING_PAYTR_MERCHANT_ID"
	EnvPayTRMerchantKey  = "BILLING_PAYTR_MERCHANT_KEY"
	EnvPayTRMerchantSalt = "BILLING_PAYTR_MERCHANT_SALT"

	EnvIyzicoAPIKey    = "BILLING_IYZICO_API_KEY"
	EnvIyzicoSecretKey = "BILLING_IYZICO_SECRET_KEY"
	EnvIyzicoBaseURL   = "BILLING_IYZICO_BASE_URL"

	EnvGCPProjectID        = "BILLING_GCP_PROJECT_ID"
	EnvPubSubBillingTopic  = "BILLING_PUBSUB_BILLING_TOPIC"
	EnvPubSubNotifyTopic   = "BILLING_PUBSUB_NOTIFICATION_TOPIC"
	EnvOutboxBatchSize     = "BILLING_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxPollInterval  = "BILLING_OUTBOX_PUBLISH_POLL_MS"
	EnvOutboxMaxAttempts   = "BILLING_OUTBOX_MAX_ATTEMPTS"
	EnvPlanCacheTTL        = "BILLING_PLAN_CACHE_TTL"
	EnvPlanCacheSize       = "BILLING_PLAN_CACHE_SIZE"
	EnvTrialReminderLead   = "BILLING_TRIAL_REMINDER_LEAD"
	EnvPastDueGracePeriod  = "BILLING_PAST_DUE_GRACE_PERIOD"
	EnvPendingChangeTTL    = "BILLING_PENDING_CHANGE_TTL"
	EnvRenewalLookahead    = "BILLING_RENEWAL_LOOKAHEAD"
	EnvPaymentWindow       = "BILLING_RENEWAL_PAYMENT_WINDOW"
	EnvBaseCurrency        = "BILLING_BASE_CURRENCY"
	EnvWebhookIdempotency  = "BILLING_WEBHOOK_IDEMPOTENCY_TTL"
	EnvWebhookMaxBodyBytes = "BILLING_WEBHOOK_MAX_BODY_BYTES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
