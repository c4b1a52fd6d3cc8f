package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// All values must come from env (or an env file loaded by LoadEnvFile).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Wallet    WalletConfig
	Providers ProvidersConfig
	Events    EventsConfig
	Dispatch  DispatchConfig
}

type AppConfig struct {
	Env  string
	Port int
	// LogLevel overrides the environment default (debug, info, warn, error).
	LogLevel string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	AutoMigrate bool
	// LockTimeout bounds row-lock waits inside ledger transactions.
	LockTimeout time.Duration
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// WalletConfig carries the withdrawal policy. A zero cap disables that cap.
type WalletConfig struct {
	Currency      string
	WithdrawalMin decimal.Decimal
	KYCThreshold  decimal.Decimal
	DailyCap      decimal.Decimal
	WeeklyCap     decimal.Decimal
}

type ProvidersConfig struct {
	PaystackSecretKey    string
	PaystackBaseURL      string
	FlutterwaveSecretKey string
	// FlutterwaveSecretHash is compared against the verif-hash webhook header.
	FlutterwaveSecretHash string
	FlutterwaveBaseURL    string
	WebhookConcurrency    int
}

type EventsConfig struct {
	// Sink is one of none, redis, kafka.
	Sink         string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
}

type DispatchConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
}

// LoadEnvFile loads ENV_FILE (or ./.env when present) without overriding variables
// already set in the process environment.
func LoadEnvFile() error {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	if err := LoadEnvFile(); err != nil {
		return Config{}, err
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate = optionalBool("DB_AUTO_MIGRATE")
	c.DB.LockTimeout = mustDuration("LEDGER_LOCK_TIMEOUT")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Wallet.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("WALLET_CURRENCY")))
	for key, dst := range map[string]*decimal.Decimal{
		"WITHDRAWAL_MIN":        &c.Wallet.WithdrawalMin,
		"KYC_THRESHOLD":         &c.Wallet.KYCThreshold,
		"WITHDRAWAL_DAILY_CAP":  &c.Wallet.DailyCap,
		"WITHDRAWAL_WEEKLY_CAP": &c.Wallet.WeeklyCap,
	} {
		d, err := optionalDecimal(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = d
	}

	c.Providers.PaystackSecretKey = os.Getenv("PAYSTACK_SECRET_KEY")
	c.Providers.PaystackBaseURL = strings.TrimSpace(os.Getenv("PAYSTACK_BASE_URL"))
	c.Providers.FlutterwaveSecretKey = os.Getenv("FLUTTERWAVE_SECRET_KEY")
	c.Providers.FlutterwaveSecretHash = os.Getenv("FLUTTERWAVE_SECRET_HASH")
	c.Providers.FlutterwaveBaseURL = strings.TrimSpace(os.Getenv("FLUTTERWAVE_BASE_URL"))
	{
		n, err := optionalInt("WEBHOOK_CONCURRENCY")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Providers.WebhookConcurrency = n
	}

	c.Events.Sink = strings.ToLower(strings.TrimSpace(os.Getenv("EVENTS_SINK")))
	c.Events.RedisChannel = strings.TrimSpace(os.Getenv("EVENTS_REDIS_CHANNEL"))
	c.Events.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Events.KafkaTopic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))

	for key, dst := range map[string]*int{
		"DISPATCH_WORKERS":      &c.Dispatch.Workers,
		"DISPATCH_QUEUE":        &c.Dispatch.QueueSize,
		"DISPATCH_MAX_ATTEMPTS": &c.Dispatch.MaxAttempts,
	} {
		n, err := optionalInt(key)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		*dst = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills environment-aware defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	switch c.App.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.LockTimeout <= 0 {
		c.DB.LockTimeout = 5 * time.Second
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateWallet()...)
	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateEvents()...)

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 256
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 3
	}

	return joinErrors(errs)
}

func (c *Config) validateWallet() []error {
	var errs []error
	if c.Wallet.Currency == "" {
		c.Wallet.Currency = "NGN"
	}
	if len(c.Wallet.Currency) != 3 {
		errs = append(errs, fmt.Errorf("WALLET_CURRENCY must be an ISO 4217 code, got %q", c.Wallet.Currency))
	}
	if c.Wallet.WithdrawalMin.IsZero() {
		c.Wallet.WithdrawalMin = decimal.NewFromInt(1000)
	}
	if c.Wallet.KYCThreshold.IsZero() {
		c.Wallet.KYCThreshold = decimal.NewFromInt(50000)
	}
	for key, v := range map[string]decimal.Decimal{
		"WITHDRAWAL_MIN":        c.Wallet.WithdrawalMin,
		"KYC_THRESHOLD":         c.Wallet.KYCThreshold,
		"WITHDRAWAL_DAILY_CAP":  c.Wallet.DailyCap,
		"WITHDRAWAL_WEEKLY_CAP": c.Wallet.WeeklyCap,
	} {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", key, v))
		}
	}
	if c.Wallet.DailyCap.IsPositive() && c.Wallet.WeeklyCap.IsPositive() && c.Wallet.WeeklyCap.LessThan(c.Wallet.DailyCap) {
		errs = append(errs, errors.New("WITHDRAWAL_WEEKLY_CAP must not be below WITHDRAWAL_DAILY_CAP"))
	}
	return errs
}

func (c *Config) validateProviders() []error {
	var errs []error
	if c.Providers.PaystackBaseURL == "" {
		c.Providers.PaystackBaseURL = "https://api.paystack.co"
	}
	if c.Providers.FlutterwaveBaseURL == "" {
		c.Providers.FlutterwaveBaseURL = "https://api.flutterwave.com/v3"
	}
	if c.Providers.WebhookConcurrency <= 0 {
		c.Providers.WebhookConcurrency = 32
	}
	if c.IsProduction() {
		if c.Providers.PaystackSecretKey == "" {
			errs = append(errs, errors.New("PAYSTACK_SECRET_KEY is required in production"))
		}
		if c.Providers.FlutterwaveSecretHash == "" {
			errs = append(errs, errors.New("FLUTTERWAVE_SECRET_HASH is required in production"))
		}
	}
	return errs
}

func (c *Config) validateEvents() []error {
	var errs []error
	switch c.Events.Sink {
	case "", "none":
		c.Events.Sink = "none"
	case "redis":
		if c.Events.RedisChannel == "" {
			c.Events.RedisChannel = "wallet_events"
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENTS_SINK=kafka"))
		}
		if c.Events.KafkaTopic == "" {
			c.Events.KafkaTopic = "wallet.events"
		}
	default:
		errs = append(errs, fmt.Errorf("EVENTS_SINK must be one of none, redis, kafka, got %q", c.Events.Sink))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return b
}

func optionalDecimal(key string) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal amount, got %q", key, v)
	}
	return d, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
