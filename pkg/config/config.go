package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Google    GoogleConfig
	Play      PlayConfig
	FCM       FCMConfig
	GenAPI    GenAPIConfig
	Webhook   WebhookConfig
	Reaper    ReaperConfig
	BigQuery  BigQueryConfig
	PubSub    PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PIXMINT_APP_ENV" required:"true"`
	Port         string `envconfig:"PIXMINT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PIXMINT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PIXMINT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PIXMINT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PIXMINT_DB_DSN"`
	Driver string `envconfig:"PIXMINT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PIXMINT_DB_HOST"`
	LegacyPort     int    `envconfig:"PIXMINT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PIXMINT_DB_USER"`
	LegacyPassword string `envconfig:"PIXMINT_DB_PASSWORD"`
	LegacyName     string `envconfig:"PIXMINT_DB_NAME"`
	LegacySSLMode  string `envconfig:"PIXMINT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PIXMINT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PIXMINT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PIXMINT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PIXMINT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	AutoMigrate     bool          `envconfig:"PIXMINT_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PIXMINT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PIXMINT_REDIS_ADDR"`
	Password     string        `envconfig:"PIXMINT_REDIS_PASSWORD"`
	DB           int           `envconfig:"PIXMINT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PIXMINT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PIXMINT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PIXMINT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PIXMINT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PIXMINT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"PIXMINT_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PIXMINT_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PIXMINT_JWT_EXPIRATION_MINUTES" default:"60"`
}

type RateLimitConfig struct {
	GenerateWindow time.Duration `envconfig:"PIXMINT_RATE_LIMIT_GENERATE_WINDOW" default:"1m"`
	GenerateLimit  int           `envconfig:"PIXMINT_RATE_LIMIT_GENERATE_LIMIT" default:"10"`
}

// GoogleConfig carries the service-account identity used for every outbound
// Google surface (Play Developer API, FCM, BigQuery, Pub/Sub).
type GoogleConfig struct {
	ProjectID         string        `envconfig:"PIXMINT_GCP_PROJECT_ID" required:"true"`
	ClientEmail       string        `envconfig:"PIXMINT_GOOGLE_CLIENT_EMAIL"`
	PrivateKeyPEM     string        `envconfig:"PIXMINT_GOOGLE_PRIVATE_KEY"`
	PrivateKeyID      string        `envconfig:"PIXMINT_GOOGLE_PRIVATE_KEY_ID"`
	TokenURL          string        `envconfig:"PIXMINT_GOOGLE_TOKEN_URL" default:"https://oauth2.googleapis.com/token"`
	CredentialsJSON   string        `envconfig:"PIXMINT_GCP_CREDENTIALS_JSON"`
	CredentialsFile   string        `envconfig:"PIXMINT_GOOGLE_APPLICATION_CREDENTIALS"`
	TokenSafetyMargin time.Duration `envconfig:"PIXMINT_GOOGLE_TOKEN_SAFETY_MARGIN" default:"5m"`
}

type PlayConfig struct {
	PackageName    string        `envconfig:"PIXMINT_PLAY_PACKAGE_NAME" required:"true"`
	RequestTimeout time.Duration `envconfig:"PIXMINT_PLAY_REQUEST_TIMEOUT" default:"10s"`
	AckMaxAttempts int           `envconfig:"PIXMINT_PLAY_ACK_MAX_ATTEMPTS" default:"3"`
}

type FCMConfig struct {
	RequestTimeout time.Duration `envconfig:"PIXMINT_FCM_REQUEST_TIMEOUT" default:"10s"`
}

type GenAPIConfig struct {
	BaseURL        string        `envconfig:"PIXMINT_GENAPI_BASE_URL" required:"true"`
	APIKey         string        `envconfig:"PIXMINT_GENAPI_API_KEY"`
	InvokeTimeout  time.Duration `envconfig:"PIXMINT_GENAPI_INVOKE_TIMEOUT" default:"90s"`
	RequestTimeout time.Duration `envconfig:"PIXMINT_GENAPI_REQUEST_TIMEOUT" default:"100s"`
}

type WebhookConfig struct {
	Audience       string `envconfig:"PIXMINT_WEBHOOK_AUDIENCE" required:"true"`
	ServiceAccount string `envconfig:"PIXMINT_WEBHOOK_PUSH_SERVICE_ACCOUNT"`
}

type ReaperConfig struct {
	Interval         time.Duration `envconfig:"PIXMINT_REAPER_INTERVAL" default:"5m"`
	StuckThreshold   time.Duration `envconfig:"PIXMINT_REAPER_STUCK_THRESHOLD" default:"15m"`
	RetentionDays    int           `envconfig:"PIXMINT_REAPER_RETENTION_DAYS" default:"90"`
	ArchiveBatchSize int           `envconfig:"PIXMINT_REAPER_ARCHIVE_BATCH_SIZE" default:"1000"`
	AckMaxAttempts   int           `envconfig:"PIXMINT_REAPER_ACK_MAX_ATTEMPTS" default:"8"`
	AckBatchSize     int           `envconfig:"PIXMINT_REAPER_ACK_BATCH_SIZE" default:"100"`
}

type BigQueryConfig struct {
	Dataset      string `envconfig:"PIXMINT_BIGQUERY_DATASET" default:"pixmint"`
	ArchiveTable string `envconfig:"PIXMINT_BIGQUERY_ARCHIVE_TABLE" default:"operation_archive"`
}

type PubSubConfig struct {
	RTDNSubscription string `envconfig:"PIXMINT_PUBSUB_RTDN_SUBSCRIPTION"`
}

// Retention returns the archival retention window as a duration.
func (r ReaperConfig) Retention() time.Duration {
	days := r.RetentionDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
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
