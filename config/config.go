package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config содержит все настройки сервиса
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int // размер пула соединений
	}

	Redis struct {
		Host              string
		Port              int
		Password          string
		DB                int
		DefaultExpiration time.Duration // срок действия кэша по умолчанию
	}

	Kafka struct {
		Brokers       []string `mapstructure:"brokers"`
		GroupID       string   `mapstructure:"group_id"`
		JobsTopic     string   `mapstructure:"jobs_topic"`
		EventsTopic   string   `mapstructure:"events_topic"`
		MaxRetries    int      `mapstructure:"max_retries"`
		RetryBackoff  time.Duration
		SessionTimout time.Duration `mapstructure:"session_timeout"`
	}

	Shopify struct {
		ShopDomain    string        // например my-store.myshopify.com
		AccessToken   string        // токен Admin API
		WebhookSecret string        // секрет подписи вебхуков
		APIVersion    string        // версия Admin GraphQL API
		Timeout       time.Duration // таймаут HTTP запроса
		MaxRetries    int           // попытки на запрос
		BaseDelay     time.Duration // базовая задержка повторов
		PageDelay     time.Duration // пауза между страницами пагинации
		PageSize      int           // размер страницы (протокольный максимум 250)
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
		Scopes       []string
	}

	Sync struct {
		ChunkSize         int           // размер чанка экспорта
		WriteBatchLimit   int           // максимум строк на один запрос записи
		ImportPageSize    int           // размер страницы чтения при импорте
		IncrementalWindow time.Duration // глубина выборки без предыдущего запуска
		DebounceWindow    time.Duration // окно дебаунса вебхуков
		ProgressTTL       time.Duration // срок жизни снимка прогресса
		PreviewTTL        time.Duration // срок жизни результатов предпросмотра
		ConflictTTL       time.Duration // срок хранения наборов конфликтов
		JobMaxAttempts    int           // попытки выполнения задания
		JobRetryBackoff   time.Duration // пауза между попытками задания
		JobTimeout        time.Duration // таймаут выполнения задания
		Timezone          string        // часовой пояс форматирования дат
	}

	Metrics struct {
		Enabled bool
		Port    int `mapstructure:"port"`
	}

	Security struct {
		EncryptionKey    string // 32 байта base64 для AES-GCM шифрования токенов
		StateSecret      string // ключ подписи OAuth state
		StateTTL         time.Duration
		CORSAllowOrigins []string
		RateLimitRPS     int // запросов в секунду на арендатора
	}
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Чтение конфигурационного файла
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		// Продолжаем, если файл не найден, будем использовать только переменные окружения
	}

	setDefaults()
	bindEnvVariables()

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации конфигурации: %w", err)
	}

	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	return &cfg, nil
}

// setDefaults устанавливает значения по умолчанию
func setDefaults() {
	viper.SetDefault("appName", "sheetsync")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", "10s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "5s")

	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "sheetsync")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 10)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.defaultExpiration", "10m")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.groupID", "sheetsync-worker")
	viper.SetDefault("kafka.jobsTopic", "sync-jobs")
	viper.SetDefault("kafka.eventsTopic", "sync-events")
	viper.SetDefault("kafka.maxRetries", 3)
	viper.SetDefault("kafka.retryBackoff", "500ms")
	viper.SetDefault("kafka.sessionTimeout", "10s")

	viper.SetDefault("shopify.apiVersion", "2024-10")
	viper.SetDefault("shopify.timeout", "30s")
	viper.SetDefault("shopify.maxRetries", 3)
	viper.SetDefault("shopify.baseDelay", "1s")
	viper.SetDefault("shopify.pageDelay", "500ms")
	viper.SetDefault("shopify.pageSize", 250)

	viper.SetDefault("google.scopes", []string{
		"https://www.googleapis.com/auth/spreadsheets",
		"https://www.googleapis.com/auth/drive.file",
	})

	viper.SetDefault("sync.chunkSize", 100)
	viper.SetDefault("sync.writeBatchLimit", 1000)
	viper.SetDefault("sync.importPageSize", 1000)
	viper.SetDefault("sync.incrementalWindow", "720h") // 30 дней
	viper.SetDefault("sync.debounceWindow", "5s")
	viper.SetDefault("sync.progressTTL", "6h")
	viper.SetDefault("sync.previewTTL", "168h") // 7 дней
	viper.SetDefault("sync.conflictTTL", "168h")
	viper.SetDefault("sync.jobMaxAttempts", 3)
	viper.SetDefault("sync.jobRetryBackoff", "60s")
	viper.SetDefault("sync.jobTimeout", "1h")
	viper.SetDefault("sync.timezone", "UTC")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("security.stateTTL", "10m")
	viper.SetDefault("security.corsAllowOrigins", []string{"*"})
	viper.SetDefault("security.rateLimitRPS", 20)
}

// bindEnvVariables привязывает переменные окружения к конфигурации
func bindEnvVariables() {
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")

	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.readTimeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.writeTimeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.shutdownTimeout", "SERVER_SHUTDOWN_TIMEOUT")

	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.sslmode", "POSTGRES_SSLMODE")
	viper.BindEnv("postgres.timeout", "POSTGRES_TIMEOUT")
	viper.BindEnv("postgres.poolSize", "POSTGRES_POOL_SIZE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.defaultExpiration", "REDIS_DEFAULT_EXPIRATION")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.groupID", "KAFKA_GROUP_ID")
	viper.BindEnv("kafka.jobsTopic", "KAFKA_JOBS_TOPIC")
	viper.BindEnv("kafka.eventsTopic", "KAFKA_EVENTS_TOPIC")

	viper.BindEnv("shopify.shopDomain", "SHOPIFY_SHOP_DOMAIN")
	viper.BindEnv("shopify.accessToken", "SHOPIFY_ACCESS_TOKEN")
	viper.BindEnv("shopify.webhookSecret", "SHOPIFY_WEBHOOK_SECRET")
	viper.BindEnv("shopify.apiVersion", "SHOPIFY_API_VERSION")
	viper.BindEnv("shopify.timeout", "SHOPIFY_TIMEOUT")
	viper.BindEnv("shopify.maxRetries", "SHOPIFY_MAX_RETRIES")
	viper.BindEnv("shopify.baseDelay", "SHOPIFY_BASE_DELAY")
	viper.BindEnv("shopify.pageDelay", "SHOPIFY_PAGE_DELAY")
	viper.BindEnv("shopify.pageSize", "SHOPIFY_PAGE_SIZE")

	viper.BindEnv("google.clientID", "GOOGLE_CLIENT_ID")
	viper.BindEnv("google.clientSecret", "GOOGLE_CLIENT_SECRET")
	viper.BindEnv("google.redirectURL", "GOOGLE_REDIRECT_URL")

	viper.BindEnv("sync.chunkSize", "SYNC_CHUNK_SIZE")
	viper.BindEnv("sync.writeBatchLimit", "SYNC_WRITE_BATCH_LIMIT")
	viper.BindEnv("sync.importPageSize", "SYNC_IMPORT_PAGE_SIZE")
	viper.BindEnv("sync.incrementalWindow", "SYNC_INCREMENTAL_WINDOW")
	viper.BindEnv("sync.debounceWindow", "SYNC_DEBOUNCE_WINDOW")
	viper.BindEnv("sync.jobMaxAttempts", "SYNC_JOB_MAX_ATTEMPTS")
	viper.BindEnv("sync.jobRetryBackoff", "SYNC_JOB_RETRY_BACKOFF")
	viper.BindEnv("sync.jobTimeout", "SYNC_JOB_TIMEOUT")
	viper.BindEnv("sync.timezone", "SYNC_TIMEZONE")

	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.port", "METRICS_PORT")

	viper.BindEnv("security.encryptionKey", "TOKEN_ENCRYPTION_KEY")
	viper.BindEnv("security.stateSecret", "OAUTH_STATE_SECRET")
	viper.BindEnv("security.stateTTL", "OAUTH_STATE_TTL")
	viper.BindEnv("security.corsAllowOrigins", "CORS_ALLOW_ORIGINS")
	viper.BindEnv("security.rateLimitRPS", "RATE_LIMIT_RPS")
}
