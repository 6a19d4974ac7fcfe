package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса агрегации.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Queries    QueriesConfig    `mapstructure:"queries"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Dashboards DashboardsConfig `mapstructure:"dashboards"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Верхняя граница времени одного запроса агрегации
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL (дашборды и журнал).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig описывает подключение к Redis (кэш дашбордов и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIKeyConfig — сервисный ключ. Хранится только bcrypt-хэш секрета.
type APIKeyConfig struct {
	ID     string   `mapstructure:"id"`
	Hash   string   `mapstructure:"hash"`
	Scopes []string `mapstructure:"scopes"`
}

// AuthConfig содержит путь к RSA ключу для JWT и сервисные API-ключи.
type AuthConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	PublicKeyPath string         `mapstructure:"public_key_path"`
	APIKeys       []APIKeyConfig `mapstructure:"api_keys"`
	BcryptCost    int            `mapstructure:"bcrypt_cost"`
	PublicKey     []byte
}

// EngineConfig — исполнитель задач и обертка надежности вокруг бэкендов.
type EngineConfig struct {
	MaxWorkers       int           `mapstructure:"max_workers"`
	MaxDepth         int           `mapstructure:"max_depth"`
	MaxPoints        int           `mapstructure:"max_points"`
	HardDeadline     bool          `mapstructure:"hard_deadline"`
	MetricsTimeout   time.Duration `mapstructure:"metrics_timeout"`
	LogSearchTimeout time.Duration `mapstructure:"log_search_timeout"`

	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`

	// Настройки Circuit Breaker для бэкендов
	CBFailures uint32        `mapstructure:"cb_failures"`
	CBTimeout  time.Duration `mapstructure:"cb_timeout"`
}

// BackendsConfig выбирает реализацию бэкенда метрик и включает LogSearch.
type BackendsConfig struct {
	Metrics          string `mapstructure:"metrics"` // prometheus, grpc, mock
	PrometheusURL    string `mapstructure:"prometheus_url"`
	PrometheusToken  string `mapstructure:"prometheus_token"`
	GRPCAddr         string `mapstructure:"grpc_addr"`
	GRPCMethod       string `mapstructure:"grpc_method"`
	LogSearchEnabled bool   `mapstructure:"log_search_enabled"`
}

// QueriesConfig — шаблоны запросов, пустое значение = встроенный шаблон.
type QueriesConfig struct {
	Selector   string `mapstructure:"selector"`
	Hits       string `mapstructure:"hits"`
	Errors     string `mapstructure:"errors"`
	LatencyAvg string `mapstructure:"latency_avg"`
	LatencyMin string `mapstructure:"latency_min"`
	LatencyMax string `mapstructure:"latency_max"`
	LogErrors  string `mapstructure:"log_errors"`
}

// CacheConfig — TTL записей в Redis (L2) и в памяти процесса (L1).
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	L1TTL   time.Duration `mapstructure:"l1_ttl"`
	Warmup  []string      `mapstructure:"warmup"`
}

// DashboardsConfig — откуда брать определения: postgres или каталог с JSON.
type DashboardsConfig struct {
	Source string `mapstructure:"source"` // postgres, dir
	Dir    string `mapstructure:"dir"`
}

// AuditConfig — журнал вызовов агрегации в Postgres (таблица aggregation_runs).
type AuditConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BufferSize    int           `mapstructure:"buffer_size"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path задает файл явно, пустой path — поиск config.yaml в "." и "./configs".
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("server.request_timeout", 120*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("engine.max_workers", 3)
	v.SetDefault("engine.max_depth", 4)
	v.SetDefault("engine.max_points", 120)
	v.SetDefault("engine.metrics_timeout", 30*time.Second)
	v.SetDefault("engine.log_search_timeout", 60*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.retry_attempts", 1)
	v.SetDefault("engine.retry_delay", 200*time.Millisecond)
	v.SetDefault("engine.cb_failures", 5)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("backends.metrics", "prometheus")
	v.SetDefault("backends.prometheus_url", "http://localhost:9090")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.l1_ttl", 30*time.Second)
	v.SetDefault("dashboards.source", "postgres")
	v.SetDefault("dashboards.dir", "./dashboards")
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate отсекает конфигурации, с которыми сервис гарантированно не стартует.
func (c *Config) Validate() error {
	switch c.Backends.Metrics {
	case "prometheus", "grpc", "mock":
	default:
		return fmt.Errorf("backends.metrics: unsupported value %q", c.Backends.Metrics)
	}
	switch c.Dashboards.Source {
	case "postgres", "dir":
	default:
		return fmt.Errorf("dashboards.source: unsupported value %q", c.Dashboards.Source)
	}
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be positive, got %d", c.Engine.MaxWorkers)
	}
	return nil
}

// NeedsDatabase — Postgres нужен для дашбордов, поиска по логам или журнала вызовов.
func (c *Config) NeedsDatabase() bool {
	return c.Dashboards.Source == "postgres" || c.Backends.LogSearchEnabled || c.Audit.Enabled
}

// loadKeyResource — ключ напрямую из ENV (PEM) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
