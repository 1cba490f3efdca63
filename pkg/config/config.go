package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	USMS       USMSConfig
	Sync       SyncConfig
	Database   DatabaseConfig
	Statistics StatisticsConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	InfluxDB   InfluxDBConfig
	Exporter   ExporterConfig
	HTTP       HTTPConfig
	Tariff     TariffConfig
	Log        LogConfig
}

// USMSConfig holds the portal credentials and the gateway that fronts the portal.
type USMSConfig struct {
	Username       string
	Password       string
	GatewayURL     string
	RequestTimeout time.Duration
}

// SyncConfig drives the refresh cycle timing.
type SyncConfig struct {
	RetryInterval time.Duration
	PollOffset    time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// StatisticsConfig selects the statistics store backend ("postgres" or "memory").
type StatisticsConfig struct {
	Backend       string
	MigrationsDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Enabled  bool
}

type KafkaConfig struct {
	Brokers         []string
	TopicStatistics string
	NumPartitions   int
	Enabled         bool
}

type InfluxDBConfig struct {
	URL    string
	Org    string
	Token  string
	Bucket string
}

// ExporterConfig drives the Kafka to InfluxDB exporter.
type ExporterConfig struct {
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
	MetricsPort   int
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type TariffConfig struct {
	File                  string
	LegacyElectricityOnly bool
}

type LogConfig struct {
	Path  string
	Level string
}

// Load reads the daemon configuration.
func Load() (*Config, error) {
	config := load()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadExporter reads the configuration of the exporter, which needs no
// portal credentials.
func LoadExporter() (*Config, error) {
	config := load()
	if len(config.Kafka.Brokers) == 0 || config.Kafka.Brokers[0] == "" {
		return nil, fmt.Errorf("KAFKA_BROKERS is required")
	}
	if config.Exporter.BatchSize < 1 {
		return nil, fmt.Errorf("EXPORTER_BATCH_SIZE must be positive")
	}
	return config, nil
}

func load() *Config {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	return &Config{
		USMS: USMSConfig{
			Username:       getEnv("USMS_USERNAME", ""),
			Password:       getEnv("USMS_PASSWORD", ""),
			GatewayURL:     getEnv("USMS_GATEWAY_URL", "http://localhost:8090"),
			RequestTimeout: getEnvAsDuration("USMS_REQUEST_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			RetryInterval: getEnvAsDuration("SYNC_RETRY_INTERVAL", 5*time.Minute),
			PollOffset:    getEnvAsDuration("SYNC_POLL_OFFSET", time.Hour),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "usms_user"),
			Password: getEnv("DB_PASSWORD", "usms_pass"),
			DBName:   getEnv("DB_NAME", "usms_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Statistics: StatisticsConfig{
			Backend:       strings.ToLower(getEnv("STATISTICS_BACKEND", "postgres")),
			MigrationsDir: getEnv("STATISTICS_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},
		Kafka: KafkaConfig{
			Brokers:         strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicStatistics: getEnv("KAFKA_TOPIC_STATISTICS", "usms.statistics"),
			NumPartitions:   getEnvAsInt("KAFKA_NUM_PARTITIONS", 3),
			Enabled:         getEnvAsBool("KAFKA_ENABLED", true),
		},
		InfluxDB: InfluxDBConfig{
			URL:    getEnv("INFLUXDB_URL", "http://localhost:8086"),
			Org:    getEnv("INFLUXDB_ORG", "home"),
			Token:  getEnv("INFLUXDB_TOKEN", ""),
			Bucket: getEnv("INFLUXDB_BUCKET", "usms"),
		},
		Exporter: ExporterConfig{
			GroupID:       getEnv("EXPORTER_GROUP_ID", "usms-exporter"),
			BatchSize:     getEnvAsInt("EXPORTER_BATCH_SIZE", 50),
			FlushInterval: getEnvAsDuration("EXPORTER_FLUSH_INTERVAL", 5*time.Second),
			MetricsPort:   getEnvAsInt("EXPORTER_METRICS_PORT", 9102),
		},
		HTTP: HTTPConfig{
			Port:         getEnvAsInt("HTTP_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 5*time.Minute),
		},
		Tariff: TariffConfig{
			File:                  getEnv("TARIFF_FILE", ""),
			LegacyElectricityOnly: getEnvAsBool("TARIFF_LEGACY_ELECTRICITY_ONLY", false),
		},
		Log: LogConfig{
			Path:  getEnv("LOG_PATH", ""),
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func (c *Config) validate() error {
	if c.USMS.Username == "" || c.USMS.Password == "" {
		return fmt.Errorf("USMS_USERNAME and USMS_PASSWORD are required")
	}
	switch c.Statistics.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STATISTICS_BACKEND %q (expected postgres or memory)", c.Statistics.Backend)
	}
	if c.Sync.RetryInterval <= 0 {
		return fmt.Errorf("SYNC_RETRY_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
