package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const defaultConfigPath = "configs/local.yaml"

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address" env:"HTTP_ADDRESS"`
	Port            int           `yaml:"port" env:"HTTP_PORT" env-default:"5555"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"5s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	Prometheus      bool          `yaml:"prometheus" env:"HTTP_PROMETHEUS"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

type StorageConfig struct {
	// Driver is one of sqlite, postgres, redis, inmemory.
	Driver   string         `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	Sqlite   SqliteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type SqliteConfig struct {
	Path string `yaml:"path" env:"SQLITE_PATH" env-default:"app.db"`
}

type PostgresConfig struct {
	Driver          string        `yaml:"driver" env:"POSTGRES_DRIVER" env-default:"postgres"`
	Host            string        `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port            string        `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User            string        `yaml:"user" env:"POSTGRES_USER" env-default:"postgres"`
	Password        string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	DBname          string        `yaml:"dbname" env:"POSTGRES_DB" env-default:"messageboard"`
	SSLMode         string        `yaml:"sslmode" env:"POSTGRES_SSLMODE" env-default:"disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS" env-default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME" env-default:"30m"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type KafkaConfig struct {
	Enabled         bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers         []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	Topic           string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"messages"`
	ClientId        string        `yaml:"client_id" env:"KAFKA_CLIENT_ID" env-default:"messageboard"`
	Timeout         time.Duration `yaml:"timeout" env:"KAFKA_TIMEOUT" env-default:"5s"`
	PublishInterval time.Duration `yaml:"publish_interval" env:"KAFKA_PUBLISH_INTERVAL" env-default:"1s"`
}

// MustLoad reads the file given by -config or CONFIG_PATH, falling back to
// configs/local.yaml and then to the environment alone.
func MustLoad() *Config {
	// .env is optional
	_ = godotenv.Load()

	path, port := fetchFlags()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg *Config
	switch {
	case path != "":
		cfg = MustLoadByPath(path)
	case fileExists(defaultConfigPath):
		cfg = MustLoadByPath(defaultConfigPath)
	default:
		cfg = &Config{}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			panic("failed to read config from env: " + err.Error())
		}
	}

	if port != 0 {
		cfg.HTTP.Port = port
	}

	return cfg
}

func MustLoadByPath(path string) *Config {
	if !fileExists(path) {
		panic("config file does not exist: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fetchFlags() (string, int) {
	var path string
	var port int

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.IntVar(&port, "port", 0, "http server port")
	_ = fs.Parse(os.Args[1:])

	return path, port
}
