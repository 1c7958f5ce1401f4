package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	BucketManifests string
	UseSSL          bool
	Region          string
	PresignTTL      time.Duration
}

type SecurityConfig struct {
	JWTAccessSecret        string
	JWTAccessTTL           time.Duration
	JWTRefreshTTL          time.Duration
	MaxSessions            int
	IdempotencyTTL         time.Duration
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

type QueueConfig struct {
	Stream            string
	Group             string
	Consumer          string
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
}

// ClientConfig drives storectl.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	SessionFile  string
	SessionStore string
	RedisPrefix  string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Queue            QueueConfig
	Client           ClientConfig
	AllowCORSOrigins []string
}

// Load reads config.yaml from the usual places and STOREORDERS_* variables.
func Load() (*AppConfig, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file; an empty path searches the
// default locations.
func LoadFile(path string) (*AppConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
	}

	v.SetEnvPrefix("STOREORDERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ValidateServer checks the settings cmd/api cannot start without.
func (c *AppConfig) ValidateServer() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if len(c.Security.JWTAccessSecret) < 32 {
		errs = append(errs, errors.New("security.jwtaccesssecret must be at least 32 bytes"))
	}
	if c.Security.JWTAccessTTL <= 0 || c.Security.JWTRefreshTTL <= c.Security.JWTAccessTTL {
		errs = append(errs, errors.New("security ttl: refresh must outlive access"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.migrateonstart", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketmanifests", "storeorders-manifests")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.presignttl", "15m")

	v.SetDefault("security.jwtaccesssecret", "")
	v.SetDefault("security.jwtaccessttl", "15m")
	v.SetDefault("security.jwtrefreshttl", "720h") // 30 days
	v.SetDefault("security.maxsessions", 10)
	v.SetDefault("security.idempotencyttl", "24h")
	v.SetDefault("security.bootstrapadminemail", "")
	v.SetDefault("security.bootstrapadminpassword", "")

	v.SetDefault("queue.stream", "storeorders:events")
	v.SetDefault("queue.group", "manifest-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.visibilitytimeout", "2m")
	v.SetDefault("queue.claiminterval", "10s")

	v.SetDefault("client.baseurl", "http://127.0.0.1:8080/api")
	v.SetDefault("client.timeout", "15s")
	v.SetDefault("client.sessionfile", "")
	v.SetDefault("client.sessionstore", "file")
	v.SetDefault("client.redisprefix", "storeorders:session")

	v.SetDefault("allowcorsorigins", []string{})
}
