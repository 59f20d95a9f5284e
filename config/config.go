// Package config loads service configuration from an optional file and
// DM_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DM_STORE_BACKEND.
const EnvPrefix = "DM"

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// User directory backends.
const (
	UsersSQLite   = "sqlite"
	UsersPostgres = "postgres"
	UsersStatic   = "static"
)

// ID strategies.
const (
	IDsSnowflake = "snowflake"
	IDsUUID      = "uuid"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Pebble   PebbleConfig   `mapstructure:"pebble"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Users    UsersConfig    `mapstructure:"users"`
	IDs      IDsConfig      `mapstructure:"ids"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type DynamoDBConfig struct {
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	Profile         string        `mapstructure:"profile"`
	MessageTable    string        `mapstructure:"message_table"`
	InboxTable      string        `mapstructure:"inbox_table"`
	NumShards       int           `mapstructure:"num_shards"`
	MaxBatchRetries int           `mapstructure:"max_batch_retries"`
	CreateTables    bool          `mapstructure:"create_tables"`
	TableWait       time.Duration `mapstructure:"table_wait"`
}

type PebbleConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type UsersConfig struct {
	Backend     string   `mapstructure:"backend"`
	SQLitePath  string   `mapstructure:"sqlite_path"`
	PostgresDSN string   `mapstructure:"postgres_dsn"`
	Static      []string `mapstructure:"static"`
}

type IDsConfig struct {
	Strategy     string `mapstructure:"strategy"`
	DatacenterID int64  `mapstructure:"datacenter_id"`
	WorkerID     int64  `mapstructure:"worker_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")

	v.SetDefault("store.backend", BackendDynamoDB)

	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.endpoint", "")
	v.SetDefault("dynamodb.profile", "")
	v.SetDefault("dynamodb.message_table", "DirectMessage")
	v.SetDefault("dynamodb.inbox_table", "DirectMessageInbox")
	v.SetDefault("dynamodb.num_shards", 1)
	v.SetDefault("dynamodb.max_batch_retries", 5)
	v.SetDefault("dynamodb.create_tables", false)
	v.SetDefault("dynamodb.table_wait", 2*time.Minute)

	v.SetDefault("pebble.path", "data/messages")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "dm:")
	v.SetDefault("redis.max_retries", 16)

	v.SetDefault("users.backend", UsersSQLite)
	v.SetDefault("users.sqlite_path", "data/users.db")
	v.SetDefault("users.postgres_dsn", "")
	v.SetDefault("users.static", []string{})

	v.SetDefault("ids.strategy", IDsSnowflake)
	v.SetDefault("ids.datacenter_id", 0)
	v.SetDefault("ids.worker_id", 0)
}

// Load reads the file at path, when non-empty, then applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backends and values the wiring can't use.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.DynamoDB.Region == "" {
			errs = append(errs, errors.New("dynamodb.region is required"))
		}
	case BackendPebble:
		if c.Pebble.Path == "" {
			errs = append(errs, errors.New("pebble.path is required"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.Users.Backend {
	case UsersSQLite:
		if c.Users.SQLitePath == "" {
			errs = append(errs, errors.New("users.sqlite_path is required"))
		}
	case UsersPostgres:
		if c.Users.PostgresDSN == "" {
			errs = append(errs, errors.New("users.postgres_dsn is required"))
		}
	case UsersStatic:
	default:
		errs = append(errs, fmt.Errorf("unknown users.backend %q", c.Users.Backend))
	}

	switch c.IDs.Strategy {
	case IDsSnowflake, IDsUUID:
	default:
		errs = append(errs, fmt.Errorf("unknown ids.strategy %q", c.IDs.Strategy))
	}

	switch c.Log.Output {
	case "stdout", "stderr":
	case "file":
		if c.Log.FilePath == "" {
			errs = append(errs, errors.New("log.file_path is required when log.output is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown log.output %q", c.Log.Output))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
