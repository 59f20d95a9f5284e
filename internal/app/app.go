// Package app builds the thread service and its dependencies from
// configuration. The server, the Lambda function and dmctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jacentio/directmsg/config"
	"github.com/jacentio/directmsg/internal/metrics"
	"github.com/jacentio/directmsg/internal/snowflake"
	"github.com/jacentio/directmsg/store"
	"github.com/jacentio/directmsg/store/pebblestore"
	"github.com/jacentio/directmsg/store/redisstore"
	"github.com/jacentio/directmsg/thread"
	"github.com/jacentio/directmsg/userdir"
)

const pingTimeout = 5 * time.Second

// App is a fully wired service.
type App struct {
	Service *thread.Service
	Store   store.MessageStore
	Users   userdir.Directory
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	closers []func() error
}

// New opens the configured store and user directory and builds the
// service on them. Call Close to release both.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Logger: logger, Metrics: metrics.New()}

	messages, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = messages
	a.closers = append(a.closers, closeStore)

	users, err := OpenUsers(cfg.Users, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Users = users
	a.closers = append(a.closers, users.Close)

	ids, err := NewIDGenerator(cfg.IDs)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Service = thread.New(messages, users,
		thread.WithIDGenerator(ids),
		thread.WithLogger(logger.Named("thread")),
		thread.WithMetrics(a.Metrics),
	)

	logger.Info("app_ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("users", cfg.Users.Backend),
		zap.String("ids", cfg.IDs.Strategy))
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenStore opens the configured message store. The returned func closes it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.MessageStore, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewDynamo(client, store.Config{
			MessageTable:    cfg.DynamoDB.MessageTable,
			InboxTable:      cfg.DynamoDB.InboxTable,
			NumShards:       cfg.DynamoDB.NumShards,
			MaxBatchRetries: cfg.DynamoDB.MaxBatchRetries,
		})
		if cfg.DynamoDB.CreateTables {
			if err := s.EnsureTables(ctx, cfg.DynamoDB.TableWait); err != nil {
				return nil, nil, fmt.Errorf("ensure tables: %w", err)
			}
			logger.Info("dynamodb_tables_ready",
				zap.String("message_table", s.Config().MessageTable),
				zap.String("inbox_table", s.Config().InboxTable))
		}
		return s, noop, nil

	case config.BackendPebble:
		s, err := pebblestore.Open(cfg.Pebble.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		s := redisstore.New(client, redisstore.Config{
			KeyPrefix:  cfg.Redis.KeyPrefix,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		return s, client.Close, nil

	case config.BackendMemory:
		logger.Warn("memory_store_in_use")
		return store.NewMemory(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// NewDynamoClient builds a DynamoDB client. A non-empty endpoint targets
// DynamoDB Local, which accepts any static credentials.
func NewDynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// OpenUsers opens the configured user directory.
func OpenUsers(cfg config.UsersConfig, logger *zap.Logger) (userdir.Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.UsersSQLite:
		d, err := userdir.OpenSQLite(cfg.SQLitePath, logger.Named("userdir"))
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.UsersPostgres:
		d, err := userdir.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.UsersStatic:
		return userdir.NewStatic(cfg.Static...), nil
	}
	return nil, fmt.Errorf("unknown users backend %q", cfg.Backend)
}

// NewIDGenerator returns the configured message id source.
func NewIDGenerator(cfg config.IDsConfig) (thread.IDGenerator, error) {
	switch cfg.Strategy {
	case config.IDsSnowflake:
		g, err := snowflake.New(snowflake.Config{
			DatacenterID: cfg.DatacenterID,
			WorkerID:     cfg.WorkerID,
		})
		if err != nil {
			return nil, fmt.Errorf("snowflake: %w", err)
		}
		return g, nil
	case config.IDsUUID:
		return thread.UUIDGenerator{}, nil
	}
	return nil, fmt.Errorf("unknown id strategy %q", cfg.Strategy)
}
