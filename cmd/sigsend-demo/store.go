package main

import (
	"fmt"

	redislib "github.com/redis/go-redis/v9"

	"github.com/atlaschat/sigsend/dispatch"
	"github.com/atlaschat/sigsend/store/memory"
	"github.com/atlaschat/sigsend/store/mongodb"
	"github.com/atlaschat/sigsend/store/mysql"
	"github.com/atlaschat/sigsend/store/postgres"
	"github.com/atlaschat/sigsend/store/redis"
	"github.com/atlaschat/sigsend/store/sqlite"
)

func buildStore(cfg config) (dispatch.SessionStore, error) {
	switch cfg.Store {
	case "", "memory":
		return memory.New(cfg.LocalDeviceID), nil
	case "sqlite":
		dsn := cfg.StoreDSN
		if dsn == "" {
			dsn = "sigsend.db"
		}
		return sqlite.New(dsn)
	case "mysql":
		if cfg.StoreDSN == "" {
			return nil, fmt.Errorf("SIGSEND_STORE_DSN is required for mysql")
		}
		return mysql.New(cfg.StoreDSN)
	case "postgres":
		if cfg.StoreDSN == "" {
			return nil, fmt.Errorf("SIGSEND_STORE_DSN is required for postgres")
		}
		return postgres.New(cfg.StoreDSN)
	case "redis":
		if cfg.StoreDSN == "" {
			return nil, fmt.Errorf("SIGSEND_STORE_DSN is required for redis")
		}
		opts, err := redislib.ParseURL(cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return redis.New(opts), nil
	case "mongodb", "mongo":
		if cfg.StoreDSN == "" {
			return nil, fmt.Errorf("SIGSEND_STORE_DSN is required for mongodb")
		}
		return mongodb.New(cfg.StoreDSN, cfg.MongoDBName)
	default:
		return nil, fmt.Errorf("unknown SIGSEND_STORE %q", cfg.Store)
	}
}
