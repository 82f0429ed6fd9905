package database

import (
	"context"
	"fmt"
	"time"

	"xray-control/internal/config"
	"xray-control/internal/logger"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NewRedis connects to the configured Redis server. Redis is optional: an
// empty address yields a nil client and no error.
func NewRedis(ctx context.Context, cfg *config.MasterConfig) (*redis.Client, error) {
	if cfg == nil || cfg.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.RedisAddr, err)
	}

	logger.Infof("redis connected [%s]", cfg.RedisAddr)
	return client, nil
}

// Stores bundles the relational store with the optional fast-path cache.
type Stores struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func (s *Stores) HasRedis() bool {
	return s != nil && s.Redis != nil
}

func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		sqlDB, err := s.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
