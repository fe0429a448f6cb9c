package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOption struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds dial, read and write as well as the startup ping.
	Timeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, opt RedisOption) (*redis.Client, error) {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultCacheTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.Timeout,
		ReadTimeout:  opt.Timeout,
		WriteTimeout: opt.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return client, nil
}
