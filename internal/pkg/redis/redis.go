package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client Redis 客户端封装
type Client struct {
	config *Config
	logger *zap.Logger
	rdb    redis.UniversalClient
	closed atomic.Bool
}

// New 创建 Redis 客户端并做一次健康检查
func New(cfg *Config, log *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := &Client{
		config: cfg,
		logger: log,
		rdb:    redis.NewUniversalClient(universalOptions(cfg)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info("redis client initialized successfully",
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("addrs", cfg.Addrs),
	)
	return client, nil
}

// universalOptions 按部署模式生成选项; MasterName 非空时为哨兵模式, 多地址时为集群模式
func universalOptions(cfg *Config) *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	switch cfg.Mode {
	case ModeSentinel:
		opts.MasterName = cfg.MasterName
	case ModeCluster:
		opts.IsClusterMode = true
	}
	return opts
}

// Ping 检查连接
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.rdb.Ping(ctx).Err()
}

// Universal 返回底层客户端
func (c *Client) Universal() redis.UniversalClient {
	return c.rdb
}

// Key 拼接带前缀的键
func (c *Client) Key(parts ...string) string {
	if c.config.KeyPrefix == "" {
		return strings.Join(parts, ":")
	}
	return c.config.KeyPrefix + ":" + strings.Join(parts, ":")
}

// Close 关闭客户端, 可重复调用
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("closing redis client")
	return c.rdb.Close()
}

// HealthCheck 带超时的健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Ping(ctx)
}
