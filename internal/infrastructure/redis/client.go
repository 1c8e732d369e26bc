package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

// 全局Redis客户端实例
var redisClient *redis.Client

// GetClient 获取Redis客户端实例，未初始化时为nil
func GetClient() *redis.Client {
	return redisClient
}

// NewClient 按配置创建客户端（不做连通性检查）
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})
}

// InitClient 初始化Redis连接。连接失败时返回错误，调用方可降级为内存存储。
func InitClient(cfg config.RedisConfig) error {
	client := NewClient(cfg)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return fmt.Errorf("Redis连接测试失败: %v", err)
	}

	redisClient = client
	logger.WithField("address", cfg.Address).Info("Redis连接初始化成功")
	return nil
}

// Close 关闭Redis连接
func Close() error {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			return fmt.Errorf("关闭Redis连接失败: %v", err)
		}
		redisClient = nil
		logger.Info("Redis连接已关闭")
	}
	return nil
}
