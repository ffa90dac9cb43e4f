// Package storage 提供数据存储层的实现，包括 Redis 和 PostgreSQL 两种存储方式。
// 本文件实现了基于 Redis 的缓存和队列功能，主要用于：
//   - 终态激活记录的短期缓存（减轻检索端点对数据库的压力）
//   - 非阻塞调用的溢出队列（调度器本地队列满时的第二级缓冲）
//   - 分布式锁（保留策略清理在多实例部署下单实例执行）
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore 是 Redis 存储的封装结构体。
// 提供激活记录缓存、溢出队列和分布式锁等功能。
type RedisStore struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisStore 创建并初始化一个新的 Redis 存储实例。
// 使用连接池优化性能，默认配置适合高并发场景。
//
// 参数:
//   - cfg: Redis 配置信息，包含地址、密码和数据库编号
//
// 返回值:
//   - *RedisStore: 初始化完成的 Redis 存储实例
//   - error: 连接失败时返回错误信息
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池配置 - 优化高并发性能
		PoolSize:        100,
		MinIdleConns:    10,
		MaxIdleConns:    50,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,

		// 超时配置
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// 使用 5 秒超时测试 Redis 连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping 检查 Redis 连接是否正常。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Redis 键前缀常量定义
const (
	activationCacheKey = "activation:cache:" // 激活记录缓存键前缀，存储终态记录的 JSON
	overflowQueueKey   = "activation:overflow" // 溢出队列键，调度器本地队列满时的非阻塞调用排队
	lockKeyPrefix      = "lock:"             // 分布式锁键前缀
)

// ==================== 激活记录缓存相关 ====================

// CacheActivation 缓存一条终态激活记录。
// 记录终结后写入，检索端点优先读缓存再回落数据库。
//
// 参数:
//   - ctx: 上下文
//   - act: 终态激活记录
//   - ttl: 缓存过期时间
//
// 返回值:
//   - error: 操作失败时返回错误信息
func (s *RedisStore) CacheActivation(ctx context.Context, act *domain.Activation, ttl time.Duration) error {
	data, err := json.Marshal(act)
	if err != nil {
		return err
	}
	// SET activation:cache:<id> <json> EX <ttl>
	return s.client.Set(ctx, activationCacheKey+act.ID, data, ttl).Err()
}

// GetCachedActivation 获取缓存的激活记录。
//
// 返回值:
//   - *domain.Activation: 激活记录，缓存不存在时返回 nil
//   - error: 操作失败时返回错误信息
func (s *RedisStore) GetCachedActivation(ctx context.Context, id string) (*domain.Activation, error) {
	// GET activation:cache:<id>
	data, err := s.client.Get(ctx, activationCacheKey+id).Bytes()
	if err == redis.Nil {
		return nil, nil // 缓存不存在
	}
	if err != nil {
		return nil, err
	}

	act := &domain.Activation{}
	if err := json.Unmarshal(data, act); err != nil {
		return nil, err
	}
	return act, nil
}

// ==================== 溢出队列相关 ====================

// PushOverflow 将激活 ID 推入溢出队列尾部。
// 非阻塞调用在调度器本地队列满时进入该队列，由后台协程回灌。
//
// 参数:
//   - ctx: 上下文
//   - activationID: 激活记录的唯一标识符
//
// 返回值:
//   - error: 操作失败时返回错误信息
func (s *RedisStore) PushOverflow(ctx context.Context, activationID string) error {
	// RPUSH activation:overflow <activation_id>
	return s.client.RPush(ctx, overflowQueueKey, activationID).Err()
}

// PopOverflow 从溢出队列头部弹出一个激活 ID。
// 使用阻塞式弹出，在指定超时时间内等待新的排队记录。
//
// 参数:
//   - ctx: 上下文
//   - timeout: 阻塞等待的最长时间
//
// 返回值:
//   - string: 激活 ID，如果超时则返回空字符串
//   - error: 操作失败时返回错误信息
func (s *RedisStore) PopOverflow(ctx context.Context, timeout time.Duration) (string, error) {
	// BLPOP activation:overflow <timeout>
	result, err := s.client.BLPop(ctx, timeout, overflowQueueKey).Result()
	if err == redis.Nil {
		return "", nil // 超时，队列为空
	}
	if err != nil {
		return "", err
	}
	// BLPOP 返回 [key, value] 数组
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// OverflowLen 获取溢出队列的当前长度。
//
// 返回值:
//   - int64: 队列中等待处理的激活数量
//   - error: 操作失败时返回错误信息
func (s *RedisStore) OverflowLen(ctx context.Context) (int64, error) {
	// LLEN activation:overflow
	return s.client.LLen(ctx, overflowQueueKey).Result()
}

// ==================== 分布式锁相关 ====================

// AcquireLock 尝试获取分布式锁。
// 使用 Redis 的 SETNX 命令实现，确保原子性。
//
// 参数:
//   - ctx: 上下文
//   - key: 锁的键名
//   - ttl: 锁的过期时间，防止死锁
//
// 返回值:
//   - bool: 是否成功获取锁，true 表示获取成功
//   - error: 操作失败时返回错误信息
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SETNX lock:<key> "1" EX <ttl>
	return s.client.SetNX(ctx, lockKeyPrefix+key, "1", ttl).Result()
}

// ReleaseLock 释放分布式锁。
func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	// DEL lock:<key>
	return s.client.Del(ctx, lockKeyPrefix+key).Err()
}
