package scheduler

import (
	"context"
	"time"

	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// retentionLockKey 是清理任务的分布式锁键名。
// 多个网关实例共享同一数据库时，每轮清理只由一个实例执行。
const retentionLockKey = "retention-sweep"

// RetentionJanitor 周期性清理过期的激活记录。
// 激活记录只增不改（终态后不可变），存储增长完全由清理策略控制：
// 超过最大保留时长的记录被删除，每个函数的记录数被裁剪到上限。
type RetentionJanitor struct {
	cfg    config.RetentionConfig
	cron   *cron.Cron
	store  *storage.PostgresStore
	redis  *storage.RedisStore
	logger *logrus.Logger
}

// NewRetentionJanitor 创建激活记录清理任务。
// redis 可为 nil，此时不做跨实例互斥（单实例部署）。
func NewRetentionJanitor(cfg config.RetentionConfig, store *storage.PostgresStore, redis *storage.RedisStore, logger *logrus.Logger) *RetentionJanitor {
	return &RetentionJanitor{
		cfg:    cfg,
		cron:   cron.New(),
		store:  store,
		redis:  redis,
		logger: logger,
	}
}

// Start 按配置的 cron 表达式启动周期清理。
func (j *RetentionJanitor) Start() error {
	if !j.cfg.Enabled {
		j.logger.Info("Activation retention disabled")
		return nil
	}

	if _, err := j.cron.AddFunc(j.cfg.Schedule, j.sweep); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.WithFields(logrus.Fields{
		"schedule":         j.cfg.Schedule,
		"max_age":          j.cfg.MaxAge,
		"max_per_function": j.cfg.MaxPerFunction,
	}).Info("Retention janitor started")
	return nil
}

// Stop 停止周期清理，等待进行中的一轮完成。
func (j *RetentionJanitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("Retention janitor stopped")
}

// sweep 执行一轮清理。
// 先按年龄删除，再按每函数上限裁剪；两步各自独立失败不影响对方。
func (j *RetentionJanitor) sweep() {
	// 跨实例互斥：抢不到锁说明另一实例正在清理
	if j.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := j.redis.AcquireLock(ctx, retentionLockKey, 10*time.Minute)
		cancel()
		if err != nil {
			j.logger.WithError(err).Warn("Failed to acquire retention lock, skipping sweep")
			return
		}
		if !ok {
			j.logger.Debug("Retention lock held elsewhere, skipping sweep")
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.redis.ReleaseLock(ctx, retentionLockKey)
			cancel()
		}()
	}

	start := time.Now()

	var aged, trimmed int64
	if j.cfg.MaxAge > 0 {
		cutoff := time.Now().Add(-j.cfg.MaxAge)
		n, err := j.store.DeleteActivationsBefore(cutoff)
		if err != nil {
			j.logger.WithError(err).Error("Failed to delete aged activations")
		} else {
			aged = n
		}
	}

	if j.cfg.MaxPerFunction > 0 {
		n, err := j.store.TrimActivationsPerFunction(j.cfg.MaxPerFunction)
		if err != nil {
			j.logger.WithError(err).Error("Failed to trim per-function activations")
		} else {
			trimmed = n
		}
	}

	j.logger.WithFields(logrus.Fields{
		"deleted_aged":    aged,
		"deleted_trimmed": trimmed,
		"elapsed":         time.Since(start),
	}).Info("Retention sweep completed")
}
