package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "chat:ratelimit:"

// Rule 固定窗口内最多 Limit 次
type Rule struct {
	Limit  int
	Window time.Duration
}

// PerMinute limit <= 0 表示不限流
func PerMinute(limit int) Rule {
	return Rule{Limit: limit, Window: time.Minute}
}

func (r Rule) Disabled() bool {
	return r.Limit <= 0 || r.Window <= 0
}

// Limiter 基于 Redis INCR + EXPIRE 的固定窗口限流，多实例共享计数
type Limiter struct {
	redis    *redis.Client
	log      *zap.Logger
	failOpen bool // Redis 不可用时放行
}

func NewLimiter(redisClient *redis.Client, log *zap.Logger, failOpen bool) *Limiter {
	return &Limiter{redis: redisClient, log: log, failOpen: failOpen}
}

// Allow 消耗一次配额
func (l *Limiter) Allow(ctx context.Context, key string, rule Rule) (bool, error) {
	return l.AllowN(ctx, key, 1, rule)
}

// AllowN 消耗 n 次配额，超出返回 false
func (l *Limiter) AllowN(ctx context.Context, key string, n int, rule Rule) (bool, error) {
	if rule.Disabled() {
		return true, nil
	}
	bucket := bucketKey(key, time.Now(), rule.Window)

	pipe := l.redis.TxPipeline()
	incr := pipe.IncrBy(ctx, bucket, int64(n))
	pipe.Expire(ctx, bucket, rule.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.log.Warn("限流检查失败，放行", zap.String("key", key), zap.Error(err))
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incr.Val()
	if count > int64(rule.Limit) {
		l.log.Debug("触发限流", zap.String("key", key), zap.Int64("count", count), zap.Int("limit", rule.Limit))
		return false, nil
	}
	return true, nil
}

// Remaining 当前窗口剩余配额
func (l *Limiter) Remaining(ctx context.Context, key string, rule Rule) (int, error) {
	count, err := l.redis.Get(ctx, bucketKey(key, time.Now(), rule.Window)).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit lookup failed: %w", err)
	}
	return max(rule.Limit-count, 0), nil
}

func bucketKey(key string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, key, now.UnixMilli()/window.Milliseconds())
}
