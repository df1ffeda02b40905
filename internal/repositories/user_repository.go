package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/GroupChat/internal/models"
)

const (
	connCacheKeyPrefix = "user:conn:" // Redis String, 值是在线用户 JSON
	connCacheTTL       = 10 * time.Minute
)

// Profile 加入聊天时客户端携带的身份字段，空串表示未提供
type Profile struct {
	ExternalAuthID string
	Email          string
	AvatarURL      string
}

type UserRepository struct {
	db    *gorm.DB
	redis *redis.Client
	log   *zap.Logger
}

// NewUserRepository redis 可以为 nil，此时不使用缓存
func NewUserRepository(db *gorm.DB, redisClient *redis.Client, log *zap.Logger) *UserRepository {
	return &UserRepository{db: db, redis: redisClient, log: log}
}

// FindByExternalAuthID 根据身份提供方 ID 获取用户
func (r *UserRepository) FindByExternalAuthID(ctx context.Context, externalAuthID string) (*models.User, error) {
	return r.findOne(ctx, "external_auth_id = ?", externalAuthID)
}

// FindByEmail 根据邮箱获取用户
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "email = ?", email)
}

// FindByName 根据昵称获取用户
func (r *UserRepository) FindByName(ctx context.Context, name string) (*models.User, error) {
	return r.findOne(ctx, "name = ?", name)
}

// FindByConnectionToken 根据当前连接 ID 获取用户（不论是否在线）
func (r *UserRepository) FindByConnectionToken(ctx context.Context, token string) (*models.User, error) {
	return r.findOne(ctx, "connection_token = ?", token)
}

// FindAnyMatch 宽松匹配：external_auth_id、email、name 任一等于提供的值，最早创建者优先
func (r *UserRepository) FindAnyMatch(ctx context.Context, name string, p Profile) (*models.User, error) {
	q := r.db.WithContext(ctx).Where("name = ?", name)
	if p.ExternalAuthID != "" {
		q = q.Or("external_auth_id = ?", p.ExternalAuthID)
	}
	if p.Email != "" {
		q = q.Or("email = ?", p.Email)
	}

	var user models.User
	if err := q.Order("created_at ASC").Take(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// FindOnlineByConnectionToken 获取在该连接上在线的用户 (带缓存)
// 缓存未命中时直接查库
func (r *UserRepository) FindOnlineByConnectionToken(ctx context.Context, token string) (*models.User, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, connCacheKeyPrefix+token).Result()
		if err == nil {
			var user models.User
			if json.Unmarshal([]byte(val), &user) == nil {
				user.ConnectionToken = &token
				user.Online = true
				return &user, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			r.log.Warn("读取连接缓存失败", zap.String("conn", token), zap.Error(err))
		}
	}

	// 缓存只由写路径维护，读路径不回填
	return r.findOne(ctx, "connection_token = ? AND online = ?", token, true)
}

// Create 创建一个在线用户。唯一约束冲突通过 WriteResult.Conflict 返回
func (r *UserRepository) Create(ctx context.Context, name, token string, p Profile) (WriteResult, error) {
	user := &models.User{
		Name:            name,
		ExternalAuthID:  optional(p.ExternalAuthID),
		Email:           optional(p.Email),
		AvatarURL:       optional(p.AvatarURL),
		ConnectionToken: &token,
		Online:          true,
	}

	err := r.db.WithContext(ctx).Create(user).Error
	if err == nil {
		r.cache(ctx, user)
		return WriteResult{User: user}, nil
	}
	if !isDuplicate(err) {
		return WriteResult{}, fmt.Errorf("创建用户失败: %w", err)
	}

	kind, cerr := r.classifyConflict(ctx, name, "")
	if cerr != nil {
		return WriteResult{}, fmt.Errorf("判定冲突类型失败: %w", cerr)
	}
	return WriteResult{Conflict: kind}, nil
}

// MergeOnline 把 target 标记为在该连接上在线，并用 Profile 中提供的非空字段覆盖原值
// overwriteName 为 true 时同时写入 name（非空时）
func (r *UserRepository) MergeOnline(ctx context.Context, target *models.User, token, name string, p Profile, overwriteName bool) (WriteResult, error) {
	updates := map[string]any{
		"connection_token": token,
		"online":           true,
	}
	if p.ExternalAuthID != "" {
		updates["external_auth_id"] = p.ExternalAuthID
	}
	if p.Email != "" {
		updates["email"] = p.Email
	}
	if p.AvatarURL != "" {
		updates["avatar_url"] = p.AvatarURL
	}
	writesName := overwriteName && name != "" && name != target.Name
	if writesName {
		updates["name"] = name
	}

	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", target.ID).Updates(updates).Error
	if err != nil {
		if !isDuplicate(err) {
			return WriteResult{}, fmt.Errorf("更新用户 %s 失败: %w", target.ID, err)
		}
		kind := ConflictOther
		if writesName {
			var cerr error
			if kind, cerr = r.classifyConflict(ctx, name, target.ID); cerr != nil {
				return WriteResult{}, fmt.Errorf("判定冲突类型失败: %w", cerr)
			}
		}
		return WriteResult{Conflict: kind}, nil
	}

	r.evict(ctx, target.ConnectionToken)
	res, err := r.reload(ctx, target.ID)
	if err == nil {
		r.cache(ctx, res.User)
	}
	return res, err
}

// MarkOnline 只更新连接 ID 与在线标记，不改动身份字段
func (r *UserRepository) MarkOnline(ctx context.Context, target *models.User, token string) (*models.User, error) {
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", target.ID).
		Updates(map[string]any{"connection_token": token, "online": true}).Error
	if err != nil {
		return nil, fmt.Errorf("更新用户 %s 在线状态失败: %w", target.ID, err)
	}

	r.evict(ctx, target.ConnectionToken)
	res, err := r.reload(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	r.cache(ctx, res.User)
	return res.User, nil
}

// ClearPresence 将仍持有该连接 ID 的用户置为离线并清空连接 ID，返回受影响行数。
// 用户已在别的连接上重新加入时不会被改动，返回 0
func (r *UserRepository) ClearPresence(ctx context.Context, userID, token string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND connection_token = ?", userID, token).
		Updates(map[string]any{"connection_token": nil, "online": false})
	if result.Error != nil {
		return 0, fmt.Errorf("清除用户 %s 在线状态失败: %w", userID, result.Error)
	}
	r.evict(ctx, &token)
	return result.RowsAffected, nil
}

func (r *UserRepository) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where(query, args...).Take(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *UserRepository) reload(ctx context.Context, id string) (WriteResult, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Take(&user, "id = ?", id).Error; err != nil {
		return WriteResult{}, fmt.Errorf("重新读取用户 %s 失败: %w", id, notFound(err))
	}
	return WriteResult{User: &user}, nil
}

// cache 写入在线用户的连接缓存，只在写库成功后调用
func (r *UserRepository) cache(ctx context.Context, user *models.User) {
	if r.redis == nil || user == nil || !user.Online || user.ConnectionToken == nil || *user.ConnectionToken == "" {
		return
	}
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, connCacheKeyPrefix+*user.ConnectionToken, data, connCacheTTL).Err(); err != nil {
		r.log.Warn("写入连接缓存失败", zap.String("conn", *user.ConnectionToken), zap.Error(err))
	}
}

// evict 删除旧连接 ID 对应的缓存，避免旧连接继续被识别为在线
func (r *UserRepository) evict(ctx context.Context, token *string) {
	if r.redis == nil || token == nil || *token == "" {
		return
	}
	if err := r.redis.Del(ctx, connCacheKeyPrefix+*token).Err(); err != nil {
		r.log.Warn("清除连接缓存失败", zap.String("conn", *token), zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
