package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/models"
	"github.com/Gopher0727/GroupChat/internal/repositories"
)

// UserStore 用户数据访问接口，由 repositories.UserRepository 实现
type UserStore interface {
	FindByExternalAuthID(ctx context.Context, externalAuthID string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByName(ctx context.Context, name string) (*models.User, error)
	FindByConnectionToken(ctx context.Context, token string) (*models.User, error)
	FindOnlineByConnectionToken(ctx context.Context, token string) (*models.User, error)
	FindAnyMatch(ctx context.Context, name string, p repositories.Profile) (*models.User, error)
	Create(ctx context.Context, name, token string, p repositories.Profile) (repositories.WriteResult, error)
	MergeOnline(ctx context.Context, target *models.User, token, name string, p repositories.Profile, overwriteName bool) (repositories.WriteResult, error)
	MarkOnline(ctx context.Context, target *models.User, token string) (*models.User, error)
	ClearPresence(ctx context.Context, userID, token string) (int64, error)
}

// JoinRequest 加入请求，可选字段为空串表示未提供
type JoinRequest struct {
	ConnectionToken string
	Name            string
	ExternalAuthID  string
	AvatarURL       string
	Email           string
}

type JoinResult struct {
	User                *models.User
	WasPreviouslyOnline bool
}

// IdentityService 身份归并与在线状态
type IdentityService struct {
	users UserStore
	log   *zap.Logger
}

func NewIdentityService(users UserStore, log *zap.Logger) *IdentityService {
	return &IdentityService{users: users, log: log}
}

// Join 查找或创建用户并标记在线。
// 查找顺序 external_auth_id > email > name；找到后合并字段，
// 昵称冲突时归并到持有该昵称的记录；创建冲突时宽松重查一次。
// 所有未处理的失败都包装为 ErrJoinFailed。
func (s *IdentityService) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	name := strings.TrimSpace(req.Name)
	profile := repositories.Profile{
		ExternalAuthID: req.ExternalAuthID,
		Email:          req.Email,
		AvatarURL:      req.AvatarURL,
	}
	log := s.log.With(zap.String("conn", req.ConnectionToken), zap.String("name", name))

	found, err := s.lookup(ctx, name, profile)
	if err != nil {
		return nil, s.fail(log, "查找用户失败", err)
	}

	var res *JoinResult
	if found != nil {
		res, err = s.rejoin(ctx, log, found, req.ConnectionToken, name, profile)
	} else {
		res, err = s.create(ctx, log, req.ConnectionToken, name, profile)
	}
	if err != nil {
		return nil, err
	}

	log.Info("用户已加入",
		zap.String("user_id", res.User.ID),
		zap.Bool("was_online", res.WasPreviouslyOnline),
	)
	return res, nil
}

// lookup 按优先级逐个查找，第一个命中即返回；全部未命中返回 nil, nil
func (s *IdentityService) lookup(ctx context.Context, name string, p repositories.Profile) (*models.User, error) {
	type step struct {
		value string
		find  func(context.Context, string) (*models.User, error)
	}
	steps := []step{
		{p.ExternalAuthID, s.users.FindByExternalAuthID},
		{p.Email, s.users.FindByEmail},
		{name, s.users.FindByName},
	}

	for i, st := range steps {
		// 昵称一定参与查找，即便为空串
		if st.value == "" && i < len(steps)-1 {
			continue
		}
		user, err := st.find(ctx, st.value)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *IdentityService) rejoin(ctx context.Context, log *zap.Logger, found *models.User, token, name string, p repositories.Profile) (*JoinResult, error) {
	wasOnline := found.Online

	res, err := s.users.MergeOnline(ctx, found, token, name, p, true)
	if err != nil {
		return nil, s.fail(log, "更新用户失败", err)
	}

	switch res.Conflict {
	case repositories.NoConflict:
		return &JoinResult{User: res.User, WasPreviouslyOnline: wasOnline}, nil

	case repositories.ConflictNameCollision:
		log.Warn("昵称已被其他记录占用，归并到该记录", zap.String("found_id", found.ID))

		holder, err := s.users.FindByName(ctx, name)
		if err != nil {
			return nil, s.fail(log, "查找昵称持有者失败", err)
		}
		holderWasOnline := holder.Online

		// 二次归并不再降级，任何冲突都是致命的
		merged, err := s.users.MergeOnline(ctx, holder, token, name, p, false)
		if err != nil {
			return nil, s.fail(log, "归并用户失败", err)
		}
		if !merged.OK() {
			return nil, s.fail(log, "归并用户失败", fmt.Errorf("unexpected conflict: %s", merged.Conflict))
		}
		return &JoinResult{User: merged.User, WasPreviouslyOnline: holderWasOnline}, nil

	default:
		return nil, s.fail(log, "更新用户失败", fmt.Errorf("unique conflict: %s", res.Conflict))
	}
}

func (s *IdentityService) create(ctx context.Context, log *zap.Logger, token, name string, p repositories.Profile) (*JoinResult, error) {
	res, err := s.users.Create(ctx, name, token, p)
	if err != nil {
		return nil, s.fail(log, "创建用户失败", err)
	}
	if res.OK() {
		return &JoinResult{User: res.User, WasPreviouslyOnline: false}, nil
	}

	// 查找与创建之间有并发加入抢先写入
	log.Warn("创建用户冲突，重新查找", zap.Stringer("conflict", res.Conflict))
	existing, err := s.users.FindAnyMatch(ctx, name, p)
	if err != nil {
		return nil, s.fail(log, "冲突后重新查找失败", err)
	}
	wasOnline := existing.Online

	user, err := s.users.MarkOnline(ctx, existing, token)
	if err != nil {
		return nil, s.fail(log, "标记在线失败", err)
	}
	return &JoinResult{User: user, WasPreviouslyOnline: wasOnline}, nil
}

func (s *IdentityService) fail(log *zap.Logger, msg string, err error) error {
	log.Error(msg, zap.Error(err))
	return fmt.Errorf("%w: %w", ErrJoinFailed, err)
}

// Leave 连接断开时将持有该连接 ID 的用户置为离线。
// 返回清除前的用户快照；没有对应用户、用户已换连接或出错时返回 nil
func (s *IdentityService) Leave(ctx context.Context, token string) *models.User {
	user, err := s.users.FindByConnectionToken(ctx, token)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.log.Error("查找断开连接的用户失败", zap.String("conn", token), zap.Error(err))
		}
		return nil
	}

	snapshot := *user
	cleared, err := s.users.ClearPresence(ctx, user.ID, token)
	if err != nil {
		s.log.Error("清除在线状态失败", zap.String("conn", token), zap.String("user_id", user.ID), zap.Error(err))
		return nil
	}
	if cleared == 0 {
		// 查找与清除之间已在别的连接上重新加入
		s.log.Debug("用户已换连接，跳过离线", zap.String("conn", token), zap.String("user_id", user.ID))
		return nil
	}

	s.log.Info("用户已离开", zap.String("conn", token), zap.String("user_id", user.ID))
	return &snapshot
}

// CurrentUser 返回仍在该连接上在线的用户，否则 nil
func (s *IdentityService) CurrentUser(ctx context.Context, token string) *models.User {
	user, err := s.users.FindOnlineByConnectionToken(ctx, token)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.log.Error("查找当前用户失败", zap.String("conn", token), zap.Error(err))
		}
		return nil
	}
	return user
}
