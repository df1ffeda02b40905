package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Gopher0727/GroupChat/internal/models"
)

// ErrNotFound 查询未命中
var ErrNotFound = errors.New("record not found")

// ConflictKind 写入时唯一约束冲突的类别
type ConflictKind int

const (
	NoConflict ConflictKind = iota
	// ConflictNameCollision 昵称已被另一条用户记录占用
	ConflictNameCollision
	// ConflictOther external_auth_id 或 email 冲突
	ConflictOther
)

func (k ConflictKind) String() string {
	switch k {
	case NoConflict:
		return "none"
	case ConflictNameCollision:
		return "name_collision"
	case ConflictOther:
		return "other"
	default:
		return "unknown"
	}
}

// WriteResult 用户写操作的结果。Conflict 非 NoConflict 时 User 为空
type WriteResult struct {
	User     *models.User
	Conflict ConflictKind
}

func (r WriteResult) OK() bool {
	return r.Conflict == NoConflict && r.User != nil
}

// classifyConflict 判断唯一约束冲突是否由昵称引起：
// name 被 selfID 以外的记录持有即为 ConflictNameCollision
func (r *UserRepository) classifyConflict(ctx context.Context, name, selfID string) (ConflictKind, error) {
	var holder models.User
	err := r.db.WithContext(ctx).Select("id").Where("name = ?", name).Take(&holder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConflictOther, nil
	}
	if err != nil {
		return ConflictOther, err
	}
	if holder.ID != selfID {
		return ConflictNameCollision, nil
	}
	return ConflictOther, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
