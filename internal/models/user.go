package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 聊天参与者。ExternalAuthID / Email 可为空，非空时唯一
type User struct {
	ID string `gorm:"primaryKey;type:varchar(36)" json:"id"`

	Name            string  `gorm:"uniqueIndex;not null;type:varchar(255)" json:"name"`
	ExternalAuthID  *string `gorm:"uniqueIndex;type:varchar(255)" json:"external_auth_id,omitempty"`
	Email           *string `gorm:"uniqueIndex;type:varchar(255)" json:"email,omitempty"`
	AvatarURL       *string `gorm:"type:text" json:"avatar_url,omitempty"`
	ConnectionToken *string `gorm:"index;type:varchar(64)" json:"-"`
	Online          bool    `gorm:"not null;default:false" json:"online"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// BeforeCreate 创建时生成不可变的 UUID 主键
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// AuthID 返回外部身份 ID，未绑定时为空串
func (u *User) AuthID() string {
	if u.ExternalAuthID == nil {
		return ""
	}
	return *u.ExternalAuthID
}

func (u *User) Avatar() string {
	if u.AvatarURL == nil {
		return ""
	}
	return *u.AvatarURL
}
