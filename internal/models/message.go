package models

import "time"

// Message 聊天消息，创建后不可变。发送者被删除时 SenderID 置空而不是级联删除
type Message struct {
	ID       int64   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Text     string  `gorm:"type:text;not null" json:"text"`
	IsSystem bool    `gorm:"not null;default:false" json:"is_system"`
	SenderID *string `gorm:"index;type:varchar(36)" json:"sender_id,omitempty"`
	Sender   *User   `gorm:"foreignKey:SenderID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
