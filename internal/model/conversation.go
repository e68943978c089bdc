// Package model 包含了应用的数据模型定义。
package model

import "time"

// Conversation 代表一个用户拥有的会话。
type Conversation struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID       uint      `gorm:"index;not null" json:"userId"`
	Title        *string   `gorm:"type:varchar(255)" json:"title"`
	SystemPrompt *string   `gorm:"type:text" json:"systemPrompt"`
	Mode         *string   `gorm:"type:varchar(16)" json:"mode"` // 存储的会话级模式偏好
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime;index" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}
