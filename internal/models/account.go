package models

import (
	"time"
)

// Account 表示一个上游 API 账号（一个后端租户的凭证和接口地址）
// 注意：不使用 not null 约束以兼容旧数据迁移，应用层保证数据完整性
type Account struct {
	ID               string  `gorm:"primaryKey;size:36" json:"id"`
	Name             string  `gorm:"size:255" json:"name"`
	BaseURL          string  `gorm:"column:base_url;size:255" json:"base_url"`
	Username         string  `gorm:"size:255" json:"username"`
	Password         string  `gorm:"size:255" json:"password"`
	ConnectionStatus string  `gorm:"column:connection_status;size:20;default:'disconnected';index" json:"connection_status"`
	AccessToken      *string `gorm:"column:access_token;type:text" json:"access_token"`
	TokenExpiresAt   *string `gorm:"column:token_expires_at;size:50;index" json:"token_expires_at"`
	LastLoginAt      *string `gorm:"column:last_login_at;size:50;index" json:"last_login_at"`
	LastAPICallAt    *string `gorm:"column:last_api_call_at;size:50" json:"last_api_call_at"`
	APICallCount     int64   `gorm:"column:api_call_count;default:0" json:"api_call_count"`
	Valid            bool    `gorm:"default:true;index" json:"valid"`
	CreatedAt        string  `gorm:"column:created_at;size:50;index" json:"created_at"`
	UpdatedAt        string  `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// AccountCreate 表示创建新账号的数据
type AccountCreate struct {
	Name     string `json:"name" binding:"required"`
	BaseURL  string `json:"base_url" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AccountUpdate 表示更新账号的数据
type AccountUpdate struct {
	Name     *string `json:"name"`
	BaseURL  *string `json:"base_url"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Valid    *bool   `json:"valid"`
}

// TimeFormat 时间格式（带时区）
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// ConnectionStatus 账号连接状态枚举
const (
	ConnectionStatusConnected    = "connected"    // 最近一次调用成功
	ConnectionStatusDisconnected = "disconnected" // 尚未建立连接
	ConnectionStatusError        = "error"        // 最近一次调用失败
)

// IsConnectionStatusValid 检查连接状态值是否有效
func IsConnectionStatusValid(status string) bool {
	switch status {
	case ConnectionStatusConnected, ConnectionStatusDisconnected, ConnectionStatusError:
		return true
	}
	return false
}

// CurrentTime 返回当前本地时间的格式字符串
func CurrentTime() string {
	return time.Now().Format(TimeFormat)
}

// FormatTime 将时间格式化为存储用字符串
func FormatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// ParseTime 解析存储的时间字符串，失败返回零值
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
