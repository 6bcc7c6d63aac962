package models

// Device 表示一个设备会话（一个正在登录或已完成扫码登录的机器人身份）
// 一个上游账号可以承载多个设备会话
type Device struct {
	DeviceID     string  `gorm:"column:device_id;primaryKey;size:36" json:"device_id"`
	AccountID    string  `gorm:"column:account_id;size:36;index" json:"account_id"`
	Status       string  `gorm:"size:20;default:'pending_login';index" json:"status"`
	QRCodeURL    *string `gorm:"column:qr_code_url;type:text" json:"qr_code_url"`
	WechatID     *string `gorm:"column:wechat_id;size:255;index" json:"wechat_id"`
	Nickname     *string `gorm:"size:255" json:"nickname"`
	Avatar       *string `gorm:"type:text" json:"avatar"`
	LastLoginAt  *string `gorm:"column:last_login_at;size:50" json:"last_login_at"`
	LastActiveAt *string `gorm:"column:last_active_at;size:50" json:"last_active_at"`
	Proxy        *string `gorm:"size:255" json:"proxy"`
	Remark       string  `gorm:"size:255" json:"remark"`
	Valid        bool    `gorm:"default:true;index" json:"valid"`
	CreatedAt    string  `gorm:"column:created_at;size:50;index" json:"created_at"`
	UpdatedAt    string  `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// DeviceStatus 设备会话状态枚举（封闭集合，所有转换点必须穷举匹配）
const (
	DeviceStatusPendingLogin = "pending_login" // 已创建，等待扫码确认
	DeviceStatusOnline       = "online"        // 已登录在线
	DeviceStatusOffline      = "offline"       // 曾登录，当前离线
	DeviceStatusExpired      = "expired"       // 二维码失效，终态
)

// IsDeviceStatusValid 检查设备状态值是否有效
func IsDeviceStatusValid(status string) bool {
	switch status {
	case DeviceStatusPendingLogin, DeviceStatusOnline, DeviceStatusOffline, DeviceStatusExpired:
		return true
	}
	return false
}

// DeviceCreate 表示发起登录时的可选参数
type DeviceCreate struct {
	AccountID string `json:"account_id" binding:"required"`
	Remark    string `json:"remark"`
	Proxy     string `json:"proxy"`
	Province  string `json:"province"`
	City      string `json:"city"`
}
