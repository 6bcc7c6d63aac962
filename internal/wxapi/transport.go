package wxapi

import (
	"context"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/proxycfg"
)

// CreateDeviceOptions 创建设备的可选参数
type CreateDeviceOptions struct {
	Remark   string
	Province string
	City     string
}

// QRCodeResult 获取登录二维码的结果
type QRCodeResult struct {
	QRCodeURL string
}

// LoginStatusResult 扫码确认查询结果
// Login 为 false 且 Expired 为 false 表示仍在等待扫码，不是错误
type LoginStatusResult struct {
	Login    bool
	Expired  bool
	WechatID string
	Nickname string
	Avatar   string
}

// OnlineStatusResult 设备在线状态查询结果
type OnlineStatusResult struct {
	Online bool
}

// TokenResult 令牌签发/刷新结果
type TokenResult struct {
	AccessToken string
	ExpiresIn   int64 // 有效期（秒），0 表示不过期
}

// Transport 远程机器人后端的调用接口
// 所有方法的返回错误中，*APIError 表示远端理解请求但拒绝执行，
// 其他错误一律视为传输层故障
type Transport interface {
	// CreateDevice 在远端注册一个新设备
	CreateDevice(ctx context.Context, acct *models.Account, deviceID string, opts CreateDeviceOptions) error
	// GetLoginQRCode 为设备申请登录二维码
	GetLoginQRCode(ctx context.Context, acct *models.Account, deviceID string, opts CreateDeviceOptions) (*QRCodeResult, error)
	// CheckLogin 查询扫码确认结果
	CheckLogin(ctx context.Context, acct *models.Account, deviceID string) (*LoginStatusResult, error)
	// CheckOnline 查询设备在线状态
	CheckOnline(ctx context.Context, acct *models.Account, deviceID string) (*OnlineStatusResult, error)
	// Logout 远端登出设备
	Logout(ctx context.Context, acct *models.Account, deviceID string) error
	// SetDeviceProxy 下发设备出口代理
	SetDeviceProxy(ctx context.Context, acct *models.Account, deviceID string, d *proxycfg.Descriptor) error
	// Authorize 使用账号凭证签发/刷新访问令牌
	Authorize(ctx context.Context, acct *models.Account) (*TokenResult, error)
}
