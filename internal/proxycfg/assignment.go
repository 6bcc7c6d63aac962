package proxycfg

import (
	"context"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"
)

// ProxySetter 下发设备代理的远程接口
type ProxySetter interface {
	SetDeviceProxy(ctx context.Context, acct *models.Account, deviceID string, d *Descriptor) error
}

// Assignment 将验证后的代理下发到远程设备
// 纯透传，不修改任何本地状态
type Assignment struct {
	transport ProxySetter
}

// NewAssignment 创建代理下发器
func NewAssignment(transport ProxySetter) *Assignment {
	return &Assignment{transport: transport}
}

// Apply 验证并下发代理配置
// 格式非法时不触发任何远程调用，直接返回 false
func (a *Assignment) Apply(ctx context.Context, acct *models.Account, deviceID string, raw string) bool {
	d, err := Parse(raw)
	if err != nil {
		logger.Warn("设备 %s 代理配置验证失败: %v", deviceID, err)
		return false
	}

	if err := a.transport.SetDeviceProxy(ctx, acct, deviceID, d); err != nil {
		logger.Error("设备 %s 代理下发失败: %v", deviceID, err)
		return false
	}

	logger.Info("设备 %s 代理下发成功: %s", deviceID, d.Addr())
	return true
}
