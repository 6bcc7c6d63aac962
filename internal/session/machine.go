package session

import (
	"fmt"
	"time"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/wxapi"
)

// TransitionError 表示在当前状态下不允许的转换
type TransitionError struct {
	From  string
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("状态 %s 不允许执行 %s", e.From, e.Event)
}

// NewDevice 创建一个处于 pending_login 状态的新设备会话
// 设备 ID 由调用方生成，创建后不可变
func NewDevice(deviceID, accountID, remark string, now time.Time) *models.Device {
	ts := models.FormatTime(now)
	return &models.Device{
		DeviceID:  deviceID,
		AccountID: accountID,
		Status:    models.DeviceStatusPendingLogin,
		Remark:    remark,
		Valid:     true,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// IssueQR 记录已下发的二维码地址，仅在 pending_login 状态下允许
func IssueQR(dev *models.Device, url string) error {
	switch dev.Status {
	case models.DeviceStatusPendingLogin:
		dev.QRCodeURL = &url
		return nil
	case models.DeviceStatusOnline, models.DeviceStatusOffline, models.DeviceStatusExpired:
		return &TransitionError{From: dev.Status, Event: "issueQr"}
	default:
		return &TransitionError{From: dev.Status, Event: "issueQr"}
	}
}

// Confirm 应用扫码确认结果，仅针对等待扫码的会话
// 远端报告 login=true 时转为 online 并填充身份信息；login=false 时保持等待，
// 不是错误。设备已在线时为幂等空操作；离线会话的上线走 CheckOnline。
// 返回值表示本次调用后是否已登录。
func Confirm(dev *models.Device, res *wxapi.LoginStatusResult, now time.Time) (bool, error) {
	switch dev.Status {
	case models.DeviceStatusOnline:
		// 重复确认是幂等的成功
		return true, nil
	case models.DeviceStatusOffline, models.DeviceStatusExpired:
		return false, &TransitionError{From: dev.Status, Event: "confirm"}
	case models.DeviceStatusPendingLogin:
		if !res.Login {
			// 仍在等待扫码，状态和二维码保持不变
			return false, nil
		}
		dev.Status = models.DeviceStatusOnline
		if res.WechatID != "" {
			dev.WechatID = &res.WechatID
		}
		if res.Nickname != "" {
			dev.Nickname = &res.Nickname
		}
		if res.Avatar != "" {
			dev.Avatar = &res.Avatar
		}
		ts := models.FormatTime(now)
		dev.LastLoginAt = &ts
		dev.LastActiveAt = &ts
		dev.QRCodeURL = nil
		return true, nil
	default:
		return false, &TransitionError{From: dev.Status, Event: "confirm"}
	}
}

// CheckOnline 应用在线状态查询结果
// 任何非终态下都允许，会话可以反复在 online/offline 之间切换而无需重新登录
func CheckOnline(dev *models.Device, online bool, now time.Time) error {
	switch dev.Status {
	case models.DeviceStatusExpired:
		return &TransitionError{From: dev.Status, Event: "checkOnline"}
	case models.DeviceStatusPendingLogin, models.DeviceStatusOnline, models.DeviceStatusOffline:
		if online {
			dev.Status = models.DeviceStatusOnline
			ts := models.FormatTime(now)
			dev.LastActiveAt = &ts
		} else {
			dev.Status = models.DeviceStatusOffline
		}
		if dev.Status != models.DeviceStatusPendingLogin {
			dev.QRCodeURL = nil
		}
		return nil
	default:
		return &TransitionError{From: dev.Status, Event: "checkOnline"}
	}
}

// Logout 本地登出转换，仅保留会话记录不销毁
func Logout(dev *models.Device) error {
	switch dev.Status {
	case models.DeviceStatusOnline, models.DeviceStatusOffline:
		dev.Status = models.DeviceStatusOffline
		return nil
	case models.DeviceStatusPendingLogin, models.DeviceStatusExpired:
		return &TransitionError{From: dev.Status, Event: "logout"}
	default:
		return &TransitionError{From: dev.Status, Event: "logout"}
	}
}

// Expire 二维码失效的管理转换，仅由远端的明确信号触发
// expired 是终态，后续登录需要创建新的会话
func Expire(dev *models.Device) error {
	switch dev.Status {
	case models.DeviceStatusPendingLogin:
		dev.Status = models.DeviceStatusExpired
		dev.QRCodeURL = nil
		return nil
	case models.DeviceStatusOnline, models.DeviceStatusOffline, models.DeviceStatusExpired:
		return &TransitionError{From: dev.Status, Event: "expire"}
	default:
		return &TransitionError{From: dev.Status, Event: "expire"}
	}
}
