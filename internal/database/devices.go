package database

import (
	"context"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"

	"gorm.io/gorm"
)

// CreateDevice 创建设备会话记录
func (db *DB) CreateDevice(ctx context.Context, dev *models.Device) error {
	logger.Debug("数据库: 创建设备会话 - DeviceID: %s, AccountID: %s", dev.DeviceID, dev.AccountID)

	if err := db.gorm.WithContext(ctx).Create(dev).Error; err != nil {
		logger.Debug("数据库: 创建设备会话失败 - DeviceID: %s, 错误: %v", dev.DeviceID, err)
		return err
	}

	return nil
}

// GetDevice 根据 DeviceID 获取设备会话（不存在返回 nil，不作为错误）
func (db *DB) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var dev models.Device
	err := db.gorm.WithContext(ctx).Where("device_id = ?", deviceID).First(&dev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		logger.Debug("数据库: 查询设备会话失败 - DeviceID: %s, 错误: %v", deviceID, err)
		return nil, err
	}
	return &dev, nil
}

// ListDevices 列出设备会话（valid 为 nil 表示不过滤软删除标记）
func (db *DB) ListDevices(ctx context.Context, valid *bool) ([]*models.Device, error) {
	query := db.gorm.WithContext(ctx).Model(&models.Device{})

	if valid != nil {
		query = query.Where("valid = ?", *valid)
	}

	var devices []*models.Device
	if err := query.Order("created_at ASC").Find(&devices).Error; err != nil {
		logger.Debug("数据库: 列出设备会话失败 - 错误: %v", err)
		return nil, err
	}
	return devices, nil
}

// ListDevicesByAccount 列出某个账号下的设备会话
func (db *DB) ListDevicesByAccount(ctx context.Context, accountID string, valid *bool) ([]*models.Device, error) {
	query := db.gorm.WithContext(ctx).Model(&models.Device{}).
		Where("account_id = ?", accountID)

	if valid != nil {
		query = query.Where("valid = ?", *valid)
	}

	var devices []*models.Device
	if err := query.Order("created_at ASC").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// SaveDevice 持久化设备会话的当前状态
func (db *DB) SaveDevice(ctx context.Context, dev *models.Device) error {
	dev.UpdatedAt = models.CurrentTime()
	return db.RetryOnLock(ctx, 3, func() error {
		return db.gorm.WithContext(ctx).Save(dev).Error
	})
}

// InvalidateDevice 软删除设备会话
func (db *DB) InvalidateDevice(ctx context.Context, deviceID string) error {
	logger.Info("数据库: 软删除设备会话 - DeviceID: %s", deviceID)
	return db.gorm.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{
			"valid":      false,
			"updated_at": models.CurrentTime(),
		}).Error
}

// CountDevicesByStatus 按状态统计有效设备会话数量
func (db *DB) CountDevicesByStatus(ctx context.Context) (map[string]int, error) {
	type row struct {
		Status string
		Count  int
	}

	var rows []row
	err := db.gorm.WithContext(ctx).Model(&models.Device{}).
		Select("status, COUNT(*) as count").
		Where("valid = ?", true).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
