package database

import (
	"context"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"

	"gorm.io/gorm"
)

// CreateAccount 创建新账号
func (db *DB) CreateAccount(ctx context.Context, acc *models.Account) error {
	logger.Debug("数据库: 创建账号 - ID: %s, 名称: %s", acc.ID, acc.Name)

	if err := db.gorm.WithContext(ctx).Create(acc).Error; err != nil {
		logger.Debug("数据库: 创建账号失败 - ID: %s, 错误: %v", acc.ID, err)
		return err
	}

	return nil
}

// GetAccount 根据 ID 获取账号（不存在返回 nil，不作为错误）
func (db *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&acc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		logger.Debug("数据库: 查询账号失败 - ID: %s, 错误: %v", id, err)
		return nil, err
	}
	return &acc, nil
}

// ListAccounts 列出账号（valid 为 nil 表示不过滤软删除标记）
func (db *DB) ListAccounts(ctx context.Context, valid *bool) ([]*models.Account, error) {
	query := db.gorm.WithContext(ctx).Model(&models.Account{})

	if valid != nil {
		query = query.Where("valid = ?", *valid)
	}

	var accounts []*models.Account
	if err := query.Order("created_at ASC").Find(&accounts).Error; err != nil {
		logger.Debug("数据库: 列出账号失败 - 错误: %v", err)
		return nil, err
	}
	return accounts, nil
}

// ListConnectedAccounts 列出有效且已连接的账号，按最近登录时间倒序
func (db *DB) ListConnectedAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.gorm.WithContext(ctx).
		Where("valid = ? AND connection_status = ?", true, models.ConnectionStatusConnected).
		Order("last_login_at DESC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccount 更新账号基础字段
func (db *DB) UpdateAccount(ctx context.Context, id string, updates *models.AccountUpdate) error {
	logger.Debug("数据库: 更新账号 - ID: %s", id)

	updateMap := make(map[string]interface{})

	if updates.Name != nil {
		updateMap["name"] = *updates.Name
	}
	if updates.BaseURL != nil {
		updateMap["base_url"] = *updates.BaseURL
	}
	if updates.Username != nil {
		updateMap["username"] = *updates.Username
	}
	if updates.Password != nil {
		updateMap["password"] = *updates.Password
	}
	if updates.Valid != nil {
		updateMap["valid"] = *updates.Valid
	}

	if len(updateMap) == 0 {
		return nil
	}
	updateMap["updated_at"] = models.CurrentTime()

	return db.gorm.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).Updates(updateMap).Error
}

// SaveAccount 持久化账号的当前状态（令牌、连接状态、统计字段）
func (db *DB) SaveAccount(ctx context.Context, acc *models.Account) error {
	acc.UpdatedAt = models.CurrentTime()
	return db.RetryOnLock(ctx, 3, func() error {
		return db.gorm.WithContext(ctx).Save(acc).Error
	})
}

// InvalidateAccount 软删除账号（账号记录永不物理删除）
func (db *DB) InvalidateAccount(ctx context.Context, id string) error {
	logger.Info("数据库: 软删除账号 - ID: %s", id)
	return db.gorm.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"valid":      false,
			"updated_at": models.CurrentTime(),
		}).Error
}

// GetAccountCount 获取有效账号数量
func (db *DB) GetAccountCount(ctx context.Context) (int, error) {
	var count int64
	err := db.gorm.WithContext(ctx).Model(&models.Account{}).
		Where("valid = ?", true).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
