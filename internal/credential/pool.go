package credential

import (
	"context"
	"sync"
	"time"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"
)

// Pool 上游账号的凭证池
// 纯记账层：跟踪令牌有效期和连接健康度，自身从不发起远程调用，
// 数据由调用方在每次远程调用结束后通过 RecordAPIOutcome 等方法回填
type Pool struct {
	db  *database.DB
	now func() time.Time

	mu sync.Mutex
	// 每个账号一把锁，跨账号操作互不阻塞；条目常驻不回收，量级与账号总数同阶
	locks map[string]*sync.Mutex
}

// NewPool 创建凭证池
func NewPool(db *database.DB) *Pool {
	return &Pool{
		db:    db,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// SetNowFunc 注入时钟（测试用，保证过期判定可复现）
func (p *Pool) SetNowFunc(now func() time.Time) {
	p.now = now
}

// accountLock 获取某个账号的互斥锁
func (p *Pool) accountLock(accountID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[accountID] = lock
	}
	return lock
}

// DefaultAccount 返回最近登录的可用账号（valid 且 connected）
// 没有可用账号时返回 nil，不作为错误，调用方必须显式处理
func (p *Pool) DefaultAccount(ctx context.Context) (*models.Account, error) {
	accounts, err := p.db.ListConnectedAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var best *models.Account
	var bestAt time.Time
	for _, acc := range accounts {
		if acc.LastLoginAt == nil {
			if best == nil {
				best = acc
			}
			continue
		}
		at, err := models.ParseTime(*acc.LastLoginAt)
		if err != nil {
			continue
		}
		if best == nil || at.After(bestAt) {
			best = acc
			bestAt = at
		}
	}
	return best, nil
}

// AccountsNeedingRefresh 返回令牌即将到期的有效账号
// 即将到期: now < tokenExpiresAt < now + window
// 已经过期的账号（tokenExpiresAt <= now）不在其中，过期刷新是另一条失败路径
func (p *Pool) AccountsNeedingRefresh(ctx context.Context, window time.Duration) ([]*models.Account, error) {
	valid := true
	accounts, err := p.db.ListAccounts(ctx, &valid)
	if err != nil {
		return nil, err
	}

	now := p.now()
	deadline := now.Add(window)

	var result []*models.Account
	for _, acc := range accounts {
		if acc.AccessToken == nil || *acc.AccessToken == "" {
			continue
		}
		if acc.TokenExpiresAt == nil {
			continue
		}
		expiresAt, err := models.ParseTime(*acc.TokenExpiresAt)
		if err != nil {
			logger.Warn("账号 %s 的令牌过期时间无法解析: %q", acc.ID, *acc.TokenExpiresAt)
			continue
		}
		if expiresAt.After(now) && expiresAt.Before(deadline) {
			result = append(result, acc)
		}
	}
	return result, nil
}

// RecordAPIOutcome 记录一次针对账号的远程调用结果
// 成功: 调用计数 +1、刷新最后调用时间、连接状态转为 connected
// 失败: 连接状态转为 error，但不清除令牌（瞬时网络故障不代表令牌失效）
func (p *Pool) RecordAPIOutcome(ctx context.Context, accountID string, success bool) error {
	lock := p.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acc, err := p.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		logger.Warn("记录调用结果时账号不存在 - ID: %s", accountID)
		return nil
	}

	if success {
		acc.APICallCount++
		now := models.FormatTime(p.now())
		acc.LastAPICallAt = &now
		if acc.ConnectionStatus != models.ConnectionStatusConnected {
			acc.ConnectionStatus = models.ConnectionStatusConnected
		}
	} else {
		acc.ConnectionStatus = models.ConnectionStatusError
	}

	return p.db.SaveAccount(ctx, acc)
}

// HasValidToken 判断账号当前是否持有可用令牌
// 令牌非空且（无过期时间或过期时间在未来）
func (p *Pool) HasValidToken(acc *models.Account) bool {
	if acc == nil || acc.AccessToken == nil || *acc.AccessToken == "" {
		return false
	}
	if acc.TokenExpiresAt == nil {
		return true
	}
	expiresAt, err := models.ParseTime(*acc.TokenExpiresAt)
	if err != nil {
		return false
	}
	return expiresAt.After(p.now())
}

// UpdateToken 写入新签发的令牌
// expiresIn <= 0 表示令牌不过期
func (p *Pool) UpdateToken(ctx context.Context, accountID string, token string, expiresIn int64) error {
	lock := p.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acc, err := p.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		logger.Warn("更新令牌时账号不存在 - ID: %s", accountID)
		return nil
	}

	now := p.now()
	acc.AccessToken = &token
	if expiresIn > 0 {
		expiresAt := models.FormatTime(now.Add(time.Duration(expiresIn) * time.Second))
		acc.TokenExpiresAt = &expiresAt
	} else {
		acc.TokenExpiresAt = nil
	}
	loginAt := models.FormatTime(now)
	acc.LastLoginAt = &loginAt
	acc.ConnectionStatus = models.ConnectionStatusConnected

	logger.Info("账号 %s 令牌已更新", acc.Name)
	return p.db.SaveAccount(ctx, acc)
}
