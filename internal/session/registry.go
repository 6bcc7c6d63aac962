package session

import (
	"context"
	"errors"
	"sync"
	"time"
	"wxbot-manager/internal/credential"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/proxycfg"
	"wxbot-manager/internal/wxapi"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// LoginResult 登录流程操作的统一结果
// Pending 为 true 表示远端仍在等待扫码，这是正常状态而不是错误
type LoginResult struct {
	Success   bool           `json:"success"`
	Pending   bool           `json:"pending,omitempty"`
	QRCodeURL string         `json:"qr_code_url,omitempty"`
	Device    *models.Device `json:"device,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// DeviceStatus 在线状态查询的结果
type DeviceStatus struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	IsOnline bool   `json:"is_online"`
}

// Statistics 有效会话的状态统计
type Statistics struct {
	Total        int `json:"total"`
	Online       int `json:"online"`
	Offline      int `json:"offline"`
	PendingLogin int `json:"pending_login"`
	Expired      int `json:"expired"`
}

// Registry 管理全部设备会话
// 对同一会话的变更串行化（每设备一把锁），跨会话互不阻塞
type Registry struct {
	db        *database.DB
	pool      *credential.Pool
	transport wxapi.Transport
	now       func() time.Time

	checkWorkers int64

	mu sync.Mutex
	// 每个见过的设备一把锁，常驻不回收，条目数与设备总量同阶
	locks map[string]*sync.Mutex
}

// NewRegistry 创建会话管理器
func NewRegistry(db *database.DB, pool *credential.Pool, transport wxapi.Transport, checkWorkers int) *Registry {
	if checkWorkers < 1 {
		checkWorkers = 1
	}
	return &Registry{
		db:           db,
		pool:         pool,
		transport:    transport,
		now:          time.Now,
		checkWorkers: int64(checkWorkers),
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetNowFunc 注入时钟（测试用）
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.now = now
}

// deviceLock 获取某个设备会话的互斥锁
func (r *Registry) deviceLock(deviceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[deviceID] = lock
	}
	return lock
}

// recordOutcome 把一次远程调用的结果回填到凭证池
// 远端业务拒绝说明请求已抵达对端，对连接健康度而言是成功；
// 本地取消不反映对端健康度，不记账
func (r *Registry) recordOutcome(ctx context.Context, accountID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	success := err == nil || wxapi.IsAPIError(err)
	if recordErr := r.pool.RecordAPIOutcome(ctx, accountID, success); recordErr != nil {
		logger.Warn("回填账号 %s 调用结果失败: %v", accountID, recordErr)
	}
}

// reloadDevice 持锁后重读会话行并覆盖调用方的快照
// 并发调用方各自持有的 *models.Device 可能已经过期，所有转换必须基于最新行
func (r *Registry) reloadDevice(ctx context.Context, dev *models.Device) error {
	fresh, err := r.db.GetDevice(ctx, dev.DeviceID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return &sessionUnavailableError{deviceID: dev.DeviceID}
	}
	*dev = *fresh
	return nil
}

// sessionUnavailableError 会话记录缺失或查询失败
type sessionUnavailableError struct {
	deviceID string
}

func (e *sessionUnavailableError) Error() string {
	return "设备 " + e.deviceID + " 会话记录不可用"
}

// StartLogin 发起一次新的设备登录流程
// 账号缺少可用令牌或代理描述符非法时快速失败，不触发任何远程调用；
// 创建设备和申请二维码任一远程步骤失败时不持久化任何会话记录
func (r *Registry) StartLogin(ctx context.Context, acct *models.Account, opts models.DeviceCreate) *LoginResult {
	if !r.pool.HasValidToken(acct) {
		logger.Warn("账号 %s 缺少可用令牌，拒绝发起登录", acct.Name)
		return &LoginResult{Success: false, Error: "账号缺少可用的访问令牌"}
	}

	if opts.Proxy != "" {
		if _, err := proxycfg.Parse(opts.Proxy); err != nil {
			logger.Warn("发起登录的代理配置非法: %v", err)
			return &LoginResult{Success: false, Error: err.Error()}
		}
	}

	deviceID := uuid.New().String()
	createOpts := wxapi.CreateDeviceOptions{
		Remark:   opts.Remark,
		Province: opts.Province,
		City:     opts.City,
	}

	if err := r.transport.CreateDevice(ctx, acct, deviceID, createOpts); err != nil {
		r.recordOutcome(ctx, acct.ID, err)
		logger.Error("创建设备失败 - 账号: %s, 错误: %v", acct.Name, err)
		return &LoginResult{Success: false, Error: "创建设备失败: " + err.Error()}
	}

	qr, err := r.transport.GetLoginQRCode(ctx, acct, deviceID, createOpts)
	if err != nil {
		r.recordOutcome(ctx, acct.ID, err)
		logger.Error("申请二维码失败 - 账号: %s, 设备: %s, 错误: %v", acct.Name, deviceID, err)
		return &LoginResult{Success: false, Error: "申请登录二维码失败: " + err.Error()}
	}

	dev := NewDevice(deviceID, acct.ID, opts.Remark, r.now())
	if err := IssueQR(dev, qr.QRCodeURL); err != nil {
		return &LoginResult{Success: false, Error: err.Error()}
	}
	if opts.Proxy != "" {
		proxy := opts.Proxy
		dev.Proxy = &proxy
	}

	if err := r.db.CreateDevice(ctx, dev); err != nil {
		logger.Error("持久化设备会话失败 - 设备: %s, 错误: %v", deviceID, err)
		return &LoginResult{Success: false, Error: "持久化设备会话失败: " + err.Error()}
	}

	r.recordOutcome(ctx, acct.ID, nil)
	logger.Info("登录流程已发起 - 账号: %s, 设备: %s", acct.Name, deviceID)
	return &LoginResult{Success: true, QRCodeURL: qr.QRCodeURL, Device: dev}
}

// ConfirmLogin 查询扫码确认结果并应用状态转换
// 传输异常被捕获并转换为失败结果，不向上抛出
func (r *Registry) ConfirmLogin(ctx context.Context, dev *models.Device) *LoginResult {
	lock := r.deviceLock(dev.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.reloadDevice(ctx, dev); err != nil {
		return &LoginResult{Success: false, Error: err.Error()}
	}

	// 已在线时重复确认是幂等的成功
	if dev.Status == models.DeviceStatusOnline {
		return &LoginResult{Success: true, Device: dev}
	}
	if dev.Status == models.DeviceStatusExpired {
		return &LoginResult{Success: false, Error: "会话已失效，请发起新的登录流程"}
	}
	// 扫码确认只针对等待登录的会话，离线会话走状态检查路径
	if dev.Status == models.DeviceStatusOffline {
		return &LoginResult{Success: false, Error: "会话已离线，扫码确认仅适用于等待登录的会话"}
	}

	acct, err := r.db.GetAccount(ctx, dev.AccountID)
	if err != nil || acct == nil {
		return &LoginResult{Success: false, Error: "设备所属账号不可用"}
	}

	res, err := r.transport.CheckLogin(ctx, acct, dev.DeviceID)
	if err != nil {
		r.recordOutcome(ctx, acct.ID, err)
		if wxapi.IsAPIError(err) {
			// 远端业务拒绝，状态保持不变
			return &LoginResult{Success: false, Error: err.Error()}
		}
		logger.Error("确认登录传输失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
		return &LoginResult{Success: false, Error: "确认登录失败: " + err.Error()}
	}
	r.recordOutcome(ctx, acct.ID, nil)

	// 远端明确报告二维码已失效
	if res.Expired {
		if err := Expire(dev); err != nil {
			return &LoginResult{Success: false, Error: err.Error()}
		}
		if err := r.db.SaveDevice(ctx, dev); err != nil {
			logger.Error("保存失效会话失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
		}
		logger.Info("二维码已失效 - 设备: %s", dev.DeviceID)
		return &LoginResult{Success: false, Device: dev, Error: "二维码已失效"}
	}

	loggedIn, err := Confirm(dev, res, r.now())
	if err != nil {
		return &LoginResult{Success: false, Error: err.Error()}
	}
	if !loggedIn {
		// 仍在等待扫码
		return &LoginResult{Success: false, Pending: true, Device: dev}
	}

	if err := r.db.SaveDevice(ctx, dev); err != nil {
		logger.Error("保存会话状态失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
		return &LoginResult{Success: false, Error: "保存会话状态失败: " + err.Error()}
	}

	logger.Info("设备登录成功 - 设备: %s, 微信号: %v", dev.DeviceID, dev.WechatID)
	return &LoginResult{Success: true, Device: dev}
}

// CheckOnlineStatus 查询并应用设备在线状态
// 设备离线是正常答案而不是错误，错误只表示传输失败
func (r *Registry) CheckOnlineStatus(ctx context.Context, dev *models.Device) (*DeviceStatus, error) {
	lock := r.deviceLock(dev.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.reloadDevice(ctx, dev); err != nil {
		return nil, err
	}

	// 终态会话不再发起远程查询
	if dev.Status == models.DeviceStatusExpired {
		return &DeviceStatus{DeviceID: dev.DeviceID, Status: dev.Status, IsOnline: false}, nil
	}

	acct, err := r.db.GetAccount(ctx, dev.AccountID)
	if err != nil || acct == nil {
		return nil, &accountUnavailableError{deviceID: dev.DeviceID}
	}

	res, err := r.transport.CheckOnline(ctx, acct, dev.DeviceID)
	if err != nil {
		r.recordOutcome(ctx, acct.ID, err)
		return nil, err
	}
	r.recordOutcome(ctx, acct.ID, nil)

	if err := CheckOnline(dev, res.Online, r.now()); err != nil {
		return nil, err
	}
	if err := r.db.SaveDevice(ctx, dev); err != nil {
		logger.Error("保存会话状态失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
	}

	return &DeviceStatus{DeviceID: dev.DeviceID, Status: dev.Status, IsOnline: res.Online}, nil
}

// accountUnavailableError 设备所属账号缺失或查询失败
type accountUnavailableError struct {
	deviceID string
}

func (e *accountUnavailableError) Error() string {
	return "设备 " + e.deviceID + " 所属账号不可用"
}

// Logout 远端登出设备
// 远端成功后才应用本地转换；远端失败时本地状态保持不变并返回 false
func (r *Registry) Logout(ctx context.Context, dev *models.Device) bool {
	lock := r.deviceLock(dev.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.reloadDevice(ctx, dev); err != nil {
		logger.Warn("登出时重读会话记录失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
		return false
	}

	switch dev.Status {
	case models.DeviceStatusOnline, models.DeviceStatusOffline:
		// 允许登出
	case models.DeviceStatusPendingLogin, models.DeviceStatusExpired:
		logger.Warn("状态 %s 不允许登出 - 设备: %s", dev.Status, dev.DeviceID)
		return false
	default:
		return false
	}

	acct, err := r.db.GetAccount(ctx, dev.AccountID)
	if err != nil || acct == nil {
		logger.Warn("登出时设备所属账号不可用 - 设备: %s", dev.DeviceID)
		return false
	}

	if err := r.transport.Logout(ctx, acct, dev.DeviceID); err != nil {
		r.recordOutcome(ctx, acct.ID, err)
		logger.Error("远端登出失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
		return false
	}
	r.recordOutcome(ctx, acct.ID, nil)

	if err := Logout(dev); err != nil {
		return false
	}
	if err := r.db.SaveDevice(ctx, dev); err != nil {
		logger.Error("保存会话状态失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
	}

	logger.Info("设备已登出 - 设备: %s", dev.DeviceID)
	return true
}

// GetStatistics 按状态统计全部有效会话，不触发远程调用
func (r *Registry) GetStatistics(ctx context.Context) (*Statistics, error) {
	counts, err := r.db.CountDevicesByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Online:       counts[models.DeviceStatusOnline],
		Offline:      counts[models.DeviceStatusOffline],
		PendingLogin: counts[models.DeviceStatusPendingLogin],
		Expired:      counts[models.DeviceStatusExpired],
	}
	stats.Total = stats.Online + stats.Offline + stats.PendingLogin + stats.Expired
	return stats, nil
}

// CheckAllSessions 并发检查全部有效会话的在线状态
// 并发受信号量约束；单个会话失败不影响其他会话，收集部分结果继续；
// ctx 取消后不再发起新的检查，已发出的调用正常完成
func (r *Registry) CheckAllSessions(ctx context.Context) (map[string]*DeviceStatus, error) {
	valid := true
	devices, err := r.db.ListDevices(ctx, &valid)
	if err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(r.checkWorkers)
	var wg sync.WaitGroup
	var resultMu sync.Mutex
	results := make(map[string]*DeviceStatus, len(devices))

	for _, dev := range devices {
		if err := sem.Acquire(ctx, 1); err != nil {
			// ctx 已取消，停止发起新的检查
			logger.Info("全量状态检查被取消，已完成 %d/%d", len(results), len(devices))
			break
		}

		wg.Add(1)
		go func(dev *models.Device) {
			defer wg.Done()
			defer sem.Release(1)

			// 取消只闸住新任务，已发出的检查脱离 ctx 的取消信号完整跑完
			status, err := r.CheckOnlineStatus(context.WithoutCancel(ctx), dev)
			if err != nil {
				logger.Warn("会话状态检查失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
				return
			}

			resultMu.Lock()
			results[status.DeviceID] = status
			resultMu.Unlock()
		}(dev)
	}

	wg.Wait()
	return results, nil
}
