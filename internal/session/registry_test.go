package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"wxbot-manager/internal/config"
	"wxbot-manager/internal/credential"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/proxycfg"
	"wxbot-manager/internal/wxapi"

	"github.com/google/uuid"
)

// stubTransport 可编程的传输桩，记录每个方法的调用次数
type stubTransport struct {
	mu sync.Mutex

	createDeviceErr error
	qrCodeErr       error
	loginResult     *wxapi.LoginStatusResult
	loginErr        error
	onlineResult    map[string]*wxapi.OnlineStatusResult
	onlineErr       map[string]error
	logoutErr       error
	checkOnlineHook func(deviceID string) // 可阻塞，用于控制在途调用的时序

	createDeviceCalls int
	qrCodeCalls       int
	checkLoginCalls   int
	checkOnlineCalls  int
	logoutCalls       int
}

func (s *stubTransport) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDeviceCalls + s.qrCodeCalls + s.checkLoginCalls + s.checkOnlineCalls + s.logoutCalls
}

func (s *stubTransport) CreateDevice(ctx context.Context, acct *models.Account, deviceID string, opts wxapi.CreateDeviceOptions) error {
	s.mu.Lock()
	s.createDeviceCalls++
	s.mu.Unlock()
	return s.createDeviceErr
}

func (s *stubTransport) GetLoginQRCode(ctx context.Context, acct *models.Account, deviceID string, opts wxapi.CreateDeviceOptions) (*wxapi.QRCodeResult, error) {
	s.mu.Lock()
	s.qrCodeCalls++
	s.mu.Unlock()
	if s.qrCodeErr != nil {
		return nil, s.qrCodeErr
	}
	return &wxapi.QRCodeResult{QRCodeURL: "https://qr.example.com/" + deviceID}, nil
}

func (s *stubTransport) CheckLogin(ctx context.Context, acct *models.Account, deviceID string) (*wxapi.LoginStatusResult, error) {
	s.mu.Lock()
	s.checkLoginCalls++
	s.mu.Unlock()
	if s.loginErr != nil {
		return nil, s.loginErr
	}
	if s.loginResult != nil {
		return s.loginResult, nil
	}
	return &wxapi.LoginStatusResult{}, nil
}

func (s *stubTransport) CheckOnline(ctx context.Context, acct *models.Account, deviceID string) (*wxapi.OnlineStatusResult, error) {
	s.mu.Lock()
	s.checkOnlineCalls++
	hook := s.checkOnlineHook
	s.mu.Unlock()
	if hook != nil {
		hook(deviceID)
	}
	if err, ok := s.onlineErr[deviceID]; ok {
		return nil, err
	}
	if res, ok := s.onlineResult[deviceID]; ok {
		return res, nil
	}
	return &wxapi.OnlineStatusResult{Online: true}, nil
}

func (s *stubTransport) Logout(ctx context.Context, acct *models.Account, deviceID string) error {
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()
	return s.logoutErr
}

func (s *stubTransport) SetDeviceProxy(ctx context.Context, acct *models.Account, deviceID string, d *proxycfg.Descriptor) error {
	return nil
}

func (s *stubTransport) Authorize(ctx context.Context, acct *models.Account) (*wxapi.TokenResult, error) {
	return &wxapi.TokenResult{AccessToken: "stub-token", ExpiresIn: 3600}, nil
}

func setupTestRegistry(t *testing.T) (*Registry, *database.DB, *credential.Pool, *stubTransport) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: config.DatabaseTypeSQLite,
			SQLite: config.SQLiteConfig{
				Path: ":memory:",
			},
		},
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}

	pool := credential.NewPool(db)
	transport := &stubTransport{}
	reg := NewRegistry(db, pool, transport, 4)
	return reg, db, pool, transport
}

func createTestAccount(t *testing.T, db *database.DB, withToken bool) *models.Account {
	acc := &models.Account{
		ID:               uuid.New().String(),
		Name:             "测试账号",
		BaseURL:          "https://api.example.com",
		Username:         "admin",
		Password:         "secret",
		ConnectionStatus: models.ConnectionStatusConnected,
		Valid:            true,
		CreatedAt:        models.CurrentTime(),
		UpdatedAt:        models.CurrentTime(),
	}
	if withToken {
		token := "test-token"
		acc.AccessToken = &token
	}
	if err := db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("创建账号失败: %v", err)
	}
	return acc
}

// TestStartLoginWithoutToken 无令牌时快速失败且完全不触发远程调用
func TestStartLoginWithoutToken(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	acc := createTestAccount(t, db, false)

	res := reg.StartLogin(context.Background(), acc, models.DeviceCreate{})
	if res.Success {
		t.Error("无令牌时不应成功")
	}
	if transport.totalCalls() != 0 {
		t.Errorf("无令牌时不应触发任何远程调用: got %d", transport.totalCalls())
	}
}

// TestStartLoginInvalidProxy 代理非法时在远程调用之前失败
func TestStartLoginInvalidProxy(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	acc := createTestAccount(t, db, true)

	res := reg.StartLogin(context.Background(), acc, models.DeviceCreate{Proxy: "bad proxy"})
	if res.Success {
		t.Error("代理非法时不应成功")
	}
	if transport.totalCalls() != 0 {
		t.Errorf("代理非法时不应触发任何远程调用: got %d", transport.totalCalls())
	}
}

// TestStartLoginRemoteFailure 远程步骤失败时不残留会话记录
func TestStartLoginRemoteFailure(t *testing.T) {
	t.Run("创建设备失败", func(t *testing.T) {
		reg, db, _, transport := setupTestRegistry(t)
		defer db.Close()

		acc := createTestAccount(t, db, true)
		transport.createDeviceErr = errors.New("连接被重置")

		res := reg.StartLogin(context.Background(), acc, models.DeviceCreate{})
		if res.Success {
			t.Error("远程失败时不应成功")
		}

		valid := true
		devices, _ := db.ListDevices(context.Background(), &valid)
		if len(devices) != 0 {
			t.Errorf("失败的登录不应残留会话记录: got %d", len(devices))
		}
	})

	t.Run("申请二维码失败", func(t *testing.T) {
		reg, db, _, transport := setupTestRegistry(t)
		defer db.Close()

		acc := createTestAccount(t, db, true)
		transport.qrCodeErr = errors.New("网关超时")

		res := reg.StartLogin(context.Background(), acc, models.DeviceCreate{})
		if res.Success {
			t.Error("远程失败时不应成功")
		}

		valid := true
		devices, _ := db.ListDevices(context.Background(), &valid)
		if len(devices) != 0 {
			t.Errorf("失败的登录不应残留会话记录: got %d", len(devices))
		}
	})
}

// TestLoginLifecycle 完整生命周期: 发起 -> 等待 -> 确认 -> 状态检查 -> 登出
func TestLoginLifecycle(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	// 发起登录
	start := reg.StartLogin(ctx, acc, models.DeviceCreate{Remark: "客服机", Proxy: "10.0.0.1:8080"})
	if !start.Success {
		t.Fatalf("发起登录失败: %s", start.Error)
	}
	if start.QRCodeURL == "" {
		t.Error("应返回二维码地址")
	}
	dev := start.Device
	if dev.Status != models.DeviceStatusPendingLogin {
		t.Errorf("新会话状态应为 pending_login: %s", dev.Status)
	}
	if dev.Proxy == nil || *dev.Proxy != "10.0.0.1:8080" {
		t.Error("代理配置未记录")
	}

	// 未扫码时确认返回 pending，状态和二维码保持不变
	transport.loginResult = &wxapi.LoginStatusResult{Login: false}
	confirm := reg.ConfirmLogin(ctx, dev)
	if confirm.Success {
		t.Error("未扫码不应返回成功")
	}
	if !confirm.Pending {
		t.Error("未扫码应标记为 pending")
	}
	if dev.Status != models.DeviceStatusPendingLogin {
		t.Errorf("未扫码状态应保持 pending_login: %s", dev.Status)
	}
	if dev.QRCodeURL == nil {
		t.Error("未扫码不应清除二维码")
	}

	// 扫码成功
	transport.loginResult = &wxapi.LoginStatusResult{
		Login:    true,
		WechatID: "wx_lifecycle",
		Nickname: "客服小助手",
	}
	confirm = reg.ConfirmLogin(ctx, dev)
	if !confirm.Success {
		t.Fatalf("确认登录失败: %s", confirm.Error)
	}
	if dev.Status != models.DeviceStatusOnline {
		t.Errorf("登录后状态应为 online: %s", dev.Status)
	}

	// 重复确认幂等，不再发起远程调用
	before := transport.totalCalls()
	confirm = reg.ConfirmLogin(ctx, dev)
	if !confirm.Success {
		t.Error("重复确认应为幂等成功")
	}
	if transport.totalCalls() != before {
		t.Error("幂等确认不应发起远程调用")
	}

	// 状态检查: 远端报告离线
	transport.onlineResult = map[string]*wxapi.OnlineStatusResult{
		dev.DeviceID: {Online: false},
	}
	status, err := reg.CheckOnlineStatus(ctx, dev)
	if err != nil {
		t.Fatalf("状态检查失败: %v", err)
	}
	if status.IsOnline {
		t.Error("远端报告离线时 IsOnline 应为 false")
	}
	if dev.Status != models.DeviceStatusOffline {
		t.Errorf("状态应转为 offline: %s", dev.Status)
	}

	// 再次在线
	transport.onlineResult[dev.DeviceID] = &wxapi.OnlineStatusResult{Online: true}
	status, err = reg.CheckOnlineStatus(ctx, dev)
	if err != nil {
		t.Fatalf("状态检查失败: %v", err)
	}
	if !status.IsOnline || dev.Status != models.DeviceStatusOnline {
		t.Error("应恢复为 online")
	}

	// 登出
	if !reg.Logout(ctx, dev) {
		t.Fatal("登出失败")
	}
	if dev.Status != models.DeviceStatusOffline {
		t.Errorf("登出后状态应为 offline: %s", dev.Status)
	}

	// 持久化状态一致
	saved, _ := db.GetDevice(ctx, dev.DeviceID)
	if saved.Status != models.DeviceStatusOffline {
		t.Errorf("持久化状态不一致: %s", saved.Status)
	}
}

// TestConfirmLoginExpired 远端报告二维码失效时转为终态
func TestConfirmLoginExpired(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	start := reg.StartLogin(ctx, acc, models.DeviceCreate{})
	if !start.Success {
		t.Fatalf("发起登录失败: %s", start.Error)
	}
	dev := start.Device

	transport.loginResult = &wxapi.LoginStatusResult{Expired: true}
	confirm := reg.ConfirmLogin(ctx, dev)
	if confirm.Success {
		t.Error("二维码失效不应返回成功")
	}
	if dev.Status != models.DeviceStatusExpired {
		t.Errorf("状态应转为 expired: %s", dev.Status)
	}
	if dev.QRCodeURL != nil {
		t.Error("失效后应清除二维码")
	}

	// 终态会话再确认快速失败，不触发远程调用
	before := transport.totalCalls()
	confirm = reg.ConfirmLogin(ctx, dev)
	if confirm.Success {
		t.Error("终态会话确认不应成功")
	}
	if transport.totalCalls() != before {
		t.Error("终态会话不应发起远程调用")
	}

	// 终态会话状态查询也不触发远程调用
	status, err := reg.CheckOnlineStatus(ctx, dev)
	if err != nil {
		t.Fatalf("终态状态查询不应失败: %v", err)
	}
	if status.IsOnline {
		t.Error("终态会话不可能在线")
	}
	if transport.totalCalls() != before {
		t.Error("终态状态查询不应发起远程调用")
	}
}

// TestLogoutRemoteFailure 远端登出失败时本地状态保持不变
func TestLogoutRemoteFailure(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	start := reg.StartLogin(ctx, acc, models.DeviceCreate{})
	dev := start.Device
	transport.loginResult = &wxapi.LoginStatusResult{Login: true, WechatID: "wx_x"}
	reg.ConfirmLogin(ctx, dev)

	transport.logoutErr = errors.New("连接被重置")
	if reg.Logout(ctx, dev) {
		t.Error("远端失败时登出不应成功")
	}
	if dev.Status != models.DeviceStatusOnline {
		t.Errorf("远端失败时本地状态应保持 online: %s", dev.Status)
	}
}

// TestGetStatistics 测试状态统计
func TestGetStatistics(t *testing.T) {
	reg, db, _, _ := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	create := func(status string) {
		dev := NewDevice(uuid.New().String(), acc.ID, "", time.Now())
		dev.Status = status
		if err := db.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("创建设备会话失败: %v", err)
		}
	}

	create(models.DeviceStatusOnline)
	create(models.DeviceStatusOnline)
	create(models.DeviceStatusOffline)
	create(models.DeviceStatusOffline)
	create(models.DeviceStatusOffline)
	create(models.DeviceStatusPendingLogin)

	stats, err := reg.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}

	if stats.Total != 6 {
		t.Errorf("Total 不正确: got %d, want 6", stats.Total)
	}
	if stats.Online != 2 {
		t.Errorf("Online 不正确: got %d, want 2", stats.Online)
	}
	if stats.Offline != 3 {
		t.Errorf("Offline 不正确: got %d, want 3", stats.Offline)
	}
	if stats.PendingLogin != 1 {
		t.Errorf("PendingLogin 不正确: got %d, want 1", stats.PendingLogin)
	}
	if stats.Expired != 0 {
		t.Errorf("Expired 不正确: got %d, want 0", stats.Expired)
	}
}

// TestCheckAllSessions 单个会话失败不影响其他会话
func TestCheckAllSessions(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	var deviceIDs []string
	for i := 0; i < 5; i++ {
		dev := NewDevice(uuid.New().String(), acc.ID, "", time.Now())
		dev.Status = models.DeviceStatusOnline
		if err := db.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("创建设备会话失败: %v", err)
		}
		deviceIDs = append(deviceIDs, dev.DeviceID)
	}

	// 其中一台查询失败
	transport.onlineErr = map[string]error{
		deviceIDs[2]: errors.New("连接被重置"),
	}

	results, err := reg.CheckAllSessions(ctx)
	if err != nil {
		t.Fatalf("全量检查失败: %v", err)
	}

	if len(results) != 4 {
		t.Errorf("应收集到 4 个结果: got %d", len(results))
	}
	if _, ok := results[deviceIDs[2]]; ok {
		t.Error("失败的会话不应出现在结果中")
	}
	for i, id := range deviceIDs {
		if i == 2 {
			continue
		}
		if _, ok := results[id]; !ok {
			t.Errorf("设备 %s 的结果缺失", id)
		}
	}
}

// TestConfirmLoginStaleSnapshot 持过期快照的并发调用方不能复活终态会话
func TestConfirmLoginStaleSnapshot(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	start := reg.StartLogin(ctx, acc, models.DeviceCreate{})
	if !start.Success {
		t.Fatalf("发起登录失败: %s", start.Error)
	}
	devA := start.Device

	// 第二个调用方在失效之前加载了同一行
	devB, err := db.GetDevice(ctx, devA.DeviceID)
	if err != nil || devB == nil {
		t.Fatalf("加载第二个快照失败: %v", err)
	}

	// 第一个调用方把会话带进终态
	transport.loginResult = &wxapi.LoginStatusResult{Expired: true}
	reg.ConfirmLogin(ctx, devA)
	if devA.Status != models.DeviceStatusExpired {
		t.Fatalf("会话应进入 expired: %s", devA.Status)
	}

	// 第二个调用方仍然持有 pending 快照，远端此时报告登录成功
	transport.loginResult = &wxapi.LoginStatusResult{Login: true, WechatID: "wx_stale"}
	before := transport.totalCalls()
	res := reg.ConfirmLogin(ctx, devB)
	if res.Success {
		t.Error("过期快照的确认不应成功")
	}
	if transport.totalCalls() != before {
		t.Error("持锁重读识别终态后不应再发起远程调用")
	}
	if devB.Status != models.DeviceStatusExpired {
		t.Errorf("过期快照应被刷新为最新状态: %s", devB.Status)
	}

	saved, _ := db.GetDevice(ctx, devA.DeviceID)
	if saved.Status != models.DeviceStatusExpired {
		t.Errorf("终态不可被覆盖: %s", saved.Status)
	}
}

// TestConfirmLoginOfflineSession 离线会话不走扫码确认
func TestConfirmLoginOfflineSession(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	start := reg.StartLogin(ctx, acc, models.DeviceCreate{})
	dev := start.Device
	transport.loginResult = &wxapi.LoginStatusResult{Login: true, WechatID: "wx_off"}
	reg.ConfirmLogin(ctx, dev)
	if !reg.Logout(ctx, dev) {
		t.Fatal("登出失败")
	}

	before := transport.totalCalls()
	res := reg.ConfirmLogin(ctx, dev)
	if res.Success {
		t.Error("离线会话的确认不应成功")
	}
	if transport.totalCalls() != before {
		t.Error("离线会话的确认不应发起远程调用")
	}
	if dev.Status != models.DeviceStatusOffline {
		t.Errorf("状态应保持 offline: %s", dev.Status)
	}
}

// TestLocalCancelKeepsAccountHealthy 本地取消不把健康账号标记为 error
func TestLocalCancelKeepsAccountHealthy(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	start := reg.StartLogin(ctx, acc, models.DeviceCreate{})
	dev := start.Device

	transport.onlineErr = map[string]error{
		dev.DeviceID: fmt.Errorf("请求中断: %w", context.Canceled),
	}

	if _, err := reg.CheckOnlineStatus(ctx, dev); err == nil {
		t.Fatal("取消的检查应返回错误")
	}

	got, _ := db.GetAccount(ctx, acc.ID)
	if got.ConnectionStatus == models.ConnectionStatusError {
		t.Error("本地取消不应把账号连接状态标记为 error")
	}
}

// TestCheckAllSessionsInFlightCompletes 取消后在途检查完整跑完
func TestCheckAllSessionsInFlightCompletes(t *testing.T) {
	_, db, pool, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	// 并发上限 1，保证取消时第二个检查尚未发起
	reg := NewRegistry(db, pool, transport, 1)

	for i := 0; i < 2; i++ {
		dev := NewDevice(uuid.New().String(), acc.ID, "", time.Now())
		dev.Status = models.DeviceStatusOnline
		if err := db.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("创建设备会话失败: %v", err)
		}
	}

	started := make(chan string, 1)
	release := make(chan struct{})
	transport.checkOnlineHook = func(deviceID string) {
		started <- deviceID
		<-release
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	done := make(chan map[string]*DeviceStatus, 1)
	go func() {
		results, _ := reg.CheckAllSessions(sweepCtx)
		done <- results
	}()

	// 第一个检查已在途时取消，然后放行
	first := <-started
	cancel()
	close(release)

	results := <-done
	if len(results) != 1 {
		t.Fatalf("在途检查应完整跑完并收集结果: got %d, want 1", len(results))
	}
	if _, ok := results[first]; !ok {
		t.Errorf("在途设备 %s 的结果缺失", first)
	}
}

// TestCheckAllSessionsCancelled ctx 取消后不再发起新的检查
func TestCheckAllSessionsCancelled(t *testing.T) {
	reg, db, _, transport := setupTestRegistry(t)
	defer db.Close()

	ctx := context.Background()
	acc := createTestAccount(t, db, true)

	for i := 0; i < 3; i++ {
		dev := NewDevice(uuid.New().String(), acc.ID, "", time.Now())
		dev.Status = models.DeviceStatusOnline
		if err := db.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("创建设备会话失败: %v", err)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	results, err := reg.CheckAllSessions(cancelled)
	if err != nil {
		t.Fatalf("取消的全量检查不应报错: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("取消后不应收集到结果: got %d", len(results))
	}
	if transport.totalCalls() != 0 {
		t.Errorf("取消后不应发起远程调用: got %d", transport.totalCalls())
	}
}
