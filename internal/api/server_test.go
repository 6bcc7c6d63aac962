package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"wxbot-manager/internal/config"
	"wxbot-manager/internal/credential"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/proxycfg"
	"wxbot-manager/internal/session"
	"wxbot-manager/internal/wxapi"

	"github.com/gin-gonic/gin"
)

const testAdminToken = "test-admin"

// fakeTransport 全部远程调用都成功的传输桩
type fakeTransport struct {
	loginResult *wxapi.LoginStatusResult
}

func (f *fakeTransport) CreateDevice(ctx context.Context, acct *models.Account, deviceID string, opts wxapi.CreateDeviceOptions) error {
	return nil
}

func (f *fakeTransport) GetLoginQRCode(ctx context.Context, acct *models.Account, deviceID string, opts wxapi.CreateDeviceOptions) (*wxapi.QRCodeResult, error) {
	return &wxapi.QRCodeResult{QRCodeURL: "https://qr.example.com/" + deviceID}, nil
}

func (f *fakeTransport) CheckLogin(ctx context.Context, acct *models.Account, deviceID string) (*wxapi.LoginStatusResult, error) {
	if f.loginResult != nil {
		return f.loginResult, nil
	}
	return &wxapi.LoginStatusResult{}, nil
}

func (f *fakeTransport) CheckOnline(ctx context.Context, acct *models.Account, deviceID string) (*wxapi.OnlineStatusResult, error) {
	return &wxapi.OnlineStatusResult{Online: true}, nil
}

func (f *fakeTransport) Logout(ctx context.Context, acct *models.Account, deviceID string) error {
	return nil
}

func (f *fakeTransport) SetDeviceProxy(ctx context.Context, acct *models.Account, deviceID string, d *proxycfg.Descriptor) error {
	return nil
}

func (f *fakeTransport) Authorize(ctx context.Context, acct *models.Account) (*wxapi.TokenResult, error) {
	return &wxapi.TokenResult{AccessToken: "issued-token", ExpiresIn: 3600}, nil
}

func setupTestServer(t *testing.T) (*gin.Engine, *database.DB, *fakeTransport) {
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.Database = config.DatabaseConfig{
		Type: config.DatabaseTypeSQLite,
		SQLite: config.SQLiteConfig{
			Path: ":memory:",
		},
	}
	cfg.AdminPassword = testAdminToken

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}

	transport := &fakeTransport{}
	pool := credential.NewPool(db)
	registry := session.NewRegistry(db, pool, transport, 4)
	server := NewServer(cfg, db, pool, registry, transport, "test")
	return server.Router(), db, transport
}

func doRequest(router *gin.Engine, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-Admin-Token", testAdminToken)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v, body: %s", err, w.Body.String())
	}
	return body
}

// TestHealthCheck 健康检查无需鉴权
func TestHealthCheck(t *testing.T) {
	router, db, _ := setupTestServer(t)
	defer db.Close()

	w := doRequest(router, "GET", "/healthz", nil, false)
	if w.Code != 200 {
		t.Errorf("健康检查状态码不正确: %d", w.Code)
	}
}

// TestRequireAdmin 管理接口鉴权
func TestRequireAdmin(t *testing.T) {
	router, db, _ := setupTestServer(t)
	defer db.Close()

	t.Run("无令牌拒绝", func(t *testing.T) {
		w := doRequest(router, "GET", "/v2/accounts", nil, false)
		if w.Code != 401 {
			t.Errorf("无令牌应返回 401: %d", w.Code)
		}
	})

	t.Run("错误令牌拒绝", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v2/accounts", nil)
		req.Header.Set("X-Admin-Token", "wrong")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != 401 {
			t.Errorf("错误令牌应返回 401: %d", w.Code)
		}
	})

	t.Run("正确令牌放行", func(t *testing.T) {
		w := doRequest(router, "GET", "/v2/accounts", nil, true)
		if w.Code != 200 {
			t.Errorf("正确令牌应返回 200: %d", w.Code)
		}
	})
}

// TestAccountLifecycleAPI 账号接口: 创建 -> 签发令牌 -> 查询 -> 删除
func TestAccountLifecycleAPI(t *testing.T) {
	router, db, _ := setupTestServer(t)
	defer db.Close()

	// 创建
	w := doRequest(router, "POST", "/v2/accounts", map[string]interface{}{
		"name":     "主账号",
		"base_url": "https://api.example.com",
		"username": "admin",
		"password": "secret",
	}, true)
	if w.Code != 200 {
		t.Fatalf("创建账号失败: %d, %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	account := body["account"].(map[string]interface{})
	accountID := account["id"].(string)

	// 签发令牌
	w = doRequest(router, "POST", "/v2/accounts/"+accountID+"/authorize", nil, true)
	if w.Code != 200 {
		t.Fatalf("签发令牌失败: %d, %s", w.Code, w.Body.String())
	}

	acc, _ := db.GetAccount(context.Background(), accountID)
	if acc.AccessToken == nil || *acc.AccessToken != "issued-token" {
		t.Error("签发的令牌未保存")
	}
	if acc.ConnectionStatus != models.ConnectionStatusConnected {
		t.Errorf("签发后连接状态应为 connected: %s", acc.ConnectionStatus)
	}

	// 查询
	w = doRequest(router, "GET", "/v2/accounts/"+accountID, nil, true)
	if w.Code != 200 {
		t.Errorf("查询账号失败: %d", w.Code)
	}

	// 删除（软删除）
	w = doRequest(router, "DELETE", "/v2/accounts/"+accountID, nil, true)
	if w.Code != 200 {
		t.Errorf("删除账号失败: %d", w.Code)
	}
	acc, _ = db.GetAccount(context.Background(), accountID)
	if acc == nil || acc.Valid {
		t.Error("删除应为软删除")
	}
}

// TestDeviceLoginAPI 设备接口: 发起登录 -> 确认 -> 状态 -> 登出
func TestDeviceLoginAPI(t *testing.T) {
	router, db, transport := setupTestServer(t)
	defer db.Close()

	// 准备带令牌的账号
	w := doRequest(router, "POST", "/v2/accounts", map[string]interface{}{
		"name":     "设备账号",
		"base_url": "https://api.example.com",
		"username": "admin",
		"password": "secret",
	}, true)
	body := decodeBody(t, w)
	accountID := body["account"].(map[string]interface{})["id"].(string)
	doRequest(router, "POST", "/v2/accounts/"+accountID+"/authorize", nil, true)

	// 发起登录
	w = doRequest(router, "POST", "/v2/devices/login", map[string]interface{}{
		"account_id": accountID,
		"remark":     "客服机",
	}, true)
	if w.Code != 200 {
		t.Fatalf("发起登录失败: %d, %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	if qr, _ := body["qr_code_url"].(string); qr == "" {
		t.Error("应返回二维码地址")
	}
	deviceID := body["device"].(map[string]interface{})["device_id"].(string)

	// 确认登录
	transport.loginResult = &wxapi.LoginStatusResult{Login: true, WechatID: "wx_api", Nickname: "接口测试"}
	w = doRequest(router, "POST", "/v2/devices/"+deviceID+"/confirm", nil, true)
	if w.Code != 200 {
		t.Fatalf("确认登录失败: %d, %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("确认登录应成功: %s", w.Body.String())
	}

	// 在线状态
	w = doRequest(router, "GET", "/v2/devices/"+deviceID+"/status", nil, true)
	if w.Code != 200 {
		t.Fatalf("状态查询失败: %d, %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	status := body["status"].(map[string]interface{})
	if status["is_online"] != true {
		t.Error("应报告在线")
	}

	// 统计
	w = doRequest(router, "GET", "/v2/devices/stats", nil, true)
	body = decodeBody(t, w)
	stats := body["stats"].(map[string]interface{})
	if stats["online"].(float64) != 1 {
		t.Errorf("在线统计不正确: %v", stats["online"])
	}

	// 登出
	w = doRequest(router, "POST", "/v2/devices/"+deviceID+"/logout", nil, true)
	body = decodeBody(t, w)
	if body["success"] != true {
		t.Error("登出应成功")
	}

	dev, _ := db.GetDevice(context.Background(), deviceID)
	if dev.Status != models.DeviceStatusOffline {
		t.Errorf("登出后状态应为 offline: %s", dev.Status)
	}
}

// TestStartLoginAPIBadAccount 账号不存在时返回 404
func TestStartLoginAPIBadAccount(t *testing.T) {
	router, db, _ := setupTestServer(t)
	defer db.Close()

	w := doRequest(router, "POST", "/v2/devices/login", map[string]interface{}{
		"account_id": "no-such-account",
	}, true)
	if w.Code != 404 {
		t.Errorf("账号不存在应返回 404: %d", w.Code)
	}
}

// TestAssignProxyAPI 代理下发接口
func TestAssignProxyAPI(t *testing.T) {
	router, db, _ := setupTestServer(t)
	defer db.Close()

	w := doRequest(router, "POST", "/v2/accounts", map[string]interface{}{
		"name":     "代理账号",
		"base_url": "https://api.example.com",
		"username": "admin",
		"password": "secret",
	}, true)
	body := decodeBody(t, w)
	accountID := body["account"].(map[string]interface{})["id"].(string)
	doRequest(router, "POST", "/v2/accounts/"+accountID+"/authorize", nil, true)

	w = doRequest(router, "POST", "/v2/devices/login", map[string]interface{}{
		"account_id": accountID,
	}, true)
	body = decodeBody(t, w)
	deviceID := body["device"].(map[string]interface{})["device_id"].(string)

	t.Run("合法代理", func(t *testing.T) {
		w := doRequest(router, "POST", "/v2/devices/"+deviceID+"/proxy", map[string]interface{}{
			"proxy": "10.0.0.1:8080:user:pass",
		}, true)
		if w.Code != 200 {
			t.Fatalf("下发代理失败: %d, %s", w.Code, w.Body.String())
		}

		dev, _ := db.GetDevice(context.Background(), deviceID)
		if dev.Proxy == nil || *dev.Proxy != "10.0.0.1:8080:user:pass" {
			t.Error("代理描述符未保存")
		}
	})

	t.Run("非法代理", func(t *testing.T) {
		w := doRequest(router, "POST", "/v2/devices/"+deviceID+"/proxy", map[string]interface{}{
			"proxy": "not a proxy",
		}, true)
		if w.Code != 400 {
			t.Errorf("非法代理应返回 400: %d", w.Code)
		}
	})
}
