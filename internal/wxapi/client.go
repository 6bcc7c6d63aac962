package wxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"wxbot-manager/internal/config"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"
	"wxbot-manager/internal/proxycfg"

	"golang.org/x/net/proxy"
)

// 远程机器人后端的接口路径
const (
	pathAuthorize    = "/api/auth/token"
	pathCreateDevice = "/api/device/create"
	pathLoginQRCode  = "/api/device/qrcode"
	pathCheckLogin   = "/api/device/checkLogin"
	pathCheckOnline  = "/api/device/status"
	pathLogout       = "/api/device/logout"
	pathSetProxy     = "/api/device/proxy"
)

// 远端统一响应包裹，code == 200 表示业务成功
const codeOK = 200

// Client 远程机器人后端的 HTTP 客户端
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
}

var _ Transport = (*Client)(nil)

// NewClient 创建客户端，支持 http/https/socks5 出口代理
func NewClient(cfg *config.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if egress := cfg.WxAPI.EgressProxy; egress != "" {
		proxyURL, err := url.Parse(egress)
		if err != nil {
			logger.Warn("出口代理地址解析失败，使用直连: %v", err)
		} else if strings.HasPrefix(proxyURL.Scheme, "socks") {
			dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
			if err != nil {
				logger.Warn("建立 SOCKS 代理拨号器失败，使用直连: %v", err)
			} else {
				transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
				logger.Info("已启用 SOCKS 出口代理: %s", proxyURL.Host)
			}
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			logger.Info("已启用 HTTP 出口代理: %s", proxyURL.Host)
		}
	}

	timeout := time.Duration(cfg.WxAPI.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		cfg: cfg,
	}
}

// envelope 远端统一响应格式
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// postJSON 发送带 Bearer 认证的 POST 请求并解包响应
// 返回的错误中 *APIError 表示业务拒绝，其余为传输错误
func (c *Client) postJSON(ctx context.Context, acct *models.Account, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求体失败: %w", err)
	}

	reqURL := strings.TrimRight(acct.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if acct.AccessToken != nil && *acct.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+*acct.AccessToken)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		logger.Debug("wxapi: 请求失败 - 路径: %s, 耗时: %v, 错误: %v", path, duration, err)
		return fmt.Errorf("请求 %s 失败: %w", path, err)
	}
	defer resp.Body.Close()

	logger.Debug("wxapi: 收到响应 - 路径: %s, 状态码: %d, 耗时: %v", path, resp.StatusCode, duration)

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}

	if env.Code != codeOK {
		return &APIError{Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}

// Authorize 使用账号的用户名密码签发访问令牌
func (c *Client) Authorize(ctx context.Context, acct *models.Account) (*TokenResult, error) {
	payload := map[string]interface{}{
		"username": acct.Username,
		"password": acct.Password,
	}

	var data struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	// 签发令牌时不携带旧 Bearer 头，临时清空
	bare := *acct
	bare.AccessToken = nil
	if err := c.postJSON(ctx, &bare, pathAuthorize, payload, &data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("签发令牌响应缺少 accessToken")
	}

	logger.Info("账号 %s 令牌签发成功（有效期 %d 秒）", acct.Name, data.ExpiresIn)
	return &TokenResult{AccessToken: data.AccessToken, ExpiresIn: data.ExpiresIn}, nil
}

// CreateDevice 在远端注册新设备
func (c *Client) CreateDevice(ctx context.Context, acct *models.Account, deviceID string, opts CreateDeviceOptions) error {
	payload := map[string]interface{}{
		"deviceId": deviceID,
		"remark":   opts.Remark,
	}
	return c.postJSON(ctx, acct, pathCreateDevice, payload, nil)
}

// GetLoginQRCode 为设备申请登录二维码
func (c *Client) GetLoginQRCode(ctx context.Context, acct *models.Account, deviceID string, opts CreateDeviceOptions) (*QRCodeResult, error) {
	payload := map[string]interface{}{
		"deviceId": deviceID,
	}
	if opts.Province != "" {
		payload["province"] = opts.Province
	}
	if opts.City != "" {
		payload["city"] = opts.City
	}

	var data struct {
		QRCodeURL string `json:"qrCodeUrl"`
	}
	if err := c.postJSON(ctx, acct, pathLoginQRCode, payload, &data); err != nil {
		return nil, err
	}
	if data.QRCodeURL == "" {
		return nil, fmt.Errorf("二维码响应缺少 qrCodeUrl")
	}
	return &QRCodeResult{QRCodeURL: data.QRCodeURL}, nil
}

// CheckLogin 查询扫码确认结果
func (c *Client) CheckLogin(ctx context.Context, acct *models.Account, deviceID string) (*LoginStatusResult, error) {
	payload := map[string]interface{}{
		"deviceId": deviceID,
	}

	var data struct {
		Login    bool   `json:"login"`
		Expired  bool   `json:"expired"`
		WxID     string `json:"wxId"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
	}
	if err := c.postJSON(ctx, acct, pathCheckLogin, payload, &data); err != nil {
		return nil, err
	}

	return &LoginStatusResult{
		Login:    data.Login,
		Expired:  data.Expired,
		WechatID: data.WxID,
		Nickname: data.Nickname,
		Avatar:   data.Avatar,
	}, nil
}

// CheckOnline 查询设备在线状态
func (c *Client) CheckOnline(ctx context.Context, acct *models.Account, deviceID string) (*OnlineStatusResult, error) {
	payload := map[string]interface{}{
		"deviceId": deviceID,
	}

	var data struct {
		Online bool `json:"online"`
	}
	if err := c.postJSON(ctx, acct, pathCheckOnline, payload, &data); err != nil {
		return nil, err
	}
	return &OnlineStatusResult{Online: data.Online}, nil
}

// Logout 远端登出设备
func (c *Client) Logout(ctx context.Context, acct *models.Account, deviceID string) error {
	payload := map[string]interface{}{
		"deviceId": deviceID,
	}
	return c.postJSON(ctx, acct, pathLogout, payload, nil)
}

// SetDeviceProxy 下发设备出口代理
func (c *Client) SetDeviceProxy(ctx context.Context, acct *models.Account, deviceID string, d *proxycfg.Descriptor) error {
	payload := map[string]interface{}{
		"deviceId": deviceID,
		"host":     d.Host,
		"port":     d.Port,
	}
	if d.Scheme != "" {
		payload["scheme"] = d.Scheme
	}
	if d.HasAuth() {
		payload["username"] = d.Username
		payload["password"] = d.Password
	}
	return c.postJSON(ctx, acct, pathSetProxy, payload, nil)
}
