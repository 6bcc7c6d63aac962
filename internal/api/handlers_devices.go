package api

import (
	"io"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"

	"github.com/gin-gonic/gin"
)

// handleStartLogin 发起设备登录流程
func (s *Server) handleStartLogin(c *gin.Context) {
	var req models.DeviceCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "请求参数无效: " + err.Error()})
		return
	}

	ctx := c.Request.Context()

	acc, err := s.db.GetAccount(ctx, req.AccountID)
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询账号失败"})
		return
	}
	if acc == nil || !acc.Valid {
		c.JSON(404, gin.H{"success": false, "error": "账号不存在或已停用"})
		return
	}

	result := s.registry.StartLogin(ctx, acc, req)
	if !result.Success {
		c.JSON(400, result)
		return
	}
	c.JSON(200, result)
}

// getDevice 从路径参数加载设备会话，不存在时写出 404
func (s *Server) getDevice(c *gin.Context) *models.Device {
	dev, err := s.db.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询设备会话失败"})
		return nil
	}
	if dev == nil || !dev.Valid {
		c.JSON(404, gin.H{"success": false, "error": "设备会话不存在"})
		return nil
	}
	return dev
}

// handleConfirmLogin 查询扫码确认结果
func (s *Server) handleConfirmLogin(c *gin.Context) {
	dev := s.getDevice(c)
	if dev == nil {
		return
	}

	result := s.registry.ConfirmLogin(c.Request.Context(), dev)
	c.JSON(200, result)
}

// handleCheckOnlineStatus 查询设备在线状态
func (s *Server) handleCheckOnlineStatus(c *gin.Context) {
	dev := s.getDevice(c)
	if dev == nil {
		return
	}

	status, err := s.registry.CheckOnlineStatus(c.Request.Context(), dev)
	if err != nil {
		c.JSON(502, gin.H{"success": false, "error": "状态检查失败: " + err.Error()})
		return
	}
	c.JSON(200, gin.H{"success": true, "status": status})
}

// handleLogout 登出设备
func (s *Server) handleLogout(c *gin.Context) {
	dev := s.getDevice(c)
	if dev == nil {
		return
	}

	ok := s.registry.Logout(c.Request.Context(), dev)
	c.JSON(200, gin.H{"success": ok})
}

// handleAssignProxy 为设备下发代理配置
func (s *Server) handleAssignProxy(c *gin.Context) {
	var req struct {
		Proxy string `json:"proxy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "请求参数无效: " + err.Error()})
		return
	}

	dev := s.getDevice(c)
	if dev == nil {
		return
	}

	ctx := c.Request.Context()

	acc, err := s.db.GetAccount(ctx, dev.AccountID)
	if err != nil || acc == nil {
		c.JSON(500, gin.H{"success": false, "error": "设备所属账号不可用"})
		return
	}

	ok := s.assignment.Apply(ctx, acc, dev.DeviceID, req.Proxy)
	if !ok {
		c.JSON(400, gin.H{"success": false, "error": "代理验证或下发失败"})
		return
	}

	// 下发成功后记录描述符，便于界面展示
	proxy := req.Proxy
	dev.Proxy = &proxy
	if err := s.db.SaveDevice(ctx, dev); err != nil {
		logger.Warn("保存设备代理描述符失败 - 设备: %s, 错误: %v", dev.DeviceID, err)
	}

	c.JSON(200, gin.H{"success": true})
}

// handleListDevices 列出设备会话
func (s *Server) handleListDevices(c *gin.Context) {
	valid := true
	devices, err := s.db.ListDevices(c.Request.Context(), &valid)
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询设备会话失败"})
		return
	}
	c.JSON(200, gin.H{"success": true, "devices": devices, "total": len(devices)})
}

// handleGetDevice 获取单个设备会话
func (s *Server) handleGetDevice(c *gin.Context) {
	dev := s.getDevice(c)
	if dev == nil {
		return
	}
	c.JSON(200, gin.H{"success": true, "device": dev})
}

// handleInvalidateDevice 软删除设备会话
func (s *Server) handleInvalidateDevice(c *gin.Context) {
	if err := s.db.InvalidateDevice(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(500, gin.H{"success": false, "error": "删除设备会话失败"})
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// handleStatistics 会话状态统计
func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.registry.GetStatistics(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "统计失败"})
		return
	}
	c.JSON(200, gin.H{"success": true, "stats": stats})
}

// handleCheckAllSessions 并发检查全部会话的在线状态
func (s *Server) handleCheckAllSessions(c *gin.Context) {
	results, err := s.registry.CheckAllSessions(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "全量检查失败: " + err.Error()})
		return
	}
	c.JSON(200, gin.H{"success": true, "results": results, "total": len(results)})
}

// handleServerLogsStream 以 SSE 推送服务日志
func (s *Server) handleServerLogsStream(c *gin.Context) {
	ch := logger.Subscribe()
	defer logger.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("log", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
