package api

import (
	"github.com/gin-gonic/gin"
)

// setupRoutes 配置所有 HTTP 路由
func (s *Server) setupRoutes(r *gin.Engine) {
	// 健康检查
	r.GET("/healthz", s.handleHealthCheck)

	// 版本信息
	r.GET("/version", s.handleVersion)

	if !s.cfg.EnableConsole {
		return
	}

	// 账号管理
	accountsGroup := r.Group("/v2/accounts")
	accountsGroup.Use(s.requireAdmin)
	{
		accountsGroup.POST("", s.handleCreateAccount)
		accountsGroup.GET("", s.handleListAccounts)
		accountsGroup.GET("/refresh-pending", s.handleListAccountsNeedingRefresh)
		accountsGroup.GET("/:id", s.handleGetAccount)
		accountsGroup.PATCH("/:id", s.handleUpdateAccount)
		accountsGroup.DELETE("/:id", s.handleInvalidateAccount)
		accountsGroup.POST("/:id/authorize", s.handleAuthorizeAccount)
	}

	// 设备会话管理
	devicesGroup := r.Group("/v2/devices")
	devicesGroup.Use(s.requireAdmin)
	{
		devicesGroup.POST("/login", s.handleStartLogin)
		devicesGroup.GET("", s.handleListDevices)
		devicesGroup.GET("/stats", s.handleStatistics)
		devicesGroup.POST("/check-all", s.handleCheckAllSessions)
		devicesGroup.GET("/:id", s.handleGetDevice)
		devicesGroup.POST("/:id/confirm", s.handleConfirmLogin)
		devicesGroup.GET("/:id/status", s.handleCheckOnlineStatus)
		devicesGroup.POST("/:id/logout", s.handleLogout)
		devicesGroup.POST("/:id/proxy", s.handleAssignProxy)
		devicesGroup.DELETE("/:id", s.handleInvalidateDevice)
	}

	// 服务日志流（SSE）
	r.GET("/v2/server-logs/stream", s.requireAdmin, s.handleServerLogsStream)
}

// handleHealthCheck 返回服务健康状态
func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// handleVersion 返回版本信息
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(200, gin.H{"version": s.version})
}
