package api

import (
	"strconv"
	"time"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleCreateAccount 创建上游账号
func (s *Server) handleCreateAccount(c *gin.Context) {
	var req models.AccountCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "请求参数无效: " + err.Error()})
		return
	}

	acc := &models.Account{
		ID:               uuid.New().String(),
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		Username:         req.Username,
		Password:         req.Password,
		ConnectionStatus: models.ConnectionStatusDisconnected,
		Valid:            true,
		CreatedAt:        models.CurrentTime(),
		UpdatedAt:        models.CurrentTime(),
	}

	if err := s.db.CreateAccount(c.Request.Context(), acc); err != nil {
		logger.Error("创建账号失败: %v", err)
		c.JSON(500, gin.H{"success": false, "error": "创建账号失败"})
		return
	}

	logger.Info("账号已创建 - ID: %s, 名称: %s", acc.ID, acc.Name)
	c.JSON(200, gin.H{"success": true, "account": acc})
}

// handleListAccounts 列出账号
func (s *Server) handleListAccounts(c *gin.Context) {
	var valid *bool
	if v := c.Query("valid"); v != "" {
		parsed := v == "true" || v == "1"
		valid = &parsed
	}

	accounts, err := s.db.ListAccounts(c.Request.Context(), valid)
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询账号失败"})
		return
	}
	c.JSON(200, gin.H{"success": true, "accounts": accounts, "total": len(accounts)})
}

// handleGetAccount 获取单个账号
func (s *Server) handleGetAccount(c *gin.Context) {
	acc, err := s.db.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询账号失败"})
		return
	}
	if acc == nil {
		c.JSON(404, gin.H{"success": false, "error": "账号不存在"})
		return
	}
	c.JSON(200, gin.H{"success": true, "account": acc})
}

// handleUpdateAccount 更新账号
func (s *Server) handleUpdateAccount(c *gin.Context) {
	var req models.AccountUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "请求参数无效: " + err.Error()})
		return
	}

	if err := s.db.UpdateAccount(c.Request.Context(), c.Param("id"), &req); err != nil {
		c.JSON(500, gin.H{"success": false, "error": "更新账号失败"})
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// handleInvalidateAccount 软删除账号（记录从不物理删除）
func (s *Server) handleInvalidateAccount(c *gin.Context) {
	if err := s.db.InvalidateAccount(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(500, gin.H{"success": false, "error": "删除账号失败"})
		return
	}
	c.JSON(200, gin.H{"success": true})
}

// handleAuthorizeAccount 使用账号凭证签发访问令牌
func (s *Server) handleAuthorizeAccount(c *gin.Context) {
	ctx := c.Request.Context()

	acc, err := s.db.GetAccount(ctx, c.Param("id"))
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询账号失败"})
		return
	}
	if acc == nil {
		c.JSON(404, gin.H{"success": false, "error": "账号不存在"})
		return
	}

	token, err := s.transport.Authorize(ctx, acc)
	if err != nil {
		logger.Error("账号 %s 签发令牌失败: %v", acc.Name, err)
		if recordErr := s.pool.RecordAPIOutcome(ctx, acc.ID, false); recordErr != nil {
			logger.Warn("回填账号调用结果失败: %v", recordErr)
		}
		c.JSON(502, gin.H{"success": false, "error": "签发令牌失败: " + err.Error()})
		return
	}

	if err := s.pool.UpdateToken(ctx, acc.ID, token.AccessToken, token.ExpiresIn); err != nil {
		c.JSON(500, gin.H{"success": false, "error": "保存令牌失败"})
		return
	}

	c.JSON(200, gin.H{"success": true, "expires_in": token.ExpiresIn})
}

// handleListAccountsNeedingRefresh 列出令牌即将到期的账号
func (s *Server) handleListAccountsNeedingRefresh(c *gin.Context) {
	windowMinutes := s.cfg.Token.RefreshWindowMinutes
	if v := c.Query("window"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			windowMinutes = parsed
		}
	}

	accounts, err := s.pool.AccountsNeedingRefresh(c.Request.Context(), time.Duration(windowMinutes)*time.Minute)
	if err != nil {
		c.JSON(500, gin.H{"success": false, "error": "查询失败"})
		return
	}
	c.JSON(200, gin.H{"success": true, "accounts": accounts, "total": len(accounts), "window_minutes": windowMinutes})
}
