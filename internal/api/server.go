package api

import (
	"wxbot-manager/internal/config"
	"wxbot-manager/internal/credential"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/proxycfg"
	"wxbot-manager/internal/session"
	"wxbot-manager/internal/wxapi"

	"github.com/gin-gonic/gin"
)

// Server 管理控制台 API 服务器
type Server struct {
	cfg        *config.Config
	db         *database.DB
	pool       *credential.Pool
	registry   *session.Registry
	transport  wxapi.Transport
	assignment *proxycfg.Assignment
	version    string
}

// NewServer 创建 API 服务器
func NewServer(cfg *config.Config, db *database.DB, pool *credential.Pool, registry *session.Registry, transport wxapi.Transport, version string) *Server {
	return &Server{
		cfg:        cfg,
		db:         db,
		pool:       pool,
		registry:   registry,
		transport:  transport,
		assignment: proxycfg.NewAssignment(transport),
		version:    version,
	}
}

// Router 构建 gin 路由
func (s *Server) Router() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s.setupRoutes(r)
	return r
}

// requireAdmin 管理接口鉴权
func (s *Server) requireAdmin(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" {
		if cookie, err := c.Cookie("admin_token"); err == nil {
			token = cookie
		}
	}

	if token != s.cfg.AdminPassword {
		c.AbortWithStatusJSON(401, gin.H{"success": false, "error": "未授权"})
		return
	}
	c.Next()
}
