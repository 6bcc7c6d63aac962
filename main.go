package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"wxbot-manager/internal/api"
	"wxbot-manager/internal/config"
	"wxbot-manager/internal/credential"
	"wxbot-manager/internal/database"
	"wxbot-manager/internal/logger"
	"wxbot-manager/internal/session"
	"wxbot-manager/internal/wxapi"

	_ "time/tzdata" // 嵌入时区数据库，解决 Windows 下时区加载失败问题
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

func main() {
	portFlag := flag.Int("port", 0, "服务器监听端口（0 表示使用配置文件或默认值）")
	flag.IntVar(portFlag, "p", 0, "服务器监听端口（-port 的简写）")
	dataDirFlag := flag.String("data-dir", "", "数据目录路径（存放数据库和日志，不指定则使用当前工作目录）")
	flag.Parse()

	// 设置时区为北京时间（UTC+8）
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		log.Printf("警告: 加载时区失败，使用 UTC+8: %v", err)
		loc = time.FixedZone("CST", 8*3600)
	}
	time.Local = loc

	if dataDir := *dataDirFlag; dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("创建数据目录失败: %v", err)
		}
		if err := os.Chdir(dataDir); err != nil {
			log.Fatalf("切换到数据目录失败: %v", err)
		}
	}

	// 初始化日志系统
	if err := logger.Init(); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	logger.Info("=== 微信机器人会话管理 %s 启动中 ===", Version)

	// 加载配置（优先 YAML，兼容 JSON，无配置文件则使用默认值）
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Warn("加载配置文件失败，使用默认配置: %v", err)
		cfg = config.Load()
	}
	logger.SetDebugEnabled(cfg.Debug)

	// 端口优先级: 命令行参数 > 配置文件
	if *portFlag > 0 && *portFlag <= 65535 {
		cfg.Server.Port = *portFlag
		logger.Info("使用命令行指定端口: %d", cfg.Server.Port)
	}

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		logger.Error("初始化数据库失败: %v", err)
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer db.Close()
	logger.Info("数据库初始化成功")

	// 组装核心组件
	transport := wxapi.NewClient(cfg)
	pool := credential.NewPool(db)
	registry := session.NewRegistry(db, pool, transport, cfg.Session.CheckWorkers)
	server := api.NewServer(cfg, db, pool, registry, transport, Version)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // SSE 日志流需要较长超时
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器监听中 - 地址: http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP 服务器启动失败: %v", err)
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 后台任务共用的根上下文，收到关闭信号后取消
	rootCtx, cancelBackground := context.WithCancel(context.Background())

	// 后台令牌刷新：提前刷新即将到期的账号令牌
	if cfg.Token.RefreshIntervalSeconds > 0 {
		go runTokenRefreshLoop(rootCtx, cfg, db, pool, transport)
	}

	// 后台全量状态检查：定期刷新所有会话的在线状态
	if cfg.Session.StatusSweepIntervalSeconds > 0 {
		go runStatusSweepLoop(rootCtx, cfg, registry)
	}

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到关闭信号，正在优雅关闭服务器...")
	cancelBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先关闭 SSE 订阅者，让日志流连接能够正常结束
	logger.CloseSubscribers()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭: %v", err)
	}

	logger.Info("=== 微信机器人会话管理 %s 已停止 ===", Version)
	logger.Close()
	log.Println("服务器已退出")
}

// runTokenRefreshLoop 定期检查并刷新即将到期的账号令牌
func runTokenRefreshLoop(ctx context.Context, cfg *config.Config, db *database.DB, pool *credential.Pool, transport wxapi.Transport) {
	interval := time.Duration(cfg.Token.RefreshIntervalSeconds) * time.Second
	window := time.Duration(cfg.Token.RefreshWindowMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		accounts, err := pool.AccountsNeedingRefresh(ctx, window)
		if err != nil {
			logger.Error("查询待刷新账号失败: %v", err)
			continue
		}
		if len(accounts) == 0 {
			continue
		}

		logger.Info("发现 %d 个账号的令牌即将到期，开始刷新", len(accounts))
		for _, acc := range accounts {
			token, err := transport.Authorize(ctx, acc)
			if err != nil {
				logger.Error("刷新账号 %s 令牌失败: %v", acc.Name, err)
				if recordErr := pool.RecordAPIOutcome(ctx, acc.ID, false); recordErr != nil {
					logger.Warn("回填账号调用结果失败: %v", recordErr)
				}
				continue
			}
			if err := pool.UpdateToken(ctx, acc.ID, token.AccessToken, token.ExpiresIn); err != nil {
				logger.Error("保存账号 %s 新令牌失败: %v", acc.Name, err)
			}
		}
	}
}

// runStatusSweepLoop 定期执行全量会话状态检查
func runStatusSweepLoop(ctx context.Context, cfg *config.Config, registry *session.Registry) {
	interval := time.Duration(cfg.Session.StatusSweepIntervalSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		results, err := registry.CheckAllSessions(ctx)
		if err != nil {
			logger.Error("全量状态检查失败: %v", err)
			continue
		}
		logger.Info("全量状态检查完成，共 %d 个会话", len(results))
	}
}
