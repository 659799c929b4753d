package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradelink/config"
	"tradelink/database"
	"tradelink/exchange"
	"tradelink/logger"
	"tradelink/registry"
)

// Server 只读展示层：注册表快照、账本与事件查询、运行状态
// 不提供任何下单入口，订单操作只走策略接口
type Server struct {
	server *http.Server
	cfg    *config.Config

	reg       *registry.Registry
	db        database.Database
	exchanges []exchange.Exchange
	startedAt time.Time
}

// Options 服务器依赖
type Options struct {
	Config    *config.Config
	Registry  *registry.Registry
	DB        database.Database
	Exchanges []exchange.Exchange
}

// NewServer 创建Web服务器，配置未启用时返回 nil
func NewServer(opts Options) *Server {
	if opts.Config == nil || !opts.Config.Web.Enabled {
		return nil
	}

	if opts.Config.System.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       opts.Config,
		reg:       opts.Registry,
		db:        opts.DB,
		exchanges: opts.Exchanges,
		startedAt: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	s.setupRoutes(r)

	port := opts.Config.Web.Port
	if port == 0 {
		port = 28686
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "tradelink",
			"uptime":  time.Since(s.startedAt).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/instruments", s.handleInstruments)
		api.GET("/accounts", s.handleAccounts)
		api.GET("/positions", s.handlePositions)
		api.GET("/orders", s.handleOrders)
		api.GET("/robots", s.handleRobots)
		api.GET("/ledger", s.handleLedger)
		api.GET("/events", s.handleEvents)
		api.GET("/status", s.handleStatus)
	}
}

// Start 启动Web服务器（非阻塞）
func (s *Server) Start() {
	if s == nil {
		return
	}
	go func() {
		logger.Info("🚀 Web服务器启动: %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器异常退出: %v", err)
		}
	}()
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️ Web服务器关闭超时: %v", err)
	}
}
