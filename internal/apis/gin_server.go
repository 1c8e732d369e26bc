package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/bujia-iot/qlink-gateway/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinHTTPServer 基于Gin的管理接口服务器
type GinHTTPServer struct {
	server  *http.Server
	router  *gin.Engine
	linkAPI *LinkAPI
}

// NewGinHTTPServer 创建管理接口服务器
func NewGinHTTPServer(addr string, timeout time.Duration, registry *core.Registry) *GinHTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	linkAPI := NewLinkAPI(registry)
	registerRoutes(router, linkAPI)

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  120 * time.Second,
	}

	return &GinHTTPServer{
		server:  server,
		router:  router,
		linkAPI: linkAPI,
	}
}

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, linkAPI *LinkAPI) {
	v1 := router.Group("/api/v1")
	{
		connections := v1.Group("/connections")
		{
			connections.GET("", linkAPI.ListConnectionsGin)
			connections.GET("/:id", linkAPI.GetConnectionGin)
			connections.POST("/:id/suspend", linkAPI.SuspendGin)
			connections.POST("/:id/resume", linkAPI.ResumeGin)
			connections.POST("/:id/send", linkAPI.SendGin)
			connections.DELETE("/:id", linkAPI.KillGin)
		}

		users := v1.Group("/users")
		{
			users.POST("/:handle/send", linkAPI.SendToUserGin)
			users.DELETE("/:handle", linkAPI.KillUserGin)
		}

		v1.POST("/broadcast", linkAPI.BroadcastGin)
		v1.GET("/attributes", linkAPI.GetAttributesGin)
		v1.GET("/metrics/summary", linkAPI.GetMetricsSummaryGin)
	}

	router.GET("/health", linkAPI.GetHealthGin)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// requestLogger 用logrus记录访问日志
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("HTTP请求")
	}
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start 启动HTTP服务器，阻塞直到关闭
func (s *GinHTTPServer) Start() error {
	logger.WithField("address", s.server.Addr).Info("启动管理接口HTTP服务器")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止HTTP服务器
func (s *GinHTTPServer) Stop(ctx context.Context) error {
	logger.Info("停止管理接口HTTP服务器")
	return s.server.Shutdown(ctx)
}

// GetRouter 获取Gin路由器（用于测试）
func (s *GinHTTPServer) GetRouter() *gin.Engine {
	return s.router
}
