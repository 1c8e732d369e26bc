// Package main Q-Link链路层网关
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/handlers"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/redis"
	"github.com/bujia-iot/qlink-gateway/internal/ports"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/sirupsen/logrus"
)

var configFile = flag.String("config", "configs/gateway.yaml", "配置文件路径")

const shutdownTimeout = 10 * time.Second

func loadConfigOrExit() *config.Config {
	if err := config.Load(*configFile); err != nil {
		logger.Error("加载配置文件失败: " + err.Error())
		os.Exit(1)
	}
	return config.GetConfig()
}

func setupLoggerOrExit(cfg *config.Config) {
	if err := logger.Init(&cfg.Logger); err != nil {
		logger.Error("初始化日志系统失败: " + err.Error())
		os.Exit(1)
	}
}

// newPresenceStore Redis可用时使用Redis在线表，否则退回内存
func newPresenceStore(cfg *config.Config) core.PresenceStore {
	if !cfg.Redis.Enabled {
		return core.NewMemoryPresence()
	}
	if err := redis.InitClient(cfg.Redis); err != nil {
		logger.WithError(err).Warn("Redis连接失败，在线状态改用内存存储")
		return core.NewMemoryPresence()
	}
	ttl := time.Duration(cfg.Redis.PresenceTTL) * time.Second
	return core.NewRedisPresence(redis.GetClient(), cfg.Redis.KeyPrefix, ttl)
}

func main() {
	flag.Parse()

	cfg := loadConfigOrExit()
	setupLoggerOrExit(cfg)

	logger.WithFields(logrus.Fields{
		"tcp":       config.FormatTCPAddress(),
		"engine":    cfg.TCPServer.Engine,
		"keepalive": cfg.Link.KeepaliveEnabled,
		"crcPolicy": cfg.Protocol.CRCPolicy,
		"tunnel":    cfg.Tunnel.Enabled,
	}).Info("Q-Link网关启动")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := core.NewRegistry(newPresenceStore(cfg))
	if cfg.Redis.Enabled && cfg.Redis.PresenceTTL > 0 {
		go registry.RunPresenceRefresh(ctx, time.Duration(cfg.Redis.PresenceTTL)*time.Second/2)
	}

	builder, err := ports.NewLinkBuilder(cfg, registry, handlers.NewLinkEventLogger())
	if err != nil {
		logger.WithError(err).Error("创建链路构造器失败")
		os.Exit(1)
	}

	// 管理接口（非致命）
	var httpServer interface{ Stop(context.Context) error }
	if cfg.HTTPAPIServer.Enabled {
		srv := ports.NewHTTPServer(cfg, registry)
		httpServer = srv
		go func() {
			if err := srv.Start(); err != nil {
				logger.WithError(err).Warn("HTTP API服务器启动失败")
			}
		}()
	}

	// TCP接入
	var stopTCP func()
	switch strings.ToLower(cfg.TCPServer.Engine) {
	case "native":
		srv := ports.NewNativeServer(config.FormatTCPAddress(),
			time.Duration(cfg.TCPServer.KeepAlivePeriodSeconds)*time.Second, builder)
		if err := srv.Listen(); err != nil {
			logger.WithError(err).Error("TCP服务器启动失败")
			os.Exit(1)
		}
		go func() { _ = srv.Serve(ctx) }()
		stopTCP = srv.Stop
	default:
		srv := ports.NewTCPServer(cfg, builder)
		if err := srv.Start(); err != nil {
			logger.WithError(err).Error("TCP服务器启动失败")
			os.Exit(1)
		}
		stopTCP = srv.Stop
	}

	<-ctx.Done()
	logger.Info("接收到停止信号，开始关闭...")

	stopTCP()
	registry.CloseAll()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("关闭HTTP服务器失败")
		}
		cancel()
	}

	if err := redis.Close(); err != nil {
		logger.WithError(err).Error("关闭Redis连接失败")
	}
	logger.Info("Q-Link网关已停止")
}
