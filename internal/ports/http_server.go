package ports

import (
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/apis"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
)

// NewHTTPServer 按配置创建管理接口服务器
func NewHTTPServer(cfg *config.Config, registry *core.Registry) *apis.GinHTTPServer {
	timeout := time.Duration(cfg.HTTPAPIServer.TimeoutSeconds) * time.Second
	return apis.NewGinHTTPServer(config.FormatHTTPAddress(), timeout, registry)
}
