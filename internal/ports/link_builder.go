package ports

import (
	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/bujia-iot/qlink-gateway/pkg/heartbeat"
	"github.com/bujia-iot/qlink-gateway/pkg/network"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/bujia-iot/qlink-gateway/pkg/tunnel"
)

// LinkBuilder 按配置为新接入的TCP连接创建链路并登记
type LinkBuilder struct {
	registry  *core.Registry
	factory   *qlink_protocol.Factory
	link      config.LinkConfig
	dialer    session.TunnelDialer
	listeners []session.Listener
}

// NewLinkBuilder 创建链路构造器
func NewLinkBuilder(cfg *config.Config, registry *core.Registry, listeners ...session.Listener) (*LinkBuilder, error) {
	policy, err := qlink_protocol.ParseCRCPolicy(cfg.Protocol.CRCPolicy)
	if err != nil {
		return nil, err
	}

	b := &LinkBuilder{
		registry: registry,
		factory: qlink_protocol.NewFactory(
			qlink_protocol.WithCRCPolicy(policy),
			qlink_protocol.WithTunnelPrefixes(cfg.Protocol.TunnelPrefixes...),
		),
		link:      cfg.Link,
		listeners: listeners,
	}
	if cfg.Tunnel.Enabled {
		b.dialer = tunnel.NewDialer(tunnel.ConfigFromSettings(cfg.Tunnel))
	}
	return b, nil
}

// Build 创建链路：先挂应用监听器，再登记到注册表
func (b *LinkBuilder) Build(transport session.Transport, remoteAddr string) *session.Connection {
	opts := []session.Option{
		session.WithFactory(b.factory),
		session.WithTimerConfig(heartbeat.TimerConfigFromLink(b.link)),
		session.WithWindowOptions(
			network.WithWindowSize(b.link.WindowSize),
			network.WithMaxErrors(b.link.MaxConsecutiveErrors),
		),
		session.WithMaxPendingBytes(b.link.MaxPendingBytes),
		session.WithWriteTimeout(b.link.WriteTimeout()),
	}
	if remoteAddr != "" {
		opts = append(opts, session.WithRemoteAddr(remoteAddr))
	}
	if b.dialer != nil {
		opts = append(opts, session.WithTunnelDialer(b.dialer))
	}

	conn := session.NewConnection(transport, opts...)
	for _, l := range b.listeners {
		conn.AddListener(l)
	}
	b.registry.Register(conn)
	return conn
}

// Registry 链路注册表
func (b *LinkBuilder) Registry() *core.Registry {
	return b.registry
}
