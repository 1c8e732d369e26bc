package network

import (
	"net"
	"time"

	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/sirupsen/logrus"
)

// ConnectionHooks zinx连接事件钩子：设置TCP参数后交给上层回调
type ConnectionHooks struct {
	onConnectionEstablished func(conn ziface.IConnection)
	onConnectionClosed      func(conn ziface.IConnection)

	keepAlivePeriod time.Duration
}

// NewConnectionHooks 创建连接钩子
func NewConnectionHooks(keepAlivePeriod time.Duration) *ConnectionHooks {
	return &ConnectionHooks{keepAlivePeriod: keepAlivePeriod}
}

// SetOnConnectionEstablishedFunc 设置连接建立回调
func (ch *ConnectionHooks) SetOnConnectionEstablishedFunc(fn func(conn ziface.IConnection)) {
	ch.onConnectionEstablished = fn
}

// SetOnConnectionClosedFunc 设置连接关闭回调
func (ch *ConnectionHooks) SetOnConnectionClosedFunc(fn func(conn ziface.IConnection)) {
	ch.onConnectionClosed = fn
}

// OnConnStart 连接建立时的回调
func (ch *ConnectionHooks) OnConnStart(conn ziface.IConnection) {
	logger.WithFields(logrus.Fields{
		"zinxConnID": conn.GetConnID(),
		"remoteAddr": conn.RemoteAddr().String(),
	}).Info("新连接建立")

	TuneTCP(conn.GetConnection(), ch.keepAlivePeriod)

	if ch.onConnectionEstablished != nil {
		ch.onConnectionEstablished(conn)
	}
}

// OnConnStop 连接断开时的回调
func (ch *ConnectionHooks) OnConnStop(conn ziface.IConnection) {
	logger.WithFields(logrus.Fields{
		"zinxConnID": conn.GetConnID(),
		"remoteAddr": conn.RemoteAddr().String(),
	}).Info("连接断开")

	if ch.onConnectionClosed != nil {
		ch.onConnectionClosed(conn)
	}
}

// TuneTCP 设置TCP保活和NoDelay，非TCP连接直接跳过
func TuneTCP(conn net.Conn, keepAlivePeriod time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	log := logger.WithField("remoteAddr", tcpConn.RemoteAddr().String())

	if err := tcpConn.SetKeepAlive(true); err != nil {
		log.WithError(err).Warn("设置Keep-Alive失败")
	}
	if keepAlivePeriod > 0 {
		if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			log.WithError(err).WithField("period", keepAlivePeriod).Warn("设置Keep-Alive周期失败")
		}
	}
	// 一帧一写，不需要Nagle合并
	if err := tcpConn.SetNoDelay(true); err != nil {
		log.WithError(err).Warn("设置TCP_NODELAY失败")
	}
}
