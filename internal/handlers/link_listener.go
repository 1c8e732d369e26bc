package handlers

import (
	"sync/atomic"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/sirupsen/logrus"
)

// LinkEventLogger 默认的应用层监听器：记录收到的Action和链路事件。
// 业务处理由上层另行注册监听器。
type LinkEventLogger struct {
	actions    atomic.Int64
	terminated atomic.Int64
}

// NewLinkEventLogger 创建监听器
func NewLinkEventLogger() *LinkEventLogger {
	return &LinkEventLogger{}
}

func (l *LinkEventLogger) OnAction(conn *session.Connection, cmd qlink_protocol.Command) {
	fields := logrus.Fields{
		"connID": conn.ID(),
		"user":   conn.UserName(),
	}
	if _, lost := cmd.(*qlink_protocol.LostConnection); lost {
		logger.WithFields(fields).Debug("收到断线通知")
		return
	}
	l.actions.Add(1)

	if a, ok := cmd.(*qlink_protocol.Action); ok {
		fields["mnemonic"] = a.Mnemonic
		fields["dataLen"] = len(a.Data)
		fields["seq"] = a.SendSequence()
	}
	logger.WithFields(fields).Debug("收到Action")
}

func (l *LinkEventLogger) OnTerminated(conn *session.Connection) {
	l.terminated.Add(1)
	info := conn.Info()
	logger.WithFields(logrus.Fields{
		"connID":     info.ID,
		"user":       info.UserName,
		"remoteAddr": info.RemoteAddr,
		"duration":   info.LastActivity.Sub(info.ConnectedAt).String(),
	}).Info("链路已终止")
}

func (l *LinkEventLogger) OnUserNameChanged(conn *session.Connection, oldName, newName string) {
	logger.WithFields(logrus.Fields{
		"connID": conn.ID(),
		"old":    oldName,
		"new":    newName,
	}).Info("链路用户名变更")
}

// Actions 已记录的Action数
func (l *LinkEventLogger) Actions() int64 { return l.actions.Load() }

// Terminated 已终止的链路数
func (l *LinkEventLogger) Terminated() int64 { return l.terminated.Load() }
