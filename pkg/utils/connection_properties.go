package utils

import (
	"time"

	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
)

// BindLink 把链路绑定到zinx连接属性上
func BindLink(conn ziface.IConnection, link *session.Connection) {
	conn.SetProperty(constants.PropKeyLinkConnection, link)
	conn.SetProperty(constants.PropKeySessionID, link.ID())
	conn.SetProperty(constants.PropKeyConnectedAt, time.Now())
}

// GetLink 获取连接上绑定的链路
func GetLink(conn ziface.IConnection) (*session.Connection, bool) {
	v, err := conn.GetProperty(constants.PropKeyLinkConnection)
	if err != nil {
		return nil, false
	}
	link, ok := v.(*session.Connection)
	return link, ok && link != nil
}

// GetSessionID 获取连接上绑定的链路ID
func GetSessionID(conn ziface.IConnection) (string, bool) {
	v, err := conn.GetProperty(constants.PropKeySessionID)
	if err != nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// GetConnectedAt 获取链路绑定时间
func GetConnectedAt(conn ziface.IConnection) (time.Time, bool) {
	v, err := conn.GetProperty(constants.PropKeyConnectedAt)
	if err != nil {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}
