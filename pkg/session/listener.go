package session

import "github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"

// Listener 应用层监听器，按注册顺序同步调用，调用时不持有连接锁
type Listener interface {
	// OnAction 收到Action；连接关闭时会收到本地合成的LostConnection
	OnAction(conn *Connection, cmd qlink_protocol.Command)
	// OnTerminated 连接已关闭
	OnTerminated(conn *Connection)
	// OnUserNameChanged 连接绑定的用户名变化
	OnUserNameChanged(conn *Connection, oldName, newName string)
}

// ListenerFuncs 用函数实现Listener，未设置的回调忽略。
// 以指针形式注册，便于RemoveListener按身份移除。
type ListenerFuncs struct {
	Action          func(conn *Connection, cmd qlink_protocol.Command)
	Terminated      func(conn *Connection)
	UserNameChanged func(conn *Connection, oldName, newName string)
}

func (l *ListenerFuncs) OnAction(conn *Connection, cmd qlink_protocol.Command) {
	if l.Action != nil {
		l.Action(conn, cmd)
	}
}

func (l *ListenerFuncs) OnTerminated(conn *Connection) {
	if l.Terminated != nil {
		l.Terminated(conn)
	}
}

func (l *ListenerFuncs) OnUserNameChanged(conn *Connection, oldName, newName string) {
	if l.UserNameChanged != nil {
		l.UserNameChanged(conn, oldName, newName)
	}
}

// AddListener 注册监听器
func (c *Connection) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener 移除监听器
func (c *Connection) RemoveListener(l Listener) {
	c.listenerMutex.Lock()
	defer c.listenerMutex.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// snapshotListeners 复制监听器列表，回调期间允许增删
func (c *Connection) snapshotListeners() []Listener {
	c.listenerMutex.RLock()
	defer c.listenerMutex.RUnlock()
	out := make([]Listener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Connection) notifyAction(cmd qlink_protocol.Command) {
	for _, l := range c.snapshotListeners() {
		c.safeCall("OnAction", func() { l.OnAction(c, cmd) })
	}
}

func (c *Connection) notifyTerminated() {
	for _, l := range c.snapshotListeners() {
		c.safeCall("OnTerminated", func() { l.OnTerminated(c) })
	}
}

func (c *Connection) notifyUserNameChanged(oldName, newName string) {
	for _, l := range c.snapshotListeners() {
		c.safeCall("OnUserNameChanged", func() { l.OnUserNameChanged(c, oldName, newName) })
	}
}

// safeCall 监听器的panic不影响链路
func (c *Connection) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("callback", name).Errorf("监听器发生panic: %v", r)
		}
	}()
	fn()
}
