package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/sirupsen/logrus"
)

const (
	attrTimeLayout  = "2006-01-02 15:04:05"
	presenceTimeout = 2 * time.Second
)

// Registry 链路注册表
// 两层映射：connID → 连接（全部打开的链路），handle → 连接（已登录用户）
type Registry struct {
	connections sync.Map // connID → *session.Connection

	mutex   sync.RWMutex
	handles map[string]*session.Connection
	newest  time.Time

	presence  PresenceStore
	startedAt time.Time

	sessionCount atomic.Int64
	errorCount   atomic.Int64
}

// NewRegistry 创建注册表，presence为空时使用内存存储
func NewRegistry(presence PresenceStore) *Registry {
	if presence == nil {
		presence = NewMemoryPresence()
	}
	return &Registry{
		handles:   make(map[string]*session.Connection),
		presence:  presence,
		startedAt: time.Now(),
	}
}

// HandleKey 用户名归一化：忽略大小写和空格
func HandleKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

// Register 登记新链路
func (r *Registry) Register(conn *session.Connection) {
	if _, loaded := r.connections.LoadOrStore(conn.ID(), conn); loaded {
		return
	}
	r.sessionCount.Add(1)

	r.mutex.Lock()
	r.newest = time.Now()
	r.mutex.Unlock()

	conn.AddListener(r)
	if name := conn.UserName(); name != "" {
		r.bindHandle(conn, "", name)
	}
	logger.WithFields(logrus.Fields{
		"connID":     conn.ID(),
		"remoteAddr": conn.RemoteAddr(),
	}).Info("链路已登记")

	// 登记前已关闭的链路收不到OnTerminated
	if conn.IsClosed() {
		r.OnTerminated(conn)
	}
}

// OnAction 注册表不处理业务数据
func (r *Registry) OnAction(*session.Connection, qlink_protocol.Command) {}

// OnTerminated 移除链路；未登录即断开的计入错误数
func (r *Registry) OnTerminated(conn *session.Connection) {
	if _, ok := r.connections.LoadAndDelete(conn.ID()); !ok {
		return
	}
	conn.RemoveListener(r)

	name := conn.UserName()
	if name == "" {
		r.errorCount.Add(1)
	} else {
		key := HandleKey(name)
		r.mutex.Lock()
		if r.handles[key] == conn {
			delete(r.handles, key)
		}
		r.mutex.Unlock()
		logger.WithField("handle", name).Info("用户下线")
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := r.presence.SetOffline(ctx, HandleKey(name), conn.ID()); err != nil {
		logger.WithError(err).WithField("connID", conn.ID()).Warn("清除在线状态失败")
	}
}

// OnUserNameChanged 维护handle映射
func (r *Registry) OnUserNameChanged(conn *session.Connection, oldName, newName string) {
	if _, ok := r.connections.Load(conn.ID()); !ok {
		return
	}
	r.bindHandle(conn, oldName, newName)
}

func (r *Registry) bindHandle(conn *session.Connection, oldName, newName string) {
	log := logger.WithFields(logrus.Fields{"connID": conn.ID(), "old": oldName, "new": newName})

	r.mutex.Lock()
	if oldName != "" {
		if key := HandleKey(oldName); r.handles[key] == conn {
			delete(r.handles, key)
		}
	}
	if newName != "" {
		r.handles[HandleKey(newName)] = conn
	}
	r.mutex.Unlock()

	if oldName != "" {
		log.Info("在线用户改名")
	} else {
		log.Info("用户上线")
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if oldName != "" {
		if err := r.presence.SetOffline(ctx, HandleKey(oldName), conn.ID()); err != nil {
			log.WithError(err).Warn("清除在线状态失败")
		}
	}
	if newName != "" {
		err := r.presence.SetOnline(ctx, PresenceRecord{
			ConnID:      conn.ID(),
			Handle:      HandleKey(newName),
			RemoteAddr:  conn.RemoteAddr(),
			ConnectedAt: conn.Info().ConnectedAt,
		})
		if err != nil {
			log.WithError(err).Warn("写入在线状态失败")
		}
	}
}

// Get 按连接ID查找
func (r *Registry) Get(connID string) (*session.Connection, bool) {
	v, ok := r.connections.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*session.Connection), true
}

// GetByHandle 按用户名查找
func (r *Registry) GetByHandle(handle string) (*session.Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.handles[HandleKey(handle)]
	return conn, ok
}

// IsUserOnline 用户是否在线
func (r *Registry) IsUserOnline(handle string) bool {
	_, ok := r.GetByHandle(handle)
	return ok
}

// List 全部链路，按建立时间排序
func (r *Registry) List() []*session.Connection {
	var out []*session.Connection
	r.connections.Range(func(_, v interface{}) bool {
		out = append(out, v.(*session.Connection))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info().ConnectedAt.Before(out[j].Info().ConnectedAt)
	})
	return out
}

// Count 打开的链路数
func (r *Registry) Count() int {
	n := 0
	r.connections.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Kill 按连接ID断开
func (r *Registry) Kill(connID string) bool {
	conn, ok := r.Get(connID)
	if !ok {
		return false
	}
	conn.Close()
	return true
}

// KillHandle 按用户名断开
func (r *Registry) KillHandle(handle string) bool {
	conn, ok := r.GetByHandle(handle)
	if !ok {
		return false
	}
	conn.Close()
	return true
}

// SendToUser 向指定用户发送Action
func (r *Registry) SendToUser(handle string, a *qlink_protocol.Action) error {
	conn, ok := r.GetByHandle(handle)
	if !ok {
		return errors.New(errors.ErrConnectionNotFound, "用户不在线: "+handle)
	}
	return conn.Send(a)
}

// Broadcast 向所有链路发送同一Action，每条链路各自构造命令。返回成功发送的链路数。
func (r *Registry) Broadcast(mnemonic string, data []byte) (int, error) {
	if _, err := qlink_protocol.NewAction(mnemonic, data); err != nil {
		return 0, err
	}
	sent := 0
	for _, conn := range r.List() {
		a, _ := qlink_protocol.NewAction(mnemonic, data)
		if err := conn.Send(a); err != nil {
			logger.WithError(err).WithField("connID", conn.ID()).Debug("广播发送失败")
			continue
		}
		sent++
	}
	return sent, nil
}

// Attributes 注册表统计
func (r *Registry) Attributes() map[string]interface{} {
	r.mutex.RLock()
	loggedIn := len(r.handles)
	newest := r.newest
	r.mutex.RUnlock()

	attrs := map[string]interface{}{
		"OpenSessions":  r.Count(),
		"UsersLoggedIn": loggedIn,
		"ServerStarted": r.startedAt.Format(attrTimeLayout),
		"NewestSession": "",
		"SessionCount":  r.sessionCount.Load(),
		"ErrorCount":    r.errorCount.Load(),
	}
	if !newest.IsZero() {
		attrs["NewestSession"] = newest.Format(attrTimeLayout)
	}
	return attrs
}

// RunPresenceRefresh 定期刷新在线记录TTL，直到ctx结束
func (r *Registry) RunPresenceRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshPresence(ctx)
		}
	}
}

func (r *Registry) refreshPresence(ctx context.Context) {
	var recs []PresenceRecord
	for _, conn := range r.List() {
		recs = append(recs, PresenceRecord{ConnID: conn.ID(), Handle: HandleKey(conn.UserName())})
	}
	rctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := r.presence.Refresh(rctx, recs); err != nil {
		logger.WithError(err).Warn("刷新在线状态失败")
	}
}

// CloseAll 关闭全部链路
func (r *Registry) CloseAll() {
	for _, conn := range r.List() {
		conn.Close()
	}
}
