package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PresenceRecord 在线记录
type PresenceRecord struct {
	ConnID      string    `json:"connID"`
	Handle      string    `json:"handle"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// PresenceStore 在线状态存储，失败不影响链路
type PresenceStore interface {
	SetOnline(ctx context.Context, rec PresenceRecord) error
	SetOffline(ctx context.Context, handle, connID string) error
	Refresh(ctx context.Context, recs []PresenceRecord) error
	Lookup(ctx context.Context, handle string) (string, bool, error)
}

// MemoryPresence 进程内存储，未启用Redis时使用
type MemoryPresence struct {
	mutex   sync.RWMutex
	online  map[string]PresenceRecord // handle → record
	touched map[string]time.Time      // connID → 最近刷新时间
}

// NewMemoryPresence 创建内存存储
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		online:  make(map[string]PresenceRecord),
		touched: make(map[string]time.Time),
	}
}

func (m *MemoryPresence) SetOnline(_ context.Context, rec PresenceRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.online[rec.Handle] = rec
	m.touched[rec.ConnID] = time.Now()
	return nil
}

func (m *MemoryPresence) SetOffline(_ context.Context, handle, connID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if rec, ok := m.online[handle]; ok && rec.ConnID == connID {
		delete(m.online, handle)
	}
	delete(m.touched, connID)
	return nil
}

func (m *MemoryPresence) Refresh(_ context.Context, recs []PresenceRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := time.Now()
	for _, rec := range recs {
		m.touched[rec.ConnID] = now
	}
	return nil
}

func (m *MemoryPresence) Lookup(_ context.Context, handle string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.online[handle]
	return rec.ConnID, ok, nil
}

// RedisPresence 基于Redis的在线表：
// <prefix>:online:<handle> → connID，<prefix>:conn:<connID> → 连接信息hash，均带TTL
type RedisPresence struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPresence 创建Redis在线表
func NewRedisPresence(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "qlink"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisPresence) onlineKey(handle string) string {
	return fmt.Sprintf("%s:online:%s", r.prefix, handle)
}

func (r *RedisPresence) connKey(connID string) string {
	return fmt.Sprintf("%s:conn:%s", r.prefix, connID)
}

func (r *RedisPresence) SetOnline(ctx context.Context, rec PresenceRecord) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.onlineKey(rec.Handle), rec.ConnID, r.ttl)
	pipe.HSet(ctx, r.connKey(rec.ConnID),
		"handle", rec.Handle,
		"remoteAddr", rec.RemoteAddr,
		"connectedAt", rec.ConnectedAt.Format(time.RFC3339),
	)
	pipe.Expire(ctx, r.connKey(rec.ConnID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRedisOperationFailed, "写入在线状态失败", err)
	}
	return nil
}

func (r *RedisPresence) SetOffline(ctx context.Context, handle, connID string) error {
	if handle != "" {
		current, err := r.client.Get(ctx, r.onlineKey(handle)).Result()
		if err != nil && err != redis.Nil {
			return errors.Wrap(errors.ErrRedisOperationFailed, "读取在线状态失败", err)
		}
		// 同名用户已在新连接上登录时保留
		if current == connID {
			if err := r.client.Del(ctx, r.onlineKey(handle)).Err(); err != nil {
				return errors.Wrap(errors.ErrRedisOperationFailed, "删除在线状态失败", err)
			}
		}
	}
	if err := r.client.Del(ctx, r.connKey(connID)).Err(); err != nil {
		return errors.Wrap(errors.ErrRedisOperationFailed, "删除连接信息失败", err)
	}
	return nil
}

func (r *RedisPresence) Refresh(ctx context.Context, recs []PresenceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, rec := range recs {
		pipe.Expire(ctx, r.connKey(rec.ConnID), r.ttl)
		if rec.Handle != "" {
			pipe.Expire(ctx, r.onlineKey(rec.Handle), r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRedisOperationFailed, "刷新在线状态失败", err)
	}
	return nil
}

func (r *RedisPresence) Lookup(ctx context.Context, handle string) (string, bool, error) {
	connID, err := r.client.Get(ctx, r.onlineKey(handle)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrRedisOperationFailed, "查询在线状态失败", err)
	}
	return connID, true, nil
}
