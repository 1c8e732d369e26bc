package core

import (
	"context"
	"testing"
	"time"

	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPresence(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()

	require.NoError(t, p.SetOnline(ctx, PresenceRecord{ConnID: "c1", Handle: "jim"}))
	id, ok, err := p.Lookup(ctx, "jim")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	// 同名用户在新连接登录后，旧连接下线不影响新记录
	require.NoError(t, p.SetOnline(ctx, PresenceRecord{ConnID: "c2", Handle: "jim"}))
	require.NoError(t, p.SetOffline(ctx, "jim", "c1"))
	id, ok, _ = p.Lookup(ctx, "jim")
	assert.True(t, ok)
	assert.Equal(t, "c2", id)

	require.NoError(t, p.Refresh(ctx, []PresenceRecord{{ConnID: "c2", Handle: "jim"}}))
	require.NoError(t, p.SetOffline(ctx, "jim", "c2"))
	_, ok, _ = p.Lookup(ctx, "jim")
	assert.False(t, ok)
}

func TestRedisPresence_Keys(t *testing.T) {
	r := NewRedisPresence(nil, "", 0)
	assert.Equal(t, "qlink:online:jim", r.onlineKey("jim"))
	assert.Equal(t, "qlink:conn:c1", r.connKey("c1"))
	assert.Equal(t, 5*time.Minute, r.ttl)
}

func TestRedisPresence_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	p := NewRedisPresence(client, "qlink-test", time.Minute)
	ctx := context.Background()

	err := p.SetOnline(ctx, PresenceRecord{ConnID: "c1", Handle: "jim", ConnectedAt: time.Now()})
	assert.True(t, errors.IsErrCode(err, errors.ErrRedisOperationFailed))

	_, _, err = p.Lookup(ctx, "jim")
	assert.True(t, errors.IsErrCode(err, errors.ErrRedisOperationFailed))

	assert.NoError(t, p.Refresh(ctx, nil))
}
