package apis

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/bujia-iot/qlink-gateway/pkg/heartbeat"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu     sync.Mutex
	writes int
	closed chan struct{}
	once   sync.Once
}

func (s *stubTransport) Read([]byte) (int, error) {
	<-s.closed
	return 0, net.ErrClosed
}

func (s *stubTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return len(p), nil
}

func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func setupRouter(t *testing.T, ids ...string) (*gin.Engine, *core.Registry, map[string]*stubTransport) {
	t.Helper()
	reg := core.NewRegistry(nil)
	transports := make(map[string]*stubTransport)
	for _, id := range ids {
		tr := &stubTransport{closed: make(chan struct{})}
		conn := session.NewConnection(tr, session.WithID(id),
			session.WithTimerConfig(heartbeat.TimerConfig{
				PingInterval:      time.Hour,
				KeepaliveInterval: time.Hour,
				SuspendTimeout:    time.Hour,
			}))
		t.Cleanup(conn.Close)
		reg.Register(conn)
		transports[id] = tr
	}
	srv := NewGinHTTPServer("127.0.0.1:0", time.Second, reg)
	return srv.GetRouter(), reg, transports
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	router, _, _ := setupRouter(t, "a")
	w := doRequest(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, float64(1), data["connections"])
}

func TestListAndGetConnections(t *testing.T) {
	router, reg, _ := setupRouter(t, "a", "b")
	conn, _ := reg.Get("b")
	conn.SetUserName("Jim Brain")

	w := doRequest(router, http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["total"])

	w = doRequest(router, http.MethodGet, "/api/v1/connections?user=jimbrain", "")
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["total"])

	w = doRequest(router, http.MethodGet, "/api/v1/connections/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "a", info["id"])
	assert.Equal(t, "active", info["state"])

	w = doRequest(router, http.MethodGet, "/api/v1/connections/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSuspendResume(t *testing.T) {
	router, reg, _ := setupRouter(t, "a")
	conn, _ := reg.Get("a")

	w := doRequest(router, http.MethodPost, "/api/v1/connections/a/suspend", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, conn.IsSuspended())

	w = doRequest(router, http.MethodPost, "/api/v1/connections/a/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, conn.IsSuspended())
}

func TestSendAndKill(t *testing.T) {
	router, reg, transports := setupRouter(t, "a")

	w := doRequest(router, http.MethodPost, "/api/v1/connections/a/send", `{"mnemonic":"OL","data":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, transports["a"].count())

	w = doRequest(router, http.MethodPost, "/api/v1/connections/a/send", `{"mnemonic":"OLX"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/connections/a/send", `{"mnemonic":"OL","data":"bad\r"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/v1/connections/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, reg.Count())

	w = doRequest(router, http.MethodDelete, "/api/v1/connections/a", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserEndpoints(t *testing.T) {
	router, reg, transports := setupRouter(t, "a")
	conn, _ := reg.Get("a")
	conn.SetUserName("alice")

	w := doRequest(router, http.MethodPost, "/api/v1/users/alice/send", `{"mnemonic":"OL","data":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, transports["a"].count())

	w = doRequest(router, http.MethodPost, "/api/v1/users/bob/send", `{"mnemonic":"OL","data":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodDelete, "/api/v1/users/ALICE", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, conn.IsClosed())

	w = doRequest(router, http.MethodDelete, "/api/v1/users/alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBroadcast(t *testing.T) {
	router, _, transports := setupRouter(t, "a", "b", "c")

	w := doRequest(router, http.MethodPost, "/api/v1/broadcast", `{"mnemonic":"SY","data":"reboot"}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["sent"])
	for _, tr := range transports {
		assert.Equal(t, 1, tr.count())
	}

	w = doRequest(router, http.MethodPost, "/api/v1/broadcast", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttributesAndMetrics(t *testing.T) {
	router, _, _ := setupRouter(t, "a")

	w := doRequest(router, http.MethodGet, "/api/v1/attributes", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Contains(t, data, "OpenSessions")
	assert.Contains(t, data, "ErrorCount")

	w = doRequest(router, http.MethodGet, "/api/v1/metrics/summary", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "qlink_link_active_connections"))
}

func TestCORSPreflight(t *testing.T) {
	router, _, _ := setupRouter(t)
	w := doRequest(router, http.MethodOptions, "/api/v1/connections", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
