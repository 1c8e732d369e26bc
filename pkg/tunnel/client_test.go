package tunnel

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/bujia-iot/qlink-gateway/pkg/heartbeat"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkTransport 客户端侧的假连接，记录写出的帧
type linkTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newLinkTransport() *linkTransport {
	return &linkTransport{closed: make(chan struct{})}
}

func (l *linkTransport) Read(p []byte) (int, error) {
	<-l.closed
	return 0, net.ErrClosed
}

func (l *linkTransport) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, append([]byte(nil), p...))
	return len(p), nil
}

func (l *linkTransport) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *linkTransport) frames() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}

func newLink(t *testing.T, user string) (*session.Connection, *linkTransport) {
	t.Helper()
	tr := newLinkTransport()
	link := session.NewConnection(tr,
		session.WithUserName(user),
		session.WithTimerConfig(heartbeat.TimerConfig{
			PingInterval:      time.Hour,
			KeepaliveInterval: time.Hour,
			SuspendTimeout:    time.Hour,
		}),
	)
	t.Cleanup(link.Close)
	return link, tr
}

func TestClient_HandshakeForwardAndDeliver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type received struct {
		handshake string
		frame     []byte
	}
	got := make(chan received, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		hs, err := r.ReadBytes(constants.FrameEnd)
		if err != nil {
			return
		}
		frame, err := r.ReadBytes(constants.FrameEnd)
		if err != nil {
			return
		}
		got <- received{
			handshake: string(hs[:len(hs)-1]),
			frame:     frame[:len(frame)-1],
		}
		// 下行一帧
		_, _ = conn.Write([]byte("UAhello\r"))
		time.Sleep(200 * time.Millisecond)
	}()

	link, tr := newLink(t, "")
	c, err := Dial(Config{Address: ln.Addr().String(), DialTimeout: time.Second}, link)
	require.NoError(t, err)
	defer c.Close()

	a, err := qlink_protocol.NewTunnelAction("UX", []byte("data"))
	require.NoError(t, err)
	a.SetSendSequence(0x10)
	a.SetRecvSequence(0x7F)
	require.NoError(t, c.Forward(a.Bytes()))

	select {
	case r := <-got:
		assert.Equal(t, constants.UnknownUserName, r.handshake)
		assert.Equal(t, a.Bytes(), r.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("下游未收到数据")
	}

	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, 2*time.Second, 10*time.Millisecond)
	frame := tr.frames()[0]
	cmd, err := qlink_protocol.NewFactory().Decode(frame[:len(frame)-1])
	require.NoError(t, err)
	action, ok := cmd.(*qlink_protocol.Action)
	require.True(t, ok)
	assert.Equal(t, "UA", action.Mnemonic)
	assert.Equal(t, []byte("hello"), action.Data)
	assert.Equal(t, constants.SeqLow, action.SendSequence())
}

func TestClient_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	link, _ := newLink(t, "JBRAIN")
	_, err = NewDialer(Config{Address: addr, DialTimeout: 200 * time.Millisecond})(link)
	require.Error(t, err)
	assert.True(t, errors.IsErrCode(err, errors.ErrTunnelUnavailable))
}

func TestClient_ForwardAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = bufio.NewReader(conn).ReadBytes(constants.FrameEnd)
		}
	}()

	link, _ := newLink(t, "JBRAIN")
	c, err := Dial(Config{Address: ln.Addr().String(), DialTimeout: time.Second}, link)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Forward(protocol.EncodeFrame([]byte("x")))
	assert.True(t, errors.IsErrCode(err, errors.ErrTunnelUnavailable))
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.TunnelConfig{Address: "127.0.0.1:1986"})
	assert.Equal(t, "127.0.0.1:1986", cfg.Address)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
}
