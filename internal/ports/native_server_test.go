package ports

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tunnel.Enabled = false
	cfg.Link.KeepaliveEnabled = false
	return &cfg
}

func readFrame(t *testing.T, r *bufio.Reader) qlink_protocol.Command {
	t.Helper()
	raw, err := r.ReadBytes(constants.FrameEnd)
	require.NoError(t, err)
	cmd, err := qlink_protocol.NewFactory().Decode(raw[:len(raw)-1])
	require.NoError(t, err)
	require.NotNil(t, cmd)
	return cmd
}

func TestNativeServer_ResetAndAction(t *testing.T) {
	registry := core.NewRegistry(nil)
	received := make(chan qlink_protocol.Command, 4)
	listener := &session.ListenerFuncs{
		Action: func(_ *session.Connection, cmd qlink_protocol.Command) {
			if qlink_protocol.IsAction(cmd) {
				received <- cmd
			}
		},
	}

	builder, err := NewLinkBuilder(testConfig(), registry, listener)
	require.NoError(t, err)

	srv := NewNativeServer("127.0.0.1:0", 0, builder)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	r := bufio.NewReader(client)

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	reset := &qlink_protocol.Reset{Version: 1, Release: 2}
	_, err = client.Write(protocol.EncodeFrame(reset.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, constants.CmdResetAck, readFrame(t, r).Kind())

	action, err := qlink_protocol.NewAction("DD", []byte("login"))
	require.NoError(t, err)
	action.SetSendSequence(constants.SeqLow)
	action.SetRecvSequence(constants.SeqDefault)
	_, err = client.Write(protocol.EncodeFrame(action.Bytes()))
	require.NoError(t, err)

	select {
	case cmd := <-received:
		a := cmd.(*qlink_protocol.Action)
		assert.Equal(t, "DD", a.Mnemonic)
		assert.Equal(t, []byte("login"), a.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到Action")
	}

	links := registry.List()
	require.Len(t, links, 1)
	assert.Equal(t, 1, links[0].Info().Version)
	assert.Equal(t, 2, links[0].Info().Release)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("服务未退出")
	}
	assert.Equal(t, 0, registry.Count())
}

func TestNativeServer_ClientDisconnect(t *testing.T) {
	registry := core.NewRegistry(nil)
	builder, err := NewLinkBuilder(testConfig(), registry)
	require.NoError(t, err)

	srv := NewNativeServer("127.0.0.1:0", time.Minute, builder)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	client, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), registry.Attributes()["ErrorCount"])
}

func TestNewLinkBuilder_InvalidCRCPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.CRCPolicy = "sometimes"
	_, err := NewLinkBuilder(cfg, core.NewRegistry(nil))
	assert.Error(t, err)
}
