package main

import (
	"encoding/hex"
	"testing"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func actionBody(t *testing.T, mnemonic, data string, send, recv byte) []byte {
	t.Helper()
	a, err := qlink_protocol.NewAction(mnemonic, []byte(data))
	require.NoError(t, err)
	a.SetSendSequence(send)
	a.SetRecvSequence(recv)
	return a.Bytes()
}

func TestParseHexFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  [][]byte
	}{
		{"单帧无结束符", "5a 01 02", [][]byte{{0x5A, 0x01, 0x02}}},
		{"两帧", "5a01 0d\n5a02 0d", [][]byte{{0x5A, 0x01}, {0x5A, 0x02}}},
		{"冒号分隔", "5a:03:0d", [][]byte{{0x5A, 0x03}}},
		{"空输入", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHexFrames(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseHexFrames("5g")
	assert.Error(t, err)
}

func TestPrintable(t *testing.T) {
	assert.Equal(t, "ab.c.", printable([]byte{'a', 'b', 0x01, 'c', 0xFF}))
	assert.Equal(t, "", printable(nil))
}

func TestDescribe(t *testing.T) {
	factory := qlink_protocol.NewFactory(qlink_protocol.WithTunnelPrefixes("UA"))

	row, err := describe("←", actionBody(t, "DD", "hi\x01", 0x10, 0x7F), factory)
	require.NoError(t, err)
	assert.Equal(t, frameRow{Direction: "←", Command: "Action(DD)", Send: "0x10", Recv: "0x7F", Detail: "hi."}, row)

	row, err = describe("→", actionBody(t, "UA", "x", 0x11, 0x10), factory)
	require.NoError(t, err)
	assert.Equal(t, "[tunnel] x", row.Detail)

	reset := &qlink_protocol.Reset{Version: 3, Release: 4}
	reset.SetSendSequence(0x7F)
	reset.SetRecvSequence(0x7F)
	row, err = describe("→", reset.Bytes(), factory)
	require.NoError(t, err)
	assert.Equal(t, "Reset", row.Command)
	assert.Equal(t, "version=3 release=4 superQ=false", row.Detail)

	// 过短的帧无法解码
	row, err = describe("", []byte{0x5A, 0x01}, factory)
	require.NoError(t, err)
	assert.Equal(t, "Unknown", row.Command)
	assert.Equal(t, hex.EncodeToString([]byte{0x5A, 0x01}), row.Detail)
}

func TestDescribe_CRCPolicy(t *testing.T) {
	body := actionBody(t, "DD", "abc", 0x10, 0x7F)
	body[len(body)-1] = 'z'

	_, err := describe("", body, qlink_protocol.NewFactory())
	assert.Error(t, err)

	row, err := describe("", body, qlink_protocol.NewFactory(qlink_protocol.WithCRCPolicy(qlink_protocol.CRCLenient)))
	require.NoError(t, err)
	assert.Equal(t, "abz", row.Detail)
}
