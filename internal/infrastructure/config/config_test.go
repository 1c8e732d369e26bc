package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRead_RepositoryConfig(t *testing.T) {
	cfg, err := Read("../../../configs/gateway.yaml")
	require.NoError(t, err)

	assert.Equal(t, 5190, cfg.TCPServer.Port)
	assert.Equal(t, "zinx", cfg.TCPServer.Engine)
	assert.Equal(t, 16, cfg.Link.WindowSize)
	assert.Equal(t, 20, cfg.Link.MaxConsecutiveErrors)
	assert.Equal(t, []string{"U"}, cfg.Protocol.TunnelPrefixes)
	assert.Equal(t, 2*time.Second, cfg.Link.PingInterval())
	assert.Equal(t, 90*time.Second, cfg.Link.KeepaliveInterval())
	assert.Equal(t, 450*time.Second, cfg.Link.SuspendTimeout())
	assert.Equal(t, 10*time.Second, cfg.Link.WriteTimeout())
}

func TestRead_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
tcpServer:
  port: 6000
link:
  windowSize: 8
`)
	cfg, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.TCPServer.Port)
	assert.Equal(t, "0.0.0.0", cfg.TCPServer.Host)
	assert.Equal(t, 8, cfg.Link.WindowSize)
	assert.Equal(t, 2000, cfg.Link.PingIntervalMs)
	assert.Equal(t, "strict", cfg.Protocol.CRCPolicy)
	assert.Equal(t, "qlink", cfg.Redis.KeyPrefix)
	// 未配置的写超时保持默认值
	assert.Equal(t, 10*time.Second, cfg.Link.WriteTimeout())
}

func TestRead_KeepaliveEnvOverride(t *testing.T) {
	path := writeConfig(t, "link:\n  keepaliveEnabled: true\n")

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"tRuE", true},
		{"1", false},
		{"t", false},
		{"false", false},
		{"yes", false},
		{" true", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(KeepaliveEnvOverride, tt.value)
			cfg, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Link.KeepaliveEnabled)
		})
	}
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Read(writeConfig(t, "protocol:\n  crcPolicy: loose\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"默认配置", func(*Config) {}, false},
		{"窗口为0", func(c *Config) { c.Link.WindowSize = 0 }, true},
		{"窗口过大", func(c *Config) { c.Link.WindowSize = 65 }, true},
		{"错误预算为0", func(c *Config) { c.Link.MaxConsecutiveErrors = 0 }, true},
		{"定时器非正", func(c *Config) { c.Link.PingIntervalMs = 0 }, true},
		{"写超时为负", func(c *Config) { c.Link.WriteTimeoutMs = -1 }, true},
		{"关闭写超时", func(c *Config) { c.Link.WriteTimeoutMs = 0 }, false},
		{"宽松CRC", func(c *Config) { c.Protocol.CRCPolicy = "LENIENT" }, false},
		{"未知引擎", func(c *Config) { c.TCPServer.Engine = "gnet" }, true},
		{"native引擎", func(c *Config) { c.TCPServer.Engine = "native" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFormatAddresses(t *testing.T) {
	saved := GlobalConfig
	t.Cleanup(func() { GlobalConfig = saved })

	GlobalConfig = Default()
	GlobalConfig.TCPServer.Port = 7000
	assert.Equal(t, "0.0.0.0:7000", FormatTCPAddress())
	assert.Equal(t, "127.0.0.1:7780", FormatHTTPAddress())
}
