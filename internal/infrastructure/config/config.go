package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KeepaliveEnvOverride 环境变量覆盖keepalive开关（兼容旧服务器的部署脚本）
const KeepaliveEnvOverride = "QLINK_SHOULD_PING"

// Config 是应用程序配置的结构体
type Config struct {
	TCPServer     TCPServerConfig     `mapstructure:"tcpServer"`
	HTTPAPIServer HTTPAPIServerConfig `mapstructure:"httpApiServer"`
	Link          LinkConfig          `mapstructure:"link"`
	Protocol      ProtocolConfig      `mapstructure:"protocol"`
	Tunnel        TunnelConfig        `mapstructure:"tunnel"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

// TCPServerConfig TCP服务器配置
type TCPServerConfig struct {
	Host   string     `mapstructure:"host" yaml:"host"`
	Port   int        `mapstructure:"port" yaml:"port"`
	Engine string     `mapstructure:"engine" yaml:"engine"` // zinx | native
	Zinx   ZinxConfig `mapstructure:"zinx" yaml:"zinx"`

	KeepAlivePeriodSeconds int `mapstructure:"keepAlivePeriodSeconds" yaml:"keepAlivePeriodSeconds"` // TCP层保活，0表示不设置
}

// ZinxConfig Zinx框架配置
type ZinxConfig struct {
	Name             string `mapstructure:"name"`
	Version          string `mapstructure:"version"`
	MaxConn          int    `mapstructure:"maxConn"`
	WorkerPoolSize   int    `mapstructure:"workerPoolSize"`
	MaxWorkerTaskLen int    `mapstructure:"maxWorkerTaskLen"`
	MaxPacketSize    uint32 `mapstructure:"maxPacketSize"`
}

// HTTPAPIServerConfig HTTP管理接口配置
type HTTPAPIServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Enabled        bool   `mapstructure:"enabled"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// LinkConfig 链路层参数
type LinkConfig struct {
	PingIntervalMs       int  `mapstructure:"pingIntervalMs"`
	KeepaliveIntervalMs  int  `mapstructure:"keepaliveIntervalMs"`
	KeepaliveEnabled     bool `mapstructure:"keepaliveEnabled"`
	SuspendTimeoutMs     int  `mapstructure:"suspendTimeoutMs"`
	MaxConsecutiveErrors int  `mapstructure:"maxConsecutiveErrors"`
	WindowSize           int  `mapstructure:"windowSize"`
	MaxPendingBytes      int  `mapstructure:"maxPendingBytes"`
	WriteTimeoutMs       int  `mapstructure:"writeTimeoutMs"`
}

// PingInterval ping定时器周期
func (c LinkConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// KeepaliveInterval keepalive定时器周期
func (c LinkConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

// SuspendTimeout 挂起看门狗超时
func (c LinkConfig) SuspendTimeout() time.Duration {
	return time.Duration(c.SuspendTimeoutMs) * time.Millisecond
}

// WriteTimeout 单次写入的超时，0表示不设置写超时
func (c LinkConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ProtocolConfig 协议解析配置
type ProtocolConfig struct {
	CRCPolicy      string   `mapstructure:"crcPolicy"` // strict | lenient
	TunnelPrefixes []string `mapstructure:"tunnelPrefixes"`
}

// TunnelConfig 下游隧道（Habilink）配置
type TunnelConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Address            string `mapstructure:"address"`
	DialTimeoutSeconds int    `mapstructure:"dialTimeoutSeconds"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"poolSize"`
	MinIdleConns int    `mapstructure:"minIdleConns"`
	DialTimeout  int    `mapstructure:"dialTimeout"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	KeyPrefix    string `mapstructure:"keyPrefix"`
	PresenceTTL  int    `mapstructure:"presenceTTL"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	FilePath      string `mapstructure:"filePath"`
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	LogHexDump    bool   `mapstructure:"logHexDump"`
	EnableConsole bool   `mapstructure:"enableConsole"`
}

// 全局配置实例
var GlobalConfig = Default()

// Default 返回内置默认配置
func Default() Config {
	return Config{
		TCPServer: TCPServerConfig{
			Host:   "0.0.0.0",
			Port:   5190,
			Engine: "zinx",

			KeepAlivePeriodSeconds: 60,
			Zinx: ZinxConfig{
				Name:             "qlink-gateway",
				Version:          "V1.0",
				MaxConn:          3000,
				WorkerPoolSize:   16,
				MaxWorkerTaskLen: 1024,
				MaxPacketSize:    4096,
			},
		},
		HTTPAPIServer: HTTPAPIServerConfig{
			Host:           "127.0.0.1",
			Port:           7780,
			Enabled:        true,
			TimeoutSeconds: 30,
		},
		Link: LinkConfig{
			PingIntervalMs:       2000,
			KeepaliveIntervalMs:  90000,
			KeepaliveEnabled:     true,
			SuspendTimeoutMs:     450000, // 5 * keepalive
			MaxConsecutiveErrors: 20,
			WindowSize:           16,
			MaxPendingBytes:      64 * 1024,
			WriteTimeoutMs:       10000,
		},
		Protocol: ProtocolConfig{
			CRCPolicy:      "strict",
			TunnelPrefixes: []string{"U"},
		},
		Tunnel: TunnelConfig{
			Enabled:            true,
			Address:            "127.0.0.1:1986",
			DialTimeoutSeconds: 5,
		},
		Redis: RedisConfig{
			Address:      "127.0.0.1:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5,
			ReadTimeout:  3,
			WriteTimeout: 3,
			KeyPrefix:    "qlink",
			PresenceTTL:  300,
		},
		Logger: LoggerConfig{
			Level:         "info",
			Format:        "text",
			MaxSizeMB:     100,
			MaxBackups:    10,
			MaxAgeDays:    30,
			EnableConsole: true,
		},
	}
}

// Load 加载配置文件，未出现的字段保留默认值
func Load(configPath string) error {
	cfg, err := Read(configPath)
	if err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// Read 读取配置文件但不修改全局配置
func Read(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides 处理不走viper键名规则的环境变量
func applyEnvOverrides(cfg *Config) {
	if raw, ok := os.LookupEnv(KeepaliveEnvOverride); ok {
		// 只有不区分大小写的"true"为真，其余取值（包括"1"）均为false
		cfg.Link.KeepaliveEnabled = strings.EqualFold(raw, "true")
	}
}

// Validate 校验链路参数
func (c *Config) Validate() error {
	if c.Link.WindowSize <= 0 || c.Link.WindowSize > 64 {
		return fmt.Errorf("invalid link.windowSize: %d", c.Link.WindowSize)
	}
	if c.Link.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("invalid link.maxConsecutiveErrors: %d", c.Link.MaxConsecutiveErrors)
	}
	if c.Link.PingIntervalMs <= 0 || c.Link.KeepaliveIntervalMs <= 0 || c.Link.SuspendTimeoutMs <= 0 {
		return fmt.Errorf("link timer intervals must be positive")
	}
	if c.Link.WriteTimeoutMs < 0 {
		return fmt.Errorf("invalid link.writeTimeoutMs: %d", c.Link.WriteTimeoutMs)
	}
	switch strings.ToLower(c.Protocol.CRCPolicy) {
	case "", "strict", "lenient":
	default:
		return fmt.Errorf("invalid protocol.crcPolicy: %s", c.Protocol.CRCPolicy)
	}
	switch strings.ToLower(c.TCPServer.Engine) {
	case "", "zinx", "native":
	default:
		return fmt.Errorf("invalid tcpServer.engine: %s", c.TCPServer.Engine)
	}
	return nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return &GlobalConfig
}

// FormatTCPAddress 格式化TCP监听地址
func FormatTCPAddress() string {
	cfg := GetConfig().TCPServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// FormatHTTPAddress 格式化HTTP服务器地址为host:port格式
func FormatHTTPAddress() string {
	cfg := GetConfig().HTTPAPIServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
