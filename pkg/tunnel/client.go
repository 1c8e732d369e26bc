// Package tunnel 下游隧道（Habilink）客户端。
// 首次出现隧道Action时按连接建立，握手发送用户名，之后双向以0x0D分帧：
// 上行转发完整的Q-Link帧体，下行每帧为“助记符+数据”，包装成隧道Action经发送窗口送回客户端。
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/bujia-iot/qlink-gateway/pkg/metrics"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/sirupsen/logrus"
)

// Config 隧道参数
type Config struct {
	Address     string
	DialTimeout time.Duration
}

// ConfigFromSettings 从全局配置生成隧道参数
func ConfigFromSettings(cfg config.TunnelConfig) Config {
	timeout := time.Duration(cfg.DialTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return Config{Address: cfg.Address, DialTimeout: timeout}
}

// Client 一条下游隧道连接
type Client struct {
	conn net.Conn
	link *session.Connection
	user string
	log  *logrus.Entry

	writeMutex sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewDialer 返回供链路使用的隧道创建函数
func NewDialer(cfg Config) session.TunnelDialer {
	return func(link *session.Connection) (session.Tunnel, error) {
		return Dial(cfg, link)
	}
}

// Dial 连接下游服务并发送用户名握手
func Dial(cfg Config, link *session.Connection) (*Client, error) {
	nc, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTunnelUnavailable, "连接下游隧道失败", err)
	}

	user := link.UserName()
	if user == "" {
		user = constants.UnknownUserName
	}

	c := &Client{
		conn:   nc,
		link:   link,
		user:   user,
		closed: make(chan struct{}),
		log: logger.WithFields(logrus.Fields{
			"connID": link.ID(),
			"tunnel": cfg.Address,
			"user":   user,
		}),
	}

	if _, err := nc.Write(protocol.EncodeFrame([]byte(user))); err != nil {
		_ = nc.Close()
		return nil, errors.Wrap(errors.ErrTunnelWriteFailed, "隧道握手失败", err)
	}

	c.log.Info("下游隧道已建立")
	go c.readLoop()
	return c, nil
}

// Forward 上行转发一帧
func (c *Client) Forward(frame []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	select {
	case <-c.closed:
		return errors.New(errors.ErrTunnelUnavailable, "隧道已关闭")
	default:
	}

	if _, err := c.conn.Write(protocol.EncodeFrame(frame)); err != nil {
		return errors.Wrap(errors.ErrTunnelWriteFailed, "隧道写入失败", err)
	}
	return nil
}

// Close 关闭隧道，可重复调用
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.log.Info("下游隧道已关闭")
	})
	return err
}

// readLoop 读取下行数据并送回客户端
func (c *Client) readLoop() {
	defer c.Close()

	frames := protocol.NewFrameBuffer(0)
	buf := make([]byte, constants.DefaultReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			for _, f := range frames.Append(buf[:n]) {
				c.deliver(f)
			}
		}
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.WithError(err).Info("下游隧道读取结束")
			}
			return
		}
	}
}

func (c *Client) deliver(frame []byte) {
	if len(frame) < constants.MnemonicSize {
		c.log.WithField("frameLen", len(frame)).Warn("下游隧道帧过短，丢弃")
		return
	}
	a, err := qlink_protocol.NewTunnelAction(string(frame[:constants.MnemonicSize]), frame[constants.MnemonicSize:])
	if err != nil {
		c.log.WithError(err).Warn("下游隧道帧无效，丢弃")
		return
	}
	if err := c.link.Send(a); err != nil {
		c.log.WithError(err).Debug("下行数据发送失败")
		return
	}
	metrics.IncrementTunnelFrame("down")
}
