package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/bujia-iot/qlink-gateway/pkg/heartbeat"
	"github.com/bujia-iot/qlink-gateway/pkg/metrics"
	"github.com/bujia-iot/qlink-gateway/pkg/network"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State 连接状态
type State int32

const (
	StateActive State = iota
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Transport 连接底层的字节流。zinx路径下只使用Write和Close。
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Tunnel 下游隧道连接
type Tunnel interface {
	// Forward 转发一帧完整的帧体（不含帧结束符）
	Forward(frame []byte) error
	Close() error
}

// TunnelDialer 首次需要转发时创建隧道
type TunnelDialer func(conn *Connection) (Tunnel, error)

// ConnectionInfo 连接信息快照
type ConnectionInfo struct {
	ID           string                 `json:"id"`
	RemoteAddr   string                 `json:"remoteAddr"`
	UserName     string                 `json:"userName"`
	State        string                 `json:"state"`
	Version      int                    `json:"version"`
	Release      int                    `json:"release"`
	SuperQ       bool                   `json:"superQ"`
	TunnelOpen   bool                   `json:"tunnelOpen"`
	ConnectedAt  time.Time              `json:"connectedAt"`
	LastActivity time.Time              `json:"lastActivity"`
	Window       network.WindowSnapshot `json:"window"`
}

// Option 连接选项
type Option func(*Connection)

// WithID 指定连接ID，默认生成UUID
func WithID(id string) Option {
	return func(c *Connection) { c.id = id }
}

// WithRemoteAddr 指定对端地址
func WithRemoteAddr(addr string) Option {
	return func(c *Connection) { c.remoteAddr = addr }
}

// WithUserName 预先绑定用户名
func WithUserName(name string) Option {
	return func(c *Connection) { c.userName = name }
}

// WithFactory 指定帧解码器
func WithFactory(f *qlink_protocol.Factory) Option {
	return func(c *Connection) { c.factory = f }
}

// WithWindowOptions 发送窗口参数
func WithWindowOptions(opts ...network.WindowOption) Option {
	return func(c *Connection) { c.windowOpts = append(c.windowOpts, opts...) }
}

// WithTimerConfig 定时器参数
func WithTimerConfig(cfg heartbeat.TimerConfig) Option {
	return func(c *Connection) { c.timerCfg = cfg }
}

// WithTunnelDialer 下游隧道创建函数
func WithTunnelDialer(d TunnelDialer) Option {
	return func(c *Connection) { c.dialTunnel = d }
}

// WithMaxPendingBytes 接收缓冲区中未完成帧的上限
func WithMaxPendingBytes(n int) Option {
	return func(c *Connection) { c.maxPending = n }
}

// WithWriteTimeout 单次写入超时。对端停止读取时写入在超时后失败并关闭链路，0表示不设置。
// 仅对实现了SetWriteDeadline的传输层生效。
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) { c.writeTimeout = d }
}

// writeDeadliner 支持写超时的传输层（net.Conn等）
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Connection 一条Q-Link链路。
// mutex保护发送窗口、状态、隧道句柄；读循环、Send、Suspend/Resume和定时器回调都经过它。
// 监听器回调和关闭在释放锁之后执行。
type Connection struct {
	id         string
	remoteAddr string
	transport  Transport
	factory    *qlink_protocol.Factory
	frames     *protocol.FrameBuffer
	window     *network.SendWindow
	timers     *heartbeat.TimerManager
	dialTunnel TunnelDialer
	log        *logrus.Entry

	windowOpts []network.WindowOption
	timerCfg   heartbeat.TimerConfig
	maxPending   int
	writeTimeout time.Duration

	mutex        sync.Mutex
	state        State
	closePending bool
	closeReason  string
	tunnel       Tunnel
	userName     string
	version      int
	release      int
	superQ       bool
	connectedAt  time.Time
	lastActivity time.Time

	// feedMutex 保证同一时刻只有一个输入路径在解帧
	feedMutex sync.Mutex

	listenerMutex sync.RWMutex
	listeners     []Listener

	done chan struct{}
}

// NewConnection 创建链路并启动keepalive
func NewConnection(transport Transport, opts ...Option) *Connection {
	c := &Connection{
		transport:   transport,
		timerCfg:    heartbeat.DefaultTimerConfig(),
		state:       StateActive,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.remoteAddr == "" {
		if nc, ok := transport.(net.Conn); ok && nc.RemoteAddr() != nil {
			c.remoteAddr = nc.RemoteAddr().String()
		}
	}
	if c.factory == nil {
		c.factory = qlink_protocol.NewFactory()
	}
	c.lastActivity = c.connectedAt
	c.log = logger.WithFields(logrus.Fields{
		"connID":     c.id,
		"remoteAddr": c.remoteAddr,
	})
	c.frames = protocol.NewFrameBuffer(c.maxPending)
	c.window = network.NewSendWindow(c.windowOpts...)
	c.timers = heartbeat.NewTimerManager(c.timerCfg, c, c.log)

	metrics.ConnectionOpened()
	c.timers.StartKeepalive()
	return c
}

// ID 连接ID
func (c *Connection) ID() string { return c.id }

// RemoteAddr 对端地址
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Done 连接关闭后关闭的通道
func (c *Connection) Done() <-chan struct{} { return c.done }

// State 当前状态
func (c *Connection) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// IsSuspended 是否处于挂起状态
func (c *Connection) IsSuspended() bool {
	return c.State() == StateSuspended
}

// IsClosed 是否已关闭
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// UserName 绑定的用户名
func (c *Connection) UserName() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.userName
}

// SetUserName 绑定用户名并通知监听器
func (c *Connection) SetUserName(name string) {
	c.mutex.Lock()
	old := c.userName
	c.userName = name
	c.mutex.Unlock()

	if old != name {
		c.log.WithFields(logrus.Fields{"old": old, "new": name}).Debug("连接用户名变更")
		c.notifyUserNameChanged(old, name)
	}
}

// Window 发送窗口快照
func (c *Connection) Window() network.WindowSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.window.Snapshot()
}

// Info 连接信息快照
func (c *Connection) Info() ConnectionInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return ConnectionInfo{
		ID:           c.id,
		RemoteAddr:   c.remoteAddr,
		UserName:     c.userName,
		State:        c.state.String(),
		Version:      c.version,
		Release:      c.release,
		SuperQ:       c.superQ,
		TunnelOpen:   c.tunnel != nil,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Window:       c.window.Snapshot(),
	}
}

// Send 发送Action。窗口有空间且未挂起时立即发送，否则排队并启动ping催促对端确认。
func (c *Connection) Send(a *qlink_protocol.Action) error {
	if a == nil {
		return errors.New(errors.ErrInvalidParameter, "action不能为空")
	}

	var err error
	closed := false
	c.locked(func() {
		if c.state == StateClosed {
			closed = true
			return
		}
		if c.window.Enqueue(a) && c.state == StateActive {
			err = c.drainLocked()
		} else {
			c.log.WithField("action", a.Name()).Debug("窗口已满或链路挂起，排队等待")
			c.timers.StartPing()
		}
		metrics.ObserveBacklog(c.window.Queued())
	})

	if closed {
		return errors.New(errors.ErrConnectionClosed, "连接已关闭")
	}
	if err != nil {
		return errors.Wrap(errors.ErrConnectionIO, "发送失败", err)
	}
	return nil
}

// Suspend 挂起链路：停止ping和keepalive，启动看门狗
func (c *Connection) Suspend() {
	c.mutex.Lock()
	defer c.unlock()
	if c.state != StateActive {
		return
	}
	c.timers.StopPing()
	c.timers.StopKeepalive()
	c.state = StateSuspended
	c.timers.StartSuspendWatchdog()
	metrics.ConnectionSuspended(true)
	c.log.Info("链路已挂起")
}

// Resume 恢复链路：停止看门狗，重新启动keepalive并发送积压命令
func (c *Connection) Resume() {
	c.mutex.Lock()
	defer c.unlock()
	if c.state == StateClosed {
		return
	}
	c.timers.StopSuspendWatchdog()
	c.timers.StartKeepalive()
	if c.state == StateSuspended {
		metrics.ConnectionSuspended(false)
		c.log.Info("链路已恢复")
	}
	c.state = StateActive
	_ = c.drainLocked()
}

// Close 关闭链路，可重复调用
func (c *Connection) Close() {
	c.closeWithReason("closed")
}

func (c *Connection) closeWithReason(reason string) {
	c.mutex.Lock()
	if c.state == StateClosed {
		c.mutex.Unlock()
		return
	}
	if c.state == StateSuspended {
		metrics.ConnectionSuspended(false)
	}
	c.state = StateClosed
	if c.closeReason == "" {
		c.closeReason = reason
	}
	reason = c.closeReason
	tunnel := c.tunnel
	c.tunnel = nil
	c.mutex.Unlock()

	c.timers.Shutdown()
	close(c.done)
	c.log.WithField("reason", reason).Info("关闭链路")

	c.notifyAction(qlink_protocol.NewLostConnection())
	c.notifyTerminated()

	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.log.WithError(err).Debug("关闭底层连接失败")
		}
	}
	if tunnel != nil {
		if err := tunnel.Close(); err != nil {
			c.log.WithError(err).Debug("关闭隧道失败")
		}
	}
	metrics.ConnectionClosed(reason)
}

// unlock 释放锁，并执行锁内登记的关闭
func (c *Connection) unlock() {
	pending := c.closePending && c.state != StateClosed
	reason := c.closeReason
	c.mutex.Unlock()
	if pending {
		c.closeWithReason(reason)
	}
}

// locked 持锁执行fn，fn发生panic时锁同样会被释放
func (c *Connection) locked(fn func()) {
	c.mutex.Lock()
	defer c.unlock()
	fn()
}

// requestCloseLocked 登记关闭，释放锁后执行
func (c *Connection) requestCloseLocked(reason string) {
	if !c.closePending {
		c.closePending = true
		c.closeReason = reason
	}
}

// Serve 运行读循环直到连接关闭或ctx取消，返回读错误（正常关闭返回nil）
func (c *Connection) Serve(ctx context.Context) (err error) {
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("读循环发生未处理的panic: %v", r)
			err = errors.New(errors.ErrUnknown, fmt.Sprintf("panic: %v", r))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.closeWithReason("context")
		case <-c.done:
		}
	}()

	c.log.Info("启动链路读循环")
	buf := make([]byte, constants.DefaultReadBufferSize)
	for {
		n, readErr := c.transport.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if readErr != nil {
			if c.IsClosed() || stderrors.Is(readErr, io.EOF) || stderrors.Is(readErr, net.ErrClosed) {
				c.log.WithError(readErr).Debug("链路读循环结束")
				if stderrors.Is(readErr, io.EOF) {
					c.closeWithReason("eof")
				}
				return nil
			}
			c.log.WithError(readErr).Error("链路读取错误")
			metrics.IncrementError(metrics.ErrorTypeIO)
			c.closeWithReason("read_error")
			return errors.Wrap(errors.ErrConnectionIO, "读取失败", readErr)
		}
		if c.IsClosed() {
			return nil
		}
	}
}

// Feed 处理一段原始数据（zinx路由投递的数据块或Serve读到的数据）
func (c *Connection) Feed(chunk []byte) {
	c.feedMutex.Lock()
	defer c.feedMutex.Unlock()

	if c.IsClosed() {
		return
	}
	for _, frame := range c.frames.Append(chunk) {
		c.processFrame(frame)
		if c.IsClosed() {
			return
		}
	}
}

// dispatch 锁外执行的投递
type dispatch struct {
	action *qlink_protocol.Action
}

func (c *Connection) processFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("处理帧时发生panic: %v", r)
		}
	}()

	if logger.HexDumpEnabled() {
		c.log.Debug(protocol.HexTrace("Received packet", frame))
	}

	cmd, err := c.factory.Decode(frame)
	if err != nil {
		metrics.IncrementError(metrics.ErrorTypeCRC)
		c.log.WithError(err).Info("CRC校验失败，发送序号错误")
		c.locked(c.linkErrorLocked)
		return
	}
	if cmd == nil {
		metrics.IncrementError(metrics.ErrorTypeUnknown)
		c.log.WithField("frameLen", len(frame)).Warn("收到未知数据包")
		return
	}

	c.timers.ResetKeepalive()
	metrics.IncrementFrameIn(qlink_protocol.KindName(cmd.Kind()))
	c.log.WithField("command", cmd.Name()).Debug("收到命令")

	var d dispatch
	c.locked(func() {
		if c.state == StateClosed {
			return
		}
		c.lastActivity = time.Now()
		if reset, ok := cmd.(*qlink_protocol.Reset); ok {
			c.handleResetLocked(reset)
		} else {
			d = c.handleCommandLocked(cmd)
		}
	})

	if d.action == nil || c.IsClosed() {
		return
	}
	if d.action.IsTunnel() {
		c.forwardToTunnel(d.action)
		return
	}
	c.notifyAction(d.action)
}

func (c *Connection) handleResetLocked(r *qlink_protocol.Reset) {
	if r.SuperQ {
		c.log.Debug("收到SuperQ/Music连接的特殊RESET")
	}
	c.log.Debug("链路复位，发送RESET确认")
	c.timers.StopPing()
	c.window.Reset()
	if err := c.writeLocked(&qlink_protocol.ResetAck{}); err != nil {
		return
	}
	c.version = r.Version
	c.release = r.Release
	c.superQ = r.SuperQ
}

func (c *Connection) handleCommandLocked(cmd qlink_protocol.Command) dispatch {
	if c.window.ValidateIncoming(cmd) == network.VerdictSequenceError {
		metrics.IncrementError(metrics.ErrorTypeSequence)
		c.log.WithFields(logrus.Fields{
			"expected": fmt.Sprintf("0x%02X", qlink_protocol.IncSeq(c.window.InSequence())),
			"actual":   fmt.Sprintf("0x%02X", cmd.SendSequence()),
		}).Info("序号错误，发送序号错误")
		c.linkErrorLocked()
		return dispatch{}
	}

	freed := c.window.OnValidated(cmd)
	if freed > 0 {
		c.log.WithField("freed", freed).Debug("释放已确认的命令")
	}
	c.timers.StopPing()
	if err := c.drainLocked(); err != nil {
		return dispatch{}
	}

	switch v := cmd.(type) {
	case *qlink_protocol.WindowFull:
		_ = c.writeLocked(&qlink_protocol.Ack{})
	case *qlink_protocol.Ping:
		_ = c.writeLocked(&qlink_protocol.ResetAck{})
	case *qlink_protocol.Action:
		return dispatch{action: v}
	}
	return dispatch{}
}

// linkErrorLocked 序号/CRC错误处理：未达上限回复SequenceError，达到上限关闭且不回复
func (c *Connection) linkErrorLocked() {
	if c.state == StateClosed {
		return
	}
	if c.window.RecordError() {
		metrics.IncrementError(metrics.ErrorTypeDesync)
		c.log.WithField("errors", c.window.ConsecutiveErrors()).Warn("连续错误达到上限，关闭链路")
		c.requestCloseLocked("desync")
		return
	}
	_ = c.writeLocked(&qlink_protocol.SequenceError{})
}

// drainLocked 未挂起时在窗口范围内发送积压命令，积压超过窗口时启动ping
func (c *Connection) drainLocked() error {
	if c.state != StateActive {
		return nil
	}
	backlogged, err := c.window.Drain(c.emitLocked)
	if err != nil {
		return err
	}
	if backlogged {
		c.timers.StartPing()
	}
	return nil
}

// writeLocked 打上序号后写出
func (c *Connection) writeLocked(cmd qlink_protocol.Command) error {
	c.window.Stamp(cmd)
	return c.emitLocked(cmd)
}

// emitLocked 编码并写入底层连接，写失败或写超时时登记关闭
func (c *Connection) emitLocked(cmd qlink_protocol.Command) error {
	if c.closePending {
		return errors.New(errors.ErrConnectionClosed, "连接正在关闭")
	}
	frame := protocol.EncodeFrame(cmd.Bytes())
	if dl, ok := c.transport.(writeDeadliner); ok && c.writeTimeout > 0 {
		if err := dl.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.log.WithError(err).Debug("设置写超时失败")
		}
	}
	if _, err := c.transport.Write(frame); err != nil {
		if c.state != StateClosed {
			c.log.WithError(err).Error("链路写入错误")
			metrics.IncrementError(metrics.ErrorTypeIO)
		}
		c.requestCloseLocked("write_error")
		return err
	}
	metrics.IncrementFrameOut(qlink_protocol.KindName(cmd.Kind()))
	if logger.HexDumpEnabled() {
		c.log.Debug(protocol.HexTrace(fmt.Sprintf("Sending packet data at sequence 0x%02X", cmd.SendSequence()), frame))
	}
	return nil
}

// forwardToTunnel 将隧道Action的原始帧体转发给下游，隧道在首次使用时创建
func (c *Connection) forwardToTunnel(a *qlink_protocol.Action) {
	t, err := c.getTunnel()
	if err != nil {
		metrics.IncrementError(metrics.ErrorTypeTunnel)
		c.log.WithError(err).Error("创建隧道失败，丢弃隧道Action")
		return
	}
	if err := t.Forward(qlink_protocol.RawFrame(a)); err != nil {
		metrics.IncrementError(metrics.ErrorTypeTunnel)
		c.log.WithError(err).Error("隧道转发失败，关闭隧道")
		c.mutex.Lock()
		if c.tunnel == t {
			c.tunnel = nil
		}
		c.mutex.Unlock()
		_ = t.Close()
		return
	}
	metrics.IncrementTunnelFrame("up")
}

func (c *Connection) getTunnel() (Tunnel, error) {
	c.mutex.Lock()
	t := c.tunnel
	dial := c.dialTunnel
	c.mutex.Unlock()
	if t != nil {
		return t, nil
	}
	if dial == nil {
		return nil, errors.New(errors.ErrTunnelUnavailable, "未配置下游隧道")
	}

	t, err := dial(c)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTunnelUnavailable, "连接下游隧道失败", err)
	}

	c.mutex.Lock()
	if c.state == StateClosed {
		c.mutex.Unlock()
		_ = t.Close()
		return nil, errors.New(errors.ErrConnectionClosed, "连接已关闭")
	}
	c.tunnel = t
	c.mutex.Unlock()
	return t, nil
}

// OnPing 定时器回调：发送探测
func (c *Connection) OnPing() {
	c.mutex.Lock()
	defer c.unlock()
	if c.state == StateClosed {
		return
	}
	_ = c.writeLocked(&qlink_protocol.Ping{})
}

// OnKeepaliveTimeout 定时器回调：对端无响应
func (c *Connection) OnKeepaliveTimeout() {
	c.log.Info("keepalive超时，关闭链路")
	c.closeWithReason("keepalive_timeout")
}

// OnSuspendTimeout 定时器回调：挂起超时
func (c *Connection) OnSuspendTimeout() {
	c.log.Info("挂起超时，关闭链路")
	c.closeWithReason("suspend_timeout")
}
