package heartbeat

import (
	"sync"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/sirupsen/logrus"
)

// TimerCallback 定时器到期回调，由连接实现。
// 回调在定时器自己的goroutine中执行，不持有管理器的锁。
type TimerCallback interface {
	// OnPing 发送探测
	OnPing()
	// OnKeepaliveTimeout 探测未得到回应，对端无响应
	OnKeepaliveTimeout()
	// OnSuspendTimeout 挂起超时
	OnSuspendTimeout()
}

// TimerConfig 定时器参数
type TimerConfig struct {
	PingInterval      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveEnabled  bool
	SuspendTimeout    time.Duration
}

// DefaultTimerConfig 默认参数：ping 2s，keepalive 90s，挂起超时450s
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		PingInterval:      2 * time.Second,
		KeepaliveInterval: 90 * time.Second,
		KeepaliveEnabled:  true,
		SuspendTimeout:    450 * time.Second,
	}
}

// TimerConfigFromLink 从链路配置生成定时器参数
func TimerConfigFromLink(link config.LinkConfig) TimerConfig {
	cfg := DefaultTimerConfig()
	if link.PingIntervalMs > 0 {
		cfg.PingInterval = link.PingInterval()
	}
	if link.KeepaliveIntervalMs > 0 {
		cfg.KeepaliveInterval = link.KeepaliveInterval()
	}
	if link.SuspendTimeoutMs > 0 {
		cfg.SuspendTimeout = link.SuspendTimeout()
	}
	cfg.KeepaliveEnabled = link.KeepaliveEnabled
	return cfg
}

// periodicTask 固定周期任务
type periodicTask struct {
	stop chan struct{}
	// outstanding 仅keepalive使用：已发出探测尚未收到任何数据
	outstanding bool
}

// TimerManager 管理一个连接的ping、keepalive和挂起看门狗三个定时器
type TimerManager struct {
	mutex    sync.Mutex
	cfg      TimerConfig
	callback TimerCallback
	log      *logrus.Entry

	ping      *periodicTask
	keepalive *periodicTask
	watchdog  *time.Timer
	watchGen  uint64
	closed    bool
}

// NewTimerManager 创建定时器管理器，所有定时器初始为停止状态
func NewTimerManager(cfg TimerConfig, callback TimerCallback, log *logrus.Entry) *TimerManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TimerManager{
		cfg:      cfg,
		callback: callback,
		log:      log,
	}
}

// KeepaliveEnabled keepalive是否启用
func (m *TimerManager) KeepaliveEnabled() bool {
	return m.cfg.KeepaliveEnabled
}

// StartPing 启动ping定时器，已启动时不做任何事
func (m *TimerManager) StartPing() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed || m.ping != nil {
		return
	}
	m.log.Debug("启动PING定时器")
	task := &periodicTask{stop: make(chan struct{})}
	m.ping = task
	go m.run(task, m.cfg.PingInterval, m.firePing)
}

// StopPing 停止ping定时器
func (m *TimerManager) StopPing() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopPingLocked()
}

func (m *TimerManager) stopPingLocked() {
	if m.ping != nil {
		m.log.Debug("停止PING定时器")
		close(m.ping.stop)
		m.ping = nil
	}
}

// PingActive ping定时器是否在运行
func (m *TimerManager) PingActive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ping != nil
}

// StartKeepalive 启动keepalive定时器，未启用时为空操作
func (m *TimerManager) StartKeepalive() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed || !m.cfg.KeepaliveEnabled {
		return
	}
	if m.keepalive != nil {
		m.log.Warn("恢复链路时keepalive定时器已在运行")
		return
	}
	m.log.WithField("interval", m.cfg.KeepaliveInterval).Debug("启动keepalive定时器")
	task := &periodicTask{stop: make(chan struct{})}
	m.keepalive = task
	go m.run(task, m.cfg.KeepaliveInterval, m.fireKeepalive)
}

// StopKeepalive 停止keepalive定时器。
// 启用keepalive却没有运行中的定时器时记录错误，不影响后续流程。
func (m *TimerManager) StopKeepalive() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopKeepaliveLocked()
}

func (m *TimerManager) stopKeepaliveLocked() {
	if m.keepalive != nil {
		close(m.keepalive.stop)
		m.keepalive = nil
	} else if m.cfg.KeepaliveEnabled && !m.closed {
		m.log.Error("挂起链路时keepalive定时器不存在")
	}
}

// ResetKeepalive 收到任意有效数据后清除未回应的探测标记
func (m *TimerManager) ResetKeepalive() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.keepalive != nil {
		m.keepalive.outstanding = false
	}
}

// KeepaliveActive keepalive定时器是否在运行
func (m *TimerManager) KeepaliveActive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.keepalive != nil
}

// StartSuspendWatchdog 启动挂起看门狗（单次），覆盖之前的看门狗
func (m *TimerManager) StartSuspendWatchdog() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	m.stopWatchdogLocked()
	m.watchGen++
	gen := m.watchGen
	m.log.WithField("timeout", m.cfg.SuspendTimeout).Debug("启动挂起看门狗")
	m.watchdog = time.AfterFunc(m.cfg.SuspendTimeout, func() {
		m.mutex.Lock()
		if m.closed || m.watchdog == nil || m.watchGen != gen {
			m.mutex.Unlock()
			return
		}
		m.watchdog = nil
		m.mutex.Unlock()
		m.callback.OnSuspendTimeout()
	})
}

// StopSuspendWatchdog 停止挂起看门狗
func (m *TimerManager) StopSuspendWatchdog() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopWatchdogLocked()
}

func (m *TimerManager) stopWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
		m.watchGen++
	}
}

// WatchdogActive 看门狗是否在运行
func (m *TimerManager) WatchdogActive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.watchdog != nil
}

// Shutdown 停止所有定时器，之后不能再启动
func (m *TimerManager) Shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	m.stopPingLocked()
	if m.keepalive != nil {
		close(m.keepalive.stop)
		m.keepalive = nil
	}
	m.stopWatchdogLocked()
	m.closed = true
}

// run 固定周期执行，直到任务被停止
func (m *TimerManager) run(task *periodicTask, interval time.Duration, fire func(*periodicTask)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-task.stop:
			return
		case <-ticker.C:
			fire(task)
		}
	}
}

func (m *TimerManager) firePing(task *periodicTask) {
	m.mutex.Lock()
	active := m.ping == task && !m.closed
	m.mutex.Unlock()
	if active {
		m.callback.OnPing()
	}
}

// fireKeepalive 第一次到期发送探测并标记，再次到期时探测仍未回应则判定超时
func (m *TimerManager) fireKeepalive(task *periodicTask) {
	m.mutex.Lock()
	if m.keepalive != task || m.closed {
		m.mutex.Unlock()
		return
	}
	timeout := task.outstanding
	task.outstanding = true
	m.mutex.Unlock()

	if timeout {
		m.log.Debug("keepalive探测未得到回应，关闭链路")
		m.callback.OnKeepaliveTimeout()
		return
	}
	m.callback.OnPing()
}
