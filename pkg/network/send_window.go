package network

import (
	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
)

// Verdict 入站命令的序号校验结果
type Verdict int

const (
	VerdictAccept        Verdict = iota // 序号正确
	VerdictSequenceError                // 序号错误，需要请求重传
)

func (v Verdict) String() string {
	if v == VerdictAccept {
		return "accept"
	}
	return "sequence_error"
}

// WindowSnapshot 发送窗口状态快照
type WindowSnapshot struct {
	InSequence        byte `json:"inSequence"`
	OutSequence       byte `json:"outSequence"`
	InFlight          int  `json:"inFlight"`
	Queued            int  `json:"queued"`
	ConsecutiveErrors int  `json:"consecutiveErrors"`
	WindowSize        int  `json:"windowSize"`
}

// SendWindow 序号与发送窗口管理。
// 队列前inFlight个元素已发送未确认，其余为等待窗口空间的积压命令。
// 非并发安全，由所属连接的锁保护。
type SendWindow struct {
	windowSize int
	maxErrors  int
	defaultIn  byte
	defaultOut byte

	inSeq    byte
	outSeq   byte
	errors   int
	inFlight int
	queue    []qlink_protocol.Command
}

// WindowOption 发送窗口选项
type WindowOption func(*SendWindow)

// WithWindowSize 设置窗口大小
func WithWindowSize(size int) WindowOption {
	return func(w *SendWindow) {
		if size > 0 {
			w.windowSize = size
		}
	}
}

// WithMaxErrors 设置连续错误上限
func WithMaxErrors(n int) WindowOption {
	return func(w *SendWindow) {
		if n > 0 {
			w.maxErrors = n
		}
	}
}

// WithDefaultSequences 设置复位后的收发序号
func WithDefaultSequences(in, out byte) WindowOption {
	return func(w *SendWindow) {
		w.defaultIn = in
		w.defaultOut = out
	}
}

// NewSendWindow 创建发送窗口，初始状态等同于一次复位
func NewSendWindow(opts ...WindowOption) *SendWindow {
	w := &SendWindow{
		windowSize: constants.DefaultWindowSize,
		maxErrors:  constants.DefaultMaxConsecutiveErrors,
		defaultIn:  constants.SeqDefault,
		defaultOut: constants.SeqDefault,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.Reset()
	return w
}

// Reset 序号回到默认值，清空队列和错误计数
func (w *SendWindow) Reset() {
	w.inSeq = w.defaultIn
	w.outSeq = w.defaultOut
	for i := range w.queue {
		w.queue[i] = nil
	}
	w.queue = w.queue[:0]
	w.inFlight = 0
	w.errors = 0
}

// ValidateIncoming 校验入站命令序号，只有Action需要校验
func (w *SendWindow) ValidateIncoming(cmd qlink_protocol.Command) Verdict {
	if !qlink_protocol.IsAction(cmd) {
		return VerdictAccept
	}
	if cmd.SendSequence() != qlink_protocol.IncSeq(w.inSeq) {
		return VerdictSequenceError
	}
	return VerdictAccept
}

// OnValidated 接受命令：更新接收序号、清零错误计数并释放已确认的命令。
// 返回释放的命令数。
func (w *SendWindow) OnValidated(cmd qlink_protocol.Command) int {
	w.inSeq = cmd.SendSequence()
	w.errors = 0
	_, resend := cmd.(*qlink_protocol.SequenceError)
	return w.FreeAcknowledged(cmd.RecvSequence(), resend)
}

// FreeAcknowledged 从队首释放被ack覆盖的已发送命令，遇到序号等于ack的命令后停止。
// resend为true时发送序号回到ack，所有未确认命令重新进入待发送状态。
func (w *SendWindow) FreeAcknowledged(ack byte, resend bool) int {
	freed := 0
	if w.inFlight > 0 {
		done := !qlink_protocol.SeqCovered(ack, w.queue[0].SendSequence(), w.windowSize)
		for w.inFlight > 0 && !done {
			head := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.inFlight--
			freed++
			done = head.SendSequence() == ack
		}
	}
	if resend {
		w.outSeq = ack
		w.inFlight = 0
	}
	return freed
}

// Enqueue 追加Action到队尾，返回窗口是否还有空间
func (w *SendWindow) Enqueue(cmd qlink_protocol.Command) bool {
	w.queue = append(w.queue, cmd)
	return w.HasRoom()
}

// HasRoom 窗口是否还有空间
func (w *SendWindow) HasRoom() bool {
	return w.inFlight < w.windowSize
}

// Drain 在窗口允许范围内发送积压命令。
// 返回值backlogged表示队列仍超过窗口大小（需要用ping催促对端确认）。
func (w *SendWindow) Drain(emit func(qlink_protocol.Command) error) (backlogged bool, err error) {
	for w.inFlight < w.windowSize && w.inFlight < len(w.queue) {
		cmd := w.queue[w.inFlight]
		w.Stamp(cmd)
		if err := emit(cmd); err != nil {
			return len(w.queue) > w.windowSize, err
		}
	}
	return len(w.queue) > w.windowSize, nil
}

// Stamp 为命令打上收发序号，Action占用一个发送序号
func (w *SendWindow) Stamp(cmd qlink_protocol.Command) {
	if qlink_protocol.IsAction(cmd) {
		w.inFlight++
		w.outSeq = qlink_protocol.IncSeq(w.outSeq)
	}
	cmd.SetSendSequence(w.outSeq)
	cmd.SetRecvSequence(w.inSeq)
}

// RecordError 记录一次序号/CRC错误，达到上限时返回true
func (w *SendWindow) RecordError() bool {
	w.errors++
	return w.errors >= w.maxErrors
}

// InSequence 最近接受的接收序号
func (w *SendWindow) InSequence() byte { return w.inSeq }

// OutSequence 最近分配的发送序号
func (w *SendWindow) OutSequence() byte { return w.outSeq }

// InFlight 已发送未确认的命令数
func (w *SendWindow) InFlight() int { return w.inFlight }

// Queued 等待窗口空间的命令数
func (w *SendWindow) Queued() int { return len(w.queue) - w.inFlight }

// ConsecutiveErrors 连续错误数
func (w *SendWindow) ConsecutiveErrors() int { return w.errors }

// Snapshot 状态快照
func (w *SendWindow) Snapshot() WindowSnapshot {
	return WindowSnapshot{
		InSequence:        w.inSeq,
		OutSequence:       w.outSeq,
		InFlight:          w.inFlight,
		Queued:            w.Queued(),
		ConsecutiveErrors: w.errors,
		WindowSize:        w.windowSize,
	}
}
