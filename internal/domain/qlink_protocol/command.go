package qlink_protocol

import (
	"bytes"
	"fmt"

	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
)

// Command 链路层命令
type Command interface {
	// Kind 命令字
	Kind() byte
	// Name 命令名称，仅用于日志和测试
	Name() string
	SendSequence() byte
	RecvSequence() byte
	SetSendSequence(seq byte)
	SetRecvSequence(seq byte)
	// Bytes 编码后的帧体（含CRC，不含帧结束符）
	Bytes() []byte
}

// header 所有命令共有的序号字段
type header struct {
	sendSeq byte
	recvSeq byte
	raw     []byte // 解码时的原始帧体
}

func (h *header) SendSequence() byte { return h.sendSeq }
func (h *header) RecvSequence() byte { return h.recvSeq }
func (h *header) SetSendSequence(seq byte) { h.sendSeq = seq }
func (h *header) SetRecvSequence(seq byte) { h.recvSeq = seq }
func (h *header) Raw() []byte { return h.raw }
func (h *header) encode(cmd byte, payload []byte) []byte {
	body := make([]byte, constants.PayloadPos+len(payload))
	body[constants.FrameStartPos] = constants.FrameStart
	body[constants.SendSequencePos] = h.sendSeq
	body[constants.RecvSequencePos] = h.recvSeq
	body[constants.CommandPos] = cmd
	copy(body[constants.PayloadPos:], payload)
	EncodeCRC(frameCRC(body), body[constants.CRCPos:constants.CRCPos+constants.CRCSize])
	return body
}

// Ping 对端探测，应答为ResetAck
type Ping struct{ header }

func (c *Ping) Kind() byte { return constants.CmdPing }
func (c *Ping) Name() string { return "Ping" }
func (c *Ping) Bytes() []byte { return c.encode(constants.CmdPing, nil) }

// Reset 链路复位，携带客户端版本信息
type Reset struct {
	header
	Version int
	Release int
	// SuperQ 携带额外字节的复位（SuperQ/音乐连接的变体）
	SuperQ bool
}

func (c *Reset) Kind() byte { return constants.CmdReset }
func (c *Reset) Name() string { return "Reset" }
func (c *Reset) Bytes() []byte {
	return c.encode(constants.CmdReset, []byte{byte(c.Version), byte(c.Release)})
}

// ResetAck 复位确认
type ResetAck struct{ header }

func (c *ResetAck) Kind() byte { return constants.CmdResetAck }
func (c *ResetAck) Name() string { return "ResetAck" }
func (c *ResetAck) Bytes() []byte { return c.encode(constants.CmdResetAck, nil) }

// Ack 确认
type Ack struct{ header }

func (c *Ack) Kind() byte { return constants.CmdAck }
func (c *Ack) Name() string { return "Ack" }
func (c *Ack) Bytes() []byte { return c.encode(constants.CmdAck, nil) }

// WindowFull 对端窗口已满，应答为Ack
type WindowFull struct{ header }

func (c *WindowFull) Kind() byte { return constants.CmdWindowFull }
func (c *WindowFull) Name() string { return "WindowFull" }
func (c *WindowFull) Bytes() []byte { return c.encode(constants.CmdWindowFull, nil) }

// SequenceError 序号错误，接收序号指示重传起点
type SequenceError struct{ header }

func (c *SequenceError) Kind() byte { return constants.CmdSequenceError }
func (c *SequenceError) Name() string { return "SequenceError" }
func (c *SequenceError) Bytes() []byte { return c.encode(constants.CmdSequenceError, nil) }

// Action 携带应用数据的命令，占用序号
type Action struct {
	header
	Mnemonic string
	Data     []byte
	tunnel   bool
}

// NewAction 创建Action，数据中不允许出现帧结束符
func NewAction(mnemonic string, data []byte) (*Action, error) {
	if len(mnemonic) != constants.MnemonicSize {
		return nil, errors.New(errors.ErrInvalidParameter, fmt.Sprintf("助记符长度必须为%d: %q", constants.MnemonicSize, mnemonic))
	}
	if bytes.IndexByte([]byte(mnemonic), constants.FrameEnd) >= 0 || bytes.IndexByte(data, constants.FrameEnd) >= 0 {
		return nil, errors.New(errors.ErrInvalidParameter, "Action数据包含帧结束符")
	}
	return &Action{
		Mnemonic: mnemonic,
		Data:     append([]byte(nil), data...),
	}, nil
}

// NewTunnelAction 创建需要转发到下游隧道的Action
func NewTunnelAction(mnemonic string, data []byte) (*Action, error) {
	a, err := NewAction(mnemonic, data)
	if err != nil {
		return nil, err
	}
	a.tunnel = true
	return a, nil
}

func (c *Action) Kind() byte { return constants.CmdAction }
func (c *Action) Name() string { return "Action(" + c.Mnemonic + ")" }

// IsTunnel 是否为隧道转发的Action
func (c *Action) IsTunnel() bool { return c.tunnel }

func (c *Action) Bytes() []byte {
	payload := make([]byte, 0, constants.MnemonicSize+len(c.Data))
	payload = append(payload, c.Mnemonic...)
	payload = append(payload, c.Data...)
	return c.encode(constants.CmdAction, payload)
}

// LostConnection 连接断开时在本地合成的通知，不会出现在线路上
type LostConnection struct{ header }

// NewLostConnection 创建断线通知
func NewLostConnection() *LostConnection { return &LostConnection{} }

func (c *LostConnection) Kind() byte { return constants.CmdAction }
func (c *LostConnection) Name() string { return "LostConnection" }
func (c *LostConnection) Bytes() []byte { return nil }

// IsAction 是否为占用序号的Action
func IsAction(cmd Command) bool {
	_, ok := cmd.(*Action)
	return ok
}

// RawFrame 返回解码时的原始帧体，本地构造的命令返回nil
func RawFrame(cmd Command) []byte {
	if r, ok := cmd.(interface{ Raw() []byte }); ok {
		return r.Raw()
	}
	return nil
}

// KindName 命令字对应的名称
func KindName(kind byte) string {
	switch kind {
	case constants.CmdAction:
		return "Action"
	case constants.CmdPing:
		return "Ping"
	case constants.CmdReset:
		return "Reset"
	case constants.CmdResetAck:
		return "ResetAck"
	case constants.CmdSequenceError:
		return "SequenceError"
	case constants.CmdWindowFull:
		return "WindowFull"
	case constants.CmdAck:
		return "Ack"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", kind)
	}
}
