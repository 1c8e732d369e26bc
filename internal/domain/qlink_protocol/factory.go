package qlink_protocol

import (
	"fmt"
	"strings"

	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CRCPolicy CRC校验策略
type CRCPolicy int

const (
	// CRCStrict 校验失败返回错误
	CRCStrict CRCPolicy = iota
	// CRCLenient 校验失败仅记录日志，继续解码
	CRCLenient
)

// ParseCRCPolicy 解析配置中的CRC策略，空值视为strict
func ParseCRCPolicy(s string) (CRCPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return CRCStrict, nil
	case "lenient":
		return CRCLenient, nil
	default:
		return CRCStrict, fmt.Errorf("未知的CRC策略: %s", s)
	}
}

// Factory 帧体解码器
type Factory struct {
	crcPolicy      CRCPolicy
	tunnelPrefixes []string
}

// FactoryOption 解码器选项
type FactoryOption func(*Factory)

// WithCRCPolicy 设置CRC校验策略
func WithCRCPolicy(p CRCPolicy) FactoryOption {
	return func(f *Factory) { f.crcPolicy = p }
}

// WithTunnelPrefixes 设置需要转发到隧道的助记符前缀
func WithTunnelPrefixes(prefixes ...string) FactoryOption {
	return func(f *Factory) {
		f.tunnelPrefixes = f.tunnelPrefixes[:0]
		for _, p := range prefixes {
			if p != "" {
				f.tunnelPrefixes = append(f.tunnelPrefixes, p)
			}
		}
	}
}

// NewFactory 创建解码器，默认strict策略、隧道前缀"U"
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		crcPolicy:      CRCStrict,
		tunnelPrefixes: []string{"U"},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsTunnelMnemonic 判断助记符是否属于隧道转发
func (f *Factory) IsTunnelMnemonic(mnemonic string) bool {
	for _, p := range f.tunnelPrefixes {
		if strings.HasPrefix(mnemonic, p) {
			return true
		}
	}
	return false
}

// Decode 将帧体（不含帧结束符）解码为命令。
// 无法识别的帧返回 nil, nil；CRC不匹配返回ErrProtocolInvalidChecksum。
func (f *Factory) Decode(frame []byte) (Command, error) {
	if len(frame) < constants.MinFrameSize || frame[constants.FrameStartPos] != constants.FrameStart {
		return nil, nil
	}

	if !VerifyCRC(frame) {
		if f.crcPolicy == CRCStrict {
			return nil, errors.New(errors.ErrProtocolInvalidChecksum,
				fmt.Sprintf("CRC校验失败: 期望=0x%04X, 实际=0x%04X",
					frameCRC(frame), DecodeCRC(frame[constants.CRCPos:constants.CRCPos+constants.CRCSize])))
		}
		logrus.WithField("frameLen", len(frame)).Debug("CRC校验失败，宽松模式下继续解码")
	}

	h := header{
		sendSeq: frame[constants.SendSequencePos],
		recvSeq: frame[constants.RecvSequencePos],
		raw:     append([]byte(nil), frame...),
	}

	switch frame[constants.CommandPos] {
	case constants.CmdAction:
		if len(frame) < constants.MinActionFrame {
			return nil, nil
		}
		mnemonic := string(frame[constants.PayloadPos:constants.ActionDataPos])
		return &Action{
			header:   h,
			Mnemonic: mnemonic,
			Data:     append([]byte(nil), frame[constants.ActionDataPos:]...),
			tunnel:   f.IsTunnelMnemonic(mnemonic),
		}, nil
	case constants.CmdPing:
		return &Ping{header: h}, nil
	case constants.CmdReset:
		r := &Reset{header: h}
		if len(frame) > constants.ResetVersionPos {
			r.Version = int(frame[constants.ResetVersionPos])
		}
		if len(frame) > constants.ResetReleasePos {
			r.Release = int(frame[constants.ResetReleasePos])
		}
		r.SuperQ = len(frame) > constants.ResetReleasePos+1
		return r, nil
	case constants.CmdResetAck:
		return &ResetAck{header: h}, nil
	case constants.CmdSequenceError:
		return &SequenceError{header: h}, nil
	case constants.CmdWindowFull:
		return &WindowFull{header: h}, nil
	case constants.CmdAck:
		return &Ack{header: h}, nil
	default:
		return nil, nil
	}
}
