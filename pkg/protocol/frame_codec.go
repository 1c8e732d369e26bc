package protocol

import (
	"bytes"
	"strings"

	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/sirupsen/logrus"
)

// SplitFrames 按帧结束符切分缓冲区。
// 每个结束符产生一帧（帧内容不含结束符，可能为空），
// consumed 为最后一个结束符之后的位置，调用方需保留剩余数据等待下次读取。
func SplitFrames(buf []byte) (frames [][]byte, consumed int) {
	start := 0
	for {
		idx := bytes.IndexByte(buf[start:], constants.FrameEnd)
		if idx < 0 {
			break
		}
		frames = append(frames, buf[start:start+idx])
		start += idx + 1
	}
	return frames, start
}

// EncodeFrame 在帧体后追加帧结束符
func EncodeFrame(body []byte) []byte {
	out := make([]byte, len(body)+1)
	copy(out, body)
	out[len(body)] = constants.FrameEnd
	return out
}

// HexTrace 生成调试用十六进制输出，格式为 "prefix: AA BB CC "
func HexTrace(prefix string, data []byte) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(prefix) + 2 + len(data)*3)
	sb.WriteString(prefix)
	sb.WriteString(": ")
	for _, b := range data {
		sb.WriteByte(hexDigits[b>>4])
		sb.WriteByte(hexDigits[b&0x0F])
		sb.WriteByte(' ')
	}
	return sb.String()
}

// FrameBuffer 连接级别的接收缓冲区，处理TCP粘包/半包。
// 非并发安全，由所属连接加锁使用。
type FrameBuffer struct {
	buf        []byte
	maxPending int
	dropped    int
}

// NewFrameBuffer 创建接收缓冲区，maxPending<=0 时使用默认上限
func NewFrameBuffer(maxPending int) *FrameBuffer {
	if maxPending <= 0 {
		maxPending = constants.DefaultMaxPendingBytes
	}
	return &FrameBuffer{
		buf:        make([]byte, 0, constants.DefaultReadBufferSize),
		maxPending: maxPending,
	}
}

// Append 追加数据并返回已完整的帧。返回的帧为独立副本。
func (b *FrameBuffer) Append(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	frames, consumed := SplitFrames(b.buf)
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		out = append(out, append([]byte(nil), f...))
	}

	// 压缩缓冲区，保留未完成的帧
	remaining := copy(b.buf, b.buf[consumed:])
	b.buf = b.buf[:remaining]

	if len(b.buf) > b.maxPending {
		logrus.WithFields(logrus.Fields{
			"pending":    len(b.buf),
			"maxPending": b.maxPending,
		}).Warn("未完成的帧超过缓冲上限，丢弃")
		b.dropped++
		b.buf = b.buf[:0]
	}
	return out
}

// Pending 当前缓存的未完成字节数
func (b *FrameBuffer) Pending() int {
	return len(b.buf)
}

// Dropped 因超限被丢弃的次数
func (b *FrameBuffer) Dropped() int {
	return b.dropped
}

// Reset 清空缓冲区
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
}
