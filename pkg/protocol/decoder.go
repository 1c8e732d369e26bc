package protocol

import (
	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/sirupsen/logrus"
)

// IDecoderFactory 定义了解码器工厂接口
type IDecoderFactory interface {
	// NewDecoder 创建一个解码器
	NewDecoder() ziface.IDecoder
}

// RawFrameDecoderFactory 原始数据解码器工厂
type RawFrameDecoderFactory struct{}

// NewDecoder 创建一个原始数据解码器
func (factory *RawFrameDecoderFactory) NewDecoder() ziface.IDecoder {
	return NewRawFrameDecoder()
}

// NewRawFrameDecoderFactory 创建原始数据解码器工厂
func NewRawFrameDecoderFactory() IDecoderFactory {
	return &RawFrameDecoderFactory{}
}

// RawFrameDecoder 原始数据解码器
// Q-Link以0x0D作为帧结束符，没有长度字段，因此不使用zinx的长度字段解码，
// 读到的原始数据原样交给路由，由连接自己的FrameBuffer处理粘包/半包。
type RawFrameDecoder struct{}

// NewRawFrameDecoder 创建原始数据解码器
func NewRawFrameDecoder() ziface.IDecoder {
	return &RawFrameDecoder{}
}

// GetLengthField 返回nil，zinx按读取到的原始数据块投递
func (d *RawFrameDecoder) GetLengthField() *ziface.LengthField {
	return nil
}

// Intercept 拦截器方法，设置消息ID以路由到链路处理器
func (d *RawFrameDecoder) Intercept(chain ziface.IChain) ziface.IcResp {
	iMessage := chain.GetIMessage()
	if iMessage == nil {
		return chain.ProceedWithIMessage(iMessage, nil)
	}

	// zinx复用读缓冲区，使用工作池时必须复制
	data := append([]byte(nil), iMessage.GetData()...)

	if logger.HexDumpEnabled() {
		logger.WithFields(logrus.Fields{
			"dataLen": len(data),
		}).Debug(HexTrace("RawFrameDecoder", data))
	}

	iMessage.SetMsgID(constants.MsgIDRawFrame)
	iMessage.SetDataLen(uint32(len(data)))
	iMessage.SetData(data)

	return chain.ProceedWithIMessage(iMessage, data)
}
