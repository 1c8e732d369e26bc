package constants

// Q-Link链路层协议常量定义
// 与现存的客户端实现逐字节兼容，不得随意修改

// ============================================================================
// 帧结构常量
// ============================================================================

const (
	FrameEnd   byte = 0x0D // 帧结束符
	FrameStart byte = 0x5A // 帧起始同步字节 'Z'

	// 帧体各字段位置
	FrameStartPos   = 0 // 同步字节位置
	CRCPos          = 1 // CRC起始位置（4字节半字节编码）
	CRCSize         = 4 // CRC编码长度
	SendSequencePos = 5 // 发送序号位置
	RecvSequencePos = 6 // 接收序号位置
	CommandPos      = 7 // 命令字位置
	PayloadPos      = 8 // 载荷起始位置

	MinFrameSize = PayloadPos // 最小帧体长度：8字节

	// Action载荷结构
	MnemonicSize   = 2                         // 助记符长度
	ActionDataPos  = PayloadPos + MnemonicSize // Action数据起始位置：10
	MinActionFrame = ActionDataPos             // 最小Action帧体长度

	// Reset载荷结构
	ResetVersionPos = PayloadPos     // 客户端版本
	ResetReleasePos = PayloadPos + 1 // 客户端发行号
)

// ============================================================================
// 命令字
// ============================================================================

const (
	CmdAction        byte = 0x20 // 数据命令（占用序号，需要确认）
	CmdPing          byte = 0x22 // 探测
	CmdReset         byte = 0x23 // 链路复位
	CmdResetAck      byte = 0x24 // 复位确认（同时作为探测应答）
	CmdSequenceError byte = 0x25 // 序号错误，请求重传
	CmdWindowFull    byte = 0x26 // 对端窗口已满
	CmdAck           byte = 0x27 // 确认
)

// ============================================================================
// 序号与窗口
// ============================================================================

const (
	SeqDefault byte = 0x7F // 复位后的哨兵值
	SeqLow     byte = 0x10 // 复位后的第一个有效序号

	DefaultWindowSize           = 16 // 未确认Action上限
	DefaultMaxConsecutiveErrors = 20 // 连续错误上限
	DefaultReadBufferSize       = 256
	DefaultMaxPendingBytes      = 64 * 1024
)

// ============================================================================
// 连接属性键（zinx连接属性）
// ============================================================================

const (
	PropKeyLinkConnection = "qlink.connection" // *session.Connection
	PropKeySessionID      = "qlink.sessionID"
	PropKeyConnectedAt    = "qlink.connectedAt"
)

// UnknownUserName 未登录用户的隧道标识
const UnknownUserName = "UNKNOWN"

// MsgIDRawFrame zinx路由的原始数据消息ID
const MsgIDRawFrame uint32 = 1
