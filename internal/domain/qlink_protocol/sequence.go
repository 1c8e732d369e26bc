package qlink_protocol

import "github.com/bujia-iot/qlink-gateway/pkg/constants"

// IncSeq 计算下一个序号。
// 哨兵值0x7F之后回到0x10，其余按8位有符号整数加一（0x7E -> 0x7F 即哨兵值本身），
// 与现存客户端的计数方式保持一致。
func IncSeq(seq byte) byte {
	if seq == constants.SeqDefault {
		return constants.SeqLow
	}
	return byte(int8(seq) + 1)
}

// SeqCovered 判断确认序号ack是否覆盖队首序号seq。
// 比较按有符号字节进行：ack >= seq，或seq领先ack超过一个窗口（视为绕回）。
func SeqCovered(ack, seq byte, window int) bool {
	a := int(int8(ack))
	s := int(int8(seq))
	return a >= s || s-a > window
}
