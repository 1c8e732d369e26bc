package qlink_protocol

import "github.com/bujia-iot/qlink-gateway/pkg/constants"

// CRC16 计算CRC-16/ARC（反射多项式0xA001，初值0）
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// EncodeCRC 将CRC编码为4个字节，每个字节只携带一个半字节。
// 高半字节与0x01组合、低半字节与0x40组合，保证不会出现帧结束符。
func EncodeCRC(crc uint16, dst []byte) {
	hi := byte(crc >> 8)
	lo := byte(crc)
	dst[0] = (hi & 0xF0) | 0x01
	dst[1] = (hi & 0x0F) | 0x40
	dst[2] = (lo & 0xF0) | 0x01
	dst[3] = (lo & 0x0F) | 0x40
}

// DecodeCRC 从4字节编码中还原CRC
func DecodeCRC(src []byte) uint16 {
	hi := (src[0] & 0xF0) | (src[1] & 0x0F)
	lo := (src[2] & 0xF0) | (src[3] & 0x0F)
	return uint16(hi)<<8 | uint16(lo)
}

// frameCRC 计算帧体校验范围（从发送序号开始到帧尾）
func frameCRC(body []byte) uint16 {
	return CRC16(body[constants.SendSequencePos:])
}

// VerifyCRC 校验帧体CRC，调用方需保证长度不小于MinFrameSize
func VerifyCRC(body []byte) bool {
	return DecodeCRC(body[constants.CRCPos:constants.CRCPos+constants.CRCSize]) == frameCRC(body)
}
