package apis

import (
	"time"

	"github.com/bujia-iot/qlink-gateway/pkg/session"
)

// StandardResponse 标准API响应格式
type StandardResponse struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Success bool        `json:"success"`
	Time    int64       `json:"time"`
}

// ErrorResponse 错误响应格式
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Time    int64  `json:"time"`
}

// ConnectionListResponse 链路列表
type ConnectionListResponse struct {
	Connections []session.ConnectionInfo `json:"connections"`
	Total       int                      `json:"total"`
}

// ActionRequest 发送/广播Action的请求体。data为原始字符串，不能包含0x0D。
type ActionRequest struct {
	Mnemonic string `json:"mnemonic" binding:"required,len=2"`
	Data     string `json:"data"`
}

// BroadcastResult 广播结果
type BroadcastResult struct {
	Sent int `json:"sent"`
}

// HealthResponse 健康检查
type HealthResponse struct {
	Status      string                 `json:"status"`
	Connections int                    `json:"connections"`
	Attributes  map[string]interface{} `json:"attributes"`
}

// NewStandardResponse 创建标准响应
func NewStandardResponse(data interface{}, message string, code int) StandardResponse {
	return StandardResponse{
		Code:    code,
		Data:    data,
		Message: message,
		Success: code == 0,
		Time:    time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string, code int) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		Success: false,
		Time:    time.Now().Unix(),
	}
}
