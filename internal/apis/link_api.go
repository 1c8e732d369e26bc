package apis

import (
	"net/http"

	"github.com/bujia-iot/qlink-gateway/internal/domain/qlink_protocol"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/core"
	"github.com/bujia-iot/qlink-gateway/pkg/errors"
	"github.com/bujia-iot/qlink-gateway/pkg/metrics"
	"github.com/bujia-iot/qlink-gateway/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LinkAPI 链路管理接口
type LinkAPI struct {
	registry *core.Registry
}

// NewLinkAPI 创建链路管理接口
func NewLinkAPI(registry *core.Registry) *LinkAPI {
	return &LinkAPI{registry: registry}
}

// GetHealthGin 健康检查
func (api *LinkAPI) GetHealthGin(c *gin.Context) {
	c.JSON(http.StatusOK, NewStandardResponse(HealthResponse{
		Status:      "ok",
		Connections: api.registry.Count(),
		Attributes:  api.registry.Attributes(),
	}, "success", 0))
}

// ListConnectionsGin 链路列表，?user= 按用户名过滤
func (api *LinkAPI) ListConnectionsGin(c *gin.Context) {
	user := core.HandleKey(c.Query("user"))

	list := make([]session.ConnectionInfo, 0)
	for _, conn := range api.registry.List() {
		info := conn.Info()
		if user != "" && core.HandleKey(info.UserName) != user {
			continue
		}
		list = append(list, info)
	}
	c.JSON(http.StatusOK, NewStandardResponse(ConnectionListResponse{
		Connections: list,
		Total:       len(list),
	}, "success", 0))
}

// GetConnectionGin 单条链路详情
func (api *LinkAPI) GetConnectionGin(c *gin.Context) {
	conn, ok := api.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(conn.Info(), "success", 0))
}

// SuspendGin 挂起链路
func (api *LinkAPI) SuspendGin(c *gin.Context) {
	conn, ok := api.lookup(c)
	if !ok {
		return
	}
	conn.Suspend()
	c.JSON(http.StatusOK, NewStandardResponse(conn.Info(), "链路已挂起", 0))
}

// ResumeGin 恢复链路
func (api *LinkAPI) ResumeGin(c *gin.Context) {
	conn, ok := api.lookup(c)
	if !ok {
		return
	}
	conn.Resume()
	c.JSON(http.StatusOK, NewStandardResponse(conn.Info(), "链路已恢复", 0))
}

// KillGin 管理员断开链路
func (api *LinkAPI) KillGin(c *gin.Context) {
	id := c.Param("id")
	if !api.registry.Kill(id) {
		c.JSON(http.StatusNotFound, NewErrorResponse("链路不存在", http.StatusNotFound))
		return
	}
	logger.WithField("connID", id).Info("管理员断开链路")
	c.JSON(http.StatusOK, NewStandardResponse(nil, "链路已断开", 0))
}

// SendGin 向指定链路发送Action
func (api *LinkAPI) SendGin(c *gin.Context) {
	conn, ok := api.lookup(c)
	if !ok {
		return
	}
	action, ok := bindAction(c)
	if !ok {
		return
	}
	if err := conn.Send(action); err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(conn.Window(), "已发送", 0))
}

// SendToUserGin 向在线用户发送Action
func (api *LinkAPI) SendToUserGin(c *gin.Context) {
	action, ok := bindAction(c)
	if !ok {
		return
	}
	if err := api.registry.SendToUser(c.Param("handle"), action); err != nil {
		writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(nil, "已发送", 0))
}

// KillUserGin 按用户名断开
func (api *LinkAPI) KillUserGin(c *gin.Context) {
	handle := c.Param("handle")
	if !api.registry.KillHandle(handle) {
		c.JSON(http.StatusNotFound, NewErrorResponse("用户不在线", http.StatusNotFound))
		return
	}
	logger.WithField("handle", handle).Info("管理员断开用户")
	c.JSON(http.StatusOK, NewStandardResponse(nil, "用户已断开", 0))
}

// BroadcastGin 向所有链路发送Action
func (api *LinkAPI) BroadcastGin(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("参数错误: "+err.Error(), http.StatusBadRequest))
		return
	}
	sent, err := api.registry.Broadcast(req.Mnemonic, []byte(req.Data))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error(), http.StatusBadRequest))
		return
	}
	logger.WithFields(logrus.Fields{"mnemonic": req.Mnemonic, "sent": sent}).Info("广播Action")
	c.JSON(http.StatusOK, NewStandardResponse(BroadcastResult{Sent: sent}, "success", 0))
}

// GetAttributesGin 注册表统计
func (api *LinkAPI) GetAttributesGin(c *gin.Context) {
	c.JSON(http.StatusOK, NewStandardResponse(api.registry.Attributes(), "success", 0))
}

// GetMetricsSummaryGin 指标摘要
func (api *LinkAPI) GetMetricsSummaryGin(c *gin.Context) {
	c.JSON(http.StatusOK, NewStandardResponse(metrics.GetMetricsSummary(), "success", 0))
}

func (api *LinkAPI) lookup(c *gin.Context) (*session.Connection, bool) {
	conn, ok := api.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse("链路不存在", http.StatusNotFound))
		return nil, false
	}
	return conn, true
}

func bindAction(c *gin.Context) (*qlink_protocol.Action, bool) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("参数错误: "+err.Error(), http.StatusBadRequest))
		return nil, false
	}
	action, err := qlink_protocol.NewAction(req.Mnemonic, []byte(req.Data))
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error(), http.StatusBadRequest))
		return nil, false
	}
	return action, true
}

func writeSendError(c *gin.Context, err error) {
	switch {
	case errors.IsErrCode(err, errors.ErrConnectionNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(err.Error(), http.StatusNotFound))
	case errors.IsErrCode(err, errors.ErrConnectionClosed):
		c.JSON(http.StatusConflict, NewErrorResponse(err.Error(), http.StatusConflict))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error(), http.StatusInternalServerError))
	}
}
