package ports

import (
	"fmt"
	"io"
	"time"

	"github.com/aceld/zinx/zconf"
	"github.com/aceld/zinx/ziface"
	"github.com/aceld/zinx/znet"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/constants"
	"github.com/bujia-iot/qlink-gateway/pkg/network"
	"github.com/bujia-iot/qlink-gateway/pkg/protocol"
	"github.com/bujia-iot/qlink-gateway/pkg/utils"
	"github.com/sirupsen/logrus"
)

// TCPServer 基于zinx的Q-Link接入服务
type TCPServer struct {
	server  ziface.IServer
	cfg     *config.Config
	builder *LinkBuilder
}

// NewTCPServer 创建zinx接入服务
func NewTCPServer(cfg *config.Config, builder *LinkBuilder) *TCPServer {
	return &TCPServer{cfg: cfg, builder: builder}
}

// Start 初始化并启动服务（非阻塞）
func (s *TCPServer) Start() error {
	if err := s.initialize(); err != nil {
		return err
	}
	s.registerRoutes()
	s.setupConnectionHooks()

	logger.Infof("TCP服务器(zinx)启动在 %s:%d", s.cfg.TCPServer.Host, s.cfg.TCPServer.Port)
	s.server.Start()
	return nil
}

// Stop 停止服务
func (s *TCPServer) Stop() {
	if s.server != nil {
		s.server.Stop()
	}
}

// initialize 初始化服务器配置
func (s *TCPServer) initialize() error {
	utils.SetupZinxLogger()

	zinxCfg := s.cfg.TCPServer.Zinx
	zconf.GlobalObject.Name = zinxCfg.Name
	zconf.GlobalObject.Host = s.cfg.TCPServer.Host
	zconf.GlobalObject.TCPPort = s.cfg.TCPServer.Port
	zconf.GlobalObject.Version = zinxCfg.Version
	zconf.GlobalObject.MaxConn = zinxCfg.MaxConn
	zconf.GlobalObject.MaxPacketSize = zinxCfg.MaxPacketSize
	zconf.GlobalObject.WorkerPoolSize = uint32(zinxCfg.WorkerPoolSize)
	zconf.GlobalObject.MaxWorkerTaskLen = uint32(zinxCfg.MaxWorkerTaskLen)

	s.server = znet.NewUserConfServer(zconf.GlobalObject)
	if s.server == nil {
		return fmt.Errorf("创建Zinx服务器实例失败")
	}

	decoder := protocol.NewRawFrameDecoderFactory().NewDecoder()
	if decoder == nil {
		return fmt.Errorf("创建原始帧解码器失败")
	}
	s.server.SetDecoder(decoder)
	return nil
}

// registerRoutes 原始数据统一路由到链路
func (s *TCPServer) registerRoutes() {
	s.server.AddRouter(constants.MsgIDRawFrame, &linkRouter{})
}

// setupConnectionHooks 连接建立时创建链路，断开时关闭链路
func (s *TCPServer) setupConnectionHooks() {
	hooks := network.NewConnectionHooks(time.Duration(s.cfg.TCPServer.KeepAlivePeriodSeconds) * time.Second)

	hooks.SetOnConnectionEstablishedFunc(func(conn ziface.IConnection) {
		link := s.builder.Build(&zinxTransport{conn: conn}, conn.RemoteAddr().String())
		utils.BindLink(conn, link)
	})

	hooks.SetOnConnectionClosedFunc(func(conn ziface.IConnection) {
		if link, ok := utils.GetLink(conn); ok {
			link.Close()
		}
	})

	s.server.SetOnConnStart(hooks.OnConnStart)
	s.server.SetOnConnStop(hooks.OnConnStop)
}

// zinxTransport 把zinx连接适配为链路的传输层。读由zinx负责，链路只写和关闭。
type zinxTransport struct {
	conn ziface.IConnection
}

func (t *zinxTransport) Read([]byte) (int, error) {
	return 0, io.EOF
}

func (t *zinxTransport) Write(p []byte) (int, error) {
	nc := t.conn.GetConnection()
	if nc == nil {
		return 0, io.ErrClosedPipe
	}
	return nc.Write(p)
}

// SetWriteDeadline 设置底层socket的写超时
func (t *zinxTransport) SetWriteDeadline(deadline time.Time) error {
	nc := t.conn.GetConnection()
	if nc == nil {
		return io.ErrClosedPipe
	}
	return nc.SetWriteDeadline(deadline)
}

func (t *zinxTransport) Close() error {
	t.conn.Stop()
	return nil
}

// linkRouter 把zinx读到的数据块交给链路解帧
type linkRouter struct {
	znet.BaseRouter
}

func (r *linkRouter) Handle(request ziface.IRequest) {
	conn := request.GetConnection()
	link, ok := utils.GetLink(conn)
	if !ok {
		logger.WithFields(logrus.Fields{
			"zinxConnID": conn.GetConnID(),
			"remoteAddr": conn.RemoteAddr().String(),
		}).Warn("连接未绑定链路，丢弃数据")
		return
	}
	link.Feed(request.GetData())
}
