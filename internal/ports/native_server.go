package ports

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/logger"
	"github.com/bujia-iot/qlink-gateway/pkg/network"
	"github.com/sirupsen/logrus"
)

// NativeServer 标准库net.Listener实现的接入服务，每条连接一个读协程
type NativeServer struct {
	addr            string
	keepAlivePeriod time.Duration
	builder         *LinkBuilder

	mutex    sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewNativeServer 创建接入服务
func NewNativeServer(addr string, keepAlivePeriod time.Duration, builder *LinkBuilder) *NativeServer {
	return &NativeServer{addr: addr, keepAlivePeriod: keepAlivePeriod, builder: builder}
}

// Listen 绑定监听地址
func (s *NativeServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.listener = ln
	s.mutex.Unlock()
	logger.WithField("address", ln.Addr().String()).Info("TCP服务器(native)开始监听")
	return nil
}

// Addr 实际监听地址
func (s *NativeServer) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受连接直到ctx结束或监听关闭
func (s *NativeServer) Serve(ctx context.Context) error {
	s.mutex.Lock()
	ln := s.listener
	s.mutex.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		ln = s.listener
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.WithError(err).Warn("接受连接失败")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		network.TuneTCP(nc, s.keepAlivePeriod)
		link := s.builder.Build(nc, "")
		logger.WithFields(logrus.Fields{
			"connID":     link.ID(),
			"remoteAddr": link.RemoteAddr(),
		}).Info("新连接建立")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := link.Serve(ctx); err != nil {
				logger.WithError(err).WithField("connID", link.ID()).Debug("链路读循环结束")
			}
		}()
	}

	s.wg.Wait()
	return nil
}

// Stop 关闭监听
func (s *NativeServer) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
