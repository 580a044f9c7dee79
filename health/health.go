package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 消费者进程在健康检查中的服务名
const ServiceName = "orderbus.consumer"

// Server grpc健康检查服务，启动时为NOT_SERVING
type Server struct {
	addr       string
	grpcServer *grpc.Server
	health     *health.Server

	mu  sync.Mutex
	lis net.Listener
}

// New port为0时随机分配端口
func New(port int) *Server {
	s := &Server{
		addr:       fmt.Sprintf(":%d", port),
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// SetServing 订阅全部建立后调用
func (s *Server) SetServing() {
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	logrus.Infof("health status: SERVING")
}

// SetNotServing 开始停止时调用
func (s *Server) SetNotServing() {
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	logrus.Infof("health status: NOT_SERVING")
}

// Listen 监听端口，返回实际地址
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr(), nil
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}
	s.lis = lis
	return lis.Addr(), nil
}

// Serve 阻塞到ctx结束，之后优雅停止
func (s *Server) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	logrus.Infof("health server listening on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(s.lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	}
}
