package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// Server 没有web服务的进程单独暴露/metrics
type Server struct {
	addr string
	srv  *http.Server

	mu  sync.Mutex
	lis net.Listener
}

// NewServer port为0时随机分配端口
func NewServer(port int, m *Metrics) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(m.Handler()))
	return &Server{
		addr: fmt.Sprintf(":%d", port),
		srv:  &http.Server{Handler: r, ReadHeaderTimeout: shutdownTimeout},
	}
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

// Serve 阻塞到ctx结束，之后关闭http服务
func (s *Server) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	logrus.Infof("metrics server listening on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
