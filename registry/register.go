package registry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/retry"
)

// LeaseTTL 租约时长，单位秒
const LeaseTTL = 10

// Client 注册用到的etcd接口，*clientv3.Client满足该接口
type Client interface {
	clientv3.KV
	clientv3.Lease
}

// NewClient 连接etcd
func NewClient(cfg config.RegistryConfig) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd failed, err: %w", err)
	}
	return cli, nil
}

// Key 服务注册的key
func Key(service, addr string) string {
	return fmt.Sprintf("/services/%s/%s", service, addr)
}

// Register 注册服务并保持租约，阻塞到ctx结束后撤销租约。
// 租约丢失时重新注册。
func Register(ctx context.Context, cli Client, service, addr string) error {
	if strings.HasPrefix(addr, ":") {
		localIP, err := getLocalIP()
		if err != nil {
			return fmt.Errorf("get local ip failed, err: %w", err)
		}
		addr = localIP + addr
	}
	key := Key(service, addr)

	for {
		leaseID, keepAlive, err := register(ctx, cli, key, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logrus.Infof("service registered: %s at %s", service, addr)

		if !waitLease(ctx, keepAlive) {
			// 服务注销，撤销租约
			revokeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if _, err := cli.Revoke(revokeCtx, leaseID); err != nil {
				logrus.Warnf("revoke lease failed, err: %v", err)
			}
			cancel()
			logrus.Infof("service deregistered: %s at %s", service, addr)
			return nil
		}
		logrus.Warnf("lease of %s lost, registering again", key)
	}
}

// register 创建租约并写入key，失败按退避重试
func register(ctx context.Context, cli Client, key, addr string) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	var (
		leaseID   clientv3.LeaseID
		keepAlive <-chan *clientv3.LeaseKeepAliveResponse
	)
	rc := retry.NewRetryConfig(retry.WithMaxAttempts(5), retry.WithDelay(time.Second), retry.WithMaxDelay(10*time.Second))
	err := retry.Do(ctx, rc, func() error {
		// 创建租约
		lease, err := cli.Grant(ctx, LeaseTTL)
		if err != nil {
			return fmt.Errorf("create lease failed, err: %w", err)
		}
		if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
			return fmt.Errorf("failed to put key-value to etcd: %w", err)
		}
		// 保持租约
		ch, err := cli.KeepAlive(ctx, lease.ID)
		if err != nil {
			return fmt.Errorf("failed to keep alive: %w", err)
		}
		leaseID, keepAlive = lease.ID, ch
		return nil
	}, func(n uint, err error) {
		logrus.Warnf("register attempt %d failed: %v", n+1, err)
	})
	return leaseID, keepAlive, err
}

// waitLease 返回true表示租约丢失，false表示ctx结束
func waitLease(ctx context.Context, keepAlive <-chan *clientv3.LeaseKeepAliveResponse) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case resp, ok := <-keepAlive:
			if !ok {
				return ctx.Err() == nil
			}
			logrus.Debugf("successfully keep alive, lease: %x, ttl: %d", resp.ID, resp.TTL)
		}
	}
}

// 获取本地ip
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no valid local IP found")
}
