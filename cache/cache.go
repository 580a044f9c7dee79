package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/singleflight"
)

// ErrClosed 缓存已关闭
var ErrClosed = errors.New("cache: closed")

// Cache 进程内缓存和分布式缓存的统一接口
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

var loads singleflight.Group

// Remember 先读缓存，未命中时调用load并回写。同一个key的并发加载只执行一次。
// 缓存本身的读写错误只记录日志，不影响返回结果。
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T

	data, ok, err := c.Get(ctx, key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("cache get failed, loading from source")
	}
	if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		logrus.WithField("key", key).Warn("cached value is corrupt, reloading")
	}

	res, err, _ := loads.Do(key, func() (interface{}, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			logrus.WithError(err).WithField("key", key).Warn("encode cache value failed")
			return v, nil
		}
		if err := c.Set(ctx, key, b, ttl); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("cache set failed")
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}
