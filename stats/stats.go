package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zuozikang/orderbus/model"
)

// DayLayout 营收按天统计的日期格式
const DayLayout = "2006-01-02"

const (
	salesKey     = "sales"
	revenueKey   = "revenue:"
	processedKey = "processed:"
)

// Stats 消费端的销售统计，保存在redis中
type Stats struct {
	client redis.Cmdable
	prefix string
}

// New key统一加上实例名前缀
func New(client redis.Cmdable, instanceName string) *Stats {
	return &Stats{client: client, prefix: instanceName}
}

func (s *Stats) key(k string) string {
	return s.prefix + k
}

// applyScript 去重标记和统计更新在一个脚本里执行，不会出现只写了标记的情况
// KEYS: sales, revenue, [processed]  ARGV: ttl(ms), revenue delta, productID, qty delta...
var applyScript = redis.NewScript(`
if KEYS[3] then
  local ok
  if tonumber(ARGV[1]) > 0 then
    ok = redis.call('SET', KEYS[3], '1', 'NX', 'PX', ARGV[1])
  else
    ok = redis.call('SET', KEYS[3], '1', 'NX')
  end
  if not ok then
    return 0
  end
end
redis.call('INCRBY', KEYS[2], ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RecordOrder 累加商品销量和当天营收
func (s *Stats) RecordOrder(ctx context.Context, evt model.OrderCreatedEvent) error {
	_, err := s.apply(ctx, "", 0, evt.Items, evt.Total, evt.CreatedAt, 1)
	return err
}

// RevertOrder 订单取消后扣回，营收记在下单当天
func (s *Stats) RevertOrder(ctx context.Context, evt model.OrderCancelledEvent) error {
	_, err := s.apply(ctx, "", 0, evt.Items, evt.Total, evt.CreatedAt, -1)
	return err
}

// RecordOrderOnce 同一订阅下同一条消息只累加一次，重复投递返回false
func (s *Stats) RecordOrderOnce(ctx context.Context, subscription, messageID string, ttl time.Duration, evt model.OrderCreatedEvent) (bool, error) {
	return s.apply(ctx, s.processedKey(subscription, messageID), ttl, evt.Items, evt.Total, evt.CreatedAt, 1)
}

// RevertOrderOnce 同RecordOrderOnce，方向相反
func (s *Stats) RevertOrderOnce(ctx context.Context, subscription, messageID string, ttl time.Duration, evt model.OrderCancelledEvent) (bool, error) {
	return s.apply(ctx, s.processedKey(subscription, messageID), ttl, evt.Items, evt.Total, evt.CreatedAt, -1)
}

func (s *Stats) processedKey(subscription, messageID string) string {
	return s.key(processedKey + subscription + ":" + messageID)
}

func (s *Stats) apply(ctx context.Context, mark string, ttl time.Duration, items []model.EventItem, total int64, at time.Time, sign int64) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	keys := []string{s.key(salesKey), s.key(revenueKey + at.Format(DayLayout))}
	if mark != "" {
		keys = append(keys, mark)
	}
	args := make([]interface{}, 0, 2+2*len(items))
	args = append(args, strconv.FormatInt(ttl.Milliseconds(), 10), strconv.FormatInt(sign*total, 10))
	for _, it := range items {
		args = append(args, strconv.FormatUint(it.ProductID, 10), strconv.FormatInt(sign*int64(it.Quantity), 10))
	}

	n, err := applyScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("update sales stats: %w", err)
	}
	return n == 1, nil
}

// ProductSales 商品累计销量
func (s *Stats) ProductSales(ctx context.Context, productID uint64) (int64, error) {
	n, err := s.client.HGet(ctx, s.key(salesKey), strconv.FormatUint(productID, 10)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sales of product %d: %w", productID, err)
	}
	return n, nil
}

// Revenue 某天的营收，单位分
func (s *Stats) Revenue(ctx context.Context, day time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.key(revenueKey+day.Format(DayLayout))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get revenue: %w", err)
	}
	return n, nil
}

// MarkProcessed 第一次处理该消息时返回true，重复投递返回false
func (s *Stats) MarkProcessed(ctx context.Context, subscription, messageID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.processedKey(subscription, messageID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s processed: %w", messageID, err)
	}
	return ok, nil
}
