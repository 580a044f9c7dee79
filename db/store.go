package db

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/model"
	"github.com/zuozikang/orderbus/retry"
)

// Store 数据库访问入口
type Store struct {
	db       *gorm.DB
	Products *ProductRepository
	Orders   *OrderRepository
}

// NewStore 创建Store
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		Products: NewProductRepository(db),
		Orders:   NewOrderRepository(db),
	}
}

// DB 返回底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction fn返回错误时回滚
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Close 关闭连接池
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormConfig 写操作需要原子性时由调用方显式开启事务
func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	}
}

// Open 初始化数据库连接，连接失败会按退避重试
func Open(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	dsn, err := config.ParseMySQL(cfg.ConnectionStrings.LocalMysql)
	if err != nil {
		return nil, fmt.Errorf("parse mysql connection string: %w", err)
	}

	var gdb *gorm.DB
	rc := retry.NewRetryConfig(retry.WithMaxAttempts(5), retry.WithDelay(time.Second), retry.WithMaxDelay(10*time.Second))
	err = retry.Do(ctx, rc, func() error {
		var openErr error
		gdb, openErr = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,   // string 类型字段的默认长度
			DisableDatetimePrecision:  true,  // 禁用 datetime 精度，MySQL 5.6 之前的数据库不支持
			DontSupportRenameIndex:    true,  // 重命名索引时采用删除并新建的方式，MySQL 5.7 之前的数据库和 MariaDB 不支持重命名索引
			DontSupportRenameColumn:   true,  // 用 `change` 重命名列，MySQL 8 之前的数据库和 MariaDB 不支持重命名列
			SkipInitializeWithVersion: false, // 根据当前 MySQL 版本自动配置
		}), gormConfig())
		return openErr
	}, func(n uint, err error) {
		logrus.Warnf("db connect attempt %d failed: %v", n+1, err)
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	logrus.Info("db connected")
	return gdb, nil
}

// Migrate 自动建表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Product{}, &model.Order{}, &model.OrderItem{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// page 规范化分页参数
func page(p, size int) (offset, limit int) {
	if p < 1 {
		p = 1
	}
	switch {
	case size <= 0:
		size = 20
	case size > 100:
		size = 100
	}
	return (p - 1) * size, size
}
