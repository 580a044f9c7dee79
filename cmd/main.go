package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zuozikang/orderbus/cmd/app"
	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/db"
	logs "github.com/zuozikang/orderbus/logurs"
)

func main() {
	appCmd := &cli.App{
		Name:  "orderbus",
		Usage: "订单服务与事件消费者",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "配置文件路径",
				EnvVars: []string{"ORDERBUS_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "启动web服务和定时任务",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Usage: "端口，覆盖配置文件",
					},
				},
				Action: serve,
			},
			{
				Name:   "consume",
				Usage:  "启动事件消费者",
				Action: consume,
			},
			{
				Name:   "migrate",
				Usage:  "同步数据库表结构",
				Action: migrate,
			},
			{
				Name:   "config",
				Usage:  "打印生效的配置",
				Action: dumpConfig,
			},
		},
	}
	if err := appCmd.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// loadConfig 加载并校验配置，同时初始化日志
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	logs.InitLog(cfg.Log.Level)
	return cfg, nil
}

// signalContext 监听ctrl+c和kill命令
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
}

// serve 启动web服务
func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c)
	defer stop()

	producer, cleanup, err := app.InitializeProducer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	producer.OnStopping(func() {
		logrus.Infof("接收到终止信号，开始关闭......")
	})
	return producer.Run(ctx)
}

// consume 启动消费者
func consume(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c)
	defer stop()

	worker, cleanup, err := app.InitializeConsumer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	worker.OnStopping(func() {
		logrus.Infof("接收到终止信号，开始关闭......")
	})
	return worker.Run(ctx)
}

// migrate 建表
func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	gdb, err := db.Open(c.Context, cfg)
	if err != nil {
		return err
	}
	s := db.NewStore(gdb)
	defer func() { _ = s.Close() }()
	if err = db.Migrate(gdb); err != nil {
		return err
	}
	logrus.Infof("migrate finish")
	return nil
}

// dumpConfig 输出合并默认值与环境变量后的配置
func dumpConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	return cfg.Dump(os.Stdout)
}
