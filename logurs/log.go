package log

import (
	"fmt"
	"path"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// InitLog 初始化日志
func InitLog(level string) {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.DateTime,
		FullTimestamp:   true,
		CallerPrettyfier: func(f *runtime.Frame) (function string, file string) {
			filename := path.Base(f.File)
			return "", fmt.Sprintf("%s:%d", filename, f.Line)
		},
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Warnf("unknown log level %q, fallback to info", level)
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.Infof("log init finish, level: %s", lvl)
}

// CronLogger 适配 cron.Logger
type CronLogger struct {
	entry *logrus.Entry
}

// NewCronLogger 创建定时任务日志
func NewCronLogger() CronLogger {
	return CronLogger{entry: logrus.WithField("component", "cron")}
}

// Info cron 的常规日志降为 debug，避免每次调度都刷屏
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

// Error 错误日志
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
