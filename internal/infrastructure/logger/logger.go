package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bujia-iot/qlink-gateway/internal/infrastructure/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TimeFormatDefault 日志时间格式
const TimeFormatDefault = "2006-01-02 15:04:05"

// 全局日志实例
var (
	log        = logrus.New()
	logHexDump bool
)

// Init 初始化日志系统
func Init(cfg *config.LoggerConfig) error {
	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %s, %w", cfg.Level, err)
	}
	log.SetLevel(level)
	logHexDump = cfg.LogHexDump

	// 设置日志格式
	if strings.ToLower(cfg.Format) == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: TimeFormatDefault,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: TimeFormatDefault,
			FullTimestamp:   true,
		})
	}

	var writers []io.Writer
	if cfg.EnableConsole {
		writers = append(writers, os.Stdout)
	}

	// 文件输出使用lumberjack按大小轮转
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
			Compress:   true,
		})
	}

	switch len(writers) {
	case 0:
		// 默认输出到标准输出
		log.SetOutput(os.Stdout)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	return nil
}

// GetLogger 获取全局日志实例
func GetLogger() *logrus.Logger {
	return log
}

// Debug 输出Debug级别日志
func Debug(args ...interface{}) {
	log.Debug(args...)
}

// Debugf 格式化输出Debug级别日志
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Info 输出Info级别日志
func Info(args ...interface{}) {
	log.Info(args...)
}

// Infof 格式化输出Info级别日志
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warn 输出Warn级别日志
func Warn(args ...interface{}) {
	log.Warn(args...)
}

// Warnf 格式化输出Warn级别日志
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Error 输出Error级别日志
func Error(args ...interface{}) {
	log.Error(args...)
}

// Errorf 格式化输出Error级别日志
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// WithField 添加字段到日志
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

// WithFields 添加多个字段到日志
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// WithError 附带错误信息
func WithError(err error) *logrus.Entry {
	return log.WithError(err)
}

// IsDebugEnabled 当前是否输出Debug日志
func IsDebugEnabled() bool {
	return log.IsLevelEnabled(logrus.DebugLevel)
}

// HexDumpEnabled 是否需要记录十六进制报文
func HexDumpEnabled() bool {
	return logHexDump && log.IsLevelEnabled(logrus.DebugLevel)
}

// HexDump 记录二进制数据的十六进制表示（仅当logHexDump为true且日志级别为Debug时）
func HexDump(entry *logrus.Entry, message string, data []byte) {
	if !HexDumpEnabled() {
		return
	}
	if entry == nil {
		entry = logrus.NewEntry(log)
	}
	entry.WithField("hex_data", fmt.Sprintf("%X", data)).Debug(message)
}
