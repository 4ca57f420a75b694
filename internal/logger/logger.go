package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"gridbot-orchestrator/internal/models"
)

var (
	baseLogger    *zap.Logger
	sugaredLogger *zap.SugaredLogger
)

// InitLogger 初始化zap日志记录器
func InitLogger(cfg models.LogConfig) {
	baseLogger = New(cfg)
	sugaredLogger = baseLogger.Sugar()
}

// New builds a logger from cfg without touching the process-wide one.
func New(cfg models.LogConfig) *zap.Logger {
	// 配置日志级别
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel) // 默认为Info级别
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if (output == "file" || output == "both") && cfg.File != "" {
		// 文件输出使用 JSON, 不带颜色转义
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		lumberjackLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(lumberjackLogger), logLevel))
	}

	// 如果没有有效的core（例如配置错误），则默认输出到控制台
	if output == "console" || output == "both" || len(cores) == 0 {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(consoleConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		// 如果logger未初始化，则提供一个默认的应急logger
		return L().Sugar()
	}
	return sugaredLogger
}

// L 返回全局的结构化 logger, 供各组件通过构造函数注入
func L() *zap.Logger {
	if baseLogger == nil {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	return baseLogger
}

// Sync 刷新缓冲的日志, 进程退出前调用
func Sync() {
	if baseLogger != nil {
		_ = baseLogger.Sync()
	}
}
