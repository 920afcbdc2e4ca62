// Package utils provides utilities that are used in all sub-packages of vsproxy.
package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 连接错误或者客户端协议错误之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
//
// LogOutFileName 若不为空, 日志会同时写入该文件, 由 lumberjack 负责切割.
var (
	LogLevel       = DefaultLL
	LogOutFileName string

	LogMaxSizeMB  = 16
	LogMaxBackups = 3

	ZapLogger *zap.Logger
)

func init() {
	ZapLogger = zap.NewNop()
}

// InitLog builds ZapLogger from LogLevel and LogOutFileName. It can be called more than once;
// the latest call wins.
func InitLog(firstMsg string) {
	atomicLevel := zap.NewAtomicLevel()

	//我们的loglevel就是zap的loglevel+1
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.AddSync(os.Stdout), atomicLevel)

	cores := []zapcore.Core{consoleCore}

	if LogOutFileName != "" {
		rotator := &lumberjack.Logger{
			Filename:   LogOutFileName,
			MaxSize:    LogMaxSizeMB,
			MaxBackups: LogMaxBackups,
		}

		jsonConf := zap.NewProductionEncoderConfig()
		jsonConf.EncodeTime = zapcore.ISO8601TimeEncoder

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonConf), zapcore.AddSync(rotator), atomicLevel))
	}

	ZapLogger = zap.New(zapcore.NewTee(cores...))

	if firstMsg != "" {
		ZapLogger.Info(firstMsg)
	}
}

func CanLogLevel(l int, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(zapcore.Level(l-1), msg)
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(l, msg)
}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)
}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)
}

func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)
}

func CanLogFatal(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.FatalLevel, msg)
}

// Debug, Info, Warn, Error 是不带字段的简便写法.
func Debug(msg string) {
	if ce := CanLogDebug(msg); ce != nil {
		ce.Write()
	}
}

func Info(msg string) {
	if ce := CanLogInfo(msg); ce != nil {
		ce.Write()
	}
}

func Warn(msg string) {
	if ce := CanLogWarn(msg); ce != nil {
		ce.Write()
	}
}

func Error(msg string) {
	if ce := CanLogErr(msg); ce != nil {
		ce.Write()
	}
}
