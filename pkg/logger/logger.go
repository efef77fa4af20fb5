package logger

import (
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Options 日志初始化选项
type Options struct {
	Level        string // debug / info / warn / error
	Format       string // text / json
	Colorize     bool   // 是否启用彩色输出
	ReportCaller bool   // 是否输出调用位置
}

var std = charmlog.NewWithOptions(os.Stdout, charmlog.Options{
	ReportTimestamp: true,
})

// Init 初始化全局日志器
func Init(opts Options) error {
	logOpts := charmlog.Options{
		ReportTimestamp: true,
		ReportCaller:    opts.ReportCaller,
		Level:           parseLevel(opts.Level),
	}
	if strings.EqualFold(opts.Format, "json") {
		logOpts.Formatter = charmlog.JSONFormatter
	}

	std = charmlog.NewWithOptions(os.Stdout, logOpts)
	if !opts.Colorize {
		std.SetColorProfile(termenv.Ascii)
	}
	return nil
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Debug 输出调试日志，参数为键值对
func Debug(msg string, args ...interface{}) {
	std.Debug(msg, args...)
}

// Info 输出信息日志
func Info(msg string, args ...interface{}) {
	std.Info(msg, args...)
}

// Warn 输出警告日志
func Warn(msg string, args ...interface{}) {
	std.Warn(msg, args...)
}

// Error 输出错误日志
func Error(msg string, args ...interface{}) {
	std.Error(msg, args...)
}
