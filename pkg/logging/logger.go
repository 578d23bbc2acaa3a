// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey      ContextKey = "trace_id"
	DeviceIDKey     ContextKey = "device_id"
	DeploymentIDKey ContextKey = "deployment_id"
	OperationIDKey  ContextKey = "operation_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"-"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output)
}

// NewWithWriter 使用指定 Writer 创建日志器（测试时写入 buffer）
func NewWithWriter(cfg Config, output io.Writer) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// ParseLevel 解析日志级别，未知值回退到 info
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stderr",
		Component: component,
	})
}

// Discard 丢弃所有输出的日志器
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error", Component: "discard"}, io.Discard)
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器，共享同一 handler
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("subcomponent", component)),
		component: component,
	}
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{TraceIDKey, DeviceIDKey, DeploymentIDKey, OperationIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithDeviceID 添加设备 ID
func (l *Logger) WithDeviceID(deviceID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("device_id", deviceID)),
		component: l.component,
	}
}

// WithDeploymentID 添加部署 ID
func (l *Logger) WithDeploymentID(deploymentID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("deployment_id", deploymentID)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// StepLog 设备部署步骤日志
func (l *Logger) StepLog(deviceID, step string, ok bool, err error) {
	attrs := []any{
		slog.String("device_id", deviceID),
		slog.String("step", step),
		slog.Bool("success", ok),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Deploy step failed", attrs...)
		return
	}
	l.Logger.Info("Deploy step", attrs...)
}

// RecoveryLog 恢复策略执行日志
func (l *Logger) RecoveryLog(strategy string, ok bool, elapsed time.Duration, extra ...any) {
	attrs := []any{
		slog.String("strategy", strategy),
		slog.Bool("success", ok),
		slog.Float64("elapsed_ms", float64(elapsed.Milliseconds())),
	}
	attrs = append(attrs, extra...)
	if ok {
		l.Logger.Info("Recovery finished", attrs...)
	} else {
		l.Logger.Error("Recovery failed", attrs...)
	}
}

// DriftLog 配置漂移日志
func (l *Logger) DriftLog(file, severity string, extra ...any) {
	attrs := []any{
		slog.String("file", file),
		slog.String("severity", severity),
	}
	attrs = append(attrs, extra...)
	l.Logger.Warn("Configuration drift", attrs...)
}

// WithValue 向上下文写入追踪键
func WithValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}
