// internal/utils/logger.go
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARNING
	ERROR
	FATAL
)

// Logger 进程级日志。写到控制台，调用 InitLogger 后同时写入文件。
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	out     io.Writer
	level   LogLevel
	enabled bool
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger 全局日志实例
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{
			out:     os.Stdout,
			level:   INFO,
			enabled: true,
		}
	})
	return globalLogger
}

// InitLogger 追加写入 logFile，目录不存在时创建
func InitLogger(logFile string) error {
	logger := GetLogger()

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	return nil
}

// ParseLevel 配置中的级别名，无法识别时为 INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARNING
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel 最低输出级别
func (l *Logger) SetLogLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput 替换控制台输出
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	l.out = w
}

// Enable 开关日志
func (l *Logger) Enable(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	l.mu.Lock()
	if !l.enabled || level < l.level {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	file, line, funcName := caller(3)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s:%d:%s - %s",
		levelToString(level),
		time.Now().Format("2006-01-02 15:04:05.000"),
		file, line, funcName, message)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')
	logLine := b.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.WriteString(logLine)
	}
	io.WriteString(l.out, logLine)

	if level == FATAL {
		os.Exit(1)
	}
}

func caller(skip int) (string, int, string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???", 0, ""
	}
	funcName := ""
	if fn := runtime.FuncForPC(pc); fn != nil {
		funcName = fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
	}
	if idx := strings.LastIndex(file, "/"); idx >= 0 {
		file = file[idx+1:]
	}
	return file, line, funcName
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// 带字段的日志

func (l *Logger) Debug(message string, fields map[string]interface{}) { l.log(DEBUG, message, fields) }
func (l *Logger) Info(message string, fields map[string]interface{})  { l.log(INFO, message, fields) }
func (l *Logger) Warn(message string, fields map[string]interface{})  { l.log(WARNING, message, fields) }
func (l *Logger) Error(message string, fields map[string]interface{}) { l.log(ERROR, message, fields) }

// Fatal 记录后退出进程
func (l *Logger) Fatal(message string, fields map[string]interface{}) { l.log(FATAL, message, fields) }

// 格式化日志

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARNING, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, fmt.Sprintf(format, args...), nil) }
