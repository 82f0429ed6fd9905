// Package logger provides the process-wide leveled logger used by the master
// and the node agent. It writes to stderr and, when configured, to a rotating file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

const moduleName = "xray-control"

var (
	mu     sync.RWMutex
	logger *logging.Logger
	closer io.Closer
)

// Config controls level and optional file output.
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func init() {
	InitLogger(logging.INFO)
}

// ParseLevel maps a textual level to a go-logging level, defaulting to INFO.
func ParseLevel(s string) logging.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logging.DEBUG
	case "notice":
		return logging.NOTICE
	case "warn", "warning":
		return logging.WARNING
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// InitLogger resets the logger to stderr only at the given level.
func InitLogger(level logging.Level) {
	setup(level, os.Stderr)
}

// Init configures the logger from cfg. It may be called again after the
// configuration has been reloaded.
func Init(cfg Config) {
	level := ParseLevel(cfg.Level)
	writers := []io.Writer{os.Stderr}

	var fileWriter *lumberjack.Logger
	if cfg.File != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		}
		writers = append(writers, fileWriter)
	}

	setup(level, io.MultiWriter(writers...))

	mu.Lock()
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
	if fileWriter != nil {
		closer = fileWriter
	}
	mu.Unlock()
}

func setup(level logging.Level, w io.Writer) {
	format := logging.MustStringFormatter(`%{time:2006/01/02 15:04:05} %{level} - %{message}`)
	backend := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), format)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(level, moduleName)

	l := logging.MustGetLogger(moduleName)
	l.ExtraCalldepth = 1
	l.SetBackend(leveled)

	mu.Lock()
	logger = l
	mu.Unlock()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func get() *logging.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(args ...any)                 { get().Debug(args...) }
func Debugf(format string, args ...any) { get().Debugf(format, args...) }
func Info(args ...any)                  { get().Info(args...) }
func Infof(format string, args ...any)  { get().Infof(format, args...) }
func Notice(args ...any)                { get().Notice(args...) }
func Noticef(format string, args ...any) {
	get().Noticef(format, args...)
}
func Warning(args ...any)                 { get().Warning(args...) }
func Warningf(format string, args ...any) { get().Warningf(format, args...) }
func Error(args ...any)                   { get().Error(args...) }
func Errorf(format string, args ...any)   { get().Errorf(format, args...) }

// CronLogger adapts the package logger to robfig/cron's Logger interface.
type CronLogger struct{}

func (CronLogger) Info(msg string, keysAndValues ...any) {
	Debugf("cron: %s %s", msg, formatKV(keysAndValues))
}

func (CronLogger) Error(err error, msg string, keysAndValues ...any) {
	Errorf("cron: %s: %v %s", msg, err, formatKV(keysAndValues))
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
