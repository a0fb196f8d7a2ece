package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"ppekiosk/internal/config"
)

// LogFileName is the active log file inside the log directory.
const LogFileName = "kiosk.log"

// Logger provides leveled logging (debug/info/warning/error) to a rotating file and stdout.
type Logger struct {
	entry  *logrus.Entry
	logDir string
	file   *lumberjack.Logger
	mu     *sync.Mutex
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDirectory, LogFileName),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxAge:     7,
		MaxBackups: 7,
		LocalTime:  true,
	}

	l := newLogger(io.MultiWriter(os.Stdout, file), cfg.LogLevel)
	l.logDir = cfg.LogDirectory
	l.file = file
	return l, nil
}

// NewWithWriter creates a Logger that writes only to w. Used by tools and tests.
func NewWithWriter(w io.Writer, level string) *Logger {
	return newLogger(w, level)
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return newLogger(io.Discard, "error")
}

func newLogger(w io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(parseLevel(level))
	base.SetFormatter(&formatter.Formatter{
		NoColors:        true,
		TimestampFormat: "02/01/06|15:04:05.000",
		HideKeys:        true,
		FieldsOrder:     []string{"module"},
	})

	return &Logger{
		entry: logrus.NewEntry(base),
		mu:    &sync.Mutex{},
	}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warning", "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Named returns a child logger tagged with a module name.
func (l *Logger) Named(module string) *Logger {
	return &Logger{
		entry:  l.entry.WithField("module", module),
		logDir: l.logDir,
		file:   l.file,
		mu:     l.mu,
	}
}

// Debug writes a formatted debug-level log entry.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// LogFilePath returns the path of the active log file, or "" when logging only to a writer.
func (l *Logger) LogFilePath() string {
	if l.file == nil {
		return ""
	}
	return l.file.Filename
}

// CleanLogs truncates the active log file.
func (l *Logger) CleanLogs() error {
	if l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	if err := os.Truncate(l.file.Filename, 0); err != nil {
		return fmt.Errorf("failed to truncate log file: %w", err)
	}
	l.Info("Log file has been cleared.")
	return nil
}

// Close flushes and closes the rotating file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
