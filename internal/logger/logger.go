package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes leveled trading activity logs to a per-day file and optionally
// mirrors them to stderr.
type Logger struct {
	label   string
	logFile *os.File
	logger  *log.Logger
	mu      sync.Mutex
	logDir  string
}

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelStatus  LogLevel = "STATUS"
)

// New creates a logger writing to logs/<label>_<date>.log
func New(label string) (*Logger, error) {
	logDir := "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", label, timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Logger{
		label:   label,
		logFile: file,
		logger:  log.New(io.MultiWriter(file, os.Stderr), "", 0),
		logDir:  logDir,
	}
	l.writeSessionHeader()
	return l, nil
}

// NewDiscard returns a logger that drops everything; used in tests
func NewDiscard() *Logger {
	return &Logger{
		label:  "test",
		logger: log.New(io.Discard, "", 0),
	}
}

func (l *Logger) writeSessionHeader() {
	l.mu.Lock()
	defer l.mu.Unlock()

	header := fmt.Sprintf(`
================================================================================
🚀 RISK-CORE SESSION STARTED
================================================================================
Label: %s
Started: %s
================================================================================
`, l.label, time.Now().Format("2006-01-02 15:04:05"))
	l.logger.Print(header)
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s", timestamp, level, message)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs a trading action
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Status logs cycle status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogError logs an error with context
func (l *Logger) LogError(context string, err error) {
	l.Error("%s: %v", context, err)
}

// LogDesync logs a registry/venue mismatch surfaced by reconciliation
func (l *Logger) LogDesync(ticket int64, detail string) {
	l.Warning("desync ticket=%d: %s", ticket, detail)
}

// Close writes the session footer and closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		footer := fmt.Sprintf(`
================================================================================
🛑 RISK-CORE SESSION ENDED
================================================================================
Ended: %s
================================================================================
`, time.Now().Format("2006-01-02 15:04:05"))
		l.logger.Print(footer)
		return l.logFile.Close()
	}
	return nil
}
