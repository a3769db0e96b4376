// Package logging provides leveled, contextual logging for iomuxd and gangd.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Logger wraps stdlib log with level support and structured key/value context.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	format  string // "text" or "json"
	out     io.Writer
	noColor bool
	mu      *sync.Mutex // shared across derived loggers so output never interleaves
	fields  []any       // flattened key/value pairs carried by With*
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	Sync    bool // reserved for callers that want to force unbuffered output
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger:  log.New(output, "", log.LstdFlags),
		level:   config.Level,
		format:  format,
		out:     output,
		noColor: config.NoColor,
		mu:      &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// With returns a derived logger that prepends the given key/value pairs to
// every subsequent call. Both daemons use this to tag log lines with
// job_id/partition/queue context instead of hand-formatting every Printf.
func (l *Logger) With(kv ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(kv))
	fields = append(fields, l.fields...)
	fields = append(fields, kv...)
	return &Logger{
		logger:  l.logger,
		level:   l.level,
		format:  l.format,
		out:     l.out,
		noColor: l.noColor,
		mu:      l.mu,
		fields:  fields,
	}
}

// WithJob tags the logger with a job identifier.
func (l *Logger) WithJob(jobID string) *Logger { return l.With("job_id", jobID) }

// WithPartition tags the logger with a partition name.
func (l *Logger) WithPartition(name string) *Logger { return l.With("partition", name) }

// WithTask tags the logger with global/local task ids.
func (l *Logger) WithTask(gtaskid, ltaskid uint16) *Logger {
	return l.With("gtaskid", gtaskid, "ltaskid", ltaskid)
}

// WithError tags the logger with an error value.
func (l *Logger) WithError(err error) *Logger { return l.With("error", err) }

// formatArgs converts key-value pairs to a " k=v k=v" string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := make([]any, 0, len(l.fields)+len(args))
	all = append(all, l.fields...)
	all = append(all, args...)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		l.logJSON(level, msg, all)
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(all))
}

func (l *Logger) logJSON(level LogLevel, msg string, kv []any) {
	rec := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": levelName(level),
		"msg":   msg,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			rec[key] = kv[i+1]
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		l.logger.Printf("[ERROR] failed to marshal log record: %v", err)
		return
	}
	fmt.Fprintln(l.out, string(b))
}

func levelName(l LogLevel) string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", msg, args...) }

// Printf-style logging.
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}
func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}
func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility with callers that expect a plain Printf.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
