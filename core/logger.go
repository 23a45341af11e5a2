package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger implementation.
//
// Output format is JSON when running inside Kubernetes (detected via
// KUBERNETES_SERVICE_HOST) and human-readable text locally; both can be
// forced through LoggingConfig.Format. Error logs are rate limited to
// prevent flooding during dependency outages.
type ProductionLogger struct {
	level     logLevel
	format    string
	service   string
	component string
	output    io.Writer
	mu        sync.Mutex

	errorLimiter *logRateLimiter
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) logLevel {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l logLevel) String() string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// NewProductionLogger creates a logger for the given service.
// Configuration priority: explicit config, then environment
// (VIDEOAPI_LOG_LEVEL, VIDEOAPI_LOG_FORMAT), then auto-detection.
func NewProductionLogger(cfg LoggingConfig, service string) *ProductionLogger {
	level := cfg.Level
	if env := os.Getenv("VIDEOAPI_LOG_LEVEL"); env != "" {
		level = env
	}

	format := cfg.Format
	if env := os.Getenv("VIDEOAPI_LOG_FORMAT"); env != "" {
		format = env
	}
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json" // structured logs for aggregation in K8s
		}
	}

	return &ProductionLogger{
		level:        parseLevel(level),
		format:       format,
		service:      service,
		output:       os.Stdout,
		errorLimiter: newLogRateLimiter(time.Second),
	}
}

// WithComponent returns a child logger that stamps every entry with the
// component name. Implements ComponentAwareLogger.
func (l *ProductionLogger) WithComponent(component string) Logger {
	child := &ProductionLogger{
		level:        l.level,
		format:       l.format,
		service:      l.service,
		component:    component,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
	return child
}

// SetOutput redirects log output. Used by tests.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Info logs informational messages
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, msg, fields)
}

// Warn logs warning messages
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, msg, fields)
}

// Error logs error messages with rate limiting
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log(levelError, msg, fields)
}

// Debug logs debug messages (only when debug level is enabled)
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, msg, fields)
}

func (l *ProductionLogger) log(level logLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+5)
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
		entry["level"] = level.String()
		entry["service"] = l.service
		if l.component != "" {
			entry["component"] = l.component
		}
		entry["message"] = msg
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	// Text format: timestamp [LEVEL] [component] message key=value ...
	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	sb.WriteString(" [")
	sb.WriteString(level.String())
	sb.WriteString("]")
	if l.component != "" {
		sb.WriteString(" [")
		sb.WriteString(l.component)
		sb.WriteString("]")
	}
	sb.WriteString(" ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	fmt.Fprintln(l.output, sb.String())
}

// logRateLimiter allows at most one event per interval.
type logRateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newLogRateLimiter(interval time.Duration) *logRateLimiter {
	return &logRateLimiter{interval: interval}
}

func (r *logRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
