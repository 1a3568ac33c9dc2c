// Package logging provides the self-contained logger used by the telemetry
// library. It deliberately has no third-party dependencies so that a library
// embedded in arbitrary host processes never forces a logging framework on
// its consumers.
//
// Configuration comes from the environment:
//   - ACCESS_TELEMETRY_LOG_LEVEL: DEBUG, INFO, WARN or ERROR (default INFO)
//   - ACCESS_TELEMETRY_DEBUG: "true" enables debug output regardless of level
//   - ACCESS_TELEMETRY_LOG_FORMAT: "text" or "json" (json is auto-selected
//     when a Kubernetes environment is detected)
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled, optionally structured log lines for one component
// of the library. Error output is rate limited so a down collection endpoint
// cannot flood the host process's logs.
type Logger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.RWMutex

	errorLimiter *RateLimiter
}

// New creates a logger for the named component (e.g. "api", "registry").
func New(component string) *Logger {
	level := os.Getenv("ACCESS_TELEMETRY_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("ACCESS_TELEMETRY_DEBUG") == "true" ||
		strings.EqualFold(level, "DEBUG")

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("ACCESS_TELEMETRY_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		debug:        debug,
		component:    component,
		format:       format,
		output:       os.Stderr,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// Info logs informational messages.
func (l *Logger) Info(msg string, fields map[string]any) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages.
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting.
func (l *Logger) Error(msg string, fields map[string]any) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages when debug mode is enabled.
func (l *Logger) Debug(msg string, fields map[string]any) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *Logger) log(level, msg string, fields map[string]any) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *Logger) logJSON(timestamp, level, msg string, fields map[string]any) {
	entry := map[string]any{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}

	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "component" && k != "message" {
			entry[k] = v
		}
	}

	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(timestamp, level, msg string, fields map[string]any) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Common fields first for readability.
		if service, ok := fields["service"]; ok {
			fieldStr.WriteString(fmt.Sprintf("service=%v ", service))
			delete(fields, "service")
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", err))
			delete(fields, "error")
		}
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [telemetry:%s] %s%s\n",
		timestamp, level, l.component, msg, fieldStr.String())
}

func (l *Logger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetOutput changes the output writer (useful for testing).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
