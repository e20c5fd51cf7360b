// Package logx provides component-scoped logging with context-aware debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Logger struct {
	component    string
	conversation string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
}

// InMemoryLogBuffer keeps the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

type (
	ctxKey             struct{}
	conversationCtxKey struct{}
)

//nolint:gochecknoglobals // Process-wide logging configuration
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logWriter     io.Writer // nil means stderr
	logWriterLock sync.Mutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG=1|true and DEBUG_DOMAINS=bus,coordinator.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, domain := range domains {
		if d := strings.TrimSpace(domain); d != "" {
			out[d] = true
		}
	}
	return out
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// SetDebugConfig enables or disables debug logging and sets the domain filter.
func SetDebugConfig(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// AddLogEntry adds a log entry to the in-memory buffer.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of current log entries, optionally filtered by
// component and start time.
func (b *InMemoryLogBuffer) GetLogEntries(component string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if component != "" && !strings.EqualFold(entry.Component, component) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampFormat, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns buffered log entries for component ("" for all).
func GetRecentLogEntries(component string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(component, since)
}

// ConversationLog returns the buffered entries of one orchestration run, across components.
func ConversationLog(conversationID string) []LogEntry {
	logBuffer.mutex.RLock()
	defer logBuffer.mutex.RUnlock()

	var out []LogEntry
	for i := range logBuffer.entries {
		if logBuffer.entries[i].ConversationID == conversationID {
			out = append(out, logBuffer.entries[i])
		}
	}
	return out
}

func write(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	_, _ = fmt.Fprintln(w, line)
}

func emit(component, conversation string, level Level, domain, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	tag := component
	if conversation != "" {
		tag += "#" + shortID(conversation)
	}
	if domain != "" {
		write(fmt.Sprintf("[%s] [%s] %s: [%s] %s", timestamp, tag, level, domain, message))
	} else {
		write(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, tag, level, message))
	}
	logBuffer.AddLogEntry(&LogEntry{
		Timestamp:      timestamp,
		Component:      component,
		Level:          string(level),
		Message:        message,
		Domain:         domain,
		ConversationID: conversation,
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *Logger) log(level Level, format string, args ...any) {
	emit(l.component, l.conversation, level, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) GetComponent() string {
	return l.component
}

// WithComponent returns a logger for a sub-component, e.g. "coordinator/phase3".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, conversation: l.conversation}
}

// ForConversation returns a logger that tags every line with conversationID.
func (l *Logger) ForConversation(conversationID string) *Logger {
	return &Logger{component: l.component, conversation: conversationID}
}

// WithConversation stores the conversation id on ctx for logx.Debug.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationCtxKey{}, conversationID)
}

// WithComponent stores the logging component on ctx for logx.Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "bus", "Routing %s -> %s", from, to)
//	logx.Debug(ctx, "coordinator", "Phase %s complete", phase)
//
// Environment variable control:
//
//	DEBUG=1                              # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=bus            # Enable debug only for the bus
//	DEBUG=1 DEBUG_DOMAINS=bus,circuit    # Enable debug for multiple domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component, conversation := "unknown", ""
	if ctx != nil {
		if c, ok := ctx.Value(ctxKey{}).(string); ok && c != "" {
			component = c
		}
		conversation, _ = ctx.Value(conversationCtxKey{}).(string)
	}
	emit(component, conversation, LevelDebug, domain, fmt.Sprintf(format, args...))
}

// DebugFlow logs workflow step information with context and domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "open store") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
