package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// setupTestLogger sets up a logger with a bytes.Buffer for testing.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

// resetTestLogger resets the logger to default stderr.
func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("bus")

	if logger.GetComponent() != "bus" {
		t.Errorf("Expected component 'bus', got '%s'", logger.GetComponent())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("coordinator")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[coordinator]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	logger := NewLogger("test-component")

	tests := []struct {
		level    Level
		logFunc  func(string, ...any)
		expected string
	}{
		{LevelDebug, logger.Debug, "DEBUG"},
		{LevelInfo, logger.Info, "INFO"},
		{LevelWarn, logger.Warn, "WARN"},
		{LevelError, logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := setupTestLogger()
			defer resetTestLogger()

			if tt.level == LevelDebug {
				SetDebugConfig(true, nil)
				defer SetDebugConfig(false, nil)
			}

			tt.logFunc("test message")

			output := buf.String()
			if !strings.Contains(output, tt.expected) {
				t.Errorf("Expected level '%s' in output, got: %s", tt.expected, output)
			}
		})
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebugConfig(false, nil)

	NewLogger("bus").Debug("hidden")
	Debug(context.Background(), "bus", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebugConfig(true, []string{"bus", " circuit "})
	defer SetDebugConfig(false, nil)

	ctx := WithComponent(context.Background(), "coordinator")
	Debug(ctx, "bus", "routing %s", "validate-input")
	Debug(ctx, "circuit", "state change")
	Debug(ctx, "narrator", "filtered out")

	output := buf.String()
	if !strings.Contains(output, "[coordinator] DEBUG: [bus] routing validate-input") {
		t.Errorf("Expected bus debug line, got: %s", output)
	}
	if !strings.Contains(output, "[circuit] state change") {
		t.Errorf("Expected trimmed circuit domain to be enabled, got: %s", output)
	}
	if strings.Contains(output, "filtered out") {
		t.Errorf("Expected narrator domain to be filtered, got: %s", output)
	}
}

func TestEnvironmentVariableConfiguration(t *testing.T) {
	t.Setenv("DEBUG", "1")
	t.Setenv("DEBUG_DOMAINS", "bus,coordinator")
	initDebugFromEnv()
	defer SetDebugConfig(false, nil)

	if !IsDebugEnabled() {
		t.Error("Expected debug to be enabled via DEBUG=1")
	}
	if !IsDebugEnabledForDomain("bus") || !IsDebugEnabledForDomain("coordinator") {
		t.Error("Expected bus and coordinator domains to be enabled")
	}
	if IsDebugEnabledForDomain("narrator") {
		t.Error("Expected narrator domain to be disabled")
	}
}

func TestDebugFlow(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebugConfig(true, nil)
	defer SetDebugConfig(false, nil)

	DebugFlow(context.Background(), "coordinator", "shopping", "complete", "4 options")

	if !strings.Contains(buf.String(), "Flow shopping: complete - 4 options") {
		t.Errorf("Unexpected flow output: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	original := NewLogger("coordinator")
	sub := original.WithComponent("coordinator/phase3")

	if sub.GetComponent() != "coordinator/phase3" {
		t.Errorf("Expected new component, got '%s'", sub.GetComponent())
	}
	if original.GetComponent() != "coordinator" {
		t.Errorf("Expected original component unchanged, got '%s'", original.GetComponent())
	}
}

func TestMultipleComponents(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	NewLogger("bus").Info("Registered handler")
	NewLogger("shopper").Info("Searching catalog")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[bus]") {
		t.Errorf("Expected first line to contain [bus], got: %s", lines[0])
	}
	if !strings.Contains(lines[1], "[shopper]") {
		t.Errorf("Expected second line to contain [shopper], got: %s", lines[1])
	}
}

func TestTimestampFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	NewLogger("test").Info("timestamp test")

	output := buf.String()
	start := strings.Index(output, "[")
	end := strings.Index(output, "]")
	if start == -1 || end == -1 || end <= start {
		t.Fatalf("Could not find timestamp in output: %s", output)
	}

	timestamp := output[start+1 : end]
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", timestamp); err != nil {
		t.Errorf("Invalid timestamp format '%s': %v", timestamp, err)
	}
}

func TestRecentLogEntries(t *testing.T) {
	_ = setupTestLogger()
	defer resetTestLogger()

	since := time.Now().UTC().Add(-time.Second)
	NewLogger("recent-entries-test").Warn("budget exceeded by %d", 5)

	entries := GetRecentLogEntries("recent-entries-test", since)
	if len(entries) == 0 {
		t.Fatal("Expected buffered entry")
	}
	last := entries[len(entries)-1]
	if last.Level != string(LevelWarn) || last.Message != "budget exceeded by 5" {
		t.Errorf("Unexpected entry: %+v", last)
	}
}

func TestLogBufferBounded(t *testing.T) {
	b := &InMemoryLogBuffer{maxSize: 3}
	for i := 0; i < 5; i++ {
		b.AddLogEntry(&LogEntry{Component: "x", Message: string(rune('a' + i))})
	}
	entries := b.GetLogEntries("", time.Time{})
	if len(entries) != 3 || entries[0].Message != "c" {
		t.Errorf("Expected last three entries, got %+v", entries)
	}
}

func TestErrorHelpers(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	base := errors.New("disk full")
	err := Wrap(base, "open store")
	if !errors.Is(err, base) {
		t.Error("Wrap should preserve the cause")
	}
	if err.Error() != "open store: disk full" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	err = Errorf("load %s: %w", "config.yaml", base)
	if !errors.Is(err, base) {
		t.Error("Errorf should preserve %w cause")
	}
	if !strings.Contains(buf.String(), "load config.yaml: disk full") {
		t.Errorf("Expected logged error, got: %s", buf.String())
	}
}

func TestConversationLogging(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebugConfig(true, nil)
	defer SetDebugConfig(false, nil)

	conv := "3f2c9a1e-7d4b-4b8e-9c51-0a6f1d2e3b4c"
	logger := NewLogger("coordinator").ForConversation(conv)
	logger.Info("Starting orchestration")
	logger.WithComponent("coordinator/shopping").Warn("No options for %s", "Chablis")

	ctx := WithConversation(WithComponent(context.Background(), "shopper"), conv)
	Debug(ctx, "shopper", "Searching catalog")
	NewLogger("coordinator").Info("Unrelated run")

	output := buf.String()
	if !strings.Contains(output, "[coordinator#3f2c9a1e] INFO: Starting orchestration") {
		t.Errorf("Expected conversation tag in output, got: %s", output)
	}

	entries := ConversationLog(conv)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries for the conversation, got %d", len(entries))
	}
	if entries[1].Component != "coordinator/shopping" || entries[2].Component != "shopper" {
		t.Errorf("Unexpected components: %s, %s", entries[1].Component, entries[2].Component)
	}
	if entries[2].Domain != "shopper" {
		t.Errorf("Expected debug domain 'shopper', got %q", entries[2].Domain)
	}
}
