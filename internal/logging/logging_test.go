package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "debug", Component: "entitlements"}, &buf)

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Info().Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "entitlements" {
		t.Fatalf("component = %v, want entitlements", event["component"])
	}
	if event["message"] != "hello" {
		t.Fatalf("message = %v, want hello", event["message"])
	}
}

func TestInitJSONFormatUsesStderr(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "warn"})

	if w := selectWriter("json"); w != os.Stderr {
		t.Fatalf("expected json writer to be os.Stderr, got %#v", w)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}
}

func TestSelectWriterAutoWithoutTerminal(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })
	isTerminalFn = func(int) bool { return false }

	if w := selectWriter("auto"); w != os.Stderr {
		t.Fatalf("auto without terminal should write JSON to stderr, got %#v", w)
	}

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("auto with terminal should use console writer")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-123  ")
	if id != "req-123" {
		t.Fatalf("id = %q, want trimmed req-123", id)
	}
	if got := RequestID(ctx); got != "req-123" {
		t.Fatalf("RequestID = %q", got)
	}

	//nolint:staticcheck // nil context is handled explicitly
	ctx, generated := WithRequestID(nil, "")
	if generated == "" || RequestID(ctx) != generated {
		t.Fatalf("expected generated request id, got %q", generated)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "info"}, &buf)

	ctx, _ := WithRequestID(context.Background(), "req-9")
	logger := FromContext(ctx)
	logger.Info().Msg("scoped")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "req-9" {
		t.Fatalf("request_id = %v, want req-9", event["request_id"])
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	initWithWriter(Config{Level: "info", Component: "entitlements"}, &buf)

	FromContext(context.Background()).Info().Msg("plain")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("unexpected request_id in %v", event)
	}
	if event["component"] != "entitlements" {
		t.Fatalf("component = %v, want entitlements", event["component"])
	}
}
