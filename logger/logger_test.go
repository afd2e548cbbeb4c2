package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitText(t *testing.T) {
	Reset()
	defer Reset()
	buf := &bytes.Buffer{}
	Init(Config{Level: "info", Format: "text", Output: buf})
	if slog.Default() != Default() {
		t.Error("Init did not install the slog default")
	}

	Default().Info("test message", "key", "value")
	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("expected 'test message' in output, got: %s", buf.String())
	}
}

func TestInitJSON(t *testing.T) {
	Reset()
	defer Reset()
	buf := &bytes.Buffer{}
	Init(Config{Level: "debug", Format: "JSON", Output: buf})

	slog.Debug("json message", "n", 1)
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "json message" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestInitOnlyOnce(t *testing.T) {
	Reset()
	defer Reset()
	buf1 := &bytes.Buffer{}
	buf2 := &bytes.Buffer{}

	Init(Config{Output: buf1})
	Init(Config{Output: buf2})
	Default().Info("only once")

	if buf1.Len() == 0 {
		t.Error("expected buf1 to have output")
	}
	if buf2.Len() != 0 {
		t.Error("expected buf2 to be empty")
	}
}

func TestLevelFiltering(t *testing.T) {
	Reset()
	defer Reset()
	buf := &bytes.Buffer{}
	Init(Config{Level: "warn", Output: buf})

	Default().Info("hidden")
	Default().Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithContext(t *testing.T) {
	Reset()
	defer Reset()
	buf := &bytes.Buffer{}
	Init(Config{Output: buf})

	ctx := SetRequestID(context.Background(), "req-1")
	if GetRequestID(ctx) != "req-1" {
		t.Fatalf("GetRequestID = %q", GetRequestID(ctx))
	}
	WithContext(ctx).Info("handled")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("missing request id: %s", buf.String())
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("empty context should have no request id")
	}
}

func TestOpenFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "arttic.log")
	f, err := OpenFile(p)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.WriteString("line\n")
	f.Close()

	data, err := os.ReadFile(p)
	if err != nil || string(data) != "line\n" {
		t.Errorf("read back %q, %v", data, err)
	}
}
