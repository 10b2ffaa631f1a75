package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{
		UserID:     "user-1",
		SessionID:  "20261019T100000Z",
		Channel:    "http",
		Direction:  Inbound,
		EventType:  "user_message",
		ContentRaw: "I'm \x1b[1mconservative\x1b[0m",
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	line := readLastLine(t, filepath.Join(dir, "user-1", "20261019T100000Z.ndjson"))
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Content != "I'm conservative" {
		t.Fatalf("unexpected Content: %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be set")
	}
	if readLastLine(t, global) != line {
		t.Fatal("expected global transcript to mirror the session line")
	}
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: true, Dir: t.TempDir(), QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Log(Event{UserID: "u", SessionID: "s", ContentRaw: "late"})
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestDisabledReturnsNop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", logger)
	}
}

func TestCleanStripsANSI(t *testing.T) {
	t.Parallel()

	clean := Clean("\x1b[31merror\x1b[0m plain\x07")
	if strings.Contains(clean, "\x1b") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain" {
		t.Fatalf("unexpected cleaned text: %q", clean)
	}
}

func TestSafeNameKeepsFilesInsideDir(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"../etc":  ".._etc",
		"..":      "_..",
		"":        "_",
		"user@ex": "user_ex",
	} {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func readLastLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[len(lines)-1]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
