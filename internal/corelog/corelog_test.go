package corelog

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, *os.File) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "corelog-*.log")
	if err != nil {
		t.Fatalf("failed to create temp log file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return New("test-service", f, nil), f
}

func readEntries(t *testing.T, f *os.File) []map[string]any {
	t.Helper()
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("failed to unmarshal log line %q: %v", line, err)
		}
		entries = append(entries, m)
	}
	return entries
}

func TestNew_AssignsCorrelationID(t *testing.T) {
	l, _ := newTestLogger(t)
	if l.CorrelationID() == "" {
		t.Error("expected New to assign a non-empty correlation id")
	}
}

func TestInfo_WritesJSONWithCorrelationID(t *testing.T) {
	l, f := newTestLogger(t)
	l.Info("service started", "port", 8080)

	entries := readEntries(t, f)
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0]["msg"] != "service started" {
		t.Errorf("expected msg field, got %+v", entries[0])
	}
	if entries[0]["correlation_id"] != l.CorrelationID() {
		t.Errorf("expected correlation_id to match logger, got %+v", entries[0])
	}
}

func TestChild_SharesCorrelationButFreshSpan(t *testing.T) {
	l, _ := newTestLogger(t)
	child := l.Child("dispatcher")

	if child.correlationID != l.correlationID {
		t.Error("expected Child to share the parent's correlation id")
	}
	if child.spanID == "" || child.spanID == l.spanID {
		t.Error("expected Child to generate a fresh, non-empty span id")
	}
}

func TestRequest_GeneratesFreshIdentifiers(t *testing.T) {
	l, _ := newTestLogger(t)
	req := l.Request()

	if req.correlationID == l.correlationID {
		t.Error("expected Request to generate a fresh correlation id")
	}
	if req.traceID == "" || req.spanID == "" {
		t.Error("expected Request to populate trace and span ids")
	}
}

func TestWithRequestIDs_FallsBackToFreshCorrelationIDWhenEmpty(t *testing.T) {
	l, _ := newTestLogger(t)
	derived := l.WithRequestIDs("", "trace-abc", "span-def")

	if derived.correlationID == "" {
		t.Error("expected WithRequestIDs to fill in a correlation id when empty")
	}
	if derived.traceID != "trace-abc" || derived.spanID != "span-def" {
		t.Errorf("expected explicit trace/span ids to be preserved, got %+v", derived)
	}
}

func TestWithRequestIDs_PreservesExplicitCorrelationID(t *testing.T) {
	l, _ := newTestLogger(t)
	derived := l.WithRequestIDs("explicit-corr", "trace-abc", "span-def")

	if derived.correlationID != "explicit-corr" {
		t.Errorf("expected explicit correlation id to be preserved, got %q", derived.correlationID)
	}
}

func TestSetLevel_SuppressesLowerLevelLogs(t *testing.T) {
	original := CurrentLevel()
	defer SetLevel(original)

	l, f := newTestLogger(t)
	SetLevel(LevelError)

	l.Info("should be suppressed")
	l.Error("should appear")

	entries := readEntries(t, f)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry past the level filter, got %d", len(entries))
	}
	if entries[0]["msg"] != "should appear" {
		t.Errorf("expected only the error-level entry to be written, got %+v", entries[0])
	}
}

func TestReloadLevelFromEnv_ReadsLogLevelVar(t *testing.T) {
	original := CurrentLevel()
	defer SetLevel(original)

	t.Setenv("LOG_LEVEL", "debug")
	ReloadLevelFromEnv()
	if CurrentLevel() != LevelDebug {
		t.Errorf("expected ReloadLevelFromEnv to pick up LOG_LEVEL=debug, got %v", CurrentLevel())
	}
}
