package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.Threads != Default().Threads {
		t.Errorf("expected default threads, got %d", cfg.Threads)
	}
}

func TestLoad_DecodesYAML(t *testing.T) {
	path := writeConfigFile(t, "threads: 42\nlog_level: debug\nnats_url: nats://example:4222\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Threads != 42 {
		t.Errorf("expected threads=42, got %d", cfg.Threads)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.NATSURL != "nats://example:4222" {
		t.Errorf("expected nats_url override, got %q", cfg.NATSURL)
	}
	if cfg.BackpressureThreshold != Default().BackpressureThreshold {
		t.Errorf("expected omitted field to keep default, got %d", cfg.BackpressureThreshold)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading a nonexistent config file")
	}
}

func TestOnChange_DeliversInitialConfig(t *testing.T) {
	path := writeConfigFile(t, "threads: 5\n")
	w, err := NewWatcher(path, time.Hour)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ch := w.OnChange("*")
	select {
	case update := <-ch:
		if update.Config.Threads != 5 {
			t.Errorf("expected initial threads=5, got %d", update.Config.Threads)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an initial update on subscribe")
	}
}

func TestStartWatch_ReloadsOnFileChange(t *testing.T) {
	path := writeConfigFile(t, "threads: 5\n")
	w, err := NewWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ch := w.OnChange("*")
	<-ch // drain the initial update

	w.StartWatch()
	defer w.StopWatch()

	time.Sleep(10 * time.Millisecond)
	newModTime := time.Now().Add(time.Second)
	if err := os.WriteFile(path, []byte("threads: 9\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := os.Chtimes(path, newModTime, newModTime); err != nil {
		t.Fatalf("failed to bump mtime: %v", err)
	}

	select {
	case update := <-ch:
		if update.Config.Threads != 9 {
			t.Errorf("expected reloaded threads=9, got %d", update.Config.Threads)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after mtime bump")
	}
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		path, pattern string
		want          bool
	}{
		{"runtime.yaml", "runtime.yaml", true},
		{"runtime.yaml", "*", true},
		{"services.metrics", "services.*", true},
		{"components.udp", "services.*", false},
	}
	for _, c := range cases {
		if got := matchesPattern(c.path, c.pattern); got != c.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", c.path, c.pattern, got, c.want)
		}
	}
}

func TestStopWatch_ClosesSubscriberChannels(t *testing.T) {
	path := writeConfigFile(t, "threads: 5\n")
	w, err := NewWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ch := w.OnChange("*")
	<-ch
	w.StartWatch()
	w.StopWatch()

	_, ok := <-ch
	if ok {
		t.Errorf("expected subscriber channel to be closed after StopWatch")
	}
}

func TestGetValue_FallsBackOnMissingKey(t *testing.T) {
	path := writeConfigFile(t, "threads: 5\n")
	w, err := NewWatcher(path, time.Hour)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	got := GetValue(w, "missing_key", "fallback")
	if got != "fallback" {
		t.Errorf("expected fallback value, got %q", got)
	}
}
