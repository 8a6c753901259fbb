package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stratboard/stratboard/internal/config"
)

func TestNew_Stderr(t *testing.T) {
	f, err := New(nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if f.Writer() != os.Stderr {
		t.Error("nil config should log to stderr")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sb.log")
	f, err := New(&config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	f.Logger("api").Printf("listening on %s", ":8080")
	f.Logger("daemon").Println("Starting daemon")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, want := range []string{"[api] ", "listening on :8080", "[daemon] ", "Starting daemon"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
	}
}
