package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("InvalidLevel", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "sentinel.log")
		log, err := New(Config{
			Level:  "info",
			Format: "console",
			File:   &FileConfig{Enabled: true, Path: path},
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		log.WithComponent("scan").WithScanID("abc").Info("scan finished")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read log file: %v", err)
		}
		line := string(data)
		for _, want := range []string{`"component":"scan"`, `"scan_id":"abc"`, "scan finished"} {
			if !strings.Contains(line, want) {
				t.Errorf("log line %q missing %s", line, want)
			}
		}
	})
}
