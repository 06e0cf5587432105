package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reconloop/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("run", "r1")

	logger.Info("iteration finished", "rate", 0.5)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] iteration finished [run=r1 rate=0.5]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered at info level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	LogStepError(logger, "mapping", "iteration1", time.Second, errors.New("boom"))

	entries, err := os.ReadDir(cfg.Logging.LogDir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "reconloop-") && strings.HasSuffix(e.Name(), ".log") && e.Name() != "reconloop-current.log" {
			data, _ := os.ReadFile(filepath.Join(cfg.Logging.LogDir, e.Name()))
			if strings.Contains(string(data), "step failed") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected step failure in log file, entries=%v", entries)
	}
}
