package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reconloop/internal/config"
	"reconloop/internal/engine"
	"reconloop/internal/events"
	"reconloop/internal/storage"
)

func TestRunCommandRecordsHistory(t *testing.T) {
	root, fake := newTestRoot(t)
	images := filepath.Join(t.TempDir(), "imgs")
	touch(t, filepath.Join(images, "frame_00001.png"))
	touch(t, filepath.Join(images, "frame_00002.png"))
	results := filepath.Join(t.TempDir(), "results")

	out, err := execute(t, root, "run", filepath.Join(images, "*.png"), results, "--try-seeds", "2", "--final-refine=false")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "%") {
		t.Fatalf("expected summary table, got %q", out)
	}
	if fake.engine.Layout.Dir != results {
		t.Fatalf("engine wrote to %s, want %s", fake.engine.Layout.Dir, results)
	}
	for _, name := range []string{"poses_final.txt", "summary.txt", "runs.db"} {
		if _, err := os.Stat(filepath.Join(results, name)); err != nil {
			t.Fatalf("expected %s in results: %v", name, err)
		}
	}

	store, err := storage.New(filepath.Join(results, "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	runs, err := store.RecentRuns(5)
	store.Close()
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %v (%v)", runs, err)
	}
	if runs[0].Status != "completed" || runs[0].FinalIteration != "iteration1" {
		t.Fatalf("unexpected run record %+v", runs[0])
	}

	listOut, err := execute(t, root, "history", results)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(listOut, runs[0].ID) || !strings.Contains(listOut, "completed") {
		t.Fatalf("history output missing run: %q", listOut)
	}

	runOut, err := execute(t, root, "history", results, "--run", runs[0].ID)
	if err != nil {
		t.Fatalf("history --run failed: %v", err)
	}
	for _, want := range []string{"iteration0_seed0", "iteration0_seed1", "iteration1", "stopped"} {
		if !strings.Contains(runOut, want) {
			t.Fatalf("history --run output missing %q: %q", want, runOut)
		}
	}
}

func TestRunCommandRejectsEmptyGlob(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := execute(t, root, "run", filepath.Join(t.TempDir(), "*.png"), filepath.Join(t.TempDir(), "out"))
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestRunCommandValidatesArguments(t *testing.T) {
	root, _ := newTestRoot(t)
	if _, err := execute(t, root, "run", "only-images"); err == nil {
		t.Fatalf("expected error for missing results folder")
	}
	if _, err := execute(t, root, "frames", "video.mp4"); err == nil {
		t.Fatalf("expected error for missing frame folder")
	}
}

func TestFramesCommandUsesDecoder(t *testing.T) {
	root, _ := newTestRoot(t)
	tmp := t.TempDir()
	video := filepath.Join(tmp, "walk.mp4")
	touch(t, video)
	root.frameDecoder = func(ctx context.Context, video, dir string) error {
		for i := 1; i <= 6; i++ {
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i)), []byte("png"), 0o644); err != nil {
				return err
			}
		}
		return nil
	}

	out, err := execute(t, root, "frames", video, filepath.Join(tmp, "frames"), "--downsample", "2")
	if err != nil {
		t.Fatalf("frames failed: %v", err)
	}
	if !strings.Contains(out, "Wrote 3 frames") {
		t.Fatalf("unexpected output %q", out)
	}
	for _, name := range []string{"image_2.png", "image_4.png", "image_6.png"} {
		if _, err := os.Stat(filepath.Join(tmp, "frames", name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}

	if _, err := execute(t, root, "frames", video, filepath.Join(tmp, "other"), "--downsample", "0"); err == nil {
		t.Fatalf("expected error for zero downsample")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, bus *events.Bus, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		if store == nil {
			t.Fatalf("expected an opened store")
		}
		return nil
	}
	if _, err := execute(t, root, "serve", t.TempDir(), "--addr", ":9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestHistoryNeedsDatabase(t *testing.T) {
	root, _ := newTestRoot(t)
	_, err := execute(t, root, "history")
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	root.cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "db", "runs.db")
	out, err := execute(t, root, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestToolsCommandUsesChecker(t *testing.T) {
	root, _ := newTestRoot(t)
	root.toolFactory = func(*config.Config) toolChecker {
		return &stubToolChecker{
			status: map[string]engine.ToolStatus{
				"mapping":      {Available: true, Path: "/opt/ace/train"},
				"registration": {Available: false, Error: os.ErrNotExist},
			},
			missing: []string{"registration"},
		}
	}
	out, err := execute(t, root, "tools", "--verbose")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	for _, want := range []string{"✅ mapping", "/opt/ace/train", "❌ registration", "[registration]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("tools output missing %q: %q", want, out)
		}
	}
}

func TestToolStatusRespectsPath(t *testing.T) {
	root, _ := newTestRoot(t)
	root.toolFactory = nil
	bin := t.TempDir()
	createExecutable(t, bin, "train_ace")
	createExecutable(t, bin, "register_mapping")
	createExecutable(t, bin, "ffmpeg")
	t.Setenv("PATH", bin)

	root.cfg.Engines.Mapping = []string{"train_ace"}
	root.cfg.Engines.Registration = []string{"register_mapping"}
	root.cfg.Engines.FFmpeg = "ffmpeg"

	out, err := execute(t, root, "tools")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if !strings.Contains(out, "All required tools available") {
		t.Fatalf("expected all tools available, got %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, "Current configuration") || !strings.Contains(showOut, "iterations_max") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	if _, err := execute(t, root, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	root.cfg.Seeds.ParallelWorkers = 0
	if _, err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected invalid configuration")
	}

	path := filepath.Join(t.TempDir(), "reconloop.yaml")
	if _, err := execute(t, root, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := execute(t, root, "config", "init", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := execute(t, root, "config", "init", path, "--force"); err != nil {
		t.Fatalf("config init --force failed: %v", err)
	}
	loaded, err := config.LoadFile(path)
	if err != nil || loaded.Reconstruction.IterationsMax != config.Default().Reconstruction.IterationsMax {
		t.Fatalf("written config did not load: %v", err)
	}

	versionOut, err := execute(t, root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(versionOut, "Reconloop "+Version) {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

// Test helpers

// fakeEngines remembers the engine built for the latest run.
type fakeEngines struct {
	engine *engine.Fake
}

func newTestRoot(t *testing.T) (*Root, *fakeEngines) {
	t.Helper()

	cfg := config.Default()
	cfg.Seeds.ParallelWorkers = 1
	cfg.Paths.DatabasePath = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fake := &fakeEngines{}

	root := &Root{
		cfg:     cfg,
		cfgPath: filepath.Join(t.TempDir(), "config.yaml"),
		log:     logger,
		engineFactory: func(cfg *config.Config, images string, layout engine.Layout, log *slog.Logger) (engine.Engine, engine.Extras) {
			fake.engine = engine.NewFake(layout.Dir, func(string) float64 { return 0.995 })
			return fake.engine, fake.engine
		},
		toolFactory: func(cfg *config.Config) toolChecker {
			return &stubToolChecker{}
		},
		serveFn: func(ctx context.Context, addr string, store *storage.Store, bus *events.Bus, log *slog.Logger) error {
			return nil
		},
	}
	return root, fake
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	var err error
	out := captureOutput(t, func() {
		err = cmd.Execute()
	})
	return out, err
}

type stubToolChecker struct {
	status  map[string]engine.ToolStatus
	missing []string
}

func (s *stubToolChecker) GetToolStatus() map[string]engine.ToolStatus { return s.status }

func (s *stubToolChecker) Missing() []string { return s.missing }

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	return <-done
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func createExecutable(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
}

func TestRelativeThresholdFlagDescribesImprovement(t *testing.T) {
	root, _ := newTestRoot(t)
	flag := newRunCmd(root).Flags().Lookup("relative-registration-threshold")
	if flag == nil {
		t.Fatalf("relative-registration-threshold flag missing")
	}
	if !strings.Contains(flag.Usage, "improvement over the best rate") {
		t.Fatalf("unexpected usage %q", flag.Usage)
	}
}
