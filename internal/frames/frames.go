// Package frames turns a video into a folder of numbered still images.
package frames

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"reconloop/internal/config"
	"reconloop/internal/logging"
)

// DecodeFunc writes every frame of video into dir as frame_%06d.png, 1-indexed.
type DecodeFunc func(ctx context.Context, video, dir string) error

// Options controls which frames are kept and how they are sized.
type Options struct {
	Downsample int     // keep frames whose 1-based index is a multiple of this
	Scale      float64 // output dimensions are divided by this
	FFmpeg     string
	Decode     DecodeFunc // defaults to ffmpeg
}

// Extractor converts videos to image folders.
type Extractor struct {
	opts Options
	log  *slog.Logger
}

// New returns an Extractor. Zero Downsample or Scale fall back to 1.
func New(opts Options, log *slog.Logger) *Extractor {
	if opts.Downsample < 1 {
		opts.Downsample = 1
	}
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{opts: opts, log: log}
	if e.opts.Decode == nil {
		e.opts.Decode = e.ffmpegDecode
	}
	return e
}

// Extract writes the selected frames of video to dir as image_<index>.png
// and returns their paths in frame order.
func (e *Extractor) Extract(ctx context.Context, video, dir string) ([]string, error) {
	if _, err := os.Stat(video); err != nil {
		return nil, fmt.Errorf("video %s: %w", video, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}

	tmp, err := os.MkdirTemp("", "reconloop-frames-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	start := time.Now()
	logging.LogStepStart(e.log, "frames", filepath.Base(video), []string{video, dir})
	if err := e.opts.Decode(ctx, video, tmp); err != nil {
		logging.LogStepError(e.log, "frames", filepath.Base(video), time.Since(start), err)
		return nil, err
	}

	decoded, err := decodedFrames(tmp)
	if err != nil {
		return nil, err
	}

	resize := e.opts.Scale != 1
	if resize {
		imagick.Initialize()
		defer imagick.Terminate()
	}

	var written []string
	for _, idx := range SelectFrames(len(decoded), e.opts.Downsample) {
		src := decoded[idx-1]
		dst := filepath.Join(dir, FrameName(idx))
		if resize {
			err = resizeImage(src, dst, e.opts.Scale)
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			logging.LogStepError(e.log, "frames", filepath.Base(video), time.Since(start), err)
			return written, err
		}
		written = append(written, dst)
	}

	logging.LogStepComplete(e.log, "frames", filepath.Base(video), time.Since(start))
	e.log.Info("frames extracted", "video", video, "decoded", len(decoded), "written", len(written))
	return written, nil
}

// SelectFrames returns the 1-based indices in [1, total] divisible by step.
func SelectFrames(total, step int) []int {
	if step < 1 {
		step = 1
	}
	var out []int
	for idx := step; idx <= total; idx += step {
		out = append(out, idx)
	}
	return out
}

// FrameName is the file name used for frame idx.
func FrameName(idx int) string {
	return fmt.Sprintf("image_%d.png", idx)
}

// ScaledSize divides width and height by scale, truncating.
func ScaledSize(width, height uint, scale float64) (uint, uint) {
	return uint(float64(width) / scale), uint(float64(height) / scale)
}

func (e *Extractor) ffmpegDecode(ctx context.Context, video, dir string) error {
	if _, err := exec.LookPath(e.opts.FFmpeg); err != nil {
		return config.Invalid("engines.ffmpeg", "%s not found in PATH", e.opts.FFmpeg)
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", video, "-vsync", "0", filepath.Join(dir, "frame_%06d.png")}
	e.log.Debug("executing ffmpeg command", "command", e.opts.FFmpeg, "args", args)
	cmd := exec.CommandContext(ctx, e.opts.FFmpeg, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed: %v: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func decodedFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type frame struct {
		index int
		path  string
	}
	var found []frame
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idx, ok := frameIndex(entry.Name())
		if !ok {
			continue
		}
		found = append(found, frame{index: idx, path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	files := make([]string, len(found))
	for i, f := range found {
		files[i] = f.path
	}
	return files, nil
}

// frameIndex parses the number of a frame_<n>.png file.
func frameIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "frame_") || filepath.Ext(name) != ".png" {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".png"))
	if err != nil {
		return 0, false
	}
	return idx, true
}

func resizeImage(src, dst string, scale float64) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("failed to read frame %s: %v", src, err)
	}
	width, height := ScaledSize(mw.GetImageWidth(), mw.GetImageHeight(), scale)
	if width == 0 || height == 0 {
		return fmt.Errorf("scale %g leaves frame %s empty", scale, src)
	}
	if err := mw.ResizeImage(width, height, imagick.FILTER_LANCZOS); err != nil {
		return fmt.Errorf("failed to resize frame %s: %v", src, err)
	}
	return mw.WriteImage(dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
