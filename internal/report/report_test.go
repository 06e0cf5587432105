package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconloop/internal/posefile"
)

func writeFinal(t *testing.T, dir string, inliers ...float64) string {
	t.Helper()
	recs := make([]posefile.PoseRecord, len(inliers))
	for i, n := range inliers {
		recs[i] = posefile.PoseRecord{ImageID: filepath.Join("rgb", string(rune('a'+i))+".png"), FocalLength: 500, Inliers: n}
		recs[i].Pose.Rotation.Real = 1
	}
	path := filepath.Join(dir, "poses_iteration3.txt")
	require.NoError(t, posefile.Write(path, recs))
	return path
}

func TestBuildAndFormat(t *testing.T) {
	dir := t.TempDir()
	final := writeFinal(t, dir, 4500, 2500, 1200, 600)

	s, err := Build(final, 90*time.Second, 3, "iteration3", nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0.75, 0.5, 0.25}, s.Rates)

	want := "Time (min) | Iterations | Reg. Rate @500 | @1000 | @2000 | @4000\n" +
		"1.5 3 100.0% 75.0% 50.0% 25.0%\n"
	assert.Equal(t, want, Format(s))

	out := filepath.Join(dir, "summary.txt")
	require.NoError(t, WriteSummary(out, s))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}

func TestBuildMissingPoses(t *testing.T) {
	_, err := Build(filepath.Join(t.TempDir(), "poses_iteration9.txt"), 0, 9, "iteration9", nil)
	var missing *posefile.MissingFileError
	assert.ErrorAs(t, err, &missing)
}

func TestCopyFinal(t *testing.T) {
	dir := t.TempDir()
	src := writeFinal(t, dir, 700)
	dst := filepath.Join(dir, "poses_final.txt")

	require.NoError(t, CopyFinal(src, dst))
	want, _ := os.ReadFile(src)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteChart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration_rates.png")
	s := Summary{History: []IterationPoint{
		{Number: 0, IterationID: "iteration0_seed2", Rate: 0.3},
		{Number: 1, IterationID: "iteration1", Rate: 0.7},
		{Number: 2, IterationID: "iteration2", Rate: 0.95},
	}}
	require.NoError(t, WriteChart(path, s, 0.99))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	empty := filepath.Join(t.TempDir(), "none.png")
	require.NoError(t, WriteChart(empty, Summary{}, 0.99))
	_, err = os.Stat(empty)
	assert.True(t, os.IsNotExist(err))
}
