package engine

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"reconloop/internal/config"
)

// ToolStatus represents the availability of an engine program.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// ToolChecker reports which configured programs can be started.
type ToolChecker struct {
	cfg *config.Config
}

// NewToolChecker creates a checker for the configured engines.
func NewToolChecker(cfg *config.Config) *ToolChecker {
	return &ToolChecker{cfg: cfg}
}

// CheckTool verifies that argv[0] resolves to an executable. ffmpeg is asked for its version.
func (tc *ToolChecker) CheckTool(argv []string) ToolStatus {
	if len(argv) == 0 {
		return ToolStatus{Error: fmt.Errorf("no command configured")}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	if !strings.Contains(strings.ToLower(argv[0]), "ffmpeg") {
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(path, "-version").CombinedOutput()
	if err != nil && len(output) == 0 {
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Commands lists the configured programs by role. Optional ones that are unset are left out.
func (tc *ToolChecker) Commands() map[string][]string {
	e := tc.cfg.Engines
	cmds := map[string][]string{
		"mapping":      e.Mapping,
		"registration": e.Registration,
		"ffmpeg":       {e.FFmpeg},
	}
	if len(e.DepthWarmup) > 0 {
		cmds["depth_warmup"] = e.DepthWarmup
	}
	if len(e.PointCloud) > 0 {
		cmds["point_cloud"] = e.PointCloud
	}
	if len(e.FinalSweep) > 0 {
		cmds["final_sweep"] = e.FinalSweep
	}
	return cmds
}

// GetToolStatus checks every configured program.
func (tc *ToolChecker) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for role, argv := range tc.Commands() {
		status[role] = tc.CheckTool(argv)
	}
	return status
}

// Missing returns the roles whose programs are required for the current
// configuration but unavailable, sorted.
func (tc *ToolChecker) Missing() []string {
	required := map[string]bool{"mapping": true, "registration": true}
	if tc.cfg.Visualization.Render {
		required["ffmpeg"] = true
		required["final_sweep"] = true
	}
	if tc.cfg.Export.PointCloud {
		required["point_cloud"] = true
	}
	if len(tc.cfg.Engines.DepthWarmup) > 0 {
		required["depth_warmup"] = true
	}

	status := tc.GetToolStatus()
	var missing []string
	for role := range required {
		if st, ok := status[role]; !ok || !st.Available {
			missing = append(missing, role)
		}
	}
	sort.Strings(missing)
	return missing
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
