// Package tools reports which external decoders are installed.
package tools

import (
	"os/exec"
	"strings"

	"descaleverify/internal/config"
	"descaleverify/internal/framesource"
)

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Tool is one entry of the status report.
type Tool struct {
	Name    string
	Purpose string
	Status  ToolStatus
}

// Manager checks the tools named by the decoder configuration.
type Manager struct {
	cfg *config.Config
}

// NewManager creates a manager for cfg.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// CheckTool verifies that binary exists and reports its version line.
func (m *Manager) CheckTool(binary string, versionArgs ...string) ToolStatus {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	if len(versionArgs) == 0 {
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(path, versionArgs...).CombinedOutput()
	if err != nil {
		// Some tools exit non-zero on -version but still print it.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

func (m *Manager) imagemagick() ToolStatus {
	st := m.CheckTool("magick", "-version")
	if st.Available {
		return st
	}
	return m.CheckTool("convert", "-version")
}

// Status reports every external tool a decoder backend relies on, in a
// stable order.
func (m *Manager) Status() []Tool {
	return []Tool{
		{Name: "ffprobe", Purpose: "stream geometry and frame count", Status: m.CheckTool(m.cfg.Decoder.FFprobePath, "-version")},
		{Name: "ffmpeg", Purpose: "video decoding (ffmpeg backend)", Status: m.CheckTool(m.cfg.Decoder.FFmpegPath, "-version")},
		{Name: "imagemagick", Purpose: "still frames (imagick backend)", Status: m.imagemagick()},
		{Name: "gstreamer", Purpose: "video decoding (gstreamer backend)", Status: m.CheckTool("gst-inspect-1.0", "--version")},
	}
}

// Backends lists the decoder backends compiled into this binary.
func (m *Manager) Backends() []string {
	return framesource.Backends()
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
