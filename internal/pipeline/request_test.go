package pipeline

import (
	"errors"
	"testing"

	"descaleverify/internal/config"
)

func TestRequestJobAppliesOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.OutputDir = "/plots"
	a := 3.0
	job, err := Request{Input: "ep01.mkv", Kernel: "lanczos", ParamA: &a, Interval: 6, Backend: "ffmpeg"}.Job(cfg, JobAnalyze)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Analysis.Kernel != "lanczos" || job.Analysis.ParamA != 3 || job.Analysis.ParamB != 0.5 || job.Analysis.Interval != 6 {
		t.Fatalf("unexpected analysis %+v", job.Analysis)
	}
	if job.Analysis.DescaleHeight != 720 || job.Output != "/plots" || job.Decoder.Backend != "ffmpeg" {
		t.Fatalf("defaults not applied: %+v", job)
	}
}

func TestRequestJobRejectsBadAnalysis(t *testing.T) {
	_, err := Request{Input: "ep01.mkv", Reduction: "median"}.Job(config.Default(), JobAnalyze)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := (Request{Input: "ep01.mkv", Reduction: "median"}).Job(config.Default(), JobProbe); err != nil {
		t.Fatalf("probe jobs ignore analysis settings: %v", err)
	}
	if _, err := (Request{}).Job(config.Default(), JobProbe); err == nil {
		t.Fatalf("expected missing input error")
	}
}
