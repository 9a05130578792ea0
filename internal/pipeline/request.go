package pipeline

import (
	"errors"

	"descaleverify/internal/config"
)

// Request is the user-facing description of a job, as received over HTTP or
// gRPC. Zero fields take the configured defaults.
type Request struct {
	Input     string   `json:"input"`
	OutputDir string   `json:"output_dir"`
	Kernel    string   `json:"kernel"`
	ParamA    *float64 `json:"a"`
	ParamB    *float64 `json:"b"`
	Interval  int      `json:"interval"`
	Height    int      `json:"height"`
	Reduction string   `json:"reduction"`
	Workers   int      `json:"workers"`
	Backend   string   `json:"backend"`
}

// Job resolves the request against cfg. Analyze jobs are validated here so
// that bad parameters are rejected at submission rather than in a worker.
func (req Request) Job(cfg *config.Config, typ JobType) (Job, error) {
	if req.Input == "" {
		return Job{}, errors.New("input is required")
	}
	a := cfg.Analysis
	if req.Kernel != "" {
		a.Kernel = req.Kernel
	}
	if req.ParamA != nil {
		a.ParamA = *req.ParamA
	}
	if req.ParamB != nil {
		a.ParamB = *req.ParamB
	}
	if req.Interval != 0 {
		a.Interval = req.Interval
	}
	if req.Height != 0 {
		a.DescaleHeight = req.Height
	}
	if req.Reduction != "" {
		a.Reduction = req.Reduction
	}
	if req.Workers != 0 {
		a.Workers = req.Workers
	}
	if typ == JobAnalyze {
		if err := a.Validate(); err != nil {
			return Job{}, err
		}
	}
	dec := cfg.Decoder
	if req.Backend != "" {
		dec.Backend = req.Backend
	}
	out := req.OutputDir
	if out == "" {
		out = cfg.Paths.OutputDir
	}
	return Job{
		Type:      typ,
		InputPath: req.Input,
		Output:    out,
		Analysis:  a,
		Decoder:   dec,
	}, nil
}
