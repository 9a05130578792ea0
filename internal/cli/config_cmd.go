package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"descaleverify/internal/config"
	"descaleverify/internal/kernel"
	"descaleverify/internal/stats"
)

// Version is stamped at build time with -ldflags "-X descaleverify/internal/cli.Version=...".
var Version = "v0.1.0-dev"

func (r *Root) configShow(w io.Writer) error {
	fmt.Fprintf(w, "Current configuration:\n")
	fmt.Fprintf(w, "Config file: %s\n\n", config.Path())
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", data)
	return nil
}

func (r *Root) configValidate(w io.Writer) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(w, "Configuration is valid")
	return nil
}

func (r *Root) cmdVersion(w io.Writer) error {
	fmt.Fprintf(w, "descaleverify %s\n", Version)
	fmt.Fprintf(w, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(w, "Kernels: %v\n", kernel.Names())
	fmt.Fprintf(w, "Reductions: %v\n", stats.ReducerNames())
	fmt.Fprintf(w, "Decoder backends: %v\n", r.newToolManager().Backends())
	return nil
}
