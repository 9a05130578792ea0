package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"descaleverify/internal/kernel"
	"descaleverify/internal/stats"
)

const (
	defaultConfigPath = "~/.config/descaleverify/config.json"
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "DESCALEVERIFY_CONFIG"
)

// ErrInvalid marks configuration values rejected by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds user-editable settings.
type Config struct {
	Analysis Analysis `json:"analysis"`
	Decoder  Decoder  `json:"decoder"`
	Logging  Logging  `json:"logging"`
	Paths    Paths    `json:"paths"`
	Server   Server   `json:"server"`
	Watch    Watch    `json:"watch"`
}

// Analysis holds the defaults of a descale verification run.
type Analysis struct {
	Interval      int     `json:"interval"`       // test every Nth frame
	DescaleHeight int     `json:"descale_height"` // target low resolution height
	Kernel        string  `json:"kernel"`         // bicubic, bilinear, lanczos, spline16, spline36
	ParamA        float64 `json:"param_a"`
	ParamB        float64 `json:"param_b"`
	Reduction     string  `json:"reduction"` // sum-abs, sum-squares, mean-abs, max-abs, rms
	Workers       int     `json:"workers"`   // 1 keeps frame processing strictly sequential
}

// Decoder selects and locates the frame decoding backend.
type Decoder struct {
	Backend     string `json:"backend"` // auto, ffmpeg, imagick, gstreamer
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures output locations.
type Paths struct {
	OutputDir    string `json:"output_dir"`
	DatabasePath string `json:"database_path"`
}

// Server configures the HTTP and gRPC listeners of `serve`.
type Server struct {
	HTTPAddr    string `json:"http_addr"`
	GRPCAddr    string `json:"grpc_addr"`
	Concurrency int    `json:"concurrency"` // analyses run in parallel by the job pipeline
}

// Watch configures directory watching.
type Watch struct {
	Extensions    []string `json:"extensions"`     // extra video extensions
	SettleSeconds int      `json:"settle_seconds"` // wait for writes to stop before analyzing
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return cfg, nil
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Analysis: Analysis{
			Interval:      24,
			DescaleHeight: 720,
			Kernel:        string(kernel.Bicubic),
			ParamA:        0.0,
			ParamB:        0.5,
			Reduction:     stats.SumAbs.Name(),
			Workers:       1,
		},
		Decoder: Decoder{
			Backend:     "auto",
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			OutputDir:    ".",
			DatabasePath: filepath.Join(os.TempDir(), "descaleverify.db"),
		},
		Server: Server{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":50051",
			Concurrency: 1,
		},
		Watch: Watch{
			SettleSeconds: 5,
		},
	}
}

// Validate checks the analysis section. Problems found here are reported
// before any video is opened.
func (a Analysis) Validate() error {
	var problems []string
	if a.Interval < 1 {
		problems = append(problems, fmt.Sprintf("interval must be positive, got %d", a.Interval))
	}
	if a.DescaleHeight < 1 {
		problems = append(problems, fmt.Sprintf("descale height must be positive, got %d", a.DescaleHeight))
	}
	if _, err := kernel.Parse(a.Kernel, a.ParamA, a.ParamB); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := stats.LookupReducer(a.Reduction); err != nil {
		problems = append(problems, err.Error())
	}
	if a.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be positive, got %d", a.Workers))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Analysis.Validate(); err != nil {
		return err
	}
	switch c.Decoder.Backend {
	case "", "auto", "ffmpeg", "imagick", "gstreamer":
	default:
		return fmt.Errorf("%w: unknown decoder backend %q", ErrInvalid, c.Decoder.Backend)
	}
	if c.Server.Concurrency < 1 {
		return fmt.Errorf("%w: server concurrency must be positive", ErrInvalid)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
