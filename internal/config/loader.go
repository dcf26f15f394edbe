package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidLogLevels lists the accepted values for server.log_level.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// ValidBackends lists the accepted values for model.backend.
var ValidBackends = []string{"onnx", "whisper", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the zero-value fields a freshly decoded Config is
// expected to have a sane default for, mirroring spec.md §6's CLI defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 10086
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Model.Backend == "" {
		cfg.Model.Backend = "onnx"
	}
	if cfg.Model.SubsamplingRate == 0 {
		cfg.Model.SubsamplingRate = 4
	}
	if cfg.Model.FeatureDim == 0 {
		cfg.Model.FeatureDim = 80
	}
	if cfg.Model.WhisperLanguage == "" {
		cfg.Model.WhisperLanguage = "en"
	}
	if cfg.Decode.NBest == 0 {
		cfg.Decode.NBest = 1
	}
	if cfg.Decode.ChunkSize == 0 {
		cfg.Decode.ChunkSize = 16
	}
	if cfg.Decode.BeamSize == 0 {
		cfg.Decode.BeamSize = 10
	}
	if cfg.Decode.FirstBeamSize == 0 {
		cfg.Decode.FirstBeamSize = cfg.Decode.BeamSize
	}
	if cfg.Decode.BlankSkipThreshold == 0 {
		cfg.Decode.BlankSkipThreshold = 0.98
	}
	if cfg.Decode.TrailingSilenceFrames == 0 {
		cfg.Decode.TrailingSilenceFrames = 8
	}
	if cfg.Decode.ReverseWeight == 0 {
		cfg.Decode.ReverseWeight = 0.3
	}
	if cfg.Decode.CTCWeight == 0 {
		cfg.Decode.CTCWeight = 0.5
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !isValidLogLevel(cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: %v", cfg.Server.LogLevel, ValidLogLevels))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}

	if !isValidBackend(cfg.Model.Backend) {
		errs = append(errs, fmt.Errorf("model.backend %q is invalid; valid values: %v", cfg.Model.Backend, ValidBackends))
	}
	if cfg.Model.Backend != "mock" && cfg.Model.ModelPath == "" {
		errs = append(errs, errors.New("model.model_path is required"))
	}
	if cfg.Model.Backend != "mock" && cfg.Model.DictPath == "" {
		errs = append(errs, errors.New("model.dict_path is required"))
	}
	if cfg.Model.ContextPath != "" && cfg.Model.ContextScore <= 0 {
		slog.Warn("model.context_path is set but model.context_score is not positive; context phrases will carry no bonus",
			"context_score", cfg.Model.ContextScore)
	}

	if cfg.Decode.NBest <= 0 {
		errs = append(errs, fmt.Errorf("decode.nbest %d must be positive", cfg.Decode.NBest))
	}
	if cfg.Decode.BeamSize <= 0 {
		errs = append(errs, fmt.Errorf("decode.beam_size %d must be positive", cfg.Decode.BeamSize))
	}
	if cfg.Decode.FirstBeamSize <= 0 {
		errs = append(errs, fmt.Errorf("decode.first_beam_size %d must be positive", cfg.Decode.FirstBeamSize))
	}
	if cfg.Decode.NBest > cfg.Decode.BeamSize {
		errs = append(errs, fmt.Errorf("decode.nbest %d cannot exceed decode.beam_size %d", cfg.Decode.NBest, cfg.Decode.BeamSize))
	}
	if cfg.Decode.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("decode.chunk_size %d must be positive", cfg.Decode.ChunkSize))
	}
	if cfg.Decode.BlankSkipThreshold < 0 || cfg.Decode.BlankSkipThreshold > 1 {
		errs = append(errs, fmt.Errorf("decode.blank_skip_threshold %.3f is out of range [0, 1]", cfg.Decode.BlankSkipThreshold))
	}
	if cfg.Decode.ReverseWeight < 0 || cfg.Decode.ReverseWeight > 1 {
		errs = append(errs, fmt.Errorf("decode.reverse_weight %.3f is out of range [0, 1]", cfg.Decode.ReverseWeight))
	}
	if cfg.Decode.CTCWeight < 0 || cfg.Decode.CTCWeight > 1 {
		errs = append(errs, fmt.Errorf("decode.ctc_weight %.3f is out of range [0, 1]", cfg.Decode.CTCWeight))
	}

	return errors.Join(errs...)
}

func isValidLogLevel(level string) bool {
	for _, v := range ValidLogLevels {
		if v == level {
			return true
		}
	}
	return false
}

func isValidBackend(backend string) bool {
	for _, v := range ValidBackends {
		if v == backend {
			return true
		}
	}
	return false
}
