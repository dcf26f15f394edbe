package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/config"
)

const sampleYAML = `
server:
  port: 10086
  num_threads: 4
  log_level: info
  metrics_addr: ":9090"

model:
  model_path: /models/final.onnx
  dict_path: /models/dict.txt
  context_path: /models/context.txt
  context_score: 3.0

decode:
  nbest: 3
  timestamp: true
  continuous_decoding: true
  chunk_size: 16
  beam_size: 10
  first_beam_size: 10
  blank_skip_threshold: 0.98
  trailing_silence_frames: 8
  reverse_weight: 0.3
  ctc_weight: 0.5
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 10086, cfg.Server.Port)
	require.Equal(t, 4, cfg.Server.NumThreads)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, ":9090", cfg.Server.MetricsAddr)

	require.Equal(t, "/models/final.onnx", cfg.Model.ModelPath)
	require.Equal(t, "/models/dict.txt", cfg.Model.DictPath)
	require.Equal(t, "/models/context.txt", cfg.Model.ContextPath)
	require.Equal(t, 3.0, cfg.Model.ContextScore)

	require.Equal(t, 3, cfg.Decode.NBest)
	require.True(t, cfg.Decode.Timestamp)
	require.True(t, cfg.Decode.ContinuousDecoding)
	require.Equal(t, 16, cfg.Decode.ChunkSize)
	require.Equal(t, 10, cfg.Decode.BeamSize)
}

func TestLoadFromReaderEmptyAppliesDefaultsAndFailsOnMissingModel(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "model_path")
	require.Contains(t, err.Error(), "dict_path")
}

func TestLoadFromReaderDefaultsFillZeroFields(t *testing.T) {
	minimal := `
model:
  model_path: /models/final.onnx
  dict_path: /models/dict.txt
`
	cfg, err := config.LoadFromReader(strings.NewReader(minimal))
	require.NoError(t, err)
	require.Equal(t, 10086, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, 1, cfg.Decode.NBest)
	require.Equal(t, 16, cfg.Decode.ChunkSize)
	require.Equal(t, 10, cfg.Decode.BeamSize)
	require.Equal(t, 10, cfg.Decode.FirstBeamSize)
	require.Equal(t, 0.98, cfg.Decode.BlankSkipThreshold)
}

func TestValidateInvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
model:
  model_path: m
  dict_path: d
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "log_level")
}

func TestValidateMissingModelPath(t *testing.T) {
	yaml := `
model:
  dict_path: d
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "model_path")
}

func TestValidateNBestExceedsBeamSize(t *testing.T) {
	yaml := `
model:
  model_path: m
  dict_path: d
decode:
  nbest: 20
  beam_size: 5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "nbest")
}

func TestValidateBlankSkipThresholdOutOfRange(t *testing.T) {
	yaml := `
model:
  model_path: m
  dict_path: d
decode:
  blank_skip_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "blank_skip_threshold")
}

func TestValidatePortOutOfRange(t *testing.T) {
	yaml := `
server:
  port: 70000
model:
  model_path: m
  dict_path: d
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "port")
}
