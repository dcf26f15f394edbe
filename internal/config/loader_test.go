package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MrWong99/wenet-streaming-asr/internal/config"
)

func TestValidateCTCWeightOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  model_path: m
  dict_path: d
decode:
  ctc_weight: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ctc_weight")
}

func TestValidateReverseWeightOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  model_path: m
  dict_path: d
decode:
  reverse_weight: -0.1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reverse_weight")
}

func TestValidateMultipleErrorsAreJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  port: -1
decode:
  beam_size: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	errStr := err.Error()
	require.Contains(t, errStr, "port")
	require.Contains(t, errStr, "beam_size")
	require.Contains(t, errStr, "model_path")
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Decode.BeamSize = 4
	cfg.Decode.FirstBeamSize = 2
	config.ApplyDefaults(cfg)
	require.Equal(t, 4, cfg.Decode.BeamSize)
	require.Equal(t, 2, cfg.Decode.FirstBeamSize)
}

func TestValidLogLevelsListsCanonicalValues(t *testing.T) {
	t.Parallel()
	require.Contains(t, config.ValidLogLevels, "info")
	require.Contains(t, config.ValidLogLevels, "debug")
	require.Contains(t, config.ValidLogLevels, "warn")
	require.Contains(t, config.ValidLogLevels, "error")
}
