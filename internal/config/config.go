// Package config provides the configuration schema and loader for the
// streaming ASR decoding server.
package config

// Config is the root configuration structure for the ASR server. It is
// typically loaded from a YAML file with [Load] and then layered under CLI
// flags by the caller (cmd/asr-server), matching spec.md §6's flag set.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	Decode DecodeConfig `yaml:"decode"`
}

// ServerConfig holds network, logging, and metrics settings.
type ServerConfig struct {
	// Port is the TCP port the WebSocket server listens on.
	Port int `yaml:"port"`

	// NumThreads is loaded and can be overridden by --num_threads, but
	// nothing in the server reads it: it limits neither sessions nor
	// inference threads.
	NumThreads int `yaml:"num_threads"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// MetricsAddr (e.g., ":9090") is loaded and can be overridden by
	// --metrics_addr, but cmd/asr-server does not use it: /metrics, /healthz
	// and /readyz are always served on Port, next to the WebSocket endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ModelConfig names the on-disk artifacts a session's model executor and
// context graph are built from.
type ModelConfig struct {
	// Backend selects the model.Executor implementation: "onnx", "whisper",
	// or "mock". Defaults to "onnx".
	Backend string `yaml:"backend"`

	// ModelPath is the path to a GGML checkpoint (whisper backend) or the
	// directory containing the three exported ONNX graphs (onnx backend),
	// matching spec.md §6's single --model_path flag. Unused by the mock
	// backend.
	ModelPath string `yaml:"model_path"`

	// EncoderPath, CTCPath and DecoderPath override the default
	// ModelPath/{encoder,ctc,decoder}.onnx layout the onnx backend otherwise
	// derives from ModelPath. Each one left empty falls back to that
	// default file, so an empty DecoderPath still loads
	// ModelPath/decoder.onnx.
	EncoderPath string `yaml:"encoder_path"`
	CTCPath     string `yaml:"ctc_path"`
	DecoderPath string `yaml:"decoder_path"`

	// DictPath is the one-token-per-line vocabulary file loaded into a
	// vocab.Table.
	DictPath string `yaml:"dict_path"`

	// ContextPath is an optional line-delimited phrase list used to build a
	// contextual biasing graph. Empty disables context biasing.
	ContextPath string `yaml:"context_path"`

	// ContextScore is the per-matched-token bonus applied by the context
	// graph. Only meaningful when ContextPath is set.
	ContextScore float64 `yaml:"context_score"`

	// WhisperLanguage is the BCP-47 language code passed to the whisper
	// backend. Unused by onnx/mock.
	WhisperLanguage string `yaml:"whisper_language"`

	// SubsamplingRate, RightContext, FeatureDim and BidirectionalDecoder are
	// the backend-fixed constants the onnx backend cannot introspect from
	// its ONNX graphs and must be told explicitly (model.Metadata).
	SubsamplingRate      int  `yaml:"subsampling_rate"`
	RightContext         int  `yaml:"right_context"`
	FeatureDim           int  `yaml:"feature_dim"`
	BidirectionalDecoder bool `yaml:"bidirectional_decoder"`
}

// DecodeConfig holds the decode-time tunables passed through to every
// session's decoder.Config.
type DecodeConfig struct {
	// NBest is the default number of hypotheses returned per utterance,
	// overridable per-connection by the "start" signal's nbest field.
	NBest int `yaml:"nbest"`

	// Timestamp sets the decoder's TimestampEnabled flag by default. Results
	// carry word pieces with frame timestamps whether or not it is set.
	Timestamp bool `yaml:"timestamp"`

	// ContinuousDecoding enables multi-utterance sessions by default: a
	// session keeps decoding across endpoints instead of terminating after
	// the first one.
	ContinuousDecoding bool `yaml:"continuous_decoding"`

	// ChunkSize is the number of encoder output frames (after subsampling)
	// per streaming step; each step reads
	// ChunkSize*SubsamplingRate+RightContext feature frames.
	ChunkSize int `yaml:"chunk_size"`

	BeamSize           int     `yaml:"beam_size"`
	FirstBeamSize      int     `yaml:"first_beam_size"`
	BlankSkipThreshold float64 `yaml:"blank_skip_threshold"`

	TrailingSilenceFrames int `yaml:"trailing_silence_frames"`
	MaxSilenceFrames      int `yaml:"max_silence_frames"`

	ReverseWeight float64 `yaml:"reverse_weight"`
	CTCWeight     float64 `yaml:"ctc_weight"`
}
