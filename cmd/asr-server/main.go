// Command asr-server is the entry point for the streaming ASR decoding
// server: it parses flags matching spec.md §6, loads the model executor and
// context graph, and serves the WebSocket endpoint plus /healthz, /readyz
// and /metrics, grounded on the teacher's cmd/glyphoxa/main.go bootstrap.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	ctxgraph "github.com/MrWong99/wenet-streaming-asr/internal/context"
	"github.com/MrWong99/wenet-streaming-asr/internal/config"
	"github.com/MrWong99/wenet-streaming-asr/internal/decoder"
	"github.com/MrWong99/wenet-streaming-asr/internal/health"
	"github.com/MrWong99/wenet-streaming-asr/internal/model"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/mockexec"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/onnxexec"
	"github.com/MrWong99/wenet-streaming-asr/internal/model/whisperexec"
	"github.com/MrWong99/wenet-streaming-asr/internal/observe"
	"github.com/MrWong99/wenet-streaming-asr/internal/session"
	"github.com/MrWong99/wenet-streaming-asr/internal/vocab"
	"github.com/MrWong99/wenet-streaming-asr/internal/wsserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := pflag.String("config", "", "path to the YAML configuration file (optional; flags below override it)")
	port := pflag.Int("port", 0, "TCP port to listen on (0: use config/default)")
	numThreads := pflag.Int("num_threads", 0, "stored as server.num_threads; nothing in the server reads it (0: use config/default)")
	modelPath := pflag.String("model_path", "", "path to the inference model")
	dictPath := pflag.String("dict_path", "", "path to the dictionary file")
	contextPath := pflag.String("context_path", "", "path to the contextual biasing phrase list")
	contextScore := pflag.Float64("context_score", 0, "per-token bonus applied by the context graph")
	nbest := pflag.Int("nbest", 0, "number of hypotheses returned per utterance")
	timestamp := pflag.Bool("timestamp", false, "set the decoder's timestamp flag (word pieces with timestamps are sent either way)")
	continuousDecoding := pflag.Bool("continuous_decoding", false, "keep decoding across endpoints within one session")
	chunkSize := pflag.Int("chunk_size", 0, "encoder output frames per streaming decode step (each step reads chunk_size*subsampling_rate+right_context feature frames)")
	metricsAddr := pflag.String("metrics_addr", "", "stored as server.metrics_addr but not used: /metrics, /healthz and /readyz are served on --port")
	logLevel := pflag.String("log_level", "", "log verbosity: debug, info, warn, error")
	pflag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	var cfg *config.Config
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "asr-server: %v\n", err)
			return 1
		}
		cfg = c
	} else {
		cfg = &config.Config{}
	}
	applyFlagOverrides(cfg, flagOverrides{
		port: port, numThreads: numThreads, modelPath: modelPath, dictPath: dictPath,
		contextPath: contextPath, contextScore: contextScore, nbest: nbest, timestamp: timestamp,
		continuousDecoding: continuousDecoding, chunkSize: chunkSize, metricsAddr: metricsAddr, logLevel: logLevel,
	})
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "asr-server: invalid configuration: %v\n", err)
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("asr-server starting",
		"backend", cfg.Model.Backend,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Vocabulary ───────────────────────────────────────────────────────
	var vt *vocab.Table
	if cfg.Model.DictPath != "" {
		var err error
		vt, err = vocab.Load(cfg.Model.DictPath)
		if err != nil {
			slog.Error("failed to load dictionary", "err", err)
			return 1
		}
	}

	// ── Model executor ───────────────────────────────────────────────────
	exec, closeExec, err := buildExecutor(cfg.Model, cfg.Decode.ChunkSize, vt)
	if err != nil {
		slog.Error("failed to build model executor", "err", err)
		return 2
	}
	defer closeExec()

	var graph *ctxgraph.Graph
	if cfg.Model.ContextPath != "" {
		if vt == nil {
			slog.Error("model.context_path is set but no dictionary was loaded to tokenize it")
			return 1
		}
		phrases, err := ctxgraph.LoadPhrases(cfg.Model.ContextPath, vt, cfg.Model.ContextScore)
		if err != nil {
			slog.Error("failed to load context phrases", "err", err)
			return 1
		}
		graph = ctxgraph.Build(phrases)
		slog.Info("context graph built", "phrases", len(phrases))
	}

	// ── Observability ────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "wenet-streaming-asr"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── WebSocket server ─────────────────────────────────────────────────
	sescfg := session.Config{
		Decoder: decoder.Config{
			ChunkSize:             cfg.Decode.ChunkSize,
			BeamSize:              cfg.Decode.BeamSize,
			FirstBeamSize:         cfg.Decode.FirstBeamSize,
			BlankSkipThreshold:    cfg.Decode.BlankSkipThreshold,
			ContextGraph:          graph,
			NBest:                 cfg.Decode.NBest,
			TimestampEnabled:      cfg.Decode.Timestamp,
			ContinuousDecoding:    cfg.Decode.ContinuousDecoding,
			TrailingSilenceFrames: cfg.Decode.TrailingSilenceFrames,
			MaxSilenceFrames:      cfg.Decode.MaxSilenceFrames,
			ReverseWeight:         cfg.Decode.ReverseWeight,
			CTCWeight:             cfg.Decode.CTCWeight,
		},
		Vocab: vt,
	}
	wsSrv := wsserver.New(exec, sescfg)

	mux := http.NewServeMux()
	mux.Handle("/v1/ws", observe.Middleware(metrics)(wsSrv))

	healthHandler := health.New(health.Checker{
		Name:  "model_executor",
		Check: func(ctx context.Context) error { return pingExecutor(ctx, exec) },
	})
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// flagOverrides holds every pflag value that, when non-zero, overrides the
// corresponding loaded config field (spec.md §6: CLI flags win over the
// config file).
type flagOverrides struct {
	port, numThreads, nbest, chunkSize *int

	modelPath, dictPath, contextPath, metricsAddr, logLevel *string
	contextScore                                            *float64
	timestamp, continuousDecoding                           *bool
}

func applyFlagOverrides(cfg *config.Config, f flagOverrides) {
	if *f.port != 0 {
		cfg.Server.Port = *f.port
	}
	if *f.numThreads != 0 {
		cfg.Server.NumThreads = *f.numThreads
	}
	if *f.logLevel != "" {
		cfg.Server.LogLevel = *f.logLevel
	}
	if *f.metricsAddr != "" {
		cfg.Server.MetricsAddr = *f.metricsAddr
	}
	if *f.modelPath != "" {
		cfg.Model.ModelPath = *f.modelPath
	}
	if *f.dictPath != "" {
		cfg.Model.DictPath = *f.dictPath
	}
	if *f.contextPath != "" {
		cfg.Model.ContextPath = *f.contextPath
	}
	if *f.contextScore != 0 {
		cfg.Model.ContextScore = *f.contextScore
	}
	if *f.nbest != 0 {
		cfg.Decode.NBest = *f.nbest
	}
	if *f.timestamp {
		cfg.Decode.Timestamp = true
	}
	if *f.continuousDecoding {
		cfg.Decode.ContinuousDecoding = true
	}
	if *f.chunkSize != 0 {
		cfg.Decode.ChunkSize = *f.chunkSize
	}
}

// buildExecutor selects and constructs the model.Executor named by
// mcfg.Backend, returning a close func that is always safe to call. vt may
// be nil (mock backend needs no dictionary); the onnx backend uses it to
// fill in the sos/eos ids its ONNX graphs can't expose themselves.
func buildExecutor(mcfg config.ModelConfig, chunkSize int, vt *vocab.Table) (model.Executor, func(), error) {
	switch mcfg.Backend {
	case "whisper":
		exec, err := whisperexec.New(mcfg.ModelPath, whisperexec.WithLanguage(mcfg.WhisperLanguage))
		if err != nil {
			return nil, nil, fmt.Errorf("build whisper executor: %w", err)
		}
		return exec, func() { _ = exec.Close() }, nil

	case "mock":
		vocabSize := 32
		if vt != nil {
			vocabSize = vt.Size()
		}
		return mockexec.New(vocabSize), func() {}, nil

	default: // "onnx"
		encoderPath := mcfg.EncoderPath
		ctcPath := mcfg.CTCPath
		decoderPath := mcfg.DecoderPath
		if encoderPath == "" {
			encoderPath = filepath.Join(mcfg.ModelPath, "encoder.onnx")
		}
		if ctcPath == "" {
			ctcPath = filepath.Join(mcfg.ModelPath, "ctc.onnx")
		}
		if decoderPath == "" {
			decoderPath = filepath.Join(mcfg.ModelPath, "decoder.onnx")
		}
		meta := model.Metadata{
			SubsamplingRate:        mcfg.SubsamplingRate,
			RightContext:           mcfg.RightContext,
			IsBidirectionalDecoder: mcfg.BidirectionalDecoder,
			FeatureDim:             mcfg.FeatureDim,
			ChunkSize:              chunkSize,
		}
		if vt != nil {
			meta.SosID = vt.SosID()
			meta.EosID = vt.EosID()
		}
		exec, err := onnxexec.New(onnxexec.Config{
			EncoderPath: encoderPath,
			CTCPath:     ctcPath,
			DecoderPath: decoderPath,
			Metadata:    meta,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build onnx executor: %w", err)
		}
		return exec, func() { _ = exec.Close() }, nil
	}
}

// pingExecutor exercises the cheapest possible inference call (metadata
// retrieval only) as a readiness probe; a loaded-but-wedged backend still
// answers this since it makes no model call.
func pingExecutor(_ context.Context, exec model.Executor) error {
	_ = exec.Metadata()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
