// Package onnxexec adapts an ONNX-exported wenet-style model (encoder, CTC
// head, and optional bidirectional attention decoder as three separate ONNX
// graphs, the common wenet ONNX export layout) to the model.Executor
// contract, via github.com/yalue/onnxruntime_go.
package onnxexec

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/wenet-streaming-asr/internal/model"
)

var (
	initOnce sync.Once
	initErr  error
)

// Config names the three exported ONNX graphs and the backend metadata that
// cannot be introspected from the graphs themselves (spec.md §4.2).
type Config struct {
	EncoderPath string
	CTCPath     string
	// DecoderPath is optional; leave empty if the model has no attention
	// decoder, in which case ForwardAttentionDecoder returns an error.
	DecoderPath string
	Metadata    model.Metadata
}

// Executor implements model.Executor over three onnxruntime_go sessions.
// Each inference call allocates fresh input/output tensors sized to that
// call's shapes — streaming chunk sizes and batch sizes both vary, so unlike
// a fixed-window VAD model there is no single reusable tensor shape to hold
// across calls.
type Executor struct {
	cfg            Config
	encoderSession *ort.DynamicAdvancedSession
	ctcSession     *ort.DynamicAdvancedSession
	decoderSession *ort.DynamicAdvancedSession
}

// New loads the three ONNX graphs and initializes the ONNX Runtime
// environment exactly once per process.
func New(cfg Config) (*Executor, error) {
	initOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			initErr = err
			return
		}
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("onnxexec: %w", initErr)
	}

	encSession, err := ort.NewDynamicAdvancedSession(
		cfg.EncoderPath,
		[]string{"chunk_feats", "att_cache", "cnn_cache", "offset"},
		[]string{"encoder_out", "r_att_cache", "r_cnn_cache"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnxexec: load encoder %q: %w", cfg.EncoderPath, err)
	}

	ctcSession, err := ort.NewDynamicAdvancedSession(
		cfg.CTCPath,
		[]string{"hidden"},
		[]string{"probs"},
		nil,
	)
	if err != nil {
		encSession.Destroy()
		return nil, fmt.Errorf("onnxexec: load ctc %q: %w", cfg.CTCPath, err)
	}

	var decSession *ort.DynamicAdvancedSession
	if cfg.DecoderPath != "" {
		decSession, err = ort.NewDynamicAdvancedSession(
			cfg.DecoderPath,
			[]string{"hyps", "hyps_lens", "encoder_out", "reverse_weight"},
			[]string{"decoder_out", "r_decoder_out"},
			nil,
		)
		if err != nil {
			encSession.Destroy()
			ctcSession.Destroy()
			return nil, fmt.Errorf("onnxexec: load decoder %q: %w", cfg.DecoderPath, err)
		}
	}

	return &Executor{cfg: cfg, encoderSession: encSession, ctcSession: ctcSession, decoderSession: decSession}, nil
}

// Close releases all three ONNX Runtime sessions. Safe to call once.
func (e *Executor) Close() error {
	if e.encoderSession != nil {
		e.encoderSession.Destroy()
	}
	if e.ctcSession != nil {
		e.ctcSession.Destroy()
	}
	if e.decoderSession != nil {
		e.decoderSession.Destroy()
	}
	return nil
}

func (e *Executor) Metadata() model.Metadata { return e.cfg.Metadata }

func tensorToOrt(t model.Tensor) (*ort.Tensor[float32], error) {
	return ort.NewTensor(ort.NewShape(1, int64(t.Rows), int64(t.Cols)), t.Data)
}

func (e *Executor) ForwardEncoderChunk(_ context.Context, feats model.Tensor, cache model.Cache) (model.Tensor, model.Cache, error) {
	featsT, err := tensorToOrt(feats)
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: feats tensor: %w", err)
	}
	defer featsT.Destroy()

	attT, err := tensorToOrt(cache.AttCache)
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: att_cache tensor: %w", err)
	}
	defer attT.Destroy()

	cnnT, err := tensorToOrt(cache.CnnCache)
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: cnn_cache tensor: %w", err)
	}
	defer cnnT.Destroy()

	offsetT, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cache.Offset)})
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: offset tensor: %w", err)
	}
	defer offsetT.Destroy()

	outputs := []ort.Value{nil, nil, nil}
	inputs := []ort.Value{featsT, attT, cnnT, offsetT}
	if err := e.encoderSession.Run(inputs, outputs); err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: encoder run: %w", err)
	}
	defer destroyAll(outputs)

	encOut, err := valueToTensor(outputs[0])
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: encoder_out: %w", err)
	}
	newAtt, err := valueToTensor(outputs[1])
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: r_att_cache: %w", err)
	}
	newCnn, err := valueToTensor(outputs[2])
	if err != nil {
		return model.Tensor{}, model.Cache{}, fmt.Errorf("onnxexec: r_cnn_cache: %w", err)
	}

	return encOut, model.Cache{AttCache: newAtt, CnnCache: newCnn, Offset: cache.Offset + feats.Rows}, nil
}

func (e *Executor) CTCActivation(_ context.Context, encOut model.Tensor) ([][]float64, error) {
	hiddenT, err := tensorToOrt(encOut)
	if err != nil {
		return nil, fmt.Errorf("onnxexec: hidden tensor: %w", err)
	}
	defer hiddenT.Destroy()

	outputs := []ort.Value{nil}
	if err := e.ctcSession.Run([]ort.Value{hiddenT}, outputs); err != nil {
		return nil, fmt.Errorf("onnxexec: ctc run: %w", err)
	}
	defer destroyAll(outputs)

	probs, err := valueToTensor(outputs[0])
	if err != nil {
		return nil, fmt.Errorf("onnxexec: probs: %w", err)
	}
	logp := make([][]float64, probs.Rows)
	for t := 0; t < probs.Rows; t++ {
		row := make([]float64, probs.Cols)
		for v := 0; v < probs.Cols; v++ {
			row[v] = float64(probs.At(t, v))
		}
		logp[t] = row
	}
	return logp, nil
}

func (e *Executor) ForwardAttentionDecoder(_ context.Context, hypsPadded [][]int, hypsLens []int, encoderOut model.Tensor, reverseWeight float64) ([][][]float64, [][][]float64, error) {
	if e.decoderSession == nil {
		return nil, nil, fmt.Errorf("onnxexec: model has no attention decoder")
	}

	n := len(hypsPadded)
	l := 0
	if n > 0 {
		l = len(hypsPadded[0])
	}
	hypsFlat := make([]int64, n*l)
	for i, h := range hypsPadded {
		for j, tok := range h {
			hypsFlat[i*l+j] = int64(tok)
		}
	}
	hypsT, err := ort.NewTensor(ort.NewShape(int64(n), int64(l)), hypsFlat)
	if err != nil {
		return nil, nil, fmt.Errorf("onnxexec: hyps tensor: %w", err)
	}
	defer hypsT.Destroy()

	lensFlat := make([]int64, n)
	for i, v := range hypsLens {
		lensFlat[i] = int64(v)
	}
	lensT, err := ort.NewTensor(ort.NewShape(int64(n)), lensFlat)
	if err != nil {
		return nil, nil, fmt.Errorf("onnxexec: hyps_lens tensor: %w", err)
	}
	defer lensT.Destroy()

	encT, err := tensorToOrt(encoderOut)
	if err != nil {
		return nil, nil, fmt.Errorf("onnxexec: encoder_out tensor: %w", err)
	}
	defer encT.Destroy()

	rwT, err := ort.NewTensor(ort.NewShape(1), []float32{float32(reverseWeight)})
	if err != nil {
		return nil, nil, fmt.Errorf("onnxexec: reverse_weight tensor: %w", err)
	}
	defer rwT.Destroy()

	outputs := []ort.Value{nil, nil}
	inputs := []ort.Value{hypsT, lensT, encT, rwT}
	if err := e.decoderSession.Run(inputs, outputs); err != nil {
		return nil, nil, fmt.Errorf("onnxexec: decoder run: %w", err)
	}
	defer destroyAll(outputs)

	l2r, err := valueTo3D(outputs[0], n, l)
	if err != nil {
		return nil, nil, fmt.Errorf("onnxexec: decoder_out: %w", err)
	}
	var r2l [][][]float64
	if e.cfg.Metadata.IsBidirectionalDecoder && reverseWeight > 0 {
		r2l, err = valueTo3D(outputs[1], n, l)
		if err != nil {
			return nil, nil, fmt.Errorf("onnxexec: r_decoder_out: %w", err)
		}
	}
	return l2r, r2l, nil
}

func (e *Executor) BatchForwardEncoder(ctx context.Context, feats []model.Tensor, featsLens []int) ([]model.Tensor, []int, [][][]float64, error) {
	encOut := make([]model.Tensor, len(feats))
	encLens := make([]int, len(feats))
	ctcLogp := make([][][]float64, len(feats))
	for i, f := range feats {
		trimmed := model.Tensor{Rows: featsLens[i], Cols: f.Cols, Data: f.Data[:featsLens[i]*f.Cols]}
		enc, _, err := e.ForwardEncoderChunk(ctx, trimmed, model.Cache{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("onnxexec: batch utterance %d: %w", i, err)
		}
		logp, err := e.CTCActivation(ctx, enc)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("onnxexec: batch utterance %d ctc: %w", i, err)
		}
		encOut[i] = enc
		encLens[i] = enc.Rows
		ctcLogp[i] = logp
	}
	return encOut, encLens, ctcLogp, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

func valueToTensor(v ort.Value) (model.Tensor, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return model.Tensor{}, fmt.Errorf("unexpected output value type %T", v)
	}
	shape := t.GetShape()
	rows, cols := 1, len(t.GetData())
	if len(shape) >= 2 {
		rows = int(shape[len(shape)-2])
		cols = int(shape[len(shape)-1])
	}
	data := make([]float32, len(t.GetData()))
	copy(data, t.GetData())
	return model.Tensor{Rows: rows, Cols: cols, Data: data}, nil
}

func valueTo3D(v ort.Value, n, l int) ([][][]float64, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output value type %T", v)
	}
	data := t.GetData()
	vocab := 0
	if n > 0 && l > 0 {
		vocab = len(data) / (n * l)
	}
	out := make([][][]float64, n)
	idx := 0
	for i := 0; i < n; i++ {
		out[i] = make([][]float64, l)
		for j := 0; j < l; j++ {
			row := make([]float64, vocab)
			for k := 0; k < vocab; k++ {
				row[k] = float64(data[idx])
				idx++
			}
			out[i][j] = row
		}
	}
	return out, nil
}

var _ model.Executor = (*Executor)(nil)
