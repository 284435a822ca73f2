package models

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// ONNXBackend loads models exported to ONNX from a local model directory.
type ONNXBackend struct {
	directory    string
	libraryPath  string
	tokenTypeIDs bool
}

func NewONNXBackend(directory, libraryPath string, tokenTypeIDs bool) *ONNXBackend {
	return &ONNXBackend{
		directory:    directory,
		libraryPath:  libraryPath,
		tokenTypeIDs: tokenTypeIDs,
	}
}

func (b *ONNXBackend) Name() string {
	return BackendONNX
}

func (b *ONNXBackend) Classifier(spec ModelSpec, numLabels int) (SequenceClassifier, error) {
	c, err := NewONNXClassifier(spec, spec.FilesIn(b.directory), numLabels, b.libraryPath, b.tokenTypeIDs)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *ONNXBackend) SpanModel(spec ModelSpec) (SpanModel, error) {
	m, err := NewONNXSpanModel(spec, spec.FilesIn(b.directory), b.libraryPath, b.tokenTypeIDs)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (b *ONNXBackend) LabelMapping(spec ModelSpec) (LabelMap, error) {
	files := spec.FilesIn(b.directory)
	if files.LabelMapPath == "" {
		return nil, fmt.Errorf("model %s has no label mapping", spec.Role)
	}
	return LoadLabelMapping(files.LabelMapPath)
}

// onnxSession owns an AdvancedSession and the tensors bound to it.
// Callers serialize access; the bound tensors are reused between runs.
type onnxSession struct {
	modelPath    string
	maxLen       int
	inputNames   []string
	outputNames  []string
	outputShapes []onnxruntime.Shape

	session *onnxruntime.AdvancedSession
	inputs  []*onnxruntime.Tensor[int64]
	outputs []*onnxruntime.Tensor[float32]
}

func newONNXSession(modelPath string, maxLen int, tokenTypeIDs bool, outputNames []string, outputShapes []onnxruntime.Shape) *onnxSession {
	inputNames := []string{"input_ids", "attention_mask"}
	if tokenTypeIDs {
		inputNames = append(inputNames, "token_type_ids")
	}
	return &onnxSession{
		modelPath:    modelPath,
		maxLen:       maxLen,
		inputNames:   inputNames,
		outputNames:  outputNames,
		outputShapes: outputShapes,
	}
}

// initialize creates the tensors and the session on first use
func (s *onnxSession) initialize() error {
	if s.session != nil {
		return nil
	}

	inputShape := onnxruntime.NewShape(1, int64(s.maxLen))
	var values []onnxruntime.Value
	for _, name := range s.inputNames {
		t, err := onnxruntime.NewTensor(inputShape, make([]int64, s.maxLen))
		if err != nil {
			s.destroy()
			return fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		s.inputs = append(s.inputs, t)
		values = append(values, t)
	}

	var outValues []onnxruntime.Value
	for i, shape := range s.outputShapes {
		t, err := onnxruntime.NewEmptyTensor[float32](shape)
		if err != nil {
			s.destroy()
			return fmt.Errorf("failed to create %s tensor: %w", s.outputNames[i], err)
		}
		s.outputs = append(s.outputs, t)
		outValues = append(outValues, t)
	}

	session, err := onnxruntime.NewAdvancedSession(s.modelPath, s.inputNames, s.outputNames, values, outValues, nil)
	if err != nil {
		s.destroy()
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.session = session
	return nil
}

// run copies in into the zero-padded input tensors and executes the session.
func (s *onnxSession) run(in modelInput) error {
	if err := s.initialize(); err != nil {
		return err
	}

	rows := [][]int64{in.inputIDs, in.attentionMask, in.tokenTypeIDs}
	for i, t := range s.inputs {
		data := t.GetData()
		for j := range data {
			data[j] = 0
		}
		copy(data, rows[i])
	}

	if err := s.session.Run(); err != nil {
		return fmt.Errorf("failed to run inference: %w", err)
	}
	return nil
}

func (s *onnxSession) output(i int) []float32 {
	return s.outputs[i].GetData()
}

func (s *onnxSession) destroy() []error {
	var errs []error
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		s.session = nil
	}
	for _, t := range s.inputs {
		if err := t.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	for _, t := range s.outputs {
		if err := t.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	s.inputs = nil
	s.outputs = nil
	return errs
}

// ONNXClassifier runs a sequence classification export with a single
// "logits" output of shape [1, numLabels].
type ONNXClassifier struct {
	mu        sync.Mutex
	name      string
	maxLen    int
	numLabels int
	tokenizer *tokenizers.Tokenizer
	session   *onnxSession
}

// NewONNXClassifier loads the tokenizer and prepares a lazily created session.
func NewONNXClassifier(spec ModelSpec, files ModelFiles, numLabels int, libraryPath string, tokenTypeIDs bool) (*ONNXClassifier, error) {
	if numLabels <= 0 {
		return nil, fmt.Errorf("model %s: number of labels must be positive", spec.Role)
	}
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(files.TokenizerPath)
	if err != nil {
		if relErr := releaseEnvironment(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return nil, fmt.Errorf("failed to load tokenizer for %s: %w", spec.Role, err)
	}

	outputShape := onnxruntime.NewShape(1, int64(numLabels))
	return &ONNXClassifier{
		name:      string(spec.Role),
		maxLen:    spec.MaxLength,
		numLabels: numLabels,
		tokenizer: tk,
		session:   newONNXSession(files.ModelPath, spec.MaxLength, tokenTypeIDs, []string{"logits"}, []onnxruntime.Shape{outputShape}),
	}, nil
}

func (c *ONNXClassifier) Name() string {
	return c.name
}

// Logits tokenizes text with special tokens, truncating to the model's
// maximum length, and returns a copy of the output row.
func (c *ONNXClassifier) Logits(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	encoding := c.tokenizer.EncodeWithOptions(text, true)
	if err := c.session.run(buildSingle(encoding.IDs, c.maxLen)); err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	out := c.session.output(0)
	logits := make([]float32, c.numLabels)
	copy(logits, out)
	return logits, nil
}

func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := c.session.destroy()
	if c.tokenizer != nil {
		if err := c.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		c.tokenizer = nil
		if err := releaseEnvironment(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// ONNXSpanModel runs a question answering export with "start_logits" and
// "end_logits" outputs of shape [1, maxLen].
type ONNXSpanModel struct {
	mu        sync.Mutex
	name      string
	maxLen    int
	tokenizer *tokenizers.Tokenizer
	session   *onnxSession
}

func NewONNXSpanModel(spec ModelSpec, files ModelFiles, libraryPath string, tokenTypeIDs bool) (*ONNXSpanModel, error) {
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}

	tk, err := tokenizers.FromFile(files.TokenizerPath)
	if err != nil {
		if relErr := releaseEnvironment(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return nil, fmt.Errorf("failed to load tokenizer for %s: %w", spec.Role, err)
	}

	shape := onnxruntime.NewShape(1, int64(spec.MaxLength))
	return &ONNXSpanModel{
		name:      string(spec.Role),
		maxLen:    spec.MaxLength,
		tokenizer: tk,
		session: newONNXSession(files.ModelPath, spec.MaxLength, tokenTypeIDs,
			[]string{"start_logits", "end_logits"}, []onnxruntime.Shape{shape, shape}),
	}, nil
}

func (m *ONNXSpanModel) Name() string {
	return m.name
}

// Span encodes the (question, passage) pair and returns the passage
// substring between the best start and end tokens.
func (m *ONNXSpanModel) Span(ctx context.Context, question, passage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.tokenizer.EncodeWithOptions(question, true)
	c := m.tokenizer.EncodeWithOptions(passage, false, tokenizers.WithReturnOffsets())
	pair := buildPair(q.IDs, c.IDs, c.Offsets, m.maxLen)

	if err := m.session.run(pair.modelInput); err != nil {
		return "", fmt.Errorf("%s: %w", m.name, err)
	}

	seqLen := len(pair.inputIDs)
	start := argmax(m.session.output(0)[:seqLen])
	end := argmax(m.session.output(1)[:seqLen])
	return decodeSpan(pair, start, end, passage), nil
}

func (m *ONNXSpanModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := m.session.destroy()
	if m.tokenizer != nil {
		if err := m.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		m.tokenizer = nil
		if err := releaseEnvironment(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
