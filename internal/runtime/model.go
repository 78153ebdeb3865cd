// Package runtime executes compacted dual-encoder artifacts: the input
// channel's encoder and projector with Q8_0 weights, plus the precomputed
// intent embeddings.
package runtime

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/headlands-org/go-dualembed/internal/features"
	"github.com/headlands-org/go-dualembed/internal/gguf"
	"github.com/headlands-org/go-dualembed/internal/kernels"
)

// encoder maps a padded [steps, inDim] input to dst [outDim].
type encoder interface {
	encode(dst, xs, real []float32, steps int)
	outDim() int
}

// Model is a loaded compact artifact. It is safe for concurrent use.
type Model struct {
	config    ModelConfig
	reader    *gguf.Reader
	encoder   encoder
	projector linear

	intents []float32 // [len(Labels), EmbedDim]

	workspacePool *sync.Pool
	workers       *workerPool
}

// modelWorkspace is the fixed-shape input of one forward pass.
type modelWorkspace struct {
	input []float32 // [steps, InputDim]
	real  []float32 // [steps]
}

// LoadModel loads a compact artifact from file
func LoadModel(path string) (*Model, error) {
	reader, err := gguf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gguf: %w", err)
	}

	model, err := loadModel(reader)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return model, nil
}

func loadModel(reader *gguf.Reader) (*Model, error) {
	config, err := parseConfig(reader)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	model := &Model{config: config, reader: reader}
	if err := model.loadWeights(); err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}

	steps := 1
	if config.Sequence {
		steps = config.MaxSeqLen
	}
	model.workspacePool = &sync.Pool{
		New: func() interface{} {
			return &modelWorkspace{
				input: make([]float32, steps*config.InputDim),
				real:  make([]float32, steps),
			}
		},
	}

	workerCount := runtime.GOMAXPROCS(0)
	if workerCount > 1 {
		model.workers = newWorkerPool(workerCount)
	}
	return model, nil
}

// Close releases model resources
func (m *Model) Close() error {
	if m.workers != nil {
		m.workers.Close()
		m.workers = nil
	}
	if m.reader != nil {
		return m.reader.Close()
	}
	return nil
}

// Config returns the model configuration
func (m *Model) Config() ModelConfig {
	return m.config
}

// Labels returns the intent names, indexed like IntentEmbeddings rows.
func (m *Model) Labels() []string {
	return append([]string(nil), m.config.Labels...)
}

// IntentEmbeddings returns a copy of the row-major [intents, EmbedDim]
// label embeddings.
func (m *Model) IntentEmbeddings() []float32 {
	return append([]float32(nil), m.intents...)
}

// Similarities scores emb against every intent embedding in label order,
// using the similarity the model was trained with. Scores are raw: cosine
// values are not clipped and inner products are not normalized.
func (m *Model) Similarities(emb []float32) ([]float32, error) {
	if err := checkDims("similarities", len(emb), m.config.EmbedDim); err != nil {
		return nil, err
	}
	n, d := len(m.config.Labels), m.config.EmbedDim
	query, intents := emb, m.intents
	if m.config.Similarity == SimilarityCosine {
		query = append([]float32(nil), emb...)
		kernels.L2Normalize(query)
		intents = append([]float32(nil), m.intents...)
		for i := 0; i < n; i++ {
			kernels.L2Normalize(intents[i*d : (i+1)*d])
		}
	}
	out := make([]float32, n)
	kernels.MatMulGGML(out, intents, query, 1, d, n)
	return out, nil
}

// Embed maps one example to its embedding. Sequences are padded or
// truncated to the fixed input length.
func (m *Model) Embed(x features.Sparse) ([]float32, error) {
	if err := checkDims("embed", x.Dim, m.config.InputDim); err != nil {
		return nil, err
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}

	ws := m.workspacePool.Get().(*modelWorkspace)
	defer m.workspacePool.Put(ws)
	steps := m.fill(ws, x)

	hidden := make([]float32, m.encoder.outDim())
	m.encoder.encode(hidden, ws.input, ws.real, steps)
	out := make([]float32, m.config.EmbedDim)
	m.projector.forward(out, hidden, 1)
	return out, nil
}

// fill writes x into the workspace and returns the number of input steps.
func (m *Model) fill(ws *modelWorkspace, x features.Sparse) int {
	clear(ws.input)
	clear(ws.real)
	dim := m.config.InputDim
	if !m.config.Sequence {
		for _, row := range x.Rows {
			for _, e := range row {
				ws.input[e.Col] += float32(e.Val)
			}
		}
		return 1
	}
	steps := len(ws.real)
	for s, row := range x.Rows {
		if s >= steps {
			break
		}
		for _, e := range row {
			ws.input[s*dim+e.Col] = float32(e.Val)
			if e.Val != 0 {
				ws.real[s] = 1
			}
		}
	}
	return steps
}

// EmbedBatch embeds xs, spreading examples over the worker pool.
func (m *Model) EmbedBatch(xs []features.Sparse) ([][]float32, error) {
	out := make([][]float32, len(xs))
	errs := make([]error, len(xs))
	tasks := make([]func(), len(xs))
	for i := range xs {
		i := i
		tasks[i] = func() {
			out[i], errs[i] = m.Embed(xs[i])
		}
	}
	m.runTasksThreshold(tasks, minBatchForParallel)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
	}
	return out, nil
}

// minBatchForParallel is the batch size below which dispatch overhead
// outweighs running examples on separate workers.
const minBatchForParallel = 4

// runTasksThreshold parallelizes tasks only if count >= minTasks threshold.
func (m *Model) runTasksThreshold(tasks []func(), minTasks int) {
	if len(tasks) == 0 {
		return
	}
	if m.workers == nil || len(tasks) < minTasks {
		for _, task := range tasks {
			if task != nil {
				task()
			}
		}
		return
	}
	m.workers.Run(tasks...)
}

// workerPool implements a fixed-size worker pool for parallel task execution.
type workerPool struct {
	jobs chan poolJob
}

type poolJob struct {
	fn func()
	wg *sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 1 {
		return nil
	}
	p := &workerPool{jobs: make(chan poolJob, size*3)}
	for i := 0; i < size; i++ {
		go func() {
			for job := range p.jobs {
				job.fn()
				job.wg.Done()
			}
		}()
	}
	return p
}

func (p *workerPool) Run(tasks ...func()) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		if task == nil {
			continue
		}
		wg.Add(1)
		p.jobs <- poolJob{fn: task, wg: &wg}
	}
	wg.Wait()
}

func (p *workerPool) Close() {
	close(p.jobs)
}

// loadWeights builds the encoder, projector and intent table from tensors
func (m *Model) loadWeights() error {
	cfg := m.config
	var err error
	switch cfg.Variant {
	case VariantFeedForward:
		m.encoder, err = m.loadFeedForward()
	case VariantRecurrent, VariantFused, VariantGPU:
		m.encoder, err = m.loadRecurrent()
	case VariantTransformer:
		m.encoder, err = m.loadTransformer()
	default:
		err = fmt.Errorf("unknown variant %q", cfg.Variant)
	}
	if err != nil {
		return err
	}

	if m.projector, err = m.loadLinear("embed_layer_"+cfg.Channel, true); err != nil {
		return err
	}
	if m.projector.in() != m.encoder.outDim() || m.projector.out() != cfg.EmbedDim {
		return fmt.Errorf("projector is %dx%d, want %dx%d", m.projector.out(), m.projector.in(), cfg.EmbedDim, m.encoder.outDim())
	}

	if m.intents, err = m.loadTensorF32(IntentTensor); err != nil {
		return err
	}
	if len(m.intents) != len(cfg.Labels)*cfg.EmbedDim {
		return fmt.Errorf("%s has %d values, want %d", IntentTensor, len(m.intents), len(cfg.Labels)*cfg.EmbedDim)
	}
	return nil
}

func (m *Model) loadFeedForward() (encoder, error) {
	e := &feedForward{inDim: m.config.InputDim}
	for i := range m.config.Sizes {
		l, err := m.loadLinear(fmt.Sprintf("hidden_layer_%s_%d", m.config.Channel, i), true)
		if err != nil {
			return nil, err
		}
		if err := checkDims(fmt.Sprintf("hidden layer %d", i), l.in(), e.outDim()); err != nil {
			return nil, err
		}
		e.layers = append(e.layers, l)
	}
	return e, nil
}

func (m *Model) loadRecurrent() (encoder, error) {
	cfg := m.config
	e := &recurrentEncoder{inDim: cfg.InputDim}
	for i := range cfg.Sizes {
		var fwScope, bwScope string
		switch {
		case !cfg.Bidirectional:
			fwScope = fmt.Sprintf("rnn_encoder_%s_%d", cfg.Channel, i)
		case cfg.Variant == VariantRecurrent:
			fwScope = fmt.Sprintf("rnn_encoder_%s_%d/fw", cfg.Channel, i)
			bwScope = fmt.Sprintf("rnn_encoder_%s_%d/bw", cfg.Channel, i)
		default:
			fwScope = fmt.Sprintf("rnn_fw_encoder_%s_%d", cfg.Channel, i)
			bwScope = fmt.Sprintf("rnn_bw_encoder_%s_%d", cfg.Channel, i)
		}

		var l recurrentLayer
		var err error
		if l.fw, err = m.loadCell(fwScope); err != nil {
			return nil, err
		}
		if bwScope != "" {
			if l.bw, err = m.loadCell(bwScope); err != nil {
				return nil, err
			}
		}
		e.layers = append(e.layers, l)
	}
	return e, nil
}

func (m *Model) loadCell(scope string) (cell, error) {
	if m.config.Variant != VariantRecurrent {
		kernel, err := m.loadLinear(scope, true)
		if err != nil {
			return nil, err
		}
		return &lstmCell{kernel: kernel, forgetBias: m.config.ForgetBias}, nil
	}

	c := &chronoCell{}
	var err error
	if c.kernel, err = m.loadLinear(scope, !m.config.LayerNorm); err != nil {
		return nil, err
	}
	if c.forgetBias, err = m.loadTensorF32(scope + "/forget_bias"); err != nil {
		return nil, err
	}
	if c.inputBias, err = m.loadTensorF32(scope + "/input_bias"); err != nil {
		return nil, err
	}
	if m.config.LayerNorm {
		for _, gate := range []string{"input", "transform", "forget", "output"} {
			norm, err := m.loadNorm(scope + "/ln_" + gate)
			if err != nil {
				return nil, err
			}
			c.norms = append(c.norms, norm)
		}
	}
	if c.kernel.out() != 4*c.hidden() {
		return nil, fmt.Errorf("%s: kernel has %d outputs for %d units", scope, c.kernel.out(), c.hidden())
	}
	return c, nil
}

func (m *Model) loadTransformer() (encoder, error) {
	cfg := m.config
	h := cfg.Sizes[0]
	e := &transformerEncoder{
		inDim:         cfg.InputDim,
		hidden:        h,
		heads:         cfg.NumHeads,
		bidirectional: cfg.Bidirectional,
		useLast:       cfg.UseLast,
	}
	var err error
	if e.embed, err = m.loadLinear("transformer_embed_layer_"+cfg.Channel, false); err != nil {
		return nil, err
	}

	scope := "transformer_" + cfg.Channel
	switch cfg.PosEncoding {
	case PosEmbedding:
		if e.pos, err = m.loadTensorF32(scope + "/pos_emb"); err != nil {
			return nil, err
		}
		if len(e.pos) != cfg.MaxSeqLen*h {
			return nil, fmt.Errorf("%s/pos_emb has %d values, want %d", scope, len(e.pos), cfg.MaxSeqLen*h)
		}
	case PosCustomTiming:
		e.pos = kernels.TimingSignal(cfg.MaxSeqLen, h, 1, cfg.PosMaxTimescale)
	default:
		e.pos = kernels.TimingSignal(cfg.MaxSeqLen, h, 1, 1e4)
	}

	for i := range cfg.Sizes {
		layer := fmt.Sprintf("%s/layer_%d", scope, i)
		var b attentionBlock
		parts := []struct {
			dst  *linear
			name string
			bias bool
		}{
			{&b.q, "/attention/q", false},
			{&b.k, "/attention/k", false},
			{&b.v, "/attention/v", false},
			{&b.o, "/attention/output", false},
			{&b.conv1, "/ffn/conv1", true},
			{&b.conv2, "/ffn/conv2", true},
		}
		for _, s := range parts {
			if *s.dst, err = m.loadLinear(layer+s.name, s.bias); err != nil {
				return nil, err
			}
		}
		if b.lnAttention, err = m.loadNorm(layer + "/ln_attention"); err != nil {
			return nil, err
		}
		if b.lnFFN, err = m.loadNorm(layer + "/ln_ffn"); err != nil {
			return nil, err
		}
		e.blocks = append(e.blocks, b)
	}
	if e.final, err = m.loadNorm(scope + "/ln_final"); err != nil {
		return nil, err
	}
	return e, nil
}

// loadLinear loads scope/kernel as Q8_0 and, if bias is set, scope/bias.
func (m *Model) loadLinear(scope string, bias bool) (linear, error) {
	view, err := m.reader.View(scope + "/kernel")
	if err != nil {
		return linear{}, err
	}
	var l linear
	if l.weight, err = view.Q8_0(); err != nil {
		return linear{}, fmt.Errorf("%s/kernel: %w", scope, err)
	}
	if !bias {
		return l, nil
	}
	if l.bias, err = m.loadTensorF32(scope + "/bias"); err != nil {
		return linear{}, err
	}
	if len(l.bias) != l.out() {
		return linear{}, fmt.Errorf("%s/bias has %d values, want %d", scope, len(l.bias), l.out())
	}
	return l, nil
}

func (m *Model) loadNorm(scope string) (layerNorm, error) {
	gamma, err := m.loadTensorF32(scope + "/gamma")
	if err != nil {
		return layerNorm{}, err
	}
	beta, err := m.loadTensorF32(scope + "/beta")
	if err != nil {
		return layerNorm{}, err
	}
	if len(gamma) != len(beta) {
		return layerNorm{}, fmt.Errorf("%s: gamma and beta differ in size", scope)
	}
	return layerNorm{gamma: gamma, beta: beta}, nil
}

// loadTensorF32 decodes a tensor into a fresh float32 slice
func (m *Model) loadTensorF32(name string) ([]float32, error) {
	view, err := m.reader.View(name)
	if err != nil {
		return nil, err
	}
	return view.Float32s()
}
