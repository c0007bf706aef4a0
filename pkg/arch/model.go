// Package arch contains the reference policy architecture: a small causal
// language model of residual MLP blocks with a language-model head and a value
// head.
package arch

import (
	"fmt"
	"math"

	"github.com/conneroisu/trlx/pkg/nn"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config is the shape of a CausalLM.
type Config struct {
	// VocabSize is the size of the vocabulary.
	VocabSize int
	// MaxSeqLen is the number of positions with an embedding.
	MaxSeqLen int
	// NumLayers is the number of blocks.
	NumLayers int
	// Channels is the embedding width.
	Channels int
}

func (c Config) validate() error {
	if c.VocabSize <= 0 || c.MaxSeqLen <= 0 || c.NumLayers < 0 || c.Channels <= 0 {
		return fmt.Errorf("invalid model config %+v", c)
	}
	return nil
}

// Block is one residual MLP block: x + W2 gelu(W1 ln(x) + b1) + b2.
type Block struct {
	LayerNormW *nn.Param // (C)
	LayerNormB *nn.Param // (C)
	FeedFwdW   *nn.Param // (C, 4C)
	FeedFwdB   *nn.Param // (4C)
	ProjW      *nn.Param // (4C, C)
	ProjB      *nn.Param // (C)
}

// Parameters returns the parameters of the block.
func (b *Block) Parameters() []*nn.Param {
	return []*nn.Param{b.LayerNormW, b.LayerNormB, b.FeedFwdW, b.FeedFwdB, b.ProjW, b.ProjB}
}

// CausalLM predicts the next token from the current token and its position.
// All parameters are views into the single Memory slab.
type CausalLM struct {
	Config Config
	// Memory backs every parameter.
	Memory []float64

	WordTokEmbed  *nn.Param // (V, C), tied with the LM head
	WordPosEmbed  *nn.Param // (maxT, C)
	Blocks        []*Block
	LayerFinNormW *nn.Param // (C)
	LayerFinNormB *nn.Param // (C)
	ValueW        *nn.Param // (C)
	ValueB        *nn.Param // (1)

	params []*nn.Param
}

func numValues(c Config) int {
	C, L := c.Channels, c.NumLayers
	return c.VocabSize*C + // WordTokEmbed
		c.MaxSeqLen*C + // WordPosEmbed
		L*C + // LayerNormW
		L*C + // LayerNormB
		L*C*4*C + // FeedFwdW
		L*4*C + // FeedFwdB
		L*4*C*C + // ProjW
		L*C + // ProjB
		C + // LayerFinNormW
		C + // LayerFinNormB
		C + // ValueW
		1 // ValueB
}

// NewCausalLM allocates a model and initializes it from seed.
func NewCausalLM(cfg Config, seed uint64) (*CausalLM, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	model := &CausalLM{
		Config: cfg,
		Memory: make([]float64, numValues(cfg)),
	}
	memPtr := model.Memory
	carve := func(name string, dims ...int) *nn.Param {
		n := 1
		for _, d := range dims {
			n *= d
		}
		p := nn.NewParam(name, memPtr[:n:n], dims...)
		memPtr = memPtr[n:]
		model.params = append(model.params, p)
		return p
	}
	C := cfg.Channels
	model.WordTokEmbed = carve("wte", cfg.VocabSize, C)
	model.WordPosEmbed = carve("wpe", cfg.MaxSeqLen, C)
	model.Blocks = make([]*Block, cfg.NumLayers)
	for l := range model.Blocks {
		model.Blocks[l] = &Block{
			LayerNormW: carve(fmt.Sprintf("h.%d.ln.w", l), C),
			LayerNormB: carve(fmt.Sprintf("h.%d.ln.b", l), C),
			FeedFwdW:   carve(fmt.Sprintf("h.%d.fc.w", l), C, 4*C),
			FeedFwdB:   carve(fmt.Sprintf("h.%d.fc.b", l), 4*C),
			ProjW:      carve(fmt.Sprintf("h.%d.proj.w", l), 4*C, C),
			ProjB:      carve(fmt.Sprintf("h.%d.proj.b", l), C),
		}
	}
	model.LayerFinNormW = carve("lnf.w", C)
	model.LayerFinNormB = carve("lnf.b", C)
	model.ValueW = carve("v_head.w", C)
	model.ValueB = carve("v_head.b", 1)
	if len(memPtr) != 0 {
		panic("arch: parameter slab not fully carved")
	}
	model.init(seed)
	return model, nil
}

func (m *CausalLM) init(seed uint64) {
	src := rand.NewSource(seed)
	normal := distuv.Normal{Mu: 0, Sigma: 0.02, Src: src}
	fill := func(p *nn.Param, dist distuv.Normal) {
		for i := range p.Data {
			p.Data[i] = dist.Rand()
		}
	}
	// residual projections are scaled down with depth
	projNormal := distuv.Normal{Mu: 0, Sigma: 0.02 / math.Sqrt(2*math.Max(1, float64(len(m.Blocks)))), Src: src}
	fill(m.WordTokEmbed, normal)
	fill(m.WordPosEmbed, normal)
	for _, b := range m.Blocks {
		floats.AddConst(1, b.LayerNormW.Data)
		fill(b.FeedFwdW, normal)
		fill(b.ProjW, projNormal)
	}
	floats.AddConst(1, m.LayerFinNormW.Data)
	fill(m.ValueW, normal)
}

// Parameters returns every parameter in slab order.
func (m *CausalLM) Parameters() []*nn.Param { return m.params }

// TransformerBlocks returns the blocks, bottom first.
func (m *CausalLM) TransformerBlocks() []nn.Module {
	blocks := make([]nn.Module, len(m.Blocks))
	for i, b := range m.Blocks {
		blocks[i] = b
	}
	return blocks
}

type blockActivations struct {
	xhat *mat.Dense // (N, C)
	norm *mat.Dense // (N, C)
	rstd []float64  // (N)
	pre  *mat.Dense // (N, 4C)
	act  *mat.Dense // (N, 4C)
}

// forwardPass holds the activations of one forward over N (token, position) pairs.
type forwardPass struct {
	inputs    []int32
	positions []int
	blocks    []blockActivations
	finalXhat *mat.Dense // (N, C)
	finalRstd []float64  // (N)
	hidden    *mat.Dense // (N, C) after the final layer norm
	logProbs  *mat.Dense // (N, V)
}

func (m *CausalLM) dense(p *nn.Param) *mat.Dense {
	return mat.NewDense(p.Dims[0], p.Dims[1], p.Data)
}

func (m *CausalLM) forward(inputs []int32, positions []int) (*forwardPass, error) {
	if len(inputs) != len(positions) {
		return nil, fmt.Errorf("got %d inputs and %d positions", len(inputs), len(positions))
	}
	N, C, V := len(inputs), m.Config.Channels, m.Config.VocabSize
	if N == 0 {
		return nil, fmt.Errorf("empty forward")
	}
	x := mat.NewDense(N, C, nil)
	for i, tok := range inputs {
		if tok < 0 || int(tok) >= V {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", tok, V)
		}
		pos := positions[i]
		if pos < 0 || pos >= m.Config.MaxSeqLen {
			return nil, fmt.Errorf("position %d outside [0, %d)", pos, m.Config.MaxSeqLen)
		}
		row := x.RawRowView(i)
		floats.AddTo(row, m.WordTokEmbed.Data[int(tok)*C:int(tok+1)*C], m.WordPosEmbed.Data[pos*C:(pos+1)*C])
	}
	pass := &forwardPass{
		inputs:    inputs,
		positions: positions,
		blocks:    make([]blockActivations, len(m.Blocks)),
	}
	for l, b := range m.Blocks {
		acts := blockActivations{
			xhat: mat.NewDense(N, C, nil),
			norm: mat.NewDense(N, C, nil),
			rstd: make([]float64, N),
			pre:  mat.NewDense(N, 4*C, nil),
			act:  mat.NewDense(N, 4*C, nil),
		}
		layerNormForward(acts.norm, acts.xhat, acts.rstd, x, b.LayerNormW.Data, b.LayerNormB.Data)
		acts.pre.Mul(acts.norm, m.dense(b.FeedFwdW))
		addBias(acts.pre, b.FeedFwdB.Data)
		acts.act.Apply(func(_, _ int, v float64) float64 { return gelu(v) }, acts.pre)
		var out mat.Dense
		out.Mul(acts.act, m.dense(b.ProjW))
		addBias(&out, b.ProjB.Data)
		x.Add(x, &out)
		pass.blocks[l] = acts
	}
	pass.finalXhat = mat.NewDense(N, C, nil)
	pass.finalRstd = make([]float64, N)
	pass.hidden = mat.NewDense(N, C, nil)
	layerNormForward(pass.hidden, pass.finalXhat, pass.finalRstd, x, m.LayerFinNormW.Data, m.LayerFinNormB.Data)

	logits := mat.NewDense(N, V, nil)
	logits.Mul(pass.hidden, m.dense(m.WordTokEmbed).T())
	pass.logProbs = mat.NewDense(N, V, nil)
	for i := 0; i < N; i++ {
		logSoftmax(pass.logProbs.RawRowView(i), logits.RawRowView(i))
	}
	return pass, nil
}

// Output is the result of LogProbs. Backward may be called once.
type Output struct {
	// LogProbs is log p(target | input, position) per example.
	LogProbs []float64
	// Values is the value head estimate per example.
	Values []float64
	// Entropy is the entropy of the next-token distribution per example.
	Entropy []float64

	model   *CausalLM
	pass    *forwardPass
	targets []int32
}

// LogProbs runs the model on N (input, position) pairs and scores targets.
func (m *CausalLM) LogProbs(inputs []int32, positions []int, targets []int32) (*Output, error) {
	if len(targets) != len(inputs) {
		return nil, fmt.Errorf("got %d targets for %d inputs", len(targets), len(inputs))
	}
	pass, err := m.forward(inputs, positions)
	if err != nil {
		return nil, err
	}
	N, V := len(inputs), m.Config.VocabSize
	out := &Output{
		LogProbs: make([]float64, N),
		Values:   make([]float64, N),
		Entropy:  make([]float64, N),
		model:    m,
		pass:     pass,
		targets:  targets,
	}
	for i, tgt := range targets {
		if tgt < 0 || int(tgt) >= V {
			return nil, fmt.Errorf("target %d outside vocabulary of %d", tgt, V)
		}
		row := pass.logProbs.RawRowView(i)
		out.LogProbs[i] = row[tgt]
		for _, lp := range row {
			out.Entropy[i] -= math.Exp(lp) * lp
		}
		out.Values[i] = floats.Dot(pass.hidden.RawRowView(i), m.ValueW.Data) + m.ValueB.Data[0]
	}
	return out, nil
}

func gradOf(p *nn.Param) []float64 {
	if !p.RequiresGrad() {
		return nil
	}
	return p.Grad
}

// addGrad adds m into the gradient of p unless p is frozen.
func addGrad(p *nn.Param, m *mat.Dense) {
	if !p.RequiresGrad() {
		return
	}
	rows, _ := m.Dims()
	cols := p.Len() / rows
	for i := 0; i < rows; i++ {
		floats.Add(p.Grad[i*cols:(i+1)*cols], m.RawRowView(i))
	}
}

// Backward accumulates into the parameter gradients the gradient of
// sum(dLogProbs . LogProbs) + sum(dValues . Values). Either slice may be nil.
func (o *Output) Backward(dLogProbs, dValues []float64) {
	m, pass := o.model, o.pass
	N, C, V := len(pass.inputs), m.Config.Channels, m.Config.VocabSize

	dlogits := mat.NewDense(N, V, nil)
	if dLogProbs != nil {
		for i := 0; i < N; i++ {
			row, lp := dlogits.RawRowView(i), pass.logProbs.RawRowView(i)
			for v := range row {
				row[v] = -dLogProbs[i] * math.Exp(lp[v])
			}
			row[o.targets[i]] += dLogProbs[i]
		}
	}
	dhidden := mat.NewDense(N, C, nil)
	dhidden.Mul(dlogits, m.dense(m.WordTokEmbed))
	if m.WordTokEmbed.RequiresGrad() {
		var dwte mat.Dense
		dwte.Mul(dlogits.T(), pass.hidden)
		addGrad(m.WordTokEmbed, &dwte)
	}
	if dValues != nil {
		for i := 0; i < N; i++ {
			floats.AddScaled(dhidden.RawRowView(i), dValues[i], m.ValueW.Data)
			if m.ValueW.RequiresGrad() {
				floats.AddScaled(m.ValueW.Grad, dValues[i], pass.hidden.RawRowView(i))
			}
			if m.ValueB.RequiresGrad() {
				m.ValueB.Grad[0] += dValues[i]
			}
		}
	}

	dx := mat.NewDense(N, C, nil)
	layerNormBackward(dx, dhidden, pass.finalXhat, pass.finalRstd,
		m.LayerFinNormW.Data, gradOf(m.LayerFinNormW), gradOf(m.LayerFinNormB))

	for l := len(m.Blocks) - 1; l >= 0; l-- {
		b, acts := m.Blocks[l], pass.blocks[l]
		// dx is the gradient of the block output; the residual passes it through
		if b.ProjW.RequiresGrad() {
			var dprojw mat.Dense
			dprojw.Mul(acts.act.T(), dx)
			addGrad(b.ProjW, &dprojw)
		}
		if b.ProjB.RequiresGrad() {
			sumRows(b.ProjB.Grad, dx)
		}
		da := mat.NewDense(N, 4*C, nil)
		da.Mul(dx, m.dense(b.ProjW).T())
		da.Apply(func(i, j int, v float64) float64 { return v * geluGrad(acts.pre.At(i, j)) }, da)
		if b.FeedFwdW.RequiresGrad() {
			var dfcw mat.Dense
			dfcw.Mul(acts.norm.T(), da)
			addGrad(b.FeedFwdW, &dfcw)
		}
		if b.FeedFwdB.RequiresGrad() {
			sumRows(b.FeedFwdB.Grad, da)
		}
		dnorm := mat.NewDense(N, C, nil)
		dnorm.Mul(da, m.dense(b.FeedFwdW).T())
		layerNormBackward(dx, dnorm, acts.xhat, acts.rstd,
			b.LayerNormW.Data, gradOf(b.LayerNormW), gradOf(b.LayerNormB))
	}

	for i, tok := range pass.inputs {
		row := dx.RawRowView(i)
		if m.WordTokEmbed.RequiresGrad() {
			floats.Add(m.WordTokEmbed.Grad[int(tok)*C:int(tok+1)*C], row)
		}
		if m.WordPosEmbed.RequiresGrad() {
			pos := pass.positions[i]
			floats.Add(m.WordPosEmbed.Grad[pos*C:(pos+1)*C], row)
		}
	}
}
