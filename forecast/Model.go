// Package forecast implements the DeepAR-style forecast model: a
// country embedding, a year-covariate projection, a stacked GRU
// backbone fed with the autoregressive previous value, and a
// Gaussian likelihood head. Training unrolls the backbone across a
// fixed window in one graph; inference steps it one timestep at a
// time, sharing the same buildStep construction so weights and
// feature handling never drift between the two modes.
package forecast

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/initwfn"
	"github.com/popgrowth/deepar/network"
)

// Config describes the forecast model's architecture.
type Config struct {
	NumEntities int
	EmbedDim    int
	YearHidden  []int // e.g. [16, 8]
	Hidden      int
	Layers      int
	Dropout     float64
}

// net holds one instantiation of the model's learnable parameters on
// a single computational graph. A Model holds one net unrolled across
// a fixed training window; Model.NewSession builds a separate
// single-step net for inference and copies the training net's weight
// values into it (see copyWeights), the same way the teacher's VAC
// agent keeps a target network in sync with its training network.
type net struct {
	graph      *G.ExprGraph
	cfg        Config
	embed      *network.Embedding
	yearLayers []*network.Linear
	backbone   *network.RecurrentBackbone
	head       *network.GaussianHead
}

func buildNet(cfg Config, g *G.ExprGraph) (*net, error) {
	embedInit := G.Gaussian(0, 0.01)
	xavier, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return nil, fmt.Errorf("buildnet: %w", err)
	}
	orthogonal, err := initwfn.NewOrthogonal(1.0)
	if err != nil {
		return nil, fmt.Errorf("buildnet: %w", err)
	}
	zeroes, err := initwfn.NewZeroes()
	if err != nil {
		return nil, fmt.Errorf("buildnet: %w", err)
	}

	embed := network.NewEmbedding(cfg.NumEntities, cfg.EmbedDim, g, embedInit)

	yearLayers := make([]*network.Linear, len(cfg.YearHidden))
	in := 1
	for i, out := range cfg.YearHidden {
		act := network.ReLU()
		yearLayers[i] = network.NewLinear(in, out, g, act,
			xavier.InitWFn(), zeroes.InitWFn(), fmt.Sprintf("Year%d", i))
		in = out
	}

	inputDim := 1 + cfg.EmbedDim
	if len(cfg.YearHidden) > 0 {
		inputDim += cfg.YearHidden[len(cfg.YearHidden)-1]
	} else {
		inputDim++
	}

	backbone := network.NewRecurrentBackbone(inputDim, cfg.Hidden, cfg.Layers,
		cfg.Dropout, g, xavier.InitWFn(), orthogonal.InitWFn())

	head := network.NewGaussianHead(cfg.Hidden, g, xavier.InitWFn(), zeroes.InitWFn())

	return &net{graph: g, cfg: cfg, embed: embed, yearLayers: yearLayers,
		backbone: backbone, head: head}, nil
}

// learnables returns every learnable parameter node in the net, in a
// fixed, deterministic order used both for G.Grad and for copying
// weights between nets.
func (n *net) learnables() G.Nodes {
	nodes := G.Nodes{n.embed.Weights()}
	for _, l := range n.yearLayers {
		nodes = append(nodes, l.Learnables()...)
	}
	nodes = append(nodes, n.backbone.Learnables()...)
	nodes = append(nodes, n.head.Learnables()...)
	return nodes
}

// yearFwd projects a single normalized-year input node through the
// year-covariate MLP.
func (n *net) yearFwd(year *G.Node) (*G.Node, error) {
	out := year
	var err error
	for _, l := range n.yearLayers {
		out, err = l.Fwd(out)
		if err != nil {
			return nil, fmt.Errorf("yearfwd: %w", err)
		}
	}
	return out, nil
}

// buildStep computes one recurrent timestep: embed the entity,
// project the year covariate, concatenate with the autoregressive
// previous value, step every layer of the backbone, and project the
// final hidden state to a Gaussian (mu, sigma).
func (n *net) buildStep(oneHot, zPrev, year *G.Node, prevStates []*G.Node) (
	mu, sigma *G.Node, newStates []*G.Node, err error) {

	embedOut, err := n.embed.Fwd(oneHot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildstep: %w", err)
	}

	yearOut, err := n.yearFwd(year)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildstep: %w", err)
	}

	input, err := G.Concat(1, zPrev, embedOut, yearOut)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildstep: concat: %w", err)
	}

	newStates, err = n.backbone.Fwd(input, prevStates)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildstep: backbone: %w", err)
	}

	h := newStates[len(newStates)-1]
	mu, sigma, err = n.head.Fwd(h)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildstep: head: %w", err)
	}
	return mu, sigma, newStates, nil
}

// Model is the full trainable forecast model: a training net unrolled
// across a fixed (batch, window) shape, plus the machinery to build
// fresh single-step inference nets synced to the trained weights.
type Model struct {
	cfg Config

	trainBatch, trainWindow int
	train                   *net
	oneHotIn                *G.Node
	valuesIn                []*G.Node // window placeholders, each (batch,1)
	yearsIn                 []*G.Node // window placeholders, each (batch,1)
	lossNode                *G.Node
	vm                      *G.TapeMachine
	solver                  G.Solver
}

// NewModel builds a Model whose training graph is unrolled for
// exactly trainBatch samples over trainWindow timesteps. The solver is
// supplied by the caller (trainer package) so gradient clipping/LR
// configuration stays in one place.
func NewModel(cfg Config, trainBatch, trainWindow int, solver G.Solver) (*Model, error) {
	g := G.NewGraph()
	n, err := buildNet(cfg, g)
	if err != nil {
		return nil, fmt.Errorf("newmodel: %w", err)
	}

	oneHotIn := G.NewMatrix(g, tensor.Float64, G.WithName("OneHot"),
		G.WithShape(trainBatch, cfg.NumEntities))

	valuesIn := make([]*G.Node, trainWindow)
	yearsIn := make([]*G.Node, trainWindow)
	for t := 0; t < trainWindow; t++ {
		valuesIn[t] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("Value_%d", t)),
			G.WithShape(trainBatch, 1))
		yearsIn[t] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("Year_%d", t)),
			G.WithShape(trainBatch, 1))
	}

	states := n.backbone.ZeroState(g, trainBatch)

	var totalNegLogProb *G.Node
	for t := 0; t < trainWindow; t++ {
		var zPrev *G.Node
		if t == 0 {
			zPrev = G.NewMatrix(g, tensor.Float64, G.WithName("ZPrevInit"),
				G.WithShape(trainBatch, 1), G.WithInit(G.Zeroes()))
		} else {
			zPrev = valuesIn[t-1]
		}

		mu, sigma, newStates, err := n.buildStep(oneHotIn, zPrev, yearsIn[t], states)
		if err != nil {
			return nil, fmt.Errorf("newmodel: step %d: %w", t, err)
		}
		states = newStates

		lp, err := network.LogProb(valuesIn[t], mu, sigma)
		if err != nil {
			return nil, fmt.Errorf("newmodel: logprob step %d: %w", t, err)
		}
		negLP, err := G.Neg(lp)
		if err != nil {
			return nil, fmt.Errorf("newmodel: %w", err)
		}
		stepSum, err := G.Sum(negLP)
		if err != nil {
			return nil, fmt.Errorf("newmodel: %w", err)
		}

		if totalNegLogProb == nil {
			totalNegLogProb = stepSum
		} else {
			totalNegLogProb, err = G.Add(totalNegLogProb, stepSum)
			if err != nil {
				return nil, fmt.Errorf("newmodel: %w", err)
			}
		}
	}

	count := float64(trainBatch * trainWindow)
	loss, err := G.Div(totalNegLogProb, G.NewConstant(count))
	if err != nil {
		return nil, fmt.Errorf("newmodel: %w", err)
	}

	learnables := n.learnables()
	if _, err := G.Grad(loss, learnables...); err != nil {
		return nil, fmt.Errorf("newmodel: grad: %w", err)
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(learnables...))

	return &Model{
		cfg:         cfg,
		trainBatch:  trainBatch,
		trainWindow: trainWindow,
		train:       n,
		oneHotIn:    oneHotIn,
		valuesIn:    valuesIn,
		yearsIn:     yearsIn,
		lossNode:    loss,
		vm:          vm,
		solver:      solver,
	}, nil
}

// Loss returns the scalar loss node's most recently computed value.
func (m *Model) Loss() float64 {
	return m.lossNode.Value().Data().(float64)
}

// SetSolver replaces the solver used by TrainStep, allowing a
// learning-rate scheduler to swap in a freshly configured solver
// (Gorgonia solvers have no public learning-rate setter, so a
// schedule change rebuilds the solver rather than mutating it).
func (m *Model) SetSolver(s G.Solver) {
	m.solver = s
}

// forward binds a dense batch to the training graph's placeholders
// and runs the graph once, returning the resulting loss.
func (m *Model) forward(b dataset.Batch) (loss float64, err error) {
	oneHot := network.OneHot(rowEntities(b), m.cfg.NumEntities)
	if err := G.Let(m.oneHotIn, oneHot); err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}

	for t := 0; t < m.trainWindow; t++ {
		valCol := column(b.Values, t)
		yearCol := column(b.Years, t)
		if err := G.Let(m.valuesIn[t], tensor.New(
			tensor.WithShape(m.trainBatch, 1), tensor.WithBacking(valCol))); err != nil {
			return 0, fmt.Errorf("forward: value %d: %w", t, err)
		}
		if err := G.Let(m.yearsIn[t], tensor.New(
			tensor.WithShape(m.trainBatch, 1), tensor.WithBacking(yearCol))); err != nil {
			return 0, fmt.Errorf("forward: year %d: %w", t, err)
		}
	}

	if err := m.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("forward: runall: %w", err)
	}

	return m.Loss(), nil
}

// TrainStep runs one forward+backward+optimizer pass over a dense
// training batch, whose window length must equal the model's
// trainWindow and whose row count must equal trainBatch.
func (m *Model) TrainStep(b dataset.Batch) (loss float64, err error) {
	loss, err = m.forward(b)
	if err != nil {
		return 0, fmt.Errorf("trainstep: %w", err)
	}
	defer m.vm.Reset()

	if err := m.solver.Step(valueGrads(m.train.learnables())); err != nil {
		return loss, fmt.Errorf("trainstep: solver step: %w", err)
	}

	return loss, nil
}

// EvalStep runs the forward pass only (no optimizer update), used for
// the trainer's validation pass.
func (m *Model) EvalStep(b dataset.Batch) (loss float64, err error) {
	loss, err = m.forward(b)
	if err != nil {
		return 0, fmt.Errorf("evalstep: %w", err)
	}
	m.vm.Reset()
	return loss, nil
}

func rowEntities(b dataset.Batch) []int {
	out := make([]int, len(b.EntityIndex))
	for i, row := range b.EntityIndex {
		out[i] = row[0]
	}
	return out
}

func column(rows [][]float64, t int) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row[t]
	}
	return out
}

func valueGrads(nodes G.Nodes) []G.ValueGrad {
	out := make([]G.ValueGrad, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}

// Learnables exposes the training net's learnable nodes, e.g. for
// checkpointing.
func (m *Model) Learnables() G.Nodes {
	return m.train.learnables()
}

// Config returns the model's architecture configuration.
func (m *Model) Config() Config {
	return m.cfg
}
