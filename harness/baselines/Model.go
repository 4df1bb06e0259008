// Package baselines implements the two comparison models the
// experiment harness trains alongside the proposed forecaster:
// SingleSeriesAR, a single-entity autoregressive recurrent model, and
// MultiSeriesNonAR, a pooled recurrent model with no autoregressive
// feedback. Both reuse the same network.RecurrentBackbone and
// network.Linear building blocks as forecast.Model (grounded on
// forecast/Model.go's net/buildStep split) but train a plain MSE
// point head instead of a Gaussian likelihood, since neither baseline
// is meant to produce a calibrated predictive distribution.
package baselines

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/popgrowth/deepar/initwfn"
	"github.com/popgrowth/deepar/network"
)

// Config describes one baseline's input composition. Exactly one of
// UseEntityEmbedding/UsePrevValue combinations defines SingleSeriesAR
// (UsePrevValue only) vs MultiSeriesNonAR (UseEntityEmbedding +
// UseYearCovariate, no UsePrevValue).
type Config struct {
	NumEntities       int
	EmbedDim          int
	YearHidden        []int
	Hidden            int
	Layers            int
	Dropout           float64
	UseEntityEmbedding bool
	UseYearCovariate   bool
	UsePrevValue       bool
}

// SingleSeriesAR returns the Baseline A configuration: a
// single-entity autoregressive model conditioned only on its own
// previous value, with no entity embedding or year covariate.
func SingleSeriesAR(hidden, layers int, dropout float64) Config {
	return Config{
		Hidden: hidden, Layers: layers, Dropout: dropout,
		UsePrevValue: true,
	}
}

// MultiSeriesNonAR returns the Baseline B configuration: a pooled
// model conditioned on entity identity and year alone, with no
// autoregressive feedback of the previous observed value.
func MultiSeriesNonAR(numEntities, embedDim int, yearHidden []int, hidden, layers int, dropout float64) Config {
	return Config{
		NumEntities: numEntities, EmbedDim: embedDim, YearHidden: yearHidden,
		Hidden: hidden, Layers: layers, Dropout: dropout,
		UseEntityEmbedding: true, UseYearCovariate: true,
	}
}

// net holds the learnable parameters of one baseline instantiation.
type net struct {
	cfg        Config
	embed      *network.Embedding // nil unless UseEntityEmbedding
	yearLayers []*network.Linear  // empty unless UseYearCovariate
	backbone   *network.RecurrentBackbone
	head       *network.Linear
}

func buildNet(cfg Config, g *G.ExprGraph) (*net, error) {
	xavier, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return nil, fmt.Errorf("baselines buildnet: %w", err)
	}
	orthogonal, err := initwfn.NewOrthogonal(1.0)
	if err != nil {
		return nil, fmt.Errorf("baselines buildnet: %w", err)
	}
	zeroes, err := initwfn.NewZeroes()
	if err != nil {
		return nil, fmt.Errorf("baselines buildnet: %w", err)
	}

	n := &net{cfg: cfg}

	inputDim := 0
	if cfg.UsePrevValue {
		inputDim++
	}
	if cfg.UseEntityEmbedding {
		embedInit := G.Gaussian(0, 0.01)
		n.embed = network.NewEmbedding(cfg.NumEntities, cfg.EmbedDim, g, embedInit)
		inputDim += cfg.EmbedDim
	}
	if cfg.UseYearCovariate {
		in := 1
		for i, out := range cfg.YearHidden {
			layer := network.NewLinear(in, out, g, network.ReLU(),
				xavier.InitWFn(), zeroes.InitWFn(), fmt.Sprintf("BaseYear%d", i))
			n.yearLayers = append(n.yearLayers, layer)
			in = out
		}
		if len(cfg.YearHidden) > 0 {
			inputDim += cfg.YearHidden[len(cfg.YearHidden)-1]
		} else {
			inputDim++
		}
	}

	n.backbone = network.NewRecurrentBackbone(inputDim, cfg.Hidden, cfg.Layers,
		cfg.Dropout, g, xavier.InitWFn(), orthogonal.InitWFn())
	n.head = network.NewLinear(cfg.Hidden, 1, g, network.Identity(),
		xavier.InitWFn(), zeroes.InitWFn(), "BaseHead")

	return n, nil
}

func (n *net) learnables() G.Nodes {
	var nodes G.Nodes
	if n.embed != nil {
		nodes = append(nodes, n.embed.Weights())
	}
	for _, l := range n.yearLayers {
		nodes = append(nodes, l.Learnables()...)
	}
	nodes = append(nodes, n.backbone.Learnables()...)
	nodes = append(nodes, n.head.Learnables()...)
	return nodes
}

func (n *net) yearFwd(year *G.Node) (*G.Node, error) {
	out := year
	var err error
	for _, l := range n.yearLayers {
		out, err = l.Fwd(out)
		if err != nil {
			return nil, fmt.Errorf("baselines yearfwd: %w", err)
		}
	}
	return out, nil
}

// buildStep computes one recurrent timestep. oneHot and zPrev are
// nil when the config does not use that input channel.
func (n *net) buildStep(oneHot, zPrev, year *G.Node, prevStates []*G.Node) (
	pred *G.Node, newStates []*G.Node, err error) {

	var parts []*G.Node
	if n.cfg.UsePrevValue {
		parts = append(parts, zPrev)
	}
	if n.cfg.UseEntityEmbedding {
		embedOut, err := n.embed.Fwd(oneHot)
		if err != nil {
			return nil, nil, fmt.Errorf("baselines buildstep: %w", err)
		}
		parts = append(parts, embedOut)
	}
	if n.cfg.UseYearCovariate {
		yearOut, err := n.yearFwd(year)
		if err != nil {
			return nil, nil, fmt.Errorf("baselines buildstep: %w", err)
		}
		parts = append(parts, yearOut)
	}

	var input *G.Node
	if len(parts) == 1 {
		input = parts[0]
	} else {
		input, err = G.Concat(1, parts...)
		if err != nil {
			return nil, nil, fmt.Errorf("baselines buildstep: concat: %w", err)
		}
	}

	newStates, err = n.backbone.Fwd(input, prevStates)
	if err != nil {
		return nil, nil, fmt.Errorf("baselines buildstep: backbone: %w", err)
	}

	h := newStates[len(newStates)-1]
	pred, err = n.head.Fwd(h)
	if err != nil {
		return nil, nil, fmt.Errorf("baselines buildstep: head: %w", err)
	}
	return pred, newStates, nil
}

// Model is a trainable baseline: a training net unrolled over a fixed
// (batch, window) shape, trained with mean-squared error against the
// next observed value at every step.
type Model struct {
	cfg Config

	trainBatch, trainWindow int
	train                   *net
	oneHotIn                *G.Node // nil unless UseEntityEmbedding
	valuesIn                []*G.Node
	yearsIn                 []*G.Node
	lossNode                *G.Node
	vm                      *G.TapeMachine
	solver                  G.Solver
}

// NewModel builds a baseline Model for the given configuration,
// unrolled across trainWindow timesteps for a batch of trainBatch
// rows, predicting each step's value from the previous step's target.
func NewModel(cfg Config, trainBatch, trainWindow int, solver G.Solver) (*Model, error) {
	g := G.NewGraph()
	n, err := buildNet(cfg, g)
	if err != nil {
		return nil, fmt.Errorf("baselines newmodel: %w", err)
	}

	var oneHotIn *G.Node
	if cfg.UseEntityEmbedding {
		oneHotIn = G.NewMatrix(g, tensor.Float64, G.WithName("BaseOneHot"),
			G.WithShape(trainBatch, cfg.NumEntities))
	}

	valuesIn := make([]*G.Node, trainWindow)
	yearsIn := make([]*G.Node, trainWindow)
	for t := 0; t < trainWindow; t++ {
		valuesIn[t] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("BaseValue_%d", t)),
			G.WithShape(trainBatch, 1))
		yearsIn[t] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("BaseYear_%d", t)),
			G.WithShape(trainBatch, 1))
	}

	states := n.backbone.ZeroState(g, trainBatch)

	var totalSE *G.Node
	for t := 0; t < trainWindow; t++ {
		var zPrev *G.Node
		if cfg.UsePrevValue {
			if t == 0 {
				zPrev = G.NewMatrix(g, tensor.Float64, G.WithName("BaseZPrevInit"),
					G.WithShape(trainBatch, 1), G.WithInit(G.Zeroes()))
			} else {
				zPrev = valuesIn[t-1]
			}
		}

		pred, newStates, err := n.buildStep(oneHotIn, zPrev, yearsIn[t], states)
		if err != nil {
			return nil, fmt.Errorf("baselines newmodel: step %d: %w", t, err)
		}
		states = newStates

		diff, err := G.Sub(pred, valuesIn[t])
		if err != nil {
			return nil, fmt.Errorf("baselines newmodel: %w", err)
		}
		sq, err := G.Square(diff)
		if err != nil {
			return nil, fmt.Errorf("baselines newmodel: %w", err)
		}
		stepSum, err := G.Sum(sq)
		if err != nil {
			return nil, fmt.Errorf("baselines newmodel: %w", err)
		}

		if totalSE == nil {
			totalSE = stepSum
		} else {
			totalSE, err = G.Add(totalSE, stepSum)
			if err != nil {
				return nil, fmt.Errorf("baselines newmodel: %w", err)
			}
		}
	}

	count := float64(trainBatch * trainWindow)
	loss, err := G.Div(totalSE, G.NewConstant(count))
	if err != nil {
		return nil, fmt.Errorf("baselines newmodel: %w", err)
	}

	learnables := n.learnables()
	if _, err := G.Grad(loss, learnables...); err != nil {
		return nil, fmt.Errorf("baselines newmodel: grad: %w", err)
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(learnables...))

	return &Model{
		cfg: cfg, trainBatch: trainBatch, trainWindow: trainWindow,
		train: n, oneHotIn: oneHotIn, valuesIn: valuesIn, yearsIn: yearsIn,
		lossNode: loss, vm: vm, solver: solver,
	}, nil
}

// Loss returns the scalar loss node's most recently computed value.
func (m *Model) Loss() float64 {
	return m.lossNode.Value().Data().(float64)
}

func (m *Model) forward(entityIdx []int, values, years [][]float64) (float64, error) {
	if m.cfg.UseEntityEmbedding {
		oneHot := network.OneHot(entityIdx, m.cfg.NumEntities)
		if err := G.Let(m.oneHotIn, oneHot); err != nil {
			return 0, fmt.Errorf("baselines forward: %w", err)
		}
	}

	for t := 0; t < m.trainWindow; t++ {
		valCol := column(values, t)
		yearCol := column(years, t)
		if err := G.Let(m.valuesIn[t], tensor.New(
			tensor.WithShape(m.trainBatch, 1), tensor.WithBacking(valCol))); err != nil {
			return 0, fmt.Errorf("baselines forward: value %d: %w", t, err)
		}
		if err := G.Let(m.yearsIn[t], tensor.New(
			tensor.WithShape(m.trainBatch, 1), tensor.WithBacking(yearCol))); err != nil {
			return 0, fmt.Errorf("baselines forward: year %d: %w", t, err)
		}
	}

	if err := m.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("baselines forward: runall: %w", err)
	}
	return m.Loss(), nil
}

// TrainStep runs one forward+backward+optimizer pass.
func (m *Model) TrainStep(entityIdx []int, values, years [][]float64) (float64, error) {
	loss, err := m.forward(entityIdx, values, years)
	if err != nil {
		return 0, fmt.Errorf("baselines trainstep: %w", err)
	}
	defer m.vm.Reset()

	if err := m.solver.Step(valueGrads(m.train.learnables())); err != nil {
		return loss, fmt.Errorf("baselines trainstep: solver step: %w", err)
	}
	return loss, nil
}

// EvalStep runs the forward pass only.
func (m *Model) EvalStep(entityIdx []int, values, years [][]float64) (float64, error) {
	loss, err := m.forward(entityIdx, values, years)
	if err != nil {
		return 0, fmt.Errorf("baselines evalstep: %w", err)
	}
	m.vm.Reset()
	return loss, nil
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
