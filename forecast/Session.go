package forecast

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/popgrowth/deepar/network"
)

// Session is a single-step inference graph, built fresh for a given
// batch size (the number of Monte-Carlo trajectories a predictor is
// running in parallel) and synced to a Model's trained weights. It
// shares buildStep with the training graph so a prediction step is
// computed by exactly the same code path as training.
type Session struct {
	net      *net
	batch    int
	oneHotIn *G.Node
	zPrevIn  *G.Node
	yearIn   *G.Node
	statesIn []*G.Node
	mu       *G.Node
	sigma    *G.Node
	newState []*G.Node
	vm       *G.TapeMachine
}

// NewSession builds an inference Session of the given batch size,
// with weights copied from m's trained parameters.
func (m *Model) NewSession(batch int) (*Session, error) {
	g := G.NewGraph()
	n, err := buildNet(m.cfg, g)
	if err != nil {
		return nil, fmt.Errorf("newsession: %w", err)
	}
	if err := copyWeights(n.learnables(), m.train.learnables()); err != nil {
		return nil, fmt.Errorf("newsession: sync weights: %w", err)
	}

	oneHotIn := G.NewMatrix(g, tensor.Float64, G.WithName("StepOneHot"),
		G.WithShape(batch, m.cfg.NumEntities))
	zPrevIn := G.NewMatrix(g, tensor.Float64, G.WithName("StepZPrev"),
		G.WithShape(batch, 1))
	yearIn := G.NewMatrix(g, tensor.Float64, G.WithName("StepYear"),
		G.WithShape(batch, 1))

	statesIn := make([]*G.Node, n.backbone.NumLayers())
	for i := range statesIn {
		statesIn[i] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("StepState_%d", i)),
			G.WithShape(batch, n.backbone.Hidden()), G.WithInit(G.Zeroes()))
	}

	n.backbone.Eval()
	mu, sigma, newState, err := n.buildStep(oneHotIn, zPrevIn, yearIn, statesIn)
	if err != nil {
		return nil, fmt.Errorf("newsession: buildstep: %w", err)
	}

	vm := G.NewTapeMachine(g)

	return &Session{
		net: n, batch: batch,
		oneHotIn: oneHotIn, zPrevIn: zPrevIn, yearIn: yearIn, statesIn: statesIn,
		mu: mu, sigma: sigma, newState: newState, vm: vm,
	}, nil
}

// StepInput is one batch of single-timestep inputs to a Session.
type StepInput struct {
	EntityIndex []int
	ZPrev       []float64
	Year        []float64
	States      []*tensor.Dense // len == number of recurrent layers
}

// StepOutput is the result of one Session.Step call.
type StepOutput struct {
	Mu, Sigma []float64
	States    []*tensor.Dense
}

// Step runs the session's single-step graph once, returning the
// Gaussian parameters for every trajectory in the batch and the
// updated per-layer hidden states to feed into the next call.
func (s *Session) Step(in StepInput) (StepOutput, error) {
	oneHot := network.OneHot(in.EntityIndex, s.oneHotInEntities())
	if err := G.Let(s.oneHotIn, oneHot); err != nil {
		return StepOutput{}, fmt.Errorf("session step: %w", err)
	}
	if err := G.Let(s.zPrevIn, tensor.New(
		tensor.WithShape(s.batch, 1), tensor.WithBacking(append([]float64{}, in.ZPrev...)))); err != nil {
		return StepOutput{}, fmt.Errorf("session step: %w", err)
	}
	if err := G.Let(s.yearIn, tensor.New(
		tensor.WithShape(s.batch, 1), tensor.WithBacking(append([]float64{}, in.Year...)))); err != nil {
		return StepOutput{}, fmt.Errorf("session step: %w", err)
	}
	for i, st := range in.States {
		if err := G.Let(s.statesIn[i], st); err != nil {
			return StepOutput{}, fmt.Errorf("session step: state %d: %w", i, err)
		}
	}

	if err := s.vm.RunAll(); err != nil {
		return StepOutput{}, fmt.Errorf("session step: runall: %w", err)
	}
	defer s.vm.Reset()

	out := StepOutput{
		Mu:     append([]float64{}, s.mu.Value().Data().([]float64)...),
		Sigma:  append([]float64{}, s.sigma.Value().Data().([]float64)...),
		States: make([]*tensor.Dense, len(s.newState)),
	}
	for i, st := range s.newState {
		out.States[i] = st.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	}
	return out, nil
}

// ZeroStates returns a fresh zero hidden state for every recurrent
// layer, sized for this session's batch.
func (s *Session) ZeroStates() []*tensor.Dense {
	states := make([]*tensor.Dense, s.net.backbone.NumLayers())
	for i := range states {
		states[i] = tensor.New(
			tensor.WithShape(s.batch, s.net.backbone.Hidden()),
			tensor.WithBacking(make([]float64, s.batch*s.net.backbone.Hidden())))
	}
	return states
}

func (s *Session) oneHotInEntities() int {
	return s.oneHotIn.Shape()[1]
}

// copyWeights copies every learnable node's value from src into dst,
// in lockstep order, keeping an inference net synced to its training
// counterpart.
func copyWeights(dst, src G.Nodes) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copyweights: mismatched learnable counts %d != %d",
			len(dst), len(src))
	}
	for i := range dst {
		if err := G.Let(dst[i], src[i].Value()); err != nil {
			return fmt.Errorf("copyweights: node %d: %w", i, err)
		}
	}
	return nil
}
