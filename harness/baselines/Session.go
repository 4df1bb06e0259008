package baselines

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/popgrowth/deepar/network"
)

// Session is a single-step inference graph for a trained baseline
// Model, mirroring forecast.Session: buildStep is shared with
// training so a forecast step runs the exact code path training used.
// For MultiSeriesNonAR (UsePrevValue == false) the ZPrev field of
// every StepInput is simply ignored by buildStep, which is how the
// "value-free conditioning" behavior documented in DESIGN.md falls
// out of the shared architecture rather than a special case here.
type Session struct {
	net      *net
	cfg      Config
	batch    int
	oneHotIn *G.Node
	zPrevIn  *G.Node
	yearIn   *G.Node
	statesIn []*G.Node
	pred     *G.Node
	newState []*G.Node
	vm       *G.TapeMachine
}

// NewSession builds an inference Session for m, with weights copied
// from its trained parameters.
func (m *Model) NewSession(batch int) (*Session, error) {
	g := G.NewGraph()
	n, err := buildNet(m.cfg, g)
	if err != nil {
		return nil, fmt.Errorf("baselines newsession: %w", err)
	}
	if err := copyWeights(n.learnables(), m.train.learnables()); err != nil {
		return nil, fmt.Errorf("baselines newsession: sync weights: %w", err)
	}

	var oneHotIn, zPrevIn *G.Node
	if m.cfg.UseEntityEmbedding {
		oneHotIn = G.NewMatrix(g, tensor.Float64, G.WithName("BaseStepOneHot"),
			G.WithShape(batch, m.cfg.NumEntities))
	}
	if m.cfg.UsePrevValue {
		zPrevIn = G.NewMatrix(g, tensor.Float64, G.WithName("BaseStepZPrev"),
			G.WithShape(batch, 1))
	}
	yearIn := G.NewMatrix(g, tensor.Float64, G.WithName("BaseStepYear"),
		G.WithShape(batch, 1))

	statesIn := make([]*G.Node, n.backbone.NumLayers())
	for i := range statesIn {
		statesIn[i] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("BaseStepState_%d", i)),
			G.WithShape(batch, n.backbone.Hidden()), G.WithInit(G.Zeroes()))
	}

	n.backbone.Eval()
	pred, newState, err := n.buildStep(oneHotIn, zPrevIn, yearIn, statesIn)
	if err != nil {
		return nil, fmt.Errorf("baselines newsession: buildstep: %w", err)
	}

	vm := G.NewTapeMachine(g)

	return &Session{
		net: n, cfg: m.cfg, batch: batch,
		oneHotIn: oneHotIn, zPrevIn: zPrevIn, yearIn: yearIn, statesIn: statesIn,
		pred: pred, newState: newState, vm: vm,
	}, nil
}

// StepInput is one batch of single-timestep inputs. ZPrev and
// EntityIndex are ignored when the session's config does not use that
// channel.
type StepInput struct {
	EntityIndex []int
	ZPrev       []float64
	Year        []float64
	States      []*tensor.Dense
}

// StepOutput is the result of one Session.Step call.
type StepOutput struct {
	Pred   []float64
	States []*tensor.Dense
}

// Step runs the session's single-step graph once.
func (s *Session) Step(in StepInput) (StepOutput, error) {
	if s.cfg.UseEntityEmbedding {
		oneHot := network.OneHot(in.EntityIndex, s.cfg.NumEntities)
		if err := G.Let(s.oneHotIn, oneHot); err != nil {
			return StepOutput{}, fmt.Errorf("baselines session step: %w", err)
		}
	}
	if s.cfg.UsePrevValue {
		if err := G.Let(s.zPrevIn, tensor.New(
			tensor.WithShape(s.batch, 1), tensor.WithBacking(append([]float64{}, in.ZPrev...)))); err != nil {
			return StepOutput{}, fmt.Errorf("baselines session step: %w", err)
		}
	}
	if err := G.Let(s.yearIn, tensor.New(
		tensor.WithShape(s.batch, 1), tensor.WithBacking(append([]float64{}, in.Year...)))); err != nil {
		return StepOutput{}, fmt.Errorf("baselines session step: %w", err)
	}
	for i, st := range in.States {
		if err := G.Let(s.statesIn[i], st); err != nil {
			return StepOutput{}, fmt.Errorf("baselines session step: state %d: %w", i, err)
		}
	}

	if err := s.vm.RunAll(); err != nil {
		return StepOutput{}, fmt.Errorf("baselines session step: runall: %w", err)
	}
	defer s.vm.Reset()

	out := StepOutput{
		Pred:   append([]float64{}, s.pred.Value().Data().([]float64)...),
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

// copyWeights copies every learnable node's value from src into dst,
// in lockstep order, the same idiom forecast.copyWeights uses.
func copyWeights(dst, src G.Nodes) error {
	if len(dst) != len(src) {
		return fmt.Errorf("baselines copyweights: mismatched learnable counts %d != %d",
			len(dst), len(src))
	}
	for i := range dst {
		if err := G.Let(dst[i], src[i].Value()); err != nil {
			return fmt.Errorf("baselines copyweights: node %d: %w", i, err)
		}
	}
	return nil
}
