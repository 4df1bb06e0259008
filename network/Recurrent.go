package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/popgrowth/deepar/utils/tensorutils"
)

// gruCell is a single GRU layer: combined gate projections are built
// once as (input, 3*hidden) and (hidden, 3*hidden) matrices and split
// into the reset/update/candidate gates via column slices built with
// G.Slice + tensorutils.NewSlice.
type gruCell struct {
	inputDim, hidden int

	wx, wh     *G.Node // (inputDim, 3H), (hidden, 3H)
	bx, bh     *G.Node // (1, 3H) each
}

func newGRUCell(inputDim, hidden int, g *G.ExprGraph, inputInit, hiddenInit G.InitWFn) *gruCell {
	wx := G.NewMatrix(g, tensor.Float64, G.WithName("GRU_Wx"),
		G.WithShape(inputDim, 3*hidden), G.WithInit(inputInit))
	wh := G.NewMatrix(g, tensor.Float64, G.WithName("GRU_Wh"),
		G.WithShape(hidden, 3*hidden), G.WithInit(hiddenInit))
	bx := G.NewMatrix(g, tensor.Float64, G.WithName("GRU_Bx"),
		G.WithShape(1, 3*hidden), G.WithInit(G.Zeroes()))
	bh := G.NewMatrix(g, tensor.Float64, G.WithName("GRU_Bh"),
		G.WithShape(1, 3*hidden), G.WithInit(G.Zeroes()))

	return &gruCell{inputDim: inputDim, hidden: hidden, wx: wx, wh: wh, bx: bx, bh: bh}
}

func (c *gruCell) learnables() G.Nodes {
	return G.Nodes{c.wx, c.wh, c.bx, c.bh}
}

// fwd computes the next hidden state given input x (B, inputDim) and
// previous hidden state h (B, hidden).
func (c *gruCell) fwd(x, h *G.Node) (*G.Node, error) {
	gatesX, err := G.Mul(x, c.wx)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	gatesX, err = G.BroadcastAdd(gatesX, c.bx, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}

	gatesH, err := G.Mul(h, c.wh)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	gatesH, err = G.BroadcastAdd(gatesH, c.bh, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}

	rx, zx, nx, err := splitGates(gatesX, c.hidden)
	if err != nil {
		return nil, err
	}
	rh, zh, nh, err := splitGates(gatesH, c.hidden)
	if err != nil {
		return nil, err
	}

	r, err := G.Add(rx, rh)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	r, err = G.Sigmoid(r)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}

	z, err := G.Add(zx, zh)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	z, err = G.Sigmoid(z)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}

	rnh, err := G.HadamardProd(r, nh)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	n, err := G.Add(nx, rnh)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	n, err = G.Tanh(n)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}

	// h' = (1-z)*n + z*h
	ones := G.NewConstant(1.0)
	oneMinusZ, err := G.Sub(ones, z)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	term1, err := G.HadamardProd(oneMinusZ, n)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	term2, err := G.HadamardProd(z, h)
	if err != nil {
		return nil, fmt.Errorf("grucell fwd: %w", err)
	}
	return G.Add(term1, term2)
}

func splitGates(gates *G.Node, hidden int) (r, z, n *G.Node, err error) {
	r, err = G.Slice(gates, nil, tensorutils.NewSlice(0, hidden, 1))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("splitgates: %w", err)
	}
	z, err = G.Slice(gates, nil, tensorutils.NewSlice(hidden, 2*hidden, 1))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("splitgates: %w", err)
	}
	n, err = G.Slice(gates, nil, tensorutils.NewSlice(2*hidden, 3*hidden, 1))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("splitgates: %w", err)
	}
	return r, z, n, nil
}

// RecurrentBackbone is a stack of GRU layers with dropout applied
// between (but not after) layers, matching the teacher's
// `network.fcLayer` stacking style adapted to a recurrent cell.
type RecurrentBackbone struct {
	layers      []*gruCell
	hidden      int
	dropout     float64
	trainMode   bool
}

// NewRecurrentBackbone builds a stack of numLayers GRU cells. The
// first layer takes inputDim features; every subsequent layer takes
// the previous layer's hidden size as input. Input-to-hidden weights
// use inputInit (Xavier-uniform per SPEC_FULL §4.5); hidden-to-hidden
// weights use hiddenInit (orthogonal).
func NewRecurrentBackbone(inputDim, hidden, numLayers int, dropout float64,
	g *G.ExprGraph, inputInit, hiddenInit G.InitWFn) *RecurrentBackbone {

	layers := make([]*gruCell, numLayers)
	for i := 0; i < numLayers; i++ {
		in := hidden
		if i == 0 {
			in = inputDim
		}
		layers[i] = newGRUCell(in, hidden, g, inputInit, hiddenInit)
	}

	return &RecurrentBackbone{layers: layers, hidden: hidden, dropout: dropout, trainMode: true}
}

// Hidden returns the hidden size of every layer in the stack.
func (b *RecurrentBackbone) Hidden() int {
	return b.hidden
}

// NumLayers returns the number of stacked GRU layers.
func (b *RecurrentBackbone) NumLayers() int {
	return len(b.layers)
}

// Train puts the backbone into training mode (inter-layer dropout
// active).
func (b *RecurrentBackbone) Train() { b.trainMode = true }

// Eval puts the backbone into evaluation mode (inter-layer dropout
// disabled).
func (b *RecurrentBackbone) Eval() { b.trainMode = false }

// Fwd steps every layer of the stack forward by one timestep, given
// the input at this step and every layer's previous hidden state.
// Returns the new hidden state of every layer; the final element is
// the backbone's output for this step.
func (b *RecurrentBackbone) Fwd(x *G.Node, prevStates []*G.Node) ([]*G.Node, error) {
	newStates := make([]*G.Node, len(b.layers))
	in := x

	for i, layer := range b.layers {
		h, err := layer.fwd(in, prevStates[i])
		if err != nil {
			return nil, fmt.Errorf("recurrentbackbone fwd: layer %d: %w", i, err)
		}
		newStates[i] = h

		in = h
		if b.trainMode && b.dropout > 0 && i < len(b.layers)-1 {
			in, err = G.Dropout(in, b.dropout)
			if err != nil {
				return nil, fmt.Errorf("recurrentbackbone fwd: dropout layer %d: %w", i, err)
			}
		}
	}

	return newStates, nil
}

// Learnables returns every learnable parameter node across all
// stacked layers.
func (b *RecurrentBackbone) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, layer := range b.layers {
		nodes = append(nodes, layer.learnables()...)
	}
	return nodes
}

// ZeroState returns a fresh (batch, hidden) zero hidden state for
// every layer in the stack, used to initialize the recurrence at the
// start of a window or a forecast's conditioning phase.
func (b *RecurrentBackbone) ZeroState(g *G.ExprGraph, batch int) []*G.Node {
	states := make([]*G.Node, len(b.layers))
	for i := range states {
		states[i] = G.NewMatrix(g, tensor.Float64, G.WithName(fmt.Sprintf("h0_%d", i)),
			G.WithShape(batch, b.hidden), G.WithInit(G.Zeroes()))
	}
	return states
}

// GobEncode implements the gob.GobEncoder interface.
func (b *RecurrentBackbone) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, layer := range b.layers {
		for _, n := range layer.learnables() {
			if err := enc.Encode(n.Value()); err != nil {
				return nil, fmt.Errorf("recurrentbackbone gobencode: %w", err)
			}
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The backbone
// must already be constructed with the right shapes before decoding.
func (b *RecurrentBackbone) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	for _, layer := range b.layers {
		for _, n := range layer.learnables() {
			var t *tensor.Dense
			if err := dec.Decode(&t); err != nil {
				return fmt.Errorf("recurrentbackbone gobdecode: %w", err)
			}
			if err := G.Let(n, t); err != nil {
				return fmt.Errorf("recurrentbackbone gobdecode: let: %w", err)
			}
		}
	}
	return nil
}
