package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear is an exported fully-connected layer with the same
// Mul+BroadcastAdd+activation forward pass as the package's internal
// fcLayer, used by callers outside this package (the year-covariate
// projection and baseline point heads) that need to compose layers
// without reaching into unexported fields.
type Linear struct {
	Weights *G.Node
	Bias    *G.Node
	Act     *Activation
}

// NewLinear builds a Linear layer of shape (in, out) on g.
func NewLinear(in, out int, g *G.ExprGraph, act *Activation, weightInit, biasInit G.InitWFn, name string) *Linear {
	return &Linear{
		Weights: G.NewMatrix(g, tensor.Float64, G.WithName(name+"_W"),
			G.WithShape(in, out), G.WithInit(weightInit)),
		Bias: G.NewVector(g, tensor.Float64, G.WithName(name+"_b"),
			G.WithShape(out), G.WithInit(biasInit)),
		Act: act,
	}
}

// Fwd applies the layer to x: activation(x @ Weights + Bias).
func (l *Linear) Fwd(x *G.Node) (*G.Node, error) {
	out, err := G.Mul(x, l.Weights)
	if err != nil {
		return nil, fmt.Errorf("linear fwd: %w", err)
	}
	out, err = G.BroadcastAdd(out, l.Bias, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("linear fwd: %w", err)
	}
	if l.Act == nil || l.Act.IsIdentity() || l.Act.IsNil() {
		return out, nil
	}
	return l.Act.fwd(out)
}

// Learnables returns the layer's weight and bias nodes.
func (l *Linear) Learnables() G.Nodes {
	return G.Nodes{l.Weights, l.Bias}
}

// GobEncode implements the gob.GobEncoder interface.
func (l *Linear) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(l.Weights.Value()); err != nil {
		return nil, fmt.Errorf("linear gobencode: %w", err)
	}
	if err := enc.Encode(l.Bias.Value()); err != nil {
		return nil, fmt.Errorf("linear gobencode: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface.
func (l *Linear) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	var w, b *tensor.Dense
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("linear gobdecode: %w", err)
	}
	if err := G.Let(l.Weights, w); err != nil {
		return fmt.Errorf("linear gobdecode: %w", err)
	}
	if err := dec.Decode(&b); err != nil {
		return fmt.Errorf("linear gobdecode: %w", err)
	}
	if err := G.Let(l.Bias, b); err != nil {
		return fmt.Errorf("linear gobdecode: %w", err)
	}
	return nil
}
