package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Embedding is a learnable (numEntities x dim) lookup table. Gorgonia
// 0.9.x has no gather op, so a row is selected the same way every
// other linear operation in this package is expressed: multiplying a
// one-hot selector against the weight matrix.
type Embedding struct {
	weights *G.Node
	dim     int
}

// NewEmbedding creates an Embedding of numEntities rows and dim
// columns on g, initialized with init.
func NewEmbedding(numEntities, dim int, g *G.ExprGraph, init G.InitWFn) *Embedding {
	w := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithName("EmbeddingWeights"),
		G.WithShape(numEntities, dim),
		G.WithInit(init),
	)
	return &Embedding{weights: w, dim: dim}
}

// Dim returns the embedding dimension.
func (e *Embedding) Dim() int {
	return e.dim
}

// Weights returns the embedding's learnable weight node.
func (e *Embedding) Weights() *G.Node {
	return e.weights
}

// Fwd looks up the embedding rows for a batch of entity indices via a
// one-hot selector node: (B, numEntities) x (numEntities, dim) -> (B, dim).
func (e *Embedding) Fwd(oneHot *G.Node) (*G.Node, error) {
	out, err := G.Mul(oneHot, e.weights)
	if err != nil {
		return nil, fmt.Errorf("embedding fwd: %w", err)
	}
	return out, nil
}

// OneHot builds a dense (len(indices), numEntities) one-hot tensor
// usable as the backing value for an Fwd selector placeholder.
func OneHot(indices []int, numEntities int) *tensor.Dense {
	backing := make([]float64, len(indices)*numEntities)
	for row, idx := range indices {
		backing[row*numEntities+idx] = 1.0
	}
	return tensor.New(tensor.WithShape(len(indices), numEntities), tensor.WithBacking(backing))
}

// GobEncode implements the gob.GobEncoder interface, mirroring
// fcLayer's "only the Value() matters" serialization idiom.
func (e *Embedding) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e.weights.Value()); err != nil {
		return nil, fmt.Errorf("embedding gobencode: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The Embedding
// must already have its weights node registered with a graph of the
// right shape before decoding.
func (e *Embedding) GobDecode(in []byte) error {
	if e.weights == nil {
		return fmt.Errorf("embedding gobdecode: weights node not initialized")
	}
	var w *tensor.Dense
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(&w); err != nil {
		return fmt.Errorf("embedding gobdecode: %w", err)
	}
	return G.Let(e.weights, w)
}
