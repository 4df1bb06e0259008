package network

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// sigmaEpsilon keeps the predicted standard deviation strictly
// positive, avoiding a degenerate/divide-by-zero Gaussian.
const sigmaEpsilon = 1e-6

// GaussianHead projects a hidden state onto the mean and standard
// deviation of a Gaussian predictive distribution, the likelihood
// head of the forecast model.
type GaussianHead struct {
	mu    *fcLayer
	sigma *fcLayer
}

// NewGaussianHead builds a GaussianHead with two independent H->1
// linear projections, the mean head with an identity activation and
// the standard deviation head passed through softplus outside the
// layer (so the +sigmaEpsilon floor can be applied afterwards).
func NewGaussianHead(hidden int, g *G.ExprGraph, weightInit, biasInit G.InitWFn) *GaussianHead {
	mu := &fcLayer{
		weights: G.NewMatrix(g, tensor.Float64, G.WithName("MuWeights"),
			G.WithShape(hidden, 1), G.WithInit(weightInit)),
		bias: G.NewVector(g, tensor.Float64, G.WithName("MuBias"),
			G.WithShape(1), G.WithInit(biasInit)),
		act: Identity(),
	}
	sigma := &fcLayer{
		weights: G.NewMatrix(g, tensor.Float64, G.WithName("SigmaWeights"),
			G.WithShape(hidden, 1), G.WithInit(weightInit)),
		bias: G.NewVector(g, tensor.Float64, G.WithName("SigmaBias"),
			G.WithShape(1), G.WithInit(biasInit)),
		act: Identity(),
	}
	return &GaussianHead{mu: mu, sigma: sigma}
}

// Fwd computes (mu, sigma) from a hidden state node of shape (B, H).
func (h *GaussianHead) Fwd(hidden *G.Node) (mu, sigma *G.Node, err error) {
	mu, err = h.mu.fwd(hidden)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussianhead fwd: mu: %w", err)
	}

	rawSigma, err := h.sigma.fwd(hidden)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussianhead fwd: sigma: %w", err)
	}
	rawSigma, err = G.Softplus(rawSigma)
	if err != nil {
		return nil, nil, fmt.Errorf("gaussianhead fwd: softplus: %w", err)
	}
	sigma, err = G.Add(rawSigma, G.NewConstant(sigmaEpsilon))
	if err != nil {
		return nil, nil, fmt.Errorf("gaussianhead fwd: epsilon: %w", err)
	}

	return mu, sigma, nil
}

// Learnables returns the head's learnable parameter nodes.
func (h *GaussianHead) Learnables() G.Nodes {
	return G.Nodes{h.mu.weights, h.mu.bias, h.sigma.weights, h.sigma.bias}
}

// LogProb builds the graph node for the Gaussian log-density of z
// under N(mu, sigma^2), elementwise. Used by the NLL objective.
func LogProb(z, mu, sigma *G.Node) (*G.Node, error) {
	diff, err := G.Sub(z, mu)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	sq, err := G.Square(diff)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	variance, err := G.Square(sigma)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	normalized, err := G.HadamardDiv(sq, variance)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	half := G.NewConstant(0.5)
	term1, err := G.Mul(half, normalized)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	logSigma, err := G.Log(sigma)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	logTwoPi := G.NewConstant(0.5 * math.Log(2*math.Pi))
	sum, err := G.Add(term1, logSigma)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	sum, err = G.Add(sum, logTwoPi)
	if err != nil {
		return nil, fmt.Errorf("logprob: %w", err)
	}
	return G.Neg(sum)
}

// LogProbAt computes the Gaussian log-density at concrete float64
// values, used both by the NLL float64 reference tests and nowhere
// else on the hot path (the graph version above is what trains).
func LogProbAt(z, mu, sigma float64) float64 {
	return -0.5*math.Pow((z-mu)/sigma, 2) - math.Log(sigma) - 0.5*math.Log(2*math.Pi)
}

// Sample draws a single value from N(mu, sigma^2) using rng, the
// reparameterised draw used between single autoregressive generation
// steps where only concrete float64 values (not graph nodes) make
// sense.
func Sample(mu, sigma float64, rng *rand.Rand) float64 {
	return mu + sigma*rng.NormFloat64()
}

// GobEncode implements the gob.GobEncoder interface, encoding the four
// underlying parameter values in a fixed order.
func (h *GaussianHead) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, n := range []*G.Node{h.mu.weights, h.mu.bias, h.sigma.weights, h.sigma.bias} {
		if err := enc.Encode(n.Value()); err != nil {
			return nil, fmt.Errorf("gaussianhead gobencode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The GaussianHead
// must already be constructed with nodes of the right shape.
func (h *GaussianHead) GobDecode(in []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(in))
	for _, n := range []*G.Node{h.mu.weights, h.mu.bias, h.sigma.weights, h.sigma.bias} {
		var t *tensor.Dense
		if err := dec.Decode(&t); err != nil {
			return fmt.Errorf("gaussianhead gobdecode: %w", err)
		}
		if err := G.Let(n, t); err != nil {
			return fmt.Errorf("gaussianhead gobdecode: let: %w", err)
		}
	}
	return nil
}
