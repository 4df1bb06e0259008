package forecast

import (
	"fmt"

	G "gorgonia.org/gorgonia"

	"github.com/popgrowth/deepar/network"
)

// NLL builds the graph node for the mean negative log-likelihood of z
// under N(mu, sigma^2), exposed standalone (beyond Model's inlined
// per-step accumulation) so it can be unit tested against NLLAt
// without needing a full model graph.
func NLL(z, mu, sigma *G.Node) (*G.Node, error) {
	lp, err := network.LogProb(z, mu, sigma)
	if err != nil {
		return nil, fmt.Errorf("nll: %w", err)
	}
	neg, err := G.Neg(lp)
	if err != nil {
		return nil, fmt.Errorf("nll: %w", err)
	}
	return G.Mean(neg)
}

// NLLAt computes the mean negative log-likelihood of a batch of
// (z, mu, sigma) float64 triples, used as the reference computation
// in tests.
func NLLAt(z, mu, sigma []float64) float64 {
	sum := 0.0
	for i := range z {
		sum -= network.LogProbAt(z[i], mu[i], sigma[i])
	}
	return sum / float64(len(z))
}
