package forecast

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestNLLMatchesReferenceComputation(t *testing.T) {
	z := []float64{1.0, -2.0, 0.5}
	mu := []float64{0.8, -1.5, 0.1}
	sigma := []float64{0.5, 1.2, 0.3}

	g := G.NewGraph()
	zNode := G.NewVector(g, tensor.Float64, G.WithName("z"), G.WithShape(3))
	muNode := G.NewVector(g, tensor.Float64, G.WithName("mu"), G.WithShape(3))
	sigmaNode := G.NewVector(g, tensor.Float64, G.WithName("sigma"), G.WithShape(3))

	loss, err := NLL(zNode, muNode, sigmaNode)
	if err != nil {
		t.Fatalf("NLL: %v", err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()

	if err := G.Let(zNode, tensor.New(tensor.WithBacking(z))); err != nil {
		t.Fatalf("let z: %v", err)
	}
	if err := G.Let(muNode, tensor.New(tensor.WithBacking(mu))); err != nil {
		t.Fatalf("let mu: %v", err)
	}
	if err := G.Let(sigmaNode, tensor.New(tensor.WithBacking(sigma))); err != nil {
		t.Fatalf("let sigma: %v", err)
	}

	if err := vm.RunAll(); err != nil {
		t.Fatalf("runall: %v", err)
	}

	got := loss.Value().Data().(float64)
	want := NLLAt(z, mu, sigma)

	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("graph NLL = %v, reference NLLAt = %v", got, want)
	}
}
