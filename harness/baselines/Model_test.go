package baselines

import (
	"math"
	"testing"

	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/solver"
)

func tinyEntityIdx() []int { return []int{0, 1} }

func tinyValues() [][]float64 {
	return [][]float64{
		{10.0 / 30, 20.0 / 30, 30.0 / 30},
		{100.0 / 300, 200.0 / 300, 300.0 / 300},
	}
}

func tinyYears() [][]float64 {
	years := []float64{
		dataset.NormalizeYear(2000), dataset.NormalizeYear(2001), dataset.NormalizeYear(2002),
	}
	return [][]float64{years, years}
}

func newTinyBaseline(t *testing.T, cfg Config) *Model {
	t.Helper()
	adam := solver.AdamConfig{StepSize: 0.01, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999, Batch: 2, Clip: 5.0}
	m, err := NewModel(cfg, 2, 3, adam.Create())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

func TestSingleSeriesARTrainStepDecreasesLoss(t *testing.T) {
	cfg := SingleSeriesAR(4, 1, 0)
	m := newTinyBaseline(t, cfg)

	entityIdx := []int{0, 0}
	values := [][]float64{tinyValues()[0], tinyValues()[0]}
	years := [][]float64{tinyYears()[0], tinyYears()[0]}

	first, err := m.TrainStep(entityIdx, values, years)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if math.IsNaN(first) || math.IsInf(first, 0) {
		t.Fatalf("initial loss is non-finite: %v", first)
	}

	last := first
	for i := 0; i < 30; i++ {
		loss, err := m.TrainStep(entityIdx, values, years)
		if err != nil {
			t.Fatalf("TrainStep iter %d: %v", i, err)
		}
		last = loss
	}

	if last >= first {
		t.Fatalf("loss did not decrease: first=%v last=%v", first, last)
	}
}

func TestMultiSeriesNonARTrainStepDecreasesLoss(t *testing.T) {
	cfg := MultiSeriesNonAR(2, 2, []int{4, 2}, 4, 1, 0)
	m := newTinyBaseline(t, cfg)

	first, err := m.TrainStep(tinyEntityIdx(), tinyValues(), tinyYears())
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if math.IsNaN(first) || math.IsInf(first, 0) {
		t.Fatalf("initial loss is non-finite: %v", first)
	}

	last := first
	for i := 0; i < 30; i++ {
		loss, err := m.TrainStep(tinyEntityIdx(), tinyValues(), tinyYears())
		if err != nil {
			t.Fatalf("TrainStep iter %d: %v", i, err)
		}
		last = loss
	}

	if last >= first {
		t.Fatalf("loss did not decrease: first=%v last=%v", first, last)
	}
}

func TestEvalStepDoesNotMutateWeights(t *testing.T) {
	cfg := MultiSeriesNonAR(2, 2, []int{4, 2}, 4, 1, 0)
	m := newTinyBaseline(t, cfg)

	l1, err := m.EvalStep(tinyEntityIdx(), tinyValues(), tinyYears())
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	l2, err := m.EvalStep(tinyEntityIdx(), tinyValues(), tinyYears())
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	if l1 != l2 {
		t.Fatalf("EvalStep is not idempotent: l1=%v l2=%v", l1, l2)
	}
}
