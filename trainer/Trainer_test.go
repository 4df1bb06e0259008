package trainer

import (
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/solver"
)

func tinyModel(t *testing.T) (*forecast.Model, solver.AdamConfig) {
	t.Helper()
	cfg := forecast.Config{NumEntities: 2, EmbedDim: 2, YearHidden: []int{4, 2}, Hidden: 4, Layers: 1}
	adam := solver.AdamConfig{StepSize: 0.05, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999, Batch: 2, Clip: 5.0}
	m, err := forecast.NewModel(cfg, 2, 3, adam.Create())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m, adam
}

func tinySamples() []dataset.Sample {
	years := []float64{
		dataset.NormalizeYear(2000), dataset.NormalizeYear(2001), dataset.NormalizeYear(2002),
	}
	return []dataset.Sample{
		{EntityIndex: 0, ScaledValues: []float64{10.0 / 30, 20.0 / 30, 30.0 / 30}, Years: years, Scale: 30},
		{EntityIndex: 1, ScaledValues: []float64{100.0 / 300, 200.0 / 300, 300.0 / 300}, Years: years, Scale: 300},
	}
}

func TestFitProducesDecreasingLossAndCheckpoint(t *testing.T) {
	model, adam := tinyModel(t)
	loader := dataset.NewLoader(tinySamples(), 2, false, 1, 1)

	ckpt := filepath.Join(t.TempDir(), "model_best.pt")
	tr := New(model, adam, Config{
		Epochs: 20, Patience: 20, PlateauPatience: 10, PlateauFactor: 0.5, MinLR: 1e-6,
		CheckpointPath: ckpt,
	}, loader, nil)

	history, err := tr.Fit()
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(history.TrainLoss) == 0 {
		t.Fatalf("no train loss recorded")
	}
	if history.TrainLoss[len(history.TrainLoss)-1] >= history.TrainLoss[0] {
		t.Fatalf("loss did not decrease: first=%v last=%v",
			history.TrainLoss[0], history.TrainLoss[len(history.TrainLoss)-1])
	}

	info, err := os.Stat(ckpt)
	if err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("checkpoint file is empty")
	}

	f, err := os.Open(ckpt)
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}
	defer f.Close()

	var state checkpointState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		t.Fatalf("decode checkpointState: %v", err)
	}
	if state.Optimiser.Beta1 != adam.Beta1 || state.Optimiser.Beta2 != adam.Beta2 {
		t.Fatalf("optimiser state not persisted correctly: got %+v, want beta1=%v beta2=%v",
			state.Optimiser, adam.Beta1, adam.Beta2)
	}
	if state.Optimiser.StepSize <= 0 {
		t.Fatalf("optimiser state step size = %v, want > 0", state.Optimiser.StepSize)
	}
}

func TestFitWithValidationNeverExceedsConfiguredEpochs(t *testing.T) {
	model, adam := tinyModel(t)
	trainLoader := dataset.NewLoader(tinySamples(), 2, false, 1, 1)
	valLoader := dataset.NewLoader(tinySamples(), 2, false, 1, 1)

	const epochs = 15
	tr := New(model, adam, Config{
		Epochs: epochs, Patience: 3, PlateauPatience: 100, PlateauFactor: 0.5, MinLR: 1e-6,
	}, trainLoader, valLoader)

	history, err := tr.Fit()
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(history.TrainLoss) > epochs {
		t.Fatalf("ran %d epochs, want at most %d", len(history.TrainLoss), epochs)
	}
	if len(history.TrainLoss) != len(history.ValLoss) || len(history.TrainLoss) != len(history.LR) {
		t.Fatalf("history arrays out of lockstep: train=%d val=%d lr=%d",
			len(history.TrainLoss), len(history.ValLoss), len(history.LR))
	}
	for _, v := range history.ValLoss {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite validation loss recorded: %v", v)
		}
	}
}
