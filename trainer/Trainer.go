// Package trainer implements the epoch-based fit loop: a train pass,
// an optional validation pass, a learning-rate plateau schedule, and
// checkpoint-on-improvement early stopping. The structure follows
// experiment/Online.go's reset->step->track->checkpoint loop, adapted
// from an episode-based RL loop to an epoch-based supervised one.
package trainer

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/samuelfneumann/progressbar"
	"github.com/sirupsen/logrus"

	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/solver"
)

// ErrNonFiniteLoss is returned when a batch produces a NaN/Inf loss,
// aborting the epoch the same way a propagated per-batch error would.
var ErrNonFiniteLoss = fmt.Errorf("trainer: non-finite loss encountered")

// Config holds the hyperparameters of the fit loop.
type Config struct {
	Epochs          int
	Patience        int     // epochs without improvement before early stop
	PlateauPatience int     // epochs without improvement before LR is halved
	PlateauFactor   float64
	MinLR           float64
	CheckpointPath  string // empty disables checkpointing
}

// History records per-epoch metrics for later inspection/reporting.
type History struct {
	TrainLoss []float64
	ValLoss   []float64
	LR        []float64
}

// Trainer drives a forecast.Model through its fit loop.
type Trainer struct {
	model       *forecast.Model
	solverCfg   solver.AdamConfig
	plateau     *solver.Plateau
	cfg         Config
	trainLoader *dataset.Loader
	valLoader   *dataset.Loader
}

// New returns a Trainer for model, optimizing with the given Adam
// configuration and fit Config.
func New(model *forecast.Model, solverCfg solver.AdamConfig, cfg Config,
	trainLoader, valLoader *dataset.Loader) *Trainer {

	return &Trainer{
		model:       model,
		solverCfg:   solverCfg,
		plateau:     solver.NewPlateau(solverCfg.StepSize, cfg.PlateauFactor, cfg.MinLR, cfg.PlateauPatience),
		cfg:         cfg,
		trainLoader: trainLoader,
		valLoader:   valLoader,
	}
}

// Fit runs the full epoch loop and returns the accumulated history.
// A per-batch error, including a non-finite loss, aborts the epoch
// and is returned to the caller; it is never swallowed.
func (t *Trainer) Fit() (History, error) {
	var history History

	bar := progressbar.New(50, t.cfg.Epochs, time.Second, true)
	bar.Display()
	defer bar.Close()

	best := math.Inf(1)
	patienceCount := 0

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		trainLoss, err := t.trainEpoch()
		if err != nil {
			return history, fmt.Errorf("fit: epoch %d: %w", epoch, err)
		}
		history.TrainLoss = append(history.TrainLoss, trainLoss)

		monitor := trainLoss
		valLoss := math.NaN()
		if t.valLoader != nil {
			valLoss, err = t.evalEpoch()
			if err != nil {
				return history, fmt.Errorf("fit: epoch %d: validation: %w", epoch, err)
			}
			history.ValLoss = append(history.ValLoss, valLoss)
			monitor = valLoss
		}

		lr, improved := t.plateau.Step(monitor)
		history.LR = append(history.LR, lr)
		if lr != t.solverCfg.StepSize {
			// gorgonia.org/gorgonia's G.Solver interface exposes only
			// Step(model []ValueGrad) error; the concrete AdamSolver
			// it returns keeps its learning rate and moment
			// accumulators unexported with no setter, so there is no
			// way to lower the learning rate of an existing solver in
			// place. Rebuilding the solver is the only option the API
			// allows; it resets Adam's first/second-moment buffers,
			// a documented divergence from the optimiser.state the
			// original Python trainer leaves untouched on an LR decay
			// (see DESIGN.md's Open Question resolutions).
			t.solverCfg.StepSize = lr
			t.model.SetSolver(t.solverCfg.Create())
		}

		logrus.Infof("epoch %d: train_loss=%.6f val_loss=%.6f lr=%.6g",
			epoch, trainLoss, valLoss, lr)

		if improved && monitor < best {
			best = monitor
			patienceCount = 0
			if t.cfg.CheckpointPath != "" {
				if err := t.checkpoint(best); err != nil {
					return history, fmt.Errorf("fit: epoch %d: checkpoint: %w", epoch, err)
				}
			}
		} else {
			patienceCount++
		}

		bar.Increment()

		if t.cfg.Patience > 0 && patienceCount >= t.cfg.Patience {
			logrus.Infof("epoch %d: early stopping, no improvement for %d epochs",
				epoch, patienceCount)
			break
		}
	}

	return history, nil
}

func (t *Trainer) trainEpoch() (float64, error) {
	batches := t.trainLoader.Batches()
	if len(batches) == 0 {
		return 0, fmt.Errorf("trainepoch: no full batches available")
	}

	sum := 0.0
	for i, b := range batches {
		loss, err := t.model.TrainStep(b)
		if err != nil {
			return 0, fmt.Errorf("trainepoch: batch %d: %w", i, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("trainepoch: batch %d: %w", i, ErrNonFiniteLoss)
		}
		sum += loss
	}
	return sum / float64(len(batches)), nil
}

func (t *Trainer) evalEpoch() (float64, error) {
	batches := t.valLoader.Batches()
	if len(batches) == 0 {
		return math.NaN(), nil
	}

	sum := 0.0
	for i, b := range batches {
		loss, err := t.model.EvalStep(b)
		if err != nil {
			return 0, fmt.Errorf("evalepoch: batch %d: %w", i, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, fmt.Errorf("evalepoch: batch %d: %w", i, ErrNonFiniteLoss)
		}
		sum += loss
	}
	return sum / float64(len(batches)), nil
}

// optimiserState is the subset of optimiser state the trainer can
// actually recover from a gorgonia.org/gorgonia G.Solver: its concrete
// solvers (adamSolver, vanillaSolver, rmsPropSolver) keep their
// per-parameter moment accumulators unexported with no accessor, so
// the first/second-moment buffers Adam tracks internally cannot be
// extracted from a G.Solver value at all. What the Trainer persists
// instead is the hyperparameter state it owns directly - the
// AdamConfig the plateau scheduler has been mutating - which at least
// records the decayed learning rate a resumed run would need. Spec's
// load path restores only model_state, so this is written for
// completeness/future resume tooling but never read back by
// pipeline.LoadModel.
type optimiserState struct {
	StepSize    float64
	Epsilon     float64
	Beta1       float64
	Beta2       float64
	Batch       int
	Clip        float64
	WeightDecay float64
}

// checkpointState is the gob-encoded payload written on every
// improvement, adapting experiment/checkpointer.NStep's "gob-encode
// to file" idiom from an every-N-steps trigger to an on-improvement
// one.
type checkpointState struct {
	BestLoss  float64
	Optimiser optimiserState
}

func (t *Trainer) checkpoint(bestLoss float64) error {
	tmp := t.cfg.CheckpointPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	state := checkpointState{
		BestLoss: bestLoss,
		Optimiser: optimiserState{
			StepSize:    t.solverCfg.StepSize,
			Epsilon:     t.solverCfg.Epsilon,
			Beta1:       t.solverCfg.Beta1,
			Beta2:       t.solverCfg.Beta2,
			Batch:       t.solverCfg.Batch,
			Clip:        t.solverCfg.Clip,
			WeightDecay: t.solverCfg.WeightDecay,
		},
	}

	enc := gob.NewEncoder(f)
	if err := enc.Encode(state); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	for _, n := range t.model.Learnables() {
		if err := enc.Encode(n.Value()); err != nil {
			f.Close()
			return fmt.Errorf("checkpoint: encode weights: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	// Write-then-rename so a failed write never corrupts the prior
	// best checkpoint.
	if err := os.Rename(tmp, t.cfg.CheckpointPath); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
