// Package predictor implements the two-phase probabilistic inference
// procedure: condition a fresh inference Session on known history,
// then autoregressively sample N parallel trajectories forward to a
// target year, summarizing each horizon step's samples into a mean,
// median, central 95% interval and standard deviation. Grounded on
// original_source/challenge_6/ai_service/ai/src/inference/predictor.py's
// buffer/dream split; quantile summaries use
// gonum.org/v1/gonum/stat, the same library
// ADGArrio-Influenza_Causality_AR_Project leans on for time series
// summary statistics.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/network"
)

// Sentinel domain errors, checked with errors.Is by the serving layer
// to choose an HTTP status code.
var (
	ErrUnknownEntity   = errors.New("predictor: unknown entity")
	ErrWindowTooShort  = errors.New("predictor: fewer than 1 historical observation supplied")
)

// ForecastPoint is one horizon step's Monte Carlo summary.
type ForecastPoint struct {
	Year   int
	Mean   float64
	Median float64
	Lower  float64
	Upper  float64
	Std    float64
}

// Predictor is constructed once from a trained model and its
// artifacts and held read-only for the lifetime of a serving
// process; every Predict/PredictPoint call builds its own local
// inference Session and recurrent state, so concurrent calls never
// share mutable buffers.
type Predictor struct {
	model          *forecast.Model
	scaler         *scale.Scaler
	catalog        *preprocess.Catalog
	defaultSamples int
	seed           int64
}

// New returns a Predictor. seed fixes the Monte Carlo sampling stream
// for reproducible forecasts (the determinism property in spec.md
// §8); pass 0 to seed from the current time on every call instead.
func New(model *forecast.Model, scaler *scale.Scaler, catalog *preprocess.Catalog,
	defaultSamples int, seed int64) *Predictor {
	return &Predictor{
		model: model, scaler: scaler, catalog: catalog,
		defaultSamples: defaultSamples, seed: seed,
	}
}

// Predict runs the buffer+dream procedure and returns a Monte Carlo
// summary for every year from the last known year (exclusive) to
// targetYear (inclusive). Returns an empty slice, not an error, when
// targetYear is not after the last known year.
func (p *Predictor) Predict(ctx context.Context, entity string, histValues []float64,
	histYears []int, targetYear int, samples int) ([]ForecastPoint, error) {

	idx, scaleVal, err := p.lookup(entity)
	if err != nil {
		return nil, err
	}
	if len(histValues) == 0 || len(histYears) == 0 {
		return nil, fmt.Errorf("predict: %w", ErrWindowTooShort)
	}

	lastYear := histYears[len(histYears)-1]
	horizon := targetYear - lastYear
	if horizon <= 0 {
		return nil, nil
	}

	n := samples
	if n <= 0 {
		n = p.defaultSamples
	}

	session, err := p.model.NewSession(n)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	entityIdx := repeatInt(idx, n)
	scaledHist := scaleValues(histValues, scaleVal)

	rng := p.rng()
	states := session.ZeroStates()
	zPrev := make([]float64, n)

	for t, y := range histYears {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		yearFeat := repeatFloat(dataset.NormalizeYear(y), n)
		out, err := session.Step(forecast.StepInput{EntityIndex: entityIdx, ZPrev: zPrev, Year: yearFeat, States: states})
		if err != nil {
			return nil, fmt.Errorf("predict: conditioning step %d: %w", t, err)
		}
		states = out.States
		zPrev = repeatFloat(scaledHist[t], n)
	}

	points := make([]ForecastPoint, 0, horizon)
	for s := 1; s <= horizon; s++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		futureYear := lastYear + s
		yearFeat := repeatFloat(dataset.NormalizeYear(futureYear), n)
		out, err := session.Step(forecast.StepInput{EntityIndex: entityIdx, ZPrev: zPrev, Year: yearFeat, States: states})
		if err != nil {
			return nil, fmt.Errorf("predict: generation step %d: %w", s, err)
		}
		states = out.States

		samplesZ := make([]float64, n)
		pops := make([]float64, n)
		for i := 0; i < n; i++ {
			samplesZ[i] = network.Sample(out.Mu[i], out.Sigma[i], rng)
			pop := samplesZ[i] * scaleVal
			if pop < 0 {
				pop = 0
			}
			pops[i] = pop
		}
		zPrev = samplesZ

		points = append(points, summarize(futureYear, pops))
	}

	return points, nil
}

// PredictPoint runs the same two-phase procedure with a single
// trajectory that feeds mu forward instead of a sample; it takes no
// sample count.
func (p *Predictor) PredictPoint(ctx context.Context, entity string, histValues []float64,
	histYears []int, targetYear int) ([]float64, error) {

	idx, scaleVal, err := p.lookup(entity)
	if err != nil {
		return nil, err
	}
	if len(histValues) == 0 || len(histYears) == 0 {
		return nil, fmt.Errorf("predictpoint: %w", ErrWindowTooShort)
	}

	lastYear := histYears[len(histYears)-1]
	horizon := targetYear - lastYear
	if horizon <= 0 {
		return []float64{}, nil
	}

	session, err := p.model.NewSession(1)
	if err != nil {
		return nil, fmt.Errorf("predictpoint: %w", err)
	}

	entityIdx := []int{idx}
	scaledHist := scaleValues(histValues, scaleVal)

	states := session.ZeroStates()
	zPrev := []float64{0}

	for t, y := range histYears {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("predictpoint: %w", err)
		}
		yearFeat := []float64{dataset.NormalizeYear(y)}
		out, err := session.Step(forecast.StepInput{EntityIndex: entityIdx, ZPrev: zPrev, Year: yearFeat, States: states})
		if err != nil {
			return nil, fmt.Errorf("predictpoint: conditioning step %d: %w", t, err)
		}
		states = out.States
		zPrev = []float64{scaledHist[t]}
	}

	predictions := make([]float64, 0, horizon)
	for s := 1; s <= horizon; s++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("predictpoint: %w", err)
		}
		futureYear := lastYear + s
		yearFeat := []float64{dataset.NormalizeYear(futureYear)}
		out, err := session.Step(forecast.StepInput{EntityIndex: entityIdx, ZPrev: zPrev, Year: yearFeat, States: states})
		if err != nil {
			return nil, fmt.Errorf("predictpoint: generation step %d: %w", s, err)
		}
		states = out.States

		zPrev = []float64{out.Mu[0]}
		pred := out.Mu[0] * scaleVal
		if pred < 0 {
			pred = 0
		}
		predictions = append(predictions, pred)
	}

	return predictions, nil
}

func (p *Predictor) lookup(entity string) (idx int, scaleVal float64, err error) {
	idx, ok := p.catalog.Index(entity)
	if !ok {
		return 0, 0, fmt.Errorf("lookup: %w: %q", ErrUnknownEntity, entity)
	}
	return idx, p.scaler.Scale(entity), nil
}

func (p *Predictor) rng() *rand.Rand {
	if p.seed != 0 {
		return rand.New(rand.NewSource(p.seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// summarize reduces N sampled population values at one horizon step
// into a Monte Carlo summary, using gonum/stat for the quantile and
// mean/stddev computations.
func summarize(year int, pops []float64) ForecastPoint {
	sorted := append([]float64{}, pops...)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(pops, nil)
	return ForecastPoint{
		Year:   year,
		Mean:   mean,
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Lower:  stat.Quantile(0.025, stat.Empirical, sorted, nil),
		Upper:  stat.Quantile(0.975, stat.Empirical, sorted, nil),
		Std:    std,
	}
}

func scaleValues(values []float64, scale float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / scale
	}
	return out
}

func repeatInt(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func repeatFloat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
