// Package harness runs the fixed-split experiment comparing the
// proposed DeepAR-style forecaster against two simpler baselines:
// a single-entity autoregressive model and a pooled non-autoregressive
// model. Grounded on
// original_source/challenge_6/ai_service/ai/src/experiment.py for the
// split years and baseline architectures; report rendering uses
// text/tabwriter the way DESIGN.md records no pack library covers
// generic ASCII table formatting.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/popgrowth/deepar/config"
	"github.com/popgrowth/deepar/data/dataset"
	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/harness/baselines"
	"github.com/popgrowth/deepar/metrics"
	"github.com/popgrowth/deepar/predictor"
	"github.com/popgrowth/deepar/solver"
	"github.com/popgrowth/deepar/trainer"
)

// Fixed temporal split, carried over from the Python reference
// implementation's experiment harness.
const (
	trainYearMin = 1950
	trainYearMax = 2001
	valYearMin   = 2002
	valYearMax   = 2008
	testYearMin  = 2009
	testYearMax  = 2023

	harnessSeed = 7
)

// ModelResult is one model's metrics against one entity's test range.
type ModelResult struct {
	Model   string
	Entity  string
	Metrics metrics.All
}

// Report is the full harness output: every per-entity result plus a
// rendered comparison table.
type Report struct {
	Results []ModelResult
	Table   string
}

// Run executes the fixed-split experiment described in spec.md §7 and
// returns a Report. It deliberately fits its scaler on the training
// years only, unlike pipeline.Run's all-observations fit - the Open
// Question noted in DESIGN.md - since the harness's purpose is a fair
// held-out comparison, while the production pipeline's purpose is the
// best achievable deployed model.
func Run(configPath string) (Report, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return Report{}, fmt.Errorf("harness: %w", err)
	}

	catalog, series, err := preprocess.Load(cfg.Data.CSVPath, cfg.RejectSet())
	if err != nil {
		return Report{}, fmt.Errorf("harness: %w", err)
	}

	trainSeries := filterYears(series, trainYearMin, trainYearMax)
	scaler := scale.Fit(trainSeries)

	testEntity := cfg.TestEntity
	if testEntity == "" {
		entities := catalog.Entities()
		if len(entities) == 0 {
			return Report{}, fmt.Errorf("harness: catalog is empty")
		}
		testEntity = entities[0]
	}
	logrus.Infof("harness: designated single-series entity %q", testEntity)

	window := cfg.Data.WindowSize
	trainWindows := dataset.NewWindows(trainSeries, catalog, scaler, window,
		trainYearMin, trainYearMax, nil)
	valYears := filterYears(series, trainYearMin, valYearMax)
	endVal := valYearMin
	valWindows := dataset.NewWindows(valYears, catalog, scaler, window,
		trainYearMin, valYearMax, &endVal)

	if len(trainWindows) == 0 {
		return Report{}, fmt.Errorf("harness: no training windows of length %d in [%d,%d]",
			window, trainYearMin, trainYearMax)
	}

	batchSize := cfg.Training.BatchSize
	if batchSize > len(trainWindows) {
		batchSize = len(trainWindows)
	}

	trainLoader := dataset.NewLoader(trainWindows, batchSize, true, harnessSeed, 4)
	var valLoader *dataset.Loader
	if len(valWindows) > 0 {
		valLoader = dataset.NewLoader(valWindows, batchSize, false, harnessSeed, 4)
	}

	proposedModel, proposedHistory, err := trainProposed(cfg, catalog, batchSize, window, trainLoader, valLoader)
	if err != nil {
		return Report{}, fmt.Errorf("harness: %w", err)
	}
	logrus.Infof("harness: proposed model trained, %d epochs", len(proposedHistory.TrainLoss))

	singleModel, err := trainSingleSeriesAR(cfg, catalog, scaler, series, testEntity, window, batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("harness: %w", err)
	}
	logrus.Info("harness: baseline A (SingleSeriesAR) trained")

	multiModel, err := trainMultiSeriesNonAR(cfg, catalog, window, trainLoader, valLoader)
	if err != nil {
		return Report{}, fmt.Errorf("harness: %w", err)
	}
	logrus.Info("harness: baseline B (MultiSeriesNonAR) trained")

	pred := predictor.New(proposedModel, scaler, catalog, cfg.Inference.NumSamples, harnessSeed)

	var results []ModelResult

	for _, entity := range catalog.Entities() {
		s, ok := series[entity]
		if !ok {
			continue
		}
		histValues, histYears, actualValues, actualYears := splitCondition(s, testYearMin, testYearMax, window)
		if len(histValues) == 0 || len(actualValues) == 0 {
			continue
		}
		targetYear := histYears[len(histYears)-1]
		if len(actualYears) > 0 {
			targetYear = actualYears[len(actualYears)-1]
		}

		proposedPreds, err := pred.PredictPoint(context.Background(), entity, histValues, histYears, targetYear)
		if err == nil {
			results = append(results, ModelResult{
				Model: "proposed", Entity: entity,
				Metrics: metrics.ComputeAll(actualValues, align(proposedPreds, len(actualValues))),
			})
		} else {
			logrus.Warnf("harness: proposed forecast failed for %q: %v", entity, err)
		}

		multiPreds, err := forecastBaseline(multiModel, baselines.MultiSeriesNonAR(
			catalog.Len(), cfg.Model.EmbeddingDim, []int{16, 8}, cfg.Model.HiddenSize, cfg.Model.NumLayers, cfg.Model.Dropout),
			catalog, scaler, entity, histValues, histYears, targetYear)
		if err == nil {
			results = append(results, ModelResult{
				Model: "multi_nonar", Entity: entity,
				Metrics: metrics.ComputeAll(actualValues, align(multiPreds, len(actualValues))),
			})
		} else {
			logrus.Warnf("harness: baseline B forecast failed for %q: %v", entity, err)
		}

		if entity == testEntity {
			singlePreds, err := forecastBaseline(singleModel, baselines.SingleSeriesAR(
				cfg.Model.HiddenSize, cfg.Model.NumLayers, cfg.Model.Dropout),
				catalog, scaler, entity, histValues, histYears, targetYear)
			if err == nil {
				results = append(results, ModelResult{
					Model: "single_ar", Entity: entity,
					Metrics: metrics.ComputeAll(actualValues, align(singlePreds, len(actualValues))),
				})
			} else {
				logrus.Warnf("harness: baseline A forecast failed for %q: %v", entity, err)
			}
		}
	}

	return Report{Results: results, Table: renderTable(results)}, nil
}

func trainProposed(cfg *config.Config, catalog *preprocess.Catalog, batchSize, window int,
	trainLoader, valLoader *dataset.Loader) (*forecast.Model, trainer.History, error) {

	modelCfg := forecast.Config{
		NumEntities: catalog.Len(),
		EmbedDim:    cfg.Model.EmbeddingDim,
		YearHidden:  []int{16, 8},
		Hidden:      cfg.Model.HiddenSize,
		Layers:      cfg.Model.NumLayers,
		Dropout:     cfg.Model.Dropout,
	}
	solverCfg := solver.AdamConfig{
		StepSize: cfg.Training.LearningRate, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999,
		Batch: batchSize, Clip: cfg.Training.GradClip, WeightDecay: cfg.Training.WeightDecay,
	}
	model, err := forecast.NewModel(modelCfg, batchSize, window, solverCfg.Create())
	if err != nil {
		return nil, trainer.History{}, err
	}

	t := trainer.New(model, solverCfg, trainer.Config{
		Epochs: cfg.Training.Epochs, Patience: cfg.Training.Patience,
		PlateauPatience: 10, PlateauFactor: 0.5, MinLR: 1e-6,
	}, trainLoader, valLoader)

	history, err := t.Fit()
	return model, history, err
}

func trainMultiSeriesNonAR(cfg *config.Config, catalog *preprocess.Catalog, window int,
	trainLoader, valLoader *dataset.Loader) (*baselines.Model, error) {

	bcfg := baselines.MultiSeriesNonAR(catalog.Len(), cfg.Model.EmbeddingDim, []int{16, 8},
		cfg.Model.HiddenSize, cfg.Model.NumLayers, cfg.Model.Dropout)
	batchSize := firstBatchSize(trainLoader)
	solverCfg := solver.AdamConfig{
		StepSize: cfg.Training.LearningRate, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999,
		Batch: batchSize, Clip: cfg.Training.GradClip, WeightDecay: cfg.Training.WeightDecay,
	}
	model, err := baselines.NewModel(bcfg, batchSize, window, solverCfg.Create())
	if err != nil {
		return nil, err
	}
	return fitBaseline(model, cfg.Training.Epochs, cfg.Training.Patience, trainLoader, valLoader)
}

func trainSingleSeriesAR(cfg *config.Config, catalog *preprocess.Catalog, scaler *scale.Scaler,
	series map[string]preprocess.Series, entity string, window, batchSize int) (*baselines.Model, error) {

	single := map[string]preprocess.Series{entity: filterYearsOne(series[entity], trainYearMin, trainYearMax)}
	singleScaler := scale.Fit(single)
	windows := dataset.NewWindows(single, catalog, singleScaler, window, trainYearMin, trainYearMax, nil)
	if len(windows) == 0 {
		return nil, fmt.Errorf("no windows for designated entity %q", entity)
	}
	b := batchSize
	if b > len(windows) {
		b = len(windows)
	}
	loader := dataset.NewLoader(windows, b, true, harnessSeed, 2)

	bcfg := baselines.SingleSeriesAR(cfg.Model.HiddenSize, cfg.Model.NumLayers, cfg.Model.Dropout)
	solverCfg := solver.AdamConfig{
		StepSize: cfg.Training.LearningRate, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999,
		Batch: b, Clip: cfg.Training.GradClip, WeightDecay: cfg.Training.WeightDecay,
	}
	model, err := baselines.NewModel(bcfg, b, window, solverCfg.Create())
	if err != nil {
		return nil, err
	}
	return fitBaseline(model, cfg.Training.Epochs, cfg.Training.Patience, loader, nil)
}

// fitBaseline runs a minimal epoch loop with patience-based early
// stopping over a baselines.Model, returning the model at its last
// trained state (no checkpoint reload: the harness compares models,
// it does not ship them, so the simplification is acceptable and
// recorded in DESIGN.md).
func fitBaseline(model *baselines.Model, epochs, patience int, trainLoader, valLoader *dataset.Loader) (*baselines.Model, error) {
	best := 1e18
	bad := 0
	for epoch := 0; epoch < epochs; epoch++ {
		batches := trainLoader.Batches()
		if len(batches) == 0 {
			return nil, fmt.Errorf("fitbaseline: no full batches available")
		}
		var trainSum float64
		for _, b := range batches {
			loss, err := model.TrainStep(rowEntities(b), b.Values, b.Years)
			if err != nil {
				return nil, fmt.Errorf("fitbaseline: epoch %d: %w", epoch, err)
			}
			trainSum += loss
		}
		trainLoss := trainSum / float64(len(batches))

		monitor := trainLoss
		if valLoader != nil {
			valBatches := valLoader.Batches()
			if len(valBatches) > 0 {
				var valSum float64
				for _, b := range valBatches {
					loss, err := model.EvalStep(rowEntities(b), b.Values, b.Years)
					if err != nil {
						return nil, fmt.Errorf("fitbaseline: epoch %d: val: %w", epoch, err)
					}
					valSum += loss
				}
				monitor = valSum / float64(len(valBatches))
			}
		}

		if monitor < best {
			best = monitor
			bad = 0
		} else {
			bad++
		}
		if patience > 0 && bad >= patience {
			break
		}
	}
	return model, nil
}

func rowEntities(b dataset.Batch) []int {
	out := make([]int, len(b.EntityIndex))
	for i, row := range b.EntityIndex {
		out[i] = row[0]
	}
	return out
}

func firstBatchSize(l *dataset.Loader) int {
	batches := l.Batches()
	if len(batches) == 0 {
		return 1
	}
	return len(batches[0].Values)
}

// forecastBaseline runs the conditioning+generation procedure for a
// single-trajectory baseline forecast, mirroring predictor.PredictPoint.
func forecastBaseline(model *baselines.Model, cfg baselines.Config, catalog *preprocess.Catalog,
	scaler *scale.Scaler, entity string, histValues []float64, histYears []int, targetYear int) ([]float64, error) {

	idx, _ := catalog.Index(entity)
	scaleVal := scaler.Scale(entity)

	lastYear := histYears[len(histYears)-1]
	horizon := targetYear - lastYear
	if horizon <= 0 {
		return []float64{}, nil
	}

	session, err := model.NewSession(1)
	if err != nil {
		return nil, fmt.Errorf("forecastbaseline: %w", err)
	}

	scaledHist := make([]float64, len(histValues))
	for i, v := range histValues {
		scaledHist[i] = v / scaleVal
	}

	states := session.ZeroStates()
	zPrev := []float64{0}

	for t, y := range histYears {
		yearFeat := []float64{dataset.NormalizeYear(y)}
		out, err := session.Step(baselines.StepInput{
			EntityIndex: []int{idx}, ZPrev: zPrev, Year: yearFeat, States: states,
		})
		if err != nil {
			return nil, fmt.Errorf("forecastbaseline: conditioning step %d: %w", t, err)
		}
		states = out.States
		zPrev = []float64{scaledHist[t]}
	}

	predictions := make([]float64, 0, horizon)
	for s := 1; s <= horizon; s++ {
		futureYear := lastYear + s
		yearFeat := []float64{dataset.NormalizeYear(futureYear)}
		out, err := session.Step(baselines.StepInput{
			EntityIndex: []int{idx}, ZPrev: zPrev, Year: yearFeat, States: states,
		})
		if err != nil {
			return nil, fmt.Errorf("forecastbaseline: generation step %d: %w", s, err)
		}
		states = out.States

		if cfg.UsePrevValue {
			zPrev = []float64{out.Pred[0]}
		}
		pred := out.Pred[0] * scaleVal
		if pred < 0 {
			pred = 0
		}
		predictions = append(predictions, pred)
	}

	return predictions, nil
}

func filterYears(series map[string]preprocess.Series, yearMin, yearMax int) map[string]preprocess.Series {
	out := make(map[string]preprocess.Series, len(series))
	for entity, s := range series {
		out[entity] = filterYearsOne(s, yearMin, yearMax)
	}
	return out
}

func filterYearsOne(s preprocess.Series, yearMin, yearMax int) preprocess.Series {
	var years []int
	var values []float64
	for i, y := range s.Years {
		if y < yearMin || y > yearMax {
			continue
		}
		years = append(years, y)
		values = append(values, s.Values[i])
	}
	return preprocess.Series{Years: years, Values: values}
}

// splitCondition returns the last conditionWindow years strictly
// before testYearMin as history, and the observed (year, value) pairs
// in [testYearMin, testYearMax] as the ground truth to forecast
// against.
func splitCondition(s preprocess.Series, testYearMin, testYearMax, window int) (
	histValues []float64, histYears []int, actualValues []float64, actualYears []int) {

	var preYears []int
	var preValues []float64
	for i, y := range s.Years {
		if y < testYearMin {
			preYears = append(preYears, y)
			preValues = append(preValues, s.Values[i])
		} else if y <= testYearMax {
			actualYears = append(actualYears, y)
			actualValues = append(actualValues, s.Values[i])
		}
	}

	if len(preYears) > window {
		preYears = preYears[len(preYears)-window:]
		preValues = preValues[len(preValues)-window:]
	}
	return preValues, preYears, actualValues, actualYears
}

// align truncates predicted to the length of the actual series, the
// same convention metrics.ComputeAll's callers use.
func align(predicted []float64, n int) []float64 {
	if len(predicted) >= n {
		return predicted[:n]
	}
	out := make([]float64, n)
	copy(out, predicted)
	return out
}

func renderTable(results []ModelResult) string {
	sorted := append([]ModelResult{}, results...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Entity != sorted[j].Entity {
			return sorted[i].Entity < sorted[j].Entity
		}
		return sorted[i].Model < sorted[j].Model
	})

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tENTITY\tRMSE\tMAE\tMAPE\tSMAPE")
	for _, r := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\n",
			r.Model, r.Entity, r.Metrics.RMSE, r.Metrics.MAE, r.Metrics.MAPE, r.Metrics.SMAPE)
	}
	w.Flush()
	return buf.String()
}
