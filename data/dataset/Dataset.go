// Package dataset builds fixed-length sliding-window training samples
// from scaled per-entity series, and loads them in batches for
// training.
package dataset

import (
	"math/rand"
	"sync"

	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
)

// Sample is one length-Window slice of a single entity's scaled
// series, along with the normalized year feature for each step and
// the entity's scale (needed to invert predictions back to raw
// units).
type Sample struct {
	EntityIndex  int
	ScaledValues []float64
	Years        []float64
	Scale        float64
}

const (
	yearBase  = 1950
	yearRange = 73
)

// NormalizeYear maps a calendar year onto the (y-1950)/73 feature the
// model was designed around.
func NormalizeYear(year int) float64 {
	return float64(year-yearBase) / float64(yearRange)
}

// NewWindows builds every length-window contiguous sub-window (stride
// 1) of every entity's series restricted to [yearMin, yearMax].
// Entities with fewer than window observations in range are skipped
// silently. If endYearMin is non-nil, windows whose last year falls
// before *endYearMin are also skipped.
func NewWindows(series map[string]preprocess.Series, catalog *preprocess.Catalog,
	scaler *scale.Scaler, window int, yearMin, yearMax int, endYearMin *int) []Sample {

	var samples []Sample

	for entity, s := range series {
		idx, ok := catalog.Index(entity)
		if !ok {
			continue
		}

		var years []int
		var values []float64
		for i, y := range s.Years {
			if y < yearMin || y > yearMax {
				continue
			}
			years = append(years, y)
			values = append(values, s.Values[i])
		}

		if len(values) < window {
			continue
		}

		scaled := scaler.Transform(entity, values)
		entityScale := scaler.Scale(entity)

		for start := 0; start+window <= len(scaled); start++ {
			endYear := years[start+window-1]
			if endYearMin != nil && endYear < *endYearMin {
				continue
			}

			windowYears := make([]float64, window)
			windowValues := make([]float64, window)
			for i := 0; i < window; i++ {
				windowYears[i] = NormalizeYear(years[start+i])
				windowValues[i] = scaled[start+i]
			}

			samples = append(samples, Sample{
				EntityIndex:  idx,
				ScaledValues: windowValues,
				Years:        windowYears,
				Scale:        entityScale,
			})
		}
	}

	return samples
}

// Batch is a dense, model-ready batch of samples: B entities over W
// timesteps.
type Batch struct {
	EntityIndex [][]int // B x W (replicated per step for convenience)
	Values      [][]float64
	Years       [][]float64
}

// Loader splits a sample set into batches and materializes them with
// a small worker pool, overlapping batch construction with training
// compute. Ordering across batches is not guaranteed and does not
// need to be: only the pipeline's train/validation split requires
// determinism, and that is performed before the Loader is built.
type Loader struct {
	samples []Sample
	batch   int
	shuffle bool
	rng     *rand.Rand
	workers int
}

// NewLoader returns a Loader over samples, batching them into groups
// of size batch (a trailing partial batch is dropped - see Len), optionally shuffled
// with the given seed, materializing batches across workers
// goroutines.
func NewLoader(samples []Sample, batch int, shuffle bool, seed int64, workers int) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{
		samples: samples,
		batch:   batch,
		shuffle: shuffle,
		rng:     rand.New(rand.NewSource(seed)),
		workers: workers,
	}
}

// Len returns the number of full batches the Loader will produce. The
// forecast model's training graph has a fixed batch shape, so a
// trailing partial batch (fewer than l.batch samples) is dropped, the
// common convention for fixed-shape static-graph frameworks.
func (l *Loader) Len() int {
	if len(l.samples) == 0 {
		return 0
	}
	return len(l.samples) / l.batch
}

// Batches materializes every full batch and returns them in batch
// order (a trailing partial batch, if any, is dropped - see Len).
// Internally the W-step dense tensors for each batch are built
// concurrently across l.workers goroutines; the result slice is
// always returned in the original batch order regardless of which
// worker finished first.
func (l *Loader) Batches() []Batch {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	n := l.Len()
	out := make([]Batch, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, l.workers)

	for b := 0; b < n; b++ {
		start := b * l.batch
		end := start + l.batch
		if end > len(order) {
			end = len(order)
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(b, start, end int) {
			defer wg.Done()
			defer func() { <-sem }()
			out[b] = materialize(l.samples, order[start:end])
		}(b, start, end)
	}
	wg.Wait()

	return out
}

func materialize(samples []Sample, indices []int) Batch {
	n := len(indices)
	if n == 0 {
		return Batch{}
	}
	w := len(samples[indices[0]].ScaledValues)

	entityIndex := make([][]int, n)
	values := make([][]float64, n)
	years := make([][]float64, n)

	for row, idx := range indices {
		s := samples[idx]
		ei := make([]int, w)
		for i := range ei {
			ei[i] = s.EntityIndex
		}
		entityIndex[row] = ei
		values[row] = s.ScaledValues
		years[row] = s.Years
	}

	return Batch{EntityIndex: entityIndex, Values: values, Years: years}
}
