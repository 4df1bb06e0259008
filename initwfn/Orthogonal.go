package initwfn

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// OrthogonalConfig implements a configuration of an orthogonal weight
// initializer, used for the hidden-to-hidden weights of a recurrent
// cell so that repeated multiplication by the same matrix does not
// systematically shrink or blow up the hidden state.
type OrthogonalConfig struct {
	Gain float64
}

// NewOrthogonal returns a new orthogonal weight initializer
func NewOrthogonal(gain float64) (*InitWFn, error) {
	config := OrthogonalConfig{Gain: gain}

	return newInitWFn(Orthogonal, config)
}

// Create returns the weight initialization algorithm as a Gorgonia
// InitWFn. Gorgonia has no orthogonal initializer of its own, so this
// draws a Gaussian random matrix and takes the Q factor of its QR
// decomposition, following the standard orthogonal-init recipe.
func (o OrthogonalConfig) Create() G.InitWFn {
	gain := o.Gain
	if gain == 0 {
		gain = 1.0
	}

	return func(dt tensor.Dtype, s ...int) interface{} {
		rows, cols := 1, 1
		if len(s) == 1 {
			rows = s[0]
		} else if len(s) >= 2 {
			rows = s[0]
			cols = s[1]
			for _, d := range s[2:] {
				cols *= d
			}
		}

		q := orthogonalMatrix(rows, cols, gain)

		switch dt {
		case tensor.Float32:
			out := make([]float32, len(q))
			for i, v := range q {
				out[i] = float32(v)
			}
			return out
		default:
			return q
		}
	}
}

// ValidType returns whether a specific InitWFn type can be created
// with this Config
func (o OrthogonalConfig) ValidType(t Type) bool {
	return t == Orthogonal
}

// orthogonalMatrix returns a rows*cols row-major slice whose reshaping
// into a (rows, cols) matrix has orthonormal rows or columns
// (whichever is the shorter dimension), scaled by gain.
func orthogonalMatrix(rows, cols int, gain float64) []float64 {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))

	n, transposed := rows, cols
	if cols > rows {
		n, transposed = cols, rows
	}

	raw := mat.NewDense(n, transposed, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < transposed; j++ {
			raw.Set(i, j, src.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(raw)

	var q mat.Dense
	qr.QTo(&q)

	// Make the decomposition unique (and avoid a systematic sign bias)
	// by flipping columns of Q to match the sign of R's diagonal.
	var r mat.Dense
	qr.RTo(&r)
	qn, _ := q.Dims()
	for j := 0; j < transposed; j++ {
		if r.At(j, j) < 0 {
			for i := 0; i < qn; i++ {
				q.Set(i, j, -q.At(i, j)*gain)
			}
		} else if gain != 1.0 {
			for i := 0; i < qn; i++ {
				q.Set(i, j, q.At(i, j)*gain)
			}
		}
	}

	out := make([]float64, rows*cols)
	if rows >= cols {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = q.At(i, j)
			}
		}
	} else {
		// n == cols, transposed == rows: Q is (cols, rows), use its
		// transpose so the result has the requested (rows, cols) shape.
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = q.At(j, i)
			}
		}
	}

	return out
}
