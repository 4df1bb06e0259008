package solver

// Plateau implements "reduce learning rate on plateau": the monitored
// value (validation loss) is tracked across calls to Step, and the
// learning rate is halved whenever it has failed to improve for
// Patience consecutive calls, floored at MinLR. There is no
// precedent for a scheduler anywhere in the example pack, so this is
// new code; it is a plain struct and does not use the package's
// Type/Config JSON wrapper.
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	best        float64
	badStreak   int
	initialized bool
	lr          float64
}

// NewPlateau returns a new Plateau scheduler tracking the given
// initial learning rate.
func NewPlateau(initialLR, factor, minLR float64, patience int) *Plateau {
	return &Plateau{
		Factor:   factor,
		Patience: patience,
		MinLR:    minLR,
		lr:       initialLR,
	}
}

// LR returns the scheduler's current learning rate.
func (p *Plateau) LR() float64 {
	return p.lr
}

// Step records one monitored value (typically the epoch's validation
// loss) and returns the (possibly reduced) learning rate to use next,
// along with whether this value is the best seen so far.
func (p *Plateau) Step(value float64) (lr float64, improved bool) {
	if !p.initialized || value < p.best {
		p.best = value
		p.badStreak = 0
		p.initialized = true
		return p.lr, true
	}

	p.badStreak++
	if p.badStreak >= p.Patience {
		p.badStreak = 0
		next := p.lr * p.Factor
		if next < p.MinLR {
			next = p.MinLR
		}
		p.lr = next
	}
	return p.lr, false
}
