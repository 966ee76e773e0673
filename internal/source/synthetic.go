package source

import (
	"math/rand"
	"sync"
)

// Drift is a Sensor producing a bounded random walk, for simulation.
type Drift struct {
	mu   sync.Mutex
	rng  *rand.Rand
	cur  Sample
	step float32
}

// NewDrift starts the walk at start; each read moves each value by at most
// step, clamped to [0,100].
func NewDrift(start Sample, step float32, seed int64) *Drift {
	return &Drift{rng: rand.New(rand.NewSource(seed)), cur: start, step: step}
}

func (d *Drift) Read() (Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cur.Primary = clamp(d.cur.Primary + d.delta())
	d.cur.Secondary = clamp(d.cur.Secondary + d.delta())
	return d.cur, nil
}

func (d *Drift) delta() float32 {
	return (d.rng.Float32()*2 - 1) * d.step
}

func clamp(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
