// Package picker draws scenario indexes with probability proportional to
// their weights.
package picker

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Quantum is the number of table slots shared out in proportion to the
// weights, so each index is drawn with its share of the total weight rounded
// to the nearest 1/Quantum. Any positive weight keeps at least one slot.
const Quantum = 100

// ErrNoWeight is returned when no index has a positive weight.
var ErrNoWeight = errors.New("weights must sum to more than zero")

// Picker is a discrete distribution built once from a weight vector. A draw
// picks a table slot uniformly, so Pick is O(1). It is safe for concurrent
// use.
type Picker struct {
	slots []int
	mu    sync.Mutex
	rnd   *rand.Rand
}

// New builds a picker over weights.
func New(weights []float64) (*Picker, error) {
	return NewWithSource(weights, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource builds a picker drawing from src.
func NewWithSource(weights []float64, src rand.Source) (*Picker, error) {
	largest := 0.0
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight %d: %v is not a non-negative number", i, w)
		}
		largest = math.Max(largest, w)
	}
	if largest == 0 {
		return nil, ErrNoWeight
	}

	// Scaling by the largest weight keeps the sum finite.
	total := 0.0
	for _, w := range weights {
		total += w / largest
	}
	slots := make([]int, 0, Quantum+len(weights))
	for i, w := range weights {
		if w == 0 {
			continue
		}
		n := max(1, int(math.Round(w/largest/total*Quantum)))
		for ; n > 0; n-- {
			slots = append(slots, i)
		}
	}
	return &Picker{slots: slots, rnd: rand.New(src)}, nil
}

// Pick returns a random index.
func (p *Picker) Pick() int {
	p.mu.Lock()
	n := p.rnd.Intn(len(p.slots))
	p.mu.Unlock()
	return p.slots[n]
}
