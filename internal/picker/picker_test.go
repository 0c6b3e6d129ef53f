package picker

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestPickConvergesToWeights(t *testing.T) {
	weights := []float64{1, 2, 3, 4, 10}
	p, err := NewWithSource(weights, rand.NewSource(42))
	if err != nil {
		t.Fatalf("NewWithSource() error = %v", err)
	}

	const draws = 200_000
	counts := make([]int, len(weights))
	for i := 0; i < draws; i++ {
		counts[p.Pick()]++
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	for i, w := range weights {
		want := w / sum
		got := float64(counts[i]) / draws
		if math.Abs(got-want) > 0.01 {
			t.Errorf("index %d frequency = %.4f, want %.4f within 0.01", i, got, want)
		}
	}
}

func TestZeroWeightIndexNeverPicked(t *testing.T) {
	p, err := NewWithSource([]float64{0, 1}, rand.NewSource(1))
	if err != nil {
		t.Fatalf("NewWithSource() error = %v", err)
	}
	for i := 0; i < 1000; i++ {
		if got := p.Pick(); got != 1 {
			t.Fatalf("Pick() = %d, want 1", got)
		}
	}
}

func TestFractionalWeights(t *testing.T) {
	p, err := New([]float64{0.25, 0.75})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(p.slots) != 100 {
		t.Errorf("slots = %d, want 100", len(p.slots))
	}
}

func TestWeightScaleDoesNotMatter(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
	}{
		{name: "tiny", weights: []float64{0.001, 0.001}},
		{name: "huge", weights: []float64{1e13}},
		{name: "huge pair", weights: []float64{1e300, 3e300}},
		{name: "mixed", weights: []float64{0.25e-6, 0.75e-6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewWithSource(tt.weights, rand.NewSource(7))
			if err != nil {
				t.Fatalf("NewWithSource(%v) error = %v", tt.weights, err)
			}
			if len(p.slots) > Quantum+len(tt.weights) {
				t.Errorf("slots = %d, want at most %d", len(p.slots), Quantum+len(tt.weights))
			}
			counts := make([]int, len(tt.weights))
			for i := 0; i < 10_000; i++ {
				counts[p.Pick()]++
			}
			for i, c := range counts {
				if c == 0 {
					t.Errorf("index %d never drawn", i)
				}
			}
		})
	}
}

func TestSmallWeightNextToLargeIsDrawn(t *testing.T) {
	p, err := NewWithSource([]float64{0.004, 1}, rand.NewSource(3))
	if err != nil {
		t.Fatalf("NewWithSource() error = %v", err)
	}
	const draws = 100_000
	small := 0
	for i := 0; i < draws; i++ {
		if p.Pick() == 0 {
			small++
		}
	}
	got := float64(small) / draws
	if got == 0 || math.Abs(got-0.004/1.004) > 0.01 {
		t.Errorf("index 0 frequency = %.4f, want about %.4f within 0.01", got, 0.004/1.004)
	}
}

func TestNewRejectsInvalidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
	}{
		{name: "empty", weights: nil},
		{name: "all zero", weights: []float64{0, 0, 0}},
		{name: "negative", weights: []float64{1, -1}},
		{name: "nan", weights: []float64{math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.weights); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := New([]float64{0}); !errors.Is(err, ErrNoWeight) {
		t.Errorf("error = %v, want ErrNoWeight", err)
	}
}
