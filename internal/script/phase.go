package script

import (
	"fmt"
	"math"
	"time"
)

// ArrivalMode names the arrival process used by rate-driven phases.
type ArrivalMode string

const (
	ArrivalModeUniform ArrivalMode = "uniform"
	ArrivalModePoisson ArrivalMode = "poisson"
)

// PhaseKind is the arrival-generation rule a phase follows.
type PhaseKind int

const (
	PhaseKindUnknown PhaseKind = iota
	PhaseKindPause
	PhaseKindArrivalCount
	PhaseKindArrivalRate
	PhaseKindRamp
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseKindPause:
		return "pause"
	case PhaseKindArrivalCount:
		return "arrivalCount"
	case PhaseKindArrivalRate:
		return "arrivalRate"
	case PhaseKindRamp:
		return "ramp"
	default:
		return "unknown"
	}
}

// PhaseSpec is a time-bounded run segment. Exactly one of Pause,
// ArrivalRate or ArrivalCount is set; RampTo is only valid with ArrivalRate.
type PhaseSpec struct {
	Name         string      `yaml:"name,omitempty" json:"name,omitempty"`
	Duration     float64     `yaml:"duration,omitempty" json:"duration,omitempty"`
	Pause        *float64    `yaml:"pause,omitempty" json:"pause,omitempty"`
	ArrivalRate  *float64    `yaml:"arrivalRate,omitempty" json:"arrivalRate,omitempty"`
	RampTo       *float64    `yaml:"rampTo,omitempty" json:"rampTo,omitempty"`
	ArrivalCount *int        `yaml:"arrivalCount,omitempty" json:"arrivalCount,omitempty"`
	Mode         ArrivalMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Index        int         `yaml:"-" json:"-"`
}

// Kind reports which rule the phase follows. Phases with zero or several
// selectors report PhaseKindUnknown.
func (p PhaseSpec) Kind() PhaseKind {
	selectors := 0
	if p.Pause != nil {
		selectors++
	}
	if p.ArrivalRate != nil {
		selectors++
	}
	if p.ArrivalCount != nil {
		selectors++
	}
	if selectors != 1 {
		return PhaseKindUnknown
	}
	switch {
	case p.Pause != nil:
		return PhaseKindPause
	case p.ArrivalCount != nil:
		return PhaseKindArrivalCount
	case p.RampTo != nil:
		return PhaseKindRamp
	default:
		return PhaseKindArrivalRate
	}
}

// Length returns how long the phase runs. A pause lasts for its pause value
// when set, otherwise for its duration.
func (p PhaseSpec) Length() time.Duration {
	if p.Pause != nil && *p.Pause > 0 {
		return seconds(*p.Pause)
	}
	return seconds(p.Duration)
}

// Label names the phase for logs.
func (p PhaseSpec) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("phase[%d]", p.Index)
}

// ExpectedArrivals estimates how many arrivals the phase generates. Poisson
// phases report their mean.
func (p PhaseSpec) ExpectedArrivals() int {
	switch p.Kind() {
	case PhaseKindArrivalCount:
		return *p.ArrivalCount
	case PhaseKindArrivalRate:
		return int(math.Round(*p.ArrivalRate * p.Duration))
	case PhaseKindRamp:
		total := 0
		for _, r := range RampRates(*p.ArrivalRate, *p.RampTo, int(p.Duration)) {
			total += int(math.Round(r))
		}
		return total
	default:
		return 0
	}
}

// RampRates returns the arrival rate of each one-second sub-step of a ramp
// from "from" to "to" over the given number of seconds. The rate at second k
// is from + k*(to-from)/(seconds-1). Ramps shorter than two seconds have no
// defined increment and yield nil.
func RampRates(from, to float64, seconds int) []float64 {
	if seconds < 2 {
		return nil
	}
	inc := (to - from) / float64(seconds-1)
	rates := make([]float64, seconds)
	for k := range rates {
		rates[k] = from + float64(k)*inc
	}
	return rates
}
