package script

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownEngine is reported, wrapped in a ValidationError, when a script
// references an engine missing from the registry.
var ErrUnknownEngine = errors.New("unknown engine")

// EngineSet answers whether an engine name can be resolved.
type EngineSet interface {
	Has(name string) bool
}

// ValidationError lists every problem found in a script.
type ValidationError struct {
	issues []string
	engine bool
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "invalid script"
	}
	return fmt.Sprintf("invalid script: %s", strings.Join(e.issues, "; "))
}

// Issues returns a copy of the individual problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Is lets errors.Is match ErrUnknownEngine when any issue is an unresolved
// engine reference.
func (e ValidationError) Is(target error) bool {
	return target == ErrUnknownEngine && e.engine
}

// Validate checks the script's semantics. Engine references are resolved
// against engines when it is non-nil, so a missing engine fails here rather
// than on the first arrival.
func (s *Script) Validate(engines EngineSet) error {
	var issues []string
	unknownEngine := false

	if len(s.Config.Phases) == 0 {
		issues = append(issues, "config.phases: at least one phase is required")
	}
	for i, p := range s.Config.Phases {
		issues = append(issues, validatePhase(i, p)...)
	}
	switch s.Config.Mode {
	case "", ArrivalModeUniform, ArrivalModePoisson:
	default:
		issues = append(issues, fmt.Sprintf("config.mode: unsupported arrival mode %q", s.Config.Mode))
	}

	for i, p := range s.Config.Payload {
		if len(p.Fields) == 0 {
			issues = append(issues, fmt.Sprintf("config.payload[%d]: fields are required", i))
		}
		if len(p.Data) == 0 {
			issues = append(issues, fmt.Sprintf("config.payload[%d]: no rows", i))
		}
	}

	if len(s.Scenarios) == 0 {
		issues = append(issues, "scenarios: at least one scenario is required")
	}
	total := 0.0
	for i, sc := range s.Scenarios {
		w := sc.EffectiveWeight()
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			issues = append(issues, fmt.Sprintf("scenarios[%d]: weight must be a non-negative number", i))
		} else {
			total += w
		}
		if len(sc.Flow) == 0 {
			issues = append(issues, fmt.Sprintf("scenarios[%d]: flow is empty", i))
		}
		issues = append(issues, validateFlow(fmt.Sprintf("scenarios[%d].flow", i), sc.Flow)...)
	}
	if len(s.Scenarios) > 0 && total <= 0 {
		issues = append(issues, "scenarios: weights must sum to more than zero")
	}

	if engines != nil {
		for _, name := range s.EngineNames() {
			if !engines.Has(name) {
				unknownEngine = true
				issues = append(issues, fmt.Sprintf("engine %q: %v", name, ErrUnknownEngine))
			}
		}
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues, engine: unknownEngine}
	}
	return nil
}

func validatePhase(i int, p PhaseSpec) []string {
	prefix := fmt.Sprintf("config.phases[%d]", i)
	var issues []string
	switch p.Kind() {
	case PhaseKindUnknown:
		issues = append(issues, prefix+": exactly one of pause, arrivalRate or arrivalCount is required")
	case PhaseKindPause:
		if p.Length() <= 0 {
			issues = append(issues, prefix+": pause must last longer than zero")
		}
	case PhaseKindArrivalCount:
		if p.Duration <= 0 {
			issues = append(issues, prefix+": duration must be positive")
		}
		if *p.ArrivalCount < 1 {
			issues = append(issues, prefix+": arrivalCount must be at least 1")
		}
	case PhaseKindArrivalRate:
		if p.Duration <= 0 {
			issues = append(issues, prefix+": duration must be positive")
		}
		if *p.ArrivalRate <= 0 {
			issues = append(issues, prefix+": arrivalRate must be positive")
		}
	case PhaseKindRamp:
		if p.Duration < 2 || p.Duration != math.Trunc(p.Duration) {
			issues = append(issues, prefix+": ramp duration must be a whole number of at least 2 seconds")
		}
		if *p.ArrivalRate < 0 || *p.RampTo < 0 {
			issues = append(issues, prefix+": ramp rates must not be negative")
		}
	}
	if p.RampTo != nil && p.ArrivalRate == nil {
		issues = append(issues, prefix+": rampTo requires arrivalRate")
	}
	switch p.Mode {
	case "", ArrivalModeUniform, ArrivalModePoisson:
	default:
		issues = append(issues, fmt.Sprintf("%s: unsupported arrival mode %q", prefix, p.Mode))
	}
	return issues
}

func validateFlow(prefix string, flow []StepSpec) []string {
	var issues []string
	for i, step := range flow {
		at := fmt.Sprintf("%s[%d]", prefix, i)
		kinds := 0
		if step.IsThink() {
			kinds++
			if *step.Think < 0 {
				issues = append(issues, at+": think must not be negative")
			}
		}
		if step.IsLoop() {
			kinds++
			if len(step.Loop) == 0 {
				issues = append(issues, at+": loop body is empty")
			}
			if step.Count != nil && *step.Count < DefaultLoopCount {
				issues = append(issues, at+": loop count must be -1 or more")
			}
			issues = append(issues, validateFlow(at+".loop", step.Loop)...)
		}
		if step.Action != "" {
			kinds++
		}
		if kinds != 1 {
			issues = append(issues, at+": step must be exactly one of think, loop or an action")
		}
		if step.Count != nil && !step.IsLoop() {
			issues = append(issues, at+": count is only valid on loops")
		}
	}
	return issues
}
