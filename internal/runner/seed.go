package runner

import (
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/feeder"
	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/variables"
)

// UIDVariable holds the instance id of every scenario instance.
const UIDVariable = "_uid"

// seeder builds the initial variables of scenario instances.
type seeder struct {
	target    string
	samplers  []*feeder.Sampler
	variables map[string]any
}

func newSeeder(cfg script.Config) (*seeder, error) {
	s := &seeder{target: cfg.Target, variables: cfg.Variables}
	for i, p := range cfg.Payload {
		sampler, err := feeder.NewSampler(p.Fields, p.Data)
		if err != nil {
			return nil, fmt.Errorf("payload[%d]: %w", i, err)
		}
		s.samplers = append(s.samplers, sampler)
	}
	return s, nil
}

// runContext returns the state of a fresh instance of scenario. Payload
// blocks contribute one random row each and list variables one random
// element.
func (s *seeder) runContext(scenario string) *engine.RunContext {
	vars := variables.NewStore()
	vars.Set("target", s.target)
	for _, sampler := range s.samplers {
		vars.Merge(sampler.Next())
	}
	for name, value := range s.variables {
		if list, ok := value.([]any); ok {
			if len(list) == 0 {
				continue
			}
			value = list[rand.IntN(len(list))]
		}
		vars.Set(name, variables.Format(value))
	}
	uid := uuid.NewString()
	vars.Set(UIDVariable, uid)
	return engine.NewRunContext(uid, scenario, vars)
}
