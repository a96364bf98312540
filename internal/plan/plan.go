// Package plan orders playbook steps into execution waves. Steps inside a
// wave may run concurrently; waves run strictly one after another.
package plan

import (
	"fmt"
	"strings"

	"github.com/marcus-qen/praetor/internal/playbook"
)

// Wave is the set of step ids scheduled to run together.
type Wave []string

// Build produces the wave sequence for the steps, honoring depends_on and
// opt-in parallelism. Scanning follows declaration order: the first ready
// step opens a wave, further ready steps join only while they declare a
// parallel_group, and the first sequential candidate after that closes the
// wave. A step is ready only when every dependency finished in an earlier
// wave, so no wave ever contains a step depending on a wave-mate.
func Build(steps []playbook.Step) ([]Wave, error) {
	done := make(map[string]struct{}, len(steps))
	scheduled := 0
	waves := make([]Wave, 0, len(steps))

	for scheduled < len(steps) {
		var wave Wave
		for i := range steps {
			step := &steps[i]
			if _, ok := done[step.ID]; ok {
				continue
			}
			if !depsSatisfied(step.DependsOn, done) {
				continue
			}
			if len(wave) == 0 {
				wave = append(wave, step.ID)
				continue
			}
			if step.ParallelGroup == "" {
				break
			}
			wave = append(wave, step.ID)
		}

		if len(wave) == 0 {
			remaining := make([]string, 0, len(steps)-scheduled)
			for i := range steps {
				if _, ok := done[steps[i].ID]; !ok {
					remaining = append(remaining, steps[i].ID)
				}
			}
			return nil, fmt.Errorf("cannot resolve dependencies for: %s", strings.Join(remaining, ", "))
		}

		for _, id := range wave {
			done[id] = struct{}{}
		}
		scheduled += len(wave)
		waves = append(waves, wave)
	}

	return waves, nil
}

func depsSatisfied(deps []string, done map[string]struct{}) bool {
	for _, dep := range deps {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}
