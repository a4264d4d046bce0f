// Package plan partitions a workflow's steps into dependency levels.
// Steps in one level have no data dependency on each other and run
// concurrently; levels run strictly in sequence.
package plan

import (
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/refs"
	"github.com/loomworks/loom/pkg/api"
)

// Level is a set of steps safe to dispatch concurrently.
type Level []api.Step

// Dependencies maps each step name to the set of step names its inputs
// reference. Refs whose head is not a step in the workflow are ignored;
// they resolve to workflow input, loop context, or trigger output.
func Dependencies(steps []api.Step) map[string]map[string]bool {
	names := make(map[string]bool, len(steps))
	for _, s := range steps {
		names[s.Name] = true
	}

	deps := make(map[string]map[string]bool, len(steps))
	for _, s := range steps {
		d := refs.StepDeps(refSources(s), names)
		delete(d, s.Name) // a self-reference is never a dependency edge
		deps[s.Name] = d
	}
	return deps
}

// refSources collects every value of a step that may carry @refs: its
// input mapping and, for sleep steps, the wake-at expression.
func refSources(s api.Step) any {
	src := []any{}
	if s.Input != nil {
		src = append(src, s.Input)
	}
	if s.Action.Sleep != nil && s.Action.Sleep.WakeAt != "" {
		src = append(src, s.Action.Sleep.WakeAt)
	}
	return src
}

// Group computes the ordered levels for a step list. Level 0 holds steps
// with no step-dependencies; each later level holds steps whose
// dependencies are all assigned to earlier levels.
//
// If a pass assigns nothing (a reference cycle), the remaining steps are
// placed in singleton levels preserving original order, with a warning.
// This guarantees termination and never drops a step: the union of all
// levels equals the input exactly once.
func Group(steps []api.Step, logger *zap.SugaredLogger) []Level {
	if len(steps) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	deps := Dependencies(steps)
	assigned := make(map[string]bool, len(steps))
	remaining := make([]api.Step, len(steps))
	copy(remaining, steps)

	var levels []Level
	for len(remaining) > 0 {
		var level Level
		var next []api.Step
		for _, s := range remaining {
			ready := true
			for dep := range deps[s.Name] {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, s)
			} else {
				next = append(next, s)
			}
		}

		if len(level) == 0 {
			// Cycle: degrade to one step per level in original order.
			cycle := make([]string, 0, len(next))
			for _, s := range next {
				cycle = append(cycle, s.Name)
			}
			logger.Warnw("Circular step dependencies, falling back to sequential order",
				"steps", cycle,
			)
			for _, s := range next {
				levels = append(levels, Level{s})
			}
			return levels
		}

		for _, s := range level {
			assigned[s.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}

	return levels
}
