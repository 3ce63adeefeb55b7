// Package pipeline defines stages, the ordered pipeline that chains them
// through files, and the static dependency check run before execution.
package pipeline

import (
	"github.com/flexinfer/ampliconflow/pkg/types"
)

// Stage is one external command invocation with the files it reads and writes.
// A Stage is immutable: accessors return copies.
type Stage struct {
	name    string
	command []string
	inputs  []string
	outputs []string
}

// NewStage builds a stage. Inputs and outputs are paths relative to the
// working directory unless absolute. Duplicate paths are collapsed.
func NewStage(name string, command, inputs, outputs []string) Stage {
	return Stage{
		name:    name,
		command: append([]string(nil), command...),
		inputs:  dedupe(inputs),
		outputs: dedupe(outputs),
	}
}

// Name returns the stage name.
func (s Stage) Name() string { return s.name }

// Command returns a copy of the argument vector; Command()[0] is the program.
func (s Stage) Command() []string { return append([]string(nil), s.command...) }

// Inputs returns a copy of the declared input paths.
func (s Stage) Inputs() []string { return append([]string(nil), s.inputs...) }

// Outputs returns a copy of the declared output paths.
func (s Stage) Outputs() []string { return append([]string(nil), s.outputs...) }

// Spec returns the serialisable form of the stage.
func (s Stage) Spec() types.StageSpec {
	return types.StageSpec{
		Name:    s.name,
		Command: s.Command(),
		Inputs:  s.Inputs(),
		Outputs: s.Outputs(),
	}
}

func dedupe(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
