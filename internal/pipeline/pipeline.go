package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flexinfer/ampliconflow/pkg/types"
)

// Pipeline is an ordered sequence of stages sharing one working directory.
// Insertion order is execution order.
type Pipeline struct {
	name   string
	stages []Stage
}

// New creates a Pipeline from the given stages.
func New(name string, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: append([]Stage(nil), stages...)}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Stages returns a copy of the stage list in execution order.
func (p *Pipeline) Stages() []Stage { return append([]Stage(nil), p.stages...) }

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Stage looks a stage up by name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.stages {
		if s.name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Plan returns the serialisable description stored alongside a run.
func (p *Pipeline) Plan() *types.Plan {
	plan := &types.Plan{Stages: make([]types.StageSpec, 0, len(p.stages))}
	for _, s := range p.stages {
		plan.Stages = append(plan.Stages, s.Spec())
	}
	return plan
}

// Validate checks that every declared input of stage i is either produced by
// a stage before i or already exists under workdir. It only stats files.
func (p *Pipeline) Validate(workdir string) error {
	names := make(map[string]struct{}, len(p.stages))
	producers := make(map[string]string)

	for _, s := range p.stages {
		if s.name == "" {
			return &ValidationError{Reason: "stage name is empty"}
		}
		if _, dup := names[s.name]; dup {
			return &ValidationError{Stage: s.name, Reason: "duplicate stage name"}
		}
		names[s.name] = struct{}{}

		if len(s.command) == 0 || s.command[0] == "" {
			return &ValidationError{Stage: s.name, Reason: "command is empty"}
		}

		for _, in := range s.inputs {
			if _, ok := producers[filepath.Clean(in)]; ok {
				continue
			}
			if _, err := os.Stat(Resolve(workdir, in)); err != nil {
				return &DependencyError{Stage: s.name, Path: in}
			}
		}

		for _, out := range s.outputs {
			key := filepath.Clean(out)
			if prev, ok := producers[key]; ok {
				return &ValidationError{
					Stage:  s.name,
					Path:   out,
					Reason: fmt.Sprintf("output is already declared by stage %s", prev),
				}
			}
			producers[key] = s.name
		}
	}
	return nil
}

// Resolve returns path joined to workdir unless path is absolute.
func Resolve(workdir, path string) string {
	if filepath.IsAbs(path) || workdir == "" {
		return path
	}
	return filepath.Join(workdir, path)
}
