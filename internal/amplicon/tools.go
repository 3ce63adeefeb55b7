package amplicon

import (
	"context"
	"fmt"
	"strings"

	"github.com/flexinfer/ampliconflow/internal/driver"
)

// ToolSpec locates one external program.
type ToolSpec struct {
	// Path is an absolute path or a name looked up in PATH.
	Path string `yaml:"path" toml:"path" json:"path"`
	// Version, when set, must appear in the program's --version output.
	Version string `yaml:"version,omitempty" toml:"version,omitempty" json:"version,omitempty"`
}

// Tools are the programs the workflow invokes. Self is this binary; it runs
// the barcode and manifest helper stages.
type Tools struct {
	Cutadapt ToolSpec `yaml:"cutadapt" toml:"cutadapt" json:"cutadapt"`
	Qiime    ToolSpec `yaml:"qiime" toml:"qiime" json:"qiime"`
	Biom     ToolSpec `yaml:"biom" toml:"biom" json:"biom"`
	Self     ToolSpec `yaml:"self" toml:"self" json:"self"`
}

// DefaultTools resolves every tool from PATH.
func DefaultTools() Tools {
	return Tools{
		Cutadapt: ToolSpec{Path: "cutadapt"},
		Qiime:    ToolSpec{Path: "qiime"},
		Biom:     ToolSpec{Path: "biom"},
		Self:     ToolSpec{Path: "ampliconflow"},
	}
}

// Named returns the tools in a fixed order with their names.
func (t Tools) Named() []NamedTool {
	return []NamedTool{
		{"cutadapt", t.Cutadapt},
		{"qiime", t.Qiime},
		{"biom", t.Biom},
		{"self", t.Self},
	}
}

// NamedTool pairs a tool with its role name.
type NamedTool struct {
	Name string
	Spec ToolSpec
}

// ToolStatus is the outcome of probing one tool.
type ToolStatus struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Want    string `json:"want,omitempty"`
	Version string `json:"version,omitempty"`
	OK      bool   `json:"ok"`
	Problem string `json:"problem,omitempty"`
}

// Check runs "<tool> --version" for every tool and compares the first
// output line with the expected version.
func (t Tools) Check(ctx context.Context, drv driver.Driver, dir string) []ToolStatus {
	out := make([]ToolStatus, 0, 4)
	for _, nt := range t.Named() {
		st := ToolStatus{Name: nt.Name, Path: nt.Spec.Path, Want: nt.Spec.Version}
		if nt.Spec.Path == "" {
			st.Problem = "no path configured"
			out = append(out, st)
			continue
		}
		res, err := drv.Run(ctx, &driver.Request{
			Stage:   "doctor-" + nt.Name,
			Command: []string{nt.Spec.Path, "--version"},
			Dir:     dir,
		})
		switch {
		case err != nil:
			st.Problem = err.Error()
		case res.ExitCode != 0:
			st.Problem = fmt.Sprintf("--version exited with status %d", res.ExitCode)
		default:
			st.Version = firstLine(string(res.Output))
			if nt.Spec.Version != "" && !strings.Contains(string(res.Output), nt.Spec.Version) {
				st.Problem = fmt.Sprintf("want version %s", nt.Spec.Version)
			} else {
				st.OK = true
			}
		}
		out = append(out, st)
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
