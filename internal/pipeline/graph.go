package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
)

const externalPrefix = "file:"

// Graph builds the stage dependency graph. Stages are vertices, an edge A->B
// exists when B reads a file A writes; inputs with no producer appear as
// "file:<path>" vertices.
func (p *Pipeline) Graph() (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	producers := make(map[string]string)
	type edgeKey struct{ from, to string }
	edges := make(map[edgeKey][]string)
	var order []edgeKey

	for _, s := range p.stages {
		if err := g.AddVertex(s.name, graph.VertexAttribute("shape", "box")); err != nil {
			return nil, fmt.Errorf("add stage %s: %w", s.name, err)
		}
		for _, in := range s.inputs {
			from, ok := producers[filepath.Clean(in)]
			if !ok {
				from = externalPrefix + in
				if _, err := g.Vertex(from); err != nil {
					if err := g.AddVertex(from, graph.VertexAttribute("shape", "note")); err != nil {
						return nil, fmt.Errorf("add input %s: %w", in, err)
					}
				}
			}
			k := edgeKey{from, s.name}
			if _, seen := edges[k]; !seen {
				order = append(order, k)
			}
			edges[k] = append(edges[k], in)
		}
		for _, out := range s.outputs {
			producers[filepath.Clean(out)] = s.name
		}
	}

	for _, k := range order {
		files := edges[k]
		sort.Strings(files)
		label := strings.Join(files, "\\n")
		if err := g.AddEdge(k.from, k.to, graph.EdgeAttribute("label", label)); err != nil {
			return nil, fmt.Errorf("add edge %s -> %s: %w", k.from, k.to, err)
		}
	}
	return g, nil
}

// ExecutionOrder returns the stage names in the order the runner executes
// them, which is insertion order. It fails if any dependency edge of the
// stage graph points backwards in that order.
func (p *Pipeline) ExecutionOrder() ([]string, error) {
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(p.stages))
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		index[s.name] = i
		names[i] = s.name
	}
	edges, err := g.Edges()
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	for _, e := range edges {
		from, ok := index[e.Source]
		if !ok {
			continue // external input
		}
		if to := index[e.Target]; to <= from {
			return nil, fmt.Errorf("stage %s depends on later stage %s", e.Target, e.Source)
		}
	}
	return names, nil
}

// WriteDOT renders the dependency graph in Graphviz DOT format.
func (p *Pipeline) WriteDOT(w io.Writer) error {
	g, err := p.Graph()
	if err != nil {
		return err
	}
	return draw.DOT(g, w)
}
