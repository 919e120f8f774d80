package depgraph

import (
	"fmt"
	"sort"
	"strings"
)

// ExportDOT renders the graph as Graphviz DOT source for operator
// inspection.
func (g *Graph) ExportDOT() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	b.WriteString("digraph dependencies {\n")

	ids := make([]NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n := g.nodes[id]
		fmt.Fprintf(&b, "  %q [label=%q, kind=%q, health=%q];\n",
			id, fmt.Sprintf("%s\\n%s", id, n.Config.Kind), n.Config.Kind, n.Health)
	}

	keys := make([]edgeKey, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].src != keys[j].src {
			return keys[i].src < keys[j].src
		}
		if keys[i].tgt != keys[j].tgt {
			return keys[i].tgt < keys[j].tgt
		}
		return keys[i].rel < keys[j].rel
	})

	for _, k := range keys {
		e := g.edges[k]
		fmt.Fprintf(&b, "  %q -> %q [label=%q, strength=%.2f];\n",
			e.Source, e.Target, e.Relation, e.Strength)
	}

	b.WriteString("}\n")
	return b.String()
}
