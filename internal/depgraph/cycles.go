package depgraph

// Cycle is a strongly connected component of size > 1, or a single node
// with a self-loop edge, reported by find_cycles.
type Cycle struct {
	Nodes []NodeID
}

// HasCycle reports whether the graph contains at least one cycle.
func (g *Graph) HasCycle() bool {
	return len(g.FindCycles()) > 0
}

// FindCycles runs Tarjan's strongly-connected-components algorithm over
// the outgoing-edge adjacency and reports every SCC of size greater than
// one, plus any single node with a self-loop edge of any relation (an SCC
// algorithm alone would report a size-1 component for a self-loop as
// trivial; self-loops are surfaced explicitly).
func (g *Graph) FindCycles() []Cycle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t := &tarjan{
		index:   make(map[NodeID]int),
		lowlink: make(map[NodeID]int),
		onStack: make(map[NodeID]bool),
		graph:   g,
	}

	for id := range g.nodes {
		if _, visited := t.index[id]; !visited {
			t.strongConnect(id)
		}
	}

	var cycles []Cycle
	for _, scc := range t.sccs {
		if len(scc) > 1 {
			cycles = append(cycles, Cycle{Nodes: scc})
			continue
		}
		// Size-1 component: a cycle only if it has a self-loop. AddEdge
		// rejects depends_on self-loops, so such a loop is always on
		// another relation.
		id := scc[0]
		for key := range g.out[id] {
			if key.tgt == id {
				cycles = append(cycles, Cycle{Nodes: scc})
				break
			}
		}
	}
	return cycles
}

// tarjan holds the working state of one Tarjan SCC pass. Implemented
// iteratively-by-recursion (the graph is expected to stay small enough
// that Go's default goroutine stack growth is not a concern).
type tarjan struct {
	graph   *Graph
	index   map[NodeID]int
	lowlink map[NodeID]int
	onStack map[NodeID]bool
	stack   []NodeID
	counter int
	sccs    [][]NodeID
}

func (t *tarjan) strongConnect(v NodeID) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for key := range t.graph.out[v] {
		w := key.tgt
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []NodeID
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}
