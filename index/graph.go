package index

import (
	"sort"
	"strings"

	"github.com/dcrn/sigil/contract"
)

// Edge is one depends_on relation.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Relation is one similarity-query result.
type Relation struct {
	ID      string   `json:"id"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Graph is the directed depends_on relation over a set of contracts,
// stored as an adjacency list of indices into a contiguous table so
// cycles never become pointer cycles.
type Graph struct {
	ids       []string
	pos       map[string]int
	adj       [][]int
	dangling  []Edge
	contracts map[string]*contract.Contract
}

// BuildGraph constructs the graph from every contract's depends_on.
// Edges whose target id is absent are collected as dangling rather
// than dropped silently.
func BuildGraph(contracts []*contract.Contract) *Graph {
	g := &Graph{
		pos:       make(map[string]int, len(contracts)),
		contracts: make(map[string]*contract.Contract, len(contracts)),
	}
	for _, c := range contracts {
		if _, ok := g.pos[c.ID]; ok {
			continue
		}
		g.pos[c.ID] = len(g.ids)
		g.ids = append(g.ids, c.ID)
		g.contracts[c.ID] = c
	}
	g.adj = make([][]int, len(g.ids))
	for _, c := range contracts {
		from := g.pos[c.ID]
		for _, d := range c.DependsOn {
			to, ok := g.pos[d.ID]
			if !ok {
				g.dangling = append(g.dangling, Edge{From: c.ID, To: d.ID, Reason: d.Reason})
				continue
			}
			g.adj[from] = append(g.adj[from], to)
		}
	}
	return g
}

// Dangling returns every dependency edge whose target id is unknown.
func (g *Graph) Dangling() []Edge {
	out := make([]Edge, len(g.dangling))
	copy(out, g.dangling)
	return out
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current path
	black        // fully explored
)

// Cycles reports every dependency cycle as the ordered id sequence
// forming it. A cycle of length k yields exactly k distinct ids. Cycles
// are canonicalised (rotated to start at their smallest id) and
// deduplicated, and the result is ordered deterministically.
func (g *Graph) Cycles() [][]string {
	color := make([]int, len(g.ids))
	var stack []int
	onStack := make([]bool, len(g.ids))

	var cycles [][]string
	seen := make(map[string]bool)

	var visit func(int)
	visit = func(n int) {
		color[n] = gray
		stack = append(stack, n)
		onStack[n] = true

		for _, next := range g.adj[n] {
			switch {
			case color[next] == white:
				visit(next)
			case onStack[next]:
				// Found a back edge: the cycle is the stack suffix
				// starting at next.
				start := len(stack) - 1
				for stack[start] != next {
					start--
				}
				cycle := make([]string, 0, len(stack)-start)
				for _, idx := range stack[start:] {
					cycle = append(cycle, g.ids[idx])
				}
				cycle = canonicalCycle(cycle)
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[n] = false
		color[n] = black
	}

	// Visit in sorted-id order for determinism.
	order := make([]int, len(g.ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return g.ids[order[i]] < g.ids[order[j]] })
	for _, n := range order {
		if color[n] == white {
			visit(n)
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], "\x00") < strings.Join(cycles[j], "\x00")
	})
	return cycles
}

// canonicalCycle rotates the cycle so its smallest id comes first.
func canonicalCycle(cycle []string) []string {
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}

// Related returns contracts similar to id: a depends_on edge in either
// direction, an overlapping tag, an overlapping trigger type, or an
// overlapping file reference. Results are ranked by overlap count
// descending; equal counts are broken by ascending id for determinism.
func (g *Graph) Related(id string) []Relation {
	target, ok := g.contracts[id]
	if !ok {
		return nil
	}

	targetTags := stringSet(target.Tags)
	targetFiles := stringSet(target.AllFiles())
	targetDeps := make(map[string]bool, len(target.DependsOn))
	for _, d := range target.DependsOn {
		targetDeps[d.ID] = true
	}

	var out []Relation
	for _, otherID := range g.ids {
		if otherID == id {
			continue
		}
		other := g.contracts[otherID]

		var score int
		var reasons []string

		if targetDeps[otherID] {
			score++
			reasons = append(reasons, "depends on it")
		}
		for _, d := range other.DependsOn {
			if d.ID == id {
				score++
				reasons = append(reasons, "depended on by it")
				break
			}
		}
		for _, tag := range other.Tags {
			if targetTags[tag] {
				score++
				reasons = append(reasons, "shared tag "+tag)
			}
		}
		if tt := target.TriggerType(); tt != "" && tt == other.TriggerType() {
			score++
			reasons = append(reasons, "shared trigger type "+tt)
		}
		for _, f := range other.AllFiles() {
			if targetFiles[f] {
				score++
				reasons = append(reasons, "shared file "+f)
			}
		}

		if score > 0 {
			out = append(out, Relation{ID: otherID, Score: score, Reasons: reasons})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
