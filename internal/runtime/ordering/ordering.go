// Package ordering resolves declarative before/after constraints into a
// deterministic total order. It backs the middleware pipeline, header
// providers, error handler chains and startup actions.
package ordering

import (
	"fmt"
	"slices"
	"sort"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// DirectiveKind distinguishes the ordering relations a component may declare.
type DirectiveKind int

const (
	// KindBefore orders the declaring component ahead of the target, if present.
	KindBefore DirectiveKind = iota + 1
	// KindAfter orders the declaring component behind the target, if present.
	KindAfter
	// KindRequires orders the target ahead of the declaring component and
	// fails composition when the target is missing.
	KindRequires
	// KindRequiredBy orders the declaring component ahead of the target and
	// fails composition when the target is missing.
	KindRequiredBy
)

func (k DirectiveKind) String() string {
	switch k {
	case KindBefore:
		return "before"
	case KindAfter:
		return "after"
	case KindRequires:
		return "requires"
	case KindRequiredBy:
		return "required-by"
	default:
		return fmt.Sprintf("directive(%d)", int(k))
	}
}

// Directive is one ordering relation towards another named component.
type Directive struct {
	Kind   DirectiveKind
	Target string
}

func (d Directive) String() string {
	return d.Kind.String() + " " + d.Target
}

func Before(target string) Directive     { return Directive{Kind: KindBefore, Target: target} }
func After(target string) Directive      { return Directive{Kind: KindAfter, Target: target} }
func Requires(target string) Directive   { return Directive{Kind: KindRequires, Target: target} }
func RequiredBy(target string) Directive { return Directive{Kind: KindRequiredBy, Target: target} }

// Node is a named component with its declared directives.
type Node struct {
	Name       string
	Directives []Directive
}

// Sort returns the node names in an order satisfying every directive. Nodes
// without a relation between them keep their input order, so the same input
// always yields the same output. Cyclic directives produce a
// *errors.ConfigurationError whose Cycle holds the members of one cycle.
func Sort(nodes []Node) ([]string, error) {
	g, err := newGraph(nodes)
	if err != nil {
		return nil, err
	}

	indegree := make([]int, len(nodes))
	for _, succs := range g.succ {
		for _, s := range succs {
			indegree[s]++
		}
	}

	ready := make([]int, 0, len(nodes))
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(nodes))
	done := make([]bool, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		done[current] = true
		order = append(order, nodes[current].Name)

		for _, s := range g.succ[current] {
			indegree[s]--
			if indegree[s] == 0 {
				pos := sort.SearchInts(ready, s)
				ready = slices.Insert(ready, pos, s)
			}
		}
	}

	if len(order) < len(nodes) {
		return nil, &errspkg.ConfigurationError{
			Reason: "cyclic ordering directives",
			Cycle:  g.findCycle(nodes, done),
		}
	}
	return order, nil
}

type graph struct {
	succ [][]int
	pred [][]int
}

func newGraph(nodes []Node) (*graph, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Name == "" {
			return nil, errspkg.NewConfigurationError("component at position %d has no name", i)
		}
		if _, dup := index[n.Name]; dup {
			return nil, errspkg.NewConfigurationError("duplicate component %q", n.Name)
		}
		index[n.Name] = i
	}

	g := &graph{
		succ: make([][]int, len(nodes)),
		pred: make([][]int, len(nodes)),
	}
	seen := make(map[[2]int]struct{})
	addEdge := func(from, to int) {
		key := [2]int{from, to}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		g.succ[from] = append(g.succ[from], to)
		g.pred[to] = append(g.pred[to], from)
	}

	for i, n := range nodes {
		for _, d := range n.Directives {
			target, ok := index[d.Target]
			switch d.Kind {
			case KindBefore:
				if ok {
					addEdge(i, target)
				}
			case KindAfter:
				if ok {
					addEdge(target, i)
				}
			case KindRequires:
				if !ok {
					return nil, errspkg.NewConfigurationError("%q requires missing component %q", n.Name, d.Target)
				}
				addEdge(target, i)
			case KindRequiredBy:
				if !ok {
					return nil, errspkg.NewConfigurationError("%q is required by missing component %q", n.Name, d.Target)
				}
				addEdge(i, target)
			default:
				return nil, errspkg.NewConfigurationError("%q declares unknown directive %s", n.Name, d)
			}
		}
	}

	for i := range g.succ {
		slices.Sort(g.succ[i])
		slices.Sort(g.pred[i])
	}
	return g, nil
}

// findCycle walks predecessor edges among the unsorted nodes until a node
// repeats. Every unsorted node still has an unsorted predecessor, so the walk
// always closes a cycle.
func (g *graph) findCycle(nodes []Node, done []bool) []string {
	start := -1
	for i := range nodes {
		if !done[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	position := make(map[int]int)
	var path []int
	current := start
	for {
		if pos, seen := position[current]; seen {
			path = path[pos:]
			break
		}
		position[current] = len(path)
		path = append(path, current)

		next := -1
		for _, p := range g.pred[current] {
			if !done[p] {
				next = p
				break
			}
		}
		if next < 0 {
			return nil
		}
		current = next
	}

	// path follows edges backwards; reverse into edge order and rotate so the
	// earliest discovered member leads.
	slices.Reverse(path)
	lowest := 0
	for i, idx := range path {
		if idx < path[lowest] {
			lowest = i
		}
	}
	path = slices.Concat(path[lowest:], path[:lowest])

	cycle := make([]string, len(path))
	for i, idx := range path {
		cycle[i] = nodes[idx].Name
	}
	return cycle
}
