package ordering

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

func TestSortKeepsDiscoveryOrderWithoutDirectives(t *testing.T) {
	order, err := Sort([]Node{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSortCanonicalPipeline(t *testing.T) {
	nodes := []Node{
		{Name: "unit_of_work", Directives: []Directive{After("authorization")}},
		{Name: "authorization", Directives: []Directive{After("error_handling")}},
		{Name: "error_handling", Directives: []Directive{Requires("tracing")}},
		{Name: "tracing"},
	}
	order, err := Sort(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"tracing", "error_handling", "authorization", "unit_of_work"}, order)
}

func TestSortDirectiveKinds(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		want  []string
	}{
		{
			name:  "before",
			nodes: []Node{{Name: "a"}, {Name: "b", Directives: []Directive{Before("a")}}},
			want:  []string{"b", "a"},
		},
		{
			name:  "after",
			nodes: []Node{{Name: "a", Directives: []Directive{After("b")}}, {Name: "b"}},
			want:  []string{"b", "a"},
		},
		{
			name:  "requires",
			nodes: []Node{{Name: "a", Directives: []Directive{Requires("b")}}, {Name: "b"}},
			want:  []string{"b", "a"},
		},
		{
			name:  "required by",
			nodes: []Node{{Name: "a"}, {Name: "b", Directives: []Directive{RequiredBy("a")}}},
			want:  []string{"b", "a"},
		},
		{
			name:  "soft directive to absent target is ignored",
			nodes: []Node{{Name: "a", Directives: []Directive{Before("ghost"), After("phantom")}}, {Name: "b"}},
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Sort(tt.nodes)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order)
		})
	}
}

func TestSortRejectsMissingRequirements(t *testing.T) {
	_, err := Sort([]Node{{Name: "a", Directives: []Directive{Requires("ghost")}}})
	require.Error(t, err)
	assert.True(t, errspkg.IsConfigurationError(err))

	_, err = Sort([]Node{{Name: "a", Directives: []Directive{RequiredBy("ghost")}}})
	require.Error(t, err)
	assert.True(t, errspkg.IsConfigurationError(err))
}

func TestSortRejectsDuplicatesAndEmptyNames(t *testing.T) {
	_, err := Sort([]Node{{Name: "a"}, {Name: "a"}})
	assert.True(t, errspkg.IsConfigurationError(err))

	_, err = Sort([]Node{{Name: ""}})
	assert.True(t, errspkg.IsConfigurationError(err))
}

func TestSortReportsCycleMembers(t *testing.T) {
	t.Run("three node cycle with bystanders", func(t *testing.T) {
		nodes := []Node{
			{Name: "outer"},
			{Name: "a", Directives: []Directive{Before("b"), After("outer")}},
			{Name: "b", Directives: []Directive{Before("c")}},
			{Name: "c", Directives: []Directive{Before("a")}},
			{Name: "tail", Directives: []Directive{After("c")}},
		}
		_, err := Sort(nodes)
		var cfgErr *errspkg.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, []string{"a", "b", "c"}, cfgErr.Cycle)
	})

	t.Run("self reference", func(t *testing.T) {
		_, err := Sort([]Node{{Name: "loop", Directives: []Directive{Before("loop")}}})
		var cfgErr *errspkg.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, []string{"loop"}, cfgErr.Cycle)
	})
}

func TestSortRandomAcyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		nodes := randomDAG(rng, 12)
		order, err := Sort(nodes)
		require.NoError(t, err)
		require.Len(t, order, len(nodes))
		assertSatisfies(t, nodes, order)

		again, err := Sort(nodes)
		require.NoError(t, err)
		assert.Equal(t, order, again, "sorting must be deterministic")
	}
}

func TestSortRandomCyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		nodes := randomDAG(rng, 10)
		// close a cycle along a chain of forward edges between two random
		// nodes, keeping the rest of the graph intact.
		from := rng.Intn(len(nodes) - 1)
		to := from + 1 + rng.Intn(len(nodes)-from-1)
		for i := from; i < to; i++ {
			nodes[i].Directives = append(nodes[i].Directives, Before(nodes[i+1].Name))
		}
		nodes[to].Directives = append(nodes[to].Directives, Before(nodes[from].Name))

		_, err := Sort(nodes)
		var cfgErr *errspkg.ConfigurationError
		require.True(t, errors.As(err, &cfgErr), "round %d", round)
		require.NotEmpty(t, cfgErr.Cycle)
		assertIsCycle(t, nodes, cfgErr.Cycle)
	}
}

// randomDAG only emits directives from lower to higher positions (in a
// shuffled name space), which keeps the graph acyclic.
func randomDAG(rng *rand.Rand, n int) []Node {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i].Name = fmt.Sprintf("n%02d", i)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Intn(4) != 0 {
				continue
			}
			switch rng.Intn(4) {
			case 0:
				nodes[i].Directives = append(nodes[i].Directives, Before(nodes[j].Name))
			case 1:
				nodes[j].Directives = append(nodes[j].Directives, After(nodes[i].Name))
			case 2:
				nodes[j].Directives = append(nodes[j].Directives, Requires(nodes[i].Name))
			case 3:
				nodes[i].Directives = append(nodes[i].Directives, RequiredBy(nodes[j].Name))
			}
		}
	}
	rng.Shuffle(len(nodes), func(a, b int) { nodes[a], nodes[b] = nodes[b], nodes[a] })
	return nodes
}

func edges(nodes []Node) map[[2]string]bool {
	out := make(map[[2]string]bool)
	for _, n := range nodes {
		for _, d := range n.Directives {
			switch d.Kind {
			case KindBefore, KindRequiredBy:
				out[[2]string{n.Name, d.Target}] = true
			case KindAfter, KindRequires:
				out[[2]string{d.Target, n.Name}] = true
			}
		}
	}
	return out
}

func assertSatisfies(t *testing.T, nodes []Node, order []string) {
	t.Helper()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for edge := range edges(nodes) {
		assert.Less(t, pos[edge[0]], pos[edge[1]], "%s must precede %s", edge[0], edge[1])
	}
}

func assertIsCycle(t *testing.T, nodes []Node, cycle []string) {
	t.Helper()
	e := edges(nodes)
	seen := make(map[string]bool)
	for i, name := range cycle {
		assert.False(t, seen[name], "cycle member %s repeated", name)
		seen[name] = true
		next := cycle[(i+1)%len(cycle)]
		assert.True(t, e[[2]string{name, next}], "missing edge %s -> %s", name, next)
	}
}
