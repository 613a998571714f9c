package graph

import (
	"errors"
	"reflect"
	"testing"
)

func build(t *testing.T, nodes []string, edges [][2]string) *Graph {
	t.Helper()
	g := New()
	for _, n := range nodes {
		g.AddNode(n)
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%s, %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func TestAddEdgeErrors(t *testing.T) {
	g := New()
	g.AddNode("a")
	g.AddNode("a")
	if g.Len() != 1 {
		t.Fatalf("expected AddNode to be idempotent, got %d nodes", g.Len())
	}

	err := g.AddEdge("a", "a")
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected self edge to be a cycle, got %v", err)
	}
	if err := g.AddEdge("a", "missing"); err == nil {
		t.Error("expected error for unknown destination")
	}
	if err := g.AddEdge("missing", "a"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestDependencies(t *testing.T) {
	g := build(t, []string{"lint", "tests", "docs", "release"}, [][2]string{
		{"tests", "release"},
		{"lint", "release"},
		{"docs", "release"},
	})

	deps, err := g.Dependencies("release")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"docs", "lint", "tests"}; !reflect.DeepEqual(deps, want) {
		t.Errorf("Dependencies = %v, want %v", deps, want)
	}

	dependents, err := g.Dependents("lint")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"release"}; !reflect.DeepEqual(dependents, want) {
		t.Errorf("Dependents = %v, want %v", dependents, want)
	}

	if _, err := g.Dependencies("nope"); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestDetectCycles(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges [][2]string
		want  []string
	}{
		{
			name:  "acyclic diamond",
			nodes: []string{"a", "b", "c", "d"},
			edges: [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
		},
		{
			name:  "two cycle",
			nodes: []string{"a", "b"},
			edges: [][2]string{{"a", "b"}, {"b", "a"}},
			want:  []string{"a", "b", "a"},
		},
		{
			name:  "three cycle behind a tail",
			nodes: []string{"a", "b", "c", "d"},
			edges: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "b"}},
			want:  []string{"b", "c", "d", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(t, tt.nodes, tt.edges)
			err := g.DetectCycles()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var ce *CycleError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CycleError, got %v", err)
			}
			if !errors.Is(err, ErrCycle) {
				t.Error("expected error to wrap ErrCycle")
			}
			if !reflect.DeepEqual(ce.Path, tt.want) {
				t.Errorf("cycle path = %v, want %v", ce.Path, tt.want)
			}
		})
	}
}

func TestTopologicalOrderAndLevels(t *testing.T) {
	g := build(t, []string{"release", "tests", "lint", "docs", "build"}, [][2]string{
		{"build", "tests"},
		{"tests", "release"},
		{"lint", "release"},
	})

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"build", "docs", "lint", "tests", "release"}; !reflect.DeepEqual(order, want) {
		t.Errorf("TopologicalOrder = %v, want %v", order, want)
	}

	levels, err := g.Levels()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"build", "docs", "lint"}, {"tests"}, {"release"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("Levels = %v, want %v", levels, want)
	}
}

func TestOrderingRejectsCycles(t *testing.T) {
	g := build(t, []string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	if _, err := g.TopologicalOrder(); !errors.Is(err, ErrCycle) {
		t.Errorf("TopologicalOrder: expected ErrCycle, got %v", err)
	}
	if _, err := g.Levels(); !errors.Is(err, ErrCycle) {
		t.Errorf("Levels: expected ErrCycle, got %v", err)
	}
}
