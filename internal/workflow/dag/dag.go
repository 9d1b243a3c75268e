// Package dag provides pure dependency-graph analysis for workflow
// definitions: topological ordering with parallelizable levels, cycle
// detection, ready-set computation, and critical path analysis. No storage
// access, no side effects.
package dag

import (
	"fmt"
	"sort"
)

// Node is one vertex in the dependency graph. DependsOn lists the ids that
// must finish before this node may start.
type Node struct {
	ID        string
	Priority  int
	Duration  float64
	DependsOn []string
}

// SortResult is the outcome of a topological sort.
type SortResult struct {
	// Order is a valid execution order. Partial if the graph has cycles.
	Order []string
	// Levels groups nodes that can run concurrently; level n only depends
	// on levels < n.
	Levels [][]string
	// Valid is false when cycles prevented a complete ordering.
	Valid bool
}

// CycleReport describes the cycles found in a graph.
type CycleReport struct {
	HasCycles bool
	// Nodes involved in at least one cycle.
	Nodes []string
	// Cycles lists each cycle as the sequence of ids along it.
	Cycles [][]string
}

// Slack holds scheduling slack for one node from critical path analysis.
type Slack struct {
	ID            string
	Slack         float64
	EarliestStart float64
	LatestStart   float64
}

// CriticalPath is the longest path through the graph.
type CriticalPath struct {
	Path          []string
	TotalDuration float64
	Slack         []Slack
}

type graph struct {
	adj      map[string][]string
	inDegree map[string]int
	nodes    map[string]Node
}

func build(nodes []Node) *graph {
	g := &graph{
		adj:      make(map[string][]string, len(nodes)),
		inDegree: make(map[string]int, len(nodes)),
		nodes:    make(map[string]Node, len(nodes)),
	}
	for _, n := range nodes {
		if _, ok := g.adj[n.ID]; !ok {
			g.adj[n.ID] = nil
		}
		g.inDegree[n.ID] = 0
		g.nodes[n.ID] = n
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue // unknown deps are validated elsewhere
			}
			g.adj[dep] = append(g.adj[dep], n.ID)
			g.inDegree[n.ID]++
		}
	}
	return g
}

// byPriority orders ids by descending priority, then by id for determinism.
func (g *graph) byPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		pi := g.nodes[ids[i]].Priority
		pj := g.nodes[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
}

// Sort runs Kahn's algorithm and reports the execution order plus
// parallelizable levels. Within a level, higher-priority nodes come first.
func Sort(nodes []Node) SortResult {
	g := build(nodes)

	inDeg := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		inDeg[id] = d
	}

	var frontier []string
	for id, d := range inDeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	res := SortResult{}
	for len(frontier) > 0 {
		g.byPriority(frontier)
		level := frontier
		frontier = nil
		for _, id := range level {
			res.Order = append(res.Order, id)
			for _, next := range g.adj[id] {
				inDeg[next]--
				if inDeg[next] == 0 {
					frontier = append(frontier, next)
				}
			}
		}
		res.Levels = append(res.Levels, level)
	}

	res.Valid = len(res.Order) == len(g.nodes)
	return res
}

// Validate returns an error when the graph references unknown dependencies,
// contains duplicate ids, or has cycles.
func Validate(nodes []Node) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
	}
	if report := DetectCycles(nodes); report.HasCycles {
		return fmt.Errorf("dependency cycle: %v", report.Cycles[0])
	}
	return nil
}

// DetectCycles finds cycles with a three-color depth-first search.
func DetectCycles(nodes []Node) CycleReport {
	g := build(nodes)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var report CycleReport
	inCycle := make(map[string]struct{})
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		for _, next := range g.adj[id] {
			switch color[next] {
			case gray:
				// Back edge: the cycle is the path suffix from next.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				report.Cycles = append(report.Cycles, cycle)
				for _, c := range cycle {
					inCycle[c] = struct{}{}
				}
			case white:
				visit(next)
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	report.HasCycles = len(report.Cycles) > 0
	for id := range inCycle {
		report.Nodes = append(report.Nodes, id)
	}
	sort.Strings(report.Nodes)
	return report
}

// Ready returns the ids whose dependencies are all satisfied and which are
// not themselves done, highest priority first.
func Ready(nodes []Node, done map[string]struct{}) []string {
	g := build(nodes)

	var ready []string
	for _, n := range nodes {
		if _, finished := done[n.ID]; finished {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if _, finished := done[dep]; !finished {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	g.byPriority(ready)
	return ready
}

// ComputeCriticalPath runs forward/backward passes over a valid graph and
// returns the zero-slack path. Nodes without a duration count as 1.
func ComputeCriticalPath(nodes []Node) (*CriticalPath, error) {
	topo := Sort(nodes)
	if !topo.Valid {
		return nil, fmt.Errorf("graph contains cycles")
	}
	g := build(nodes)

	duration := func(id string) float64 {
		if d := g.nodes[id].Duration; d > 0 {
			return d
		}
		return 1
	}

	earliestStart := make(map[string]float64, len(nodes))
	var total float64
	for _, id := range topo.Order {
		finish := earliestStart[id] + duration(id)
		if finish > total {
			total = finish
		}
		for _, next := range g.adj[id] {
			if finish > earliestStart[next] {
				earliestStart[next] = finish
			}
		}
	}

	latestStart := make(map[string]float64, len(nodes))
	for i := len(topo.Order) - 1; i >= 0; i-- {
		id := topo.Order[i]
		latestFinish := total
		for _, next := range g.adj[id] {
			if ls := latestStart[next]; ls < latestFinish {
				latestFinish = ls
			}
		}
		latestStart[id] = latestFinish - duration(id)
	}

	cp := &CriticalPath{TotalDuration: total}
	for _, id := range topo.Order {
		slack := latestStart[id] - earliestStart[id]
		cp.Slack = append(cp.Slack, Slack{
			ID:            id,
			Slack:         slack,
			EarliestStart: earliestStart[id],
			LatestStart:   latestStart[id],
		})
		if slack < 0.001 && slack > -0.001 {
			cp.Path = append(cp.Path, id)
		}
	}
	return cp, nil
}
