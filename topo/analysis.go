package topo

import (
	"container/heap"
	"sort"
)

// connectedComponents groups node ids, largest component first.
func connectedComponents(g *Graph) [][]string {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.ID] = i
	}
	uf := newUnionFind(len(g.Nodes))
	for _, e := range g.Edges {
		uf.union(index[e.From], index[e.To])
	}
	var out [][]string
	for _, members := range uf.groups() {
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = g.Nodes[m].ID
		}
		sort.Strings(ids)
		out = append(out, ids)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

type dfsFrame struct {
	node       string
	parentEdge string
	next       int
}

// lowLink runs an iterative Tarjan DFS and returns the bridge edge ids and
// articulation node ids, both sorted. Parallel edges are told apart by id,
// so a doubled connection is never a bridge.
func lowLink(g *Graph) (bridges []string, cuts []string) {
	disc := make(map[string]int, len(g.Nodes))
	low := make(map[string]int, len(g.Nodes))
	isCut := make(map[string]bool)
	timer := 0

	for _, root := range g.NodeIDs() {
		if _, seen := disc[root]; seen {
			continue
		}
		disc[root], low[root] = timer, timer
		timer++
		rootChildren := 0
		stack := []dfsFrame{{node: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			inc := g.Incident(top.node)
			if top.next < len(inc) {
				e := inc[top.next]
				top.next++
				if e.ID == top.parentEdge || e.IsLoop() {
					continue
				}
				w := e.Other(top.node)
				if _, seen := disc[w]; seen {
					low[top.node] = min(low[top.node], disc[w])
					continue
				}
				disc[w], low[w] = timer, timer
				timer++
				if top.node == root {
					rootChildren++
				}
				stack = append(stack, dfsFrame{node: w, parentEdge: e.ID})
				continue
			}

			child := *top
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				break
			}
			parent := stack[len(stack)-1].node
			low[parent] = min(low[parent], low[child.node])
			if low[child.node] > disc[parent] {
				bridges = append(bridges, child.parentEdge)
			}
			if parent != root && low[child.node] >= disc[parent] {
				isCut[parent] = true
			}
		}
		if rootChildren > 1 {
			isCut[root] = true
		}
	}

	for id := range isCut {
		cuts = append(cuts, id)
	}
	sort.Strings(bridges)
	sort.Strings(cuts)
	return bridges, cuts
}

type costItem struct {
	node string
	cost float64
}

type costQueue []costItem

func (q costQueue) Len() int { return len(q) }
func (q costQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].node < q[j].node
}
func (q costQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *costQueue) Push(x any)   { *q = append(*q, x.(costItem)) }
func (q *costQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

// reachableWithin returns the nodes whose shortest path cost from source is
// at most maxCost, sorted. Edge cost is length.
func reachableWithin(g *Graph, source string, maxCost float64) []string {
	if _, ok := g.Node(source); !ok {
		return nil
	}
	best := map[string]float64{source: 0}
	done := make(map[string]bool)
	q := &costQueue{{node: source}}
	for q.Len() > 0 {
		it := heap.Pop(q).(costItem)
		if done[it.node] {
			continue
		}
		done[it.node] = true
		for _, e := range g.Incident(it.node) {
			w := e.Other(it.node)
			c := it.cost + e.Length
			if c > maxCost || done[w] {
				continue
			}
			if prev, ok := best[w]; !ok || c < prev {
				best[w] = c
				heap.Push(q, costItem{node: w, cost: c})
			}
		}
	}
	out := make([]string, 0, len(done))
	for id := range done {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
