package topo

// unionFind is a disjoint-set over dense integer ids.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri == rj {
		return
	}
	switch {
	case uf.rank[ri] < uf.rank[rj]:
		uf.parent[ri] = rj
	case uf.rank[ri] > uf.rank[rj]:
		uf.parent[rj] = ri
	default:
		uf.parent[rj] = ri
		uf.rank[ri]++
	}
}

// groups returns the member lists of every set, each in ascending order,
// ordered by their smallest member.
func (uf *unionFind) groups() [][]int {
	index := make(map[int]int)
	var out [][]int
	for i := range uf.parent {
		r := uf.find(i)
		k, ok := index[r]
		if !ok {
			k = len(out)
			index[r] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], i)
	}
	return out
}
