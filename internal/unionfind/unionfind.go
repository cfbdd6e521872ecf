// Package unionfind implements a disjoint-set forest with path compression
// and union by rank.
package unionfind

// DisjointSet partitions values of T into equivalence classes. Values that
// were never passed to Union form singleton classes. The zero value is not
// usable; create one with New.
type DisjointSet[T comparable] struct {
	parent map[T]T
	rank   map[T]uint8
}

// New returns an empty DisjointSet.
func New[T comparable]() *DisjointSet[T] {
	return &DisjointSet[T]{
		parent: make(map[T]T),
		rank:   make(map[T]uint8),
	}
}

func (d *DisjointSet[T]) find(x T) T {
	root := x
	for {
		p, ok := d.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	// Path compression.
	for x != root {
		p := d.parent[x]
		d.parent[x] = root
		x = p
	}
	return root
}

// Union merges the classes of a and b.
func (d *DisjointSet[T]) Union(a, b T) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	if _, ok := d.parent[ra]; !ok {
		d.parent[ra] = ra
	}
	if _, ok := d.parent[rb]; !ok {
		d.parent[rb] = rb
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}

// SameGroup reports whether a and b belong to the same class.
func (d *DisjointSet[T]) SameGroup(a, b T) bool {
	return d.find(a) == d.find(b)
}
