package engine

// placement maps a pipeline shard to the order in which volumes are tried
// for its segments.
type placement interface {
	order(shard int) []int
}

// singlePlacement fills volumes in id order.
type singlePlacement struct {
	all []int
}

func newSinglePlacement(volumes int) singlePlacement {
	all := make([]int, volumes)
	for i := range all {
		all[i] = i
	}
	return singlePlacement{all: all}
}

func (p singlePlacement) order(int) []int { return p.all }

// stripedPlacement gives each shard a preferred volume and falls back to
// the following ones on exhaustion.
type stripedPlacement struct {
	orders [][]int
}

func newStripedPlacement(volumes int) stripedPlacement {
	orders := make([][]int, volumes)
	for first := range orders {
		o := make([]int, volumes)
		for i := range o {
			o[i] = (first + i) % volumes
		}
		orders[first] = o
	}
	return stripedPlacement{orders: orders}
}

func (p stripedPlacement) order(shard int) []int {
	return p.orders[shard%len(p.orders)]
}
