package opt

// ScheduleRoute times order for vehicle vi from its start location.
func ScheduleRoute(p *Problem, vi int, order []int) Schedule {
	return schedulePlan(p, vi, order)
}

// ScheduleFrom times order from matrix index from (-1 when the walk starts
// at the first stop) beginning at minute startAt.
func ScheduleFrom(p *Problem, vi int, order []int, from int, startAt float64) Schedule {
	return scheduleFrom(p, vi, order, from, startAt)
}

// Sequence orders nodes for vehicle vi starting at its start location.
func Sequence(p *Problem, vi int, nodes []int) []int {
	return SequenceFrom(p, vi, nodes, p.startIndex(vi), p.Vehicles[vi].ShiftStart)
}

// SequenceFrom orders nodes starting at matrix index from and minute
// startAt. Small routes are searched exhaustively; larger ones get nearest
// neighbour plus 2-opt. An order that breaks a route limit never replaces
// one that keeps it, and the input order is kept when nothing beats it.
func SequenceFrom(p *Problem, vi int, nodes []int, from int, startAt float64) []int {
	in := append([]int(nil), nodes...)
	if len(in) <= 1 {
		return in
	}
	eval := func(order []int) ranked {
		s := scheduleFrom(p, vi, order, from, startAt)
		return ranked{cost: routeCost(p, vi, s), s: s, overLimit: feasible(p, vi, order, s) == failCapacity}
	}
	var cand []int
	if len(in) <= ExactOrderLimit {
		cand = exactOrder(p, in, eval)
	} else {
		cand = twoOpt(nearestNeighbour(p, in, from), eval)
	}
	if !eval(cand).beats(eval(in)) {
		return in
	}
	return cand
}

// ranked is an evaluated order.
type ranked struct {
	cost      float64
	s         Schedule
	overLimit bool
}

// beats orders by route limits kept, then unmet windows, then cost.
func (a ranked) beats(b ranked) bool {
	if a.overLimit != b.overLimit {
		return !a.overLimit
	}
	return better(a.cost, a.s, b.cost, b.s)
}

// exactOrder enumerates permutations in id order so ties resolve to the
// lexicographically first sequence.
func exactOrder(p *Problem, nodes []int, eval func([]int) ranked) []int {
	ids := sortedIndices(len(nodes), func(a, b int) bool {
		return p.Nodes[nodes[a]].ID < p.Nodes[nodes[b]].ID
	})
	base := make([]int, len(nodes))
	for i, k := range ids {
		base[i] = nodes[k]
	}
	var (
		best     []int
		bestRank ranked
	)
	perm := make([]int, 0, len(base))
	used := make([]bool, len(base))
	var walk func()
	walk = func() {
		if len(perm) == len(base) {
			r := eval(perm)
			if best == nil || r.beats(bestRank) {
				best = append(best[:0], perm...)
				bestRank = r
			}
			return
		}
		for i, n := range base {
			if used[i] {
				continue
			}
			used[i] = true
			perm = append(perm, n)
			walk()
			perm = perm[:len(perm)-1]
			used[i] = false
		}
	}
	walk()
	return best
}

// nearestNeighbour chains the closest unvisited node by travel time.
// Without a start location it begins at the lowest id.
func nearestNeighbour(p *Problem, nodes []int, from int) []int {
	left := append([]int(nil), nodes...)
	out := make([]int, 0, len(nodes))
	cur := from
	for len(left) > 0 {
		pick := 0
		for i := 1; i < len(left); i++ {
			a, b := left[i], left[pick]
			if cur < 0 {
				if p.Nodes[a].ID < p.Nodes[b].ID {
					pick = i
				}
				continue
			}
			da, db := p.DurMin[cur][a], p.DurMin[cur][b]
			if da < db || (da == db && p.Nodes[a].ID < p.Nodes[b].ID) {
				pick = i
			}
		}
		cur = left[pick]
		out = append(out, cur)
		left = append(left[:pick], left[pick+1:]...)
	}
	return out
}

const maxTwoOptRounds = 50

func twoOpt(order []int, eval func([]int) ranked) []int {
	best := order
	br := eval(best)
	n := len(order)
	for round := 0; round < maxTwoOptRounds; round++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				r := eval(cand)
				if r.beats(br) {
					best, br = cand, r
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

// twoOptSwap reverses ord[i..k] into a new slice.
func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}
