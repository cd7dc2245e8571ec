package opt

import (
	"sort"
	"time"

	"fieldroute/internal/model"
)

// Solve assigns nodes to vehicles and orders every route.
func Solve(p *Problem) (Solution, Metrics) {
	began := time.Now()
	m := Metrics{Tasks: len(p.Nodes), Vehicles: len(p.Vehicles)}
	routes := make([][]int, len(p.Vehicles))
	var unassigned []Unassigned

	for _, n := range assignmentOrder(p) {
		cands, reason := p.candidates(n)
		if len(cands) == 0 {
			unassigned = append(unassigned, Unassigned{Node: n, Reason: reason})
			continue
		}
		bestV, bestPos := -1, -1
		bestDelta := 0.0
		windowOnly := true
		for _, vi := range cands {
			cur := routes[vi]
			curCost := routeCost(p, vi, schedulePlan(p, vi, cur))
			for pos := 0; pos <= len(cur); pos++ {
				m.CandidatesEvaluated++
				next := insertAt(cur, pos, n)
				s := schedulePlan(p, vi, next)
				if f := feasible(p, vi, next, s); f != failNone {
					if f != failWindow {
						windowOnly = false
					}
					continue
				}
				delta := routeCost(p, vi, s) - curCost
				if bestV < 0 || delta+eps < bestDelta ||
					(delta <= bestDelta+eps && p.Vehicles[vi].ID < p.Vehicles[bestV].ID) {
					bestV, bestPos, bestDelta = vi, pos, delta
				}
			}
		}
		if bestV < 0 {
			reason := model.ReasonNoCapacity
			if windowOnly {
				reason = model.ReasonNoTimeWindow
			}
			unassigned = append(unassigned, Unassigned{Node: n, Reason: reason})
			continue
		}
		routes[bestV] = insertAt(routes[bestV], bestPos, n)
		m.Insertions++
	}

	m.CostBefore = round2(totalCost(p, routes))
	swapImprove(p, routes, &m)

	sol := Solution{}
	for vi, r := range routes {
		if len(r) == 0 {
			continue
		}
		if len(r) <= ExactOrderLimit {
			m.ExactOrders++
		} else {
			m.HeuristicOrders++
		}
		order := Sequence(p, vi, r)
		s := schedulePlan(p, vi, order)
		sol.Plans = append(sol.Plans, RoutePlan{VehicleID: p.Vehicles[vi].ID, Vehicle: vi, Order: order, Schedule: s})
		sol.Cost += routeCost(p, vi, s)
	}
	sort.SliceStable(sol.Plans, func(a, b int) bool { return sol.Plans[a].VehicleID < sol.Plans[b].VehicleID })
	sort.SliceStable(unassigned, func(a, b int) bool { return p.Nodes[unassigned[a].Node].ID < p.Nodes[unassigned[b].Node].ID })
	sol.Unassigned = unassigned
	sol.Cost = round2(sol.Cost)
	m.CostAfter = sol.Cost
	m.ElapsedMs = time.Since(began).Milliseconds()
	return sol, m
}

// assignmentOrder sorts nodes by priority desc, window width asc, window
// start asc, then id.
func assignmentOrder(p *Problem) []int {
	width := func(nd Node) float64 {
		if !nd.HasWindow {
			return 24 * 60
		}
		return nd.WindowEnd - nd.WindowStart
	}
	return sortedIndices(len(p.Nodes), func(a, b int) bool {
		na, nb := p.Nodes[a], p.Nodes[b]
		if na.Priority != nb.Priority {
			return na.Priority > nb.Priority
		}
		if wa, wb := width(na), width(nb); wa != wb {
			return wa < wb
		}
		if na.WindowStart != nb.WindowStart {
			return na.WindowStart < nb.WindowStart
		}
		return na.ID < nb.ID
	})
}

// swapImprove exchanges single tasks between routes while it strictly
// lowers the summed cost and keeps both routes feasible.
func swapImprove(p *Problem, routes [][]int, m *Metrics) {
	for pass := 0; pass < p.swapPasses(); pass++ {
		m.SwapPasses++
		improved := false
		for a := 0; a < len(routes); a++ {
			for b := a + 1; b < len(routes); b++ {
				for i := 0; i < len(routes[a]); i++ {
					for j := 0; j < len(routes[b]); j++ {
						na, nb := routes[a][i], routes[b][j]
						if !p.Eligible(na, b) || !p.Eligible(nb, a) {
							continue
						}
						before := routeCost(p, a, schedulePlan(p, a, routes[a])) + routeCost(p, b, schedulePlan(p, b, routes[b]))
						ra := append([]int(nil), routes[a]...)
						rb := append([]int(nil), routes[b]...)
						ra[i], rb[j] = nb, na
						sa, sb := schedulePlan(p, a, ra), schedulePlan(p, b, rb)
						if feasible(p, a, ra, sa) != failNone || feasible(p, b, rb, sb) != failNone {
							continue
						}
						if after := routeCost(p, a, sa) + routeCost(p, b, sb); after+eps < before {
							routes[a], routes[b] = ra, rb
							m.SwapsApplied++
							improved = true
						}
					}
				}
			}
		}
		if !improved {
			return
		}
	}
}

func totalCost(p *Problem, routes [][]int) float64 {
	c := 0.0
	for vi, r := range routes {
		c += routeCost(p, vi, schedulePlan(p, vi, r))
	}
	return c
}

func insertAt(order []int, pos, n int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, n)
	return append(out, order[pos:]...)
}
