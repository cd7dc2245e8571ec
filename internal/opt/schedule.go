package opt

import "math"

// StopTime is the timing of one stop, in minutes after midnight.
type StopTime struct {
	Node        int
	LegDistKm   float64
	LegMin      float64
	Arrival     float64
	Start       float64 // service start, after any wait
	Departure   float64
	WaitMin     float64
	BreakBefore float64
	Late        bool
}

// Schedule is a timed walk over an ordered plan. Routes are open: there is
// no return leg.
type Schedule struct {
	Stops      []StopTime
	DistanceKm float64
	TravelMin  float64
	ServiceMin float64
	WaitMin    float64
	BreakMin   float64
	StartMin   float64
	EndMin     float64
	Late       int
	LateMin    float64
	// EarlyMin sums how far after window opening service began, used by
	// the customer preference term.
	EarlyMin float64
}

// WorkMin is travel plus service time, the figure route time limits apply to.
func (s Schedule) WorkMin() float64 { return s.TravelMin + s.ServiceMin }

// TotalMin is the elapsed route time including waits and the break.
func (s Schedule) TotalMin() float64 {
	return s.TravelMin + s.ServiceMin + s.WaitMin + s.BreakMin
}

// schedulePlan walks order from the vehicle's start at its shift start.
func schedulePlan(p *Problem, vi int, order []int) Schedule {
	return scheduleFrom(p, vi, order, p.startIndex(vi), p.Vehicles[vi].ShiftStart)
}

// scheduleFrom walks order starting at matrix index from (-1 for "at the
// first stop") at time startAt.
func scheduleFrom(p *Problem, vi int, order []int, from int, startAt float64) Schedule {
	v := p.Vehicles[vi]
	s := Schedule{Stops: make([]StopTime, 0, len(order)), StartMin: startAt}
	t := startAt
	prev := from
	breakTaken := v.BreakMin <= 0
	breakAt := v.BreakAt
	if breakAt < 0 {
		breakAt = v.ShiftStart + breakAfterMin
	}
	for _, n := range order {
		st := StopTime{Node: n}
		if !breakTaken && t >= breakAt {
			st.BreakBefore = v.BreakMin
			t += v.BreakMin
			s.BreakMin += v.BreakMin
			breakTaken = true
		}
		if prev >= 0 {
			st.LegDistKm = p.DistM[prev][n] / 1000
			st.LegMin = p.DurMin[prev][n]
		}
		t += st.LegMin
		st.Arrival = t
		nd := p.Nodes[n]
		if nd.HasWindow {
			if t < nd.WindowStart && !nd.Flexible {
				st.WaitMin = nd.WindowStart - t
				t = nd.WindowStart
			}
			limit := nd.WindowEnd
			if nd.Flexible {
				limit += FlexibleToleranceMin
			}
			if t > nd.WindowEnd {
				s.LateMin += t - nd.WindowEnd
			}
			if t > limit+eps {
				st.Late = true
				s.Late++
			}
			if t > nd.WindowStart {
				s.EarlyMin += t - nd.WindowStart
			}
		}
		st.Start = t
		t += nd.ServiceMin
		st.Departure = t

		s.DistanceKm += st.LegDistKm
		s.TravelMin += st.LegMin
		s.ServiceMin += nd.ServiceMin
		s.WaitMin += st.WaitMin
		s.Stops = append(s.Stops, st)
		prev = n
	}
	s.EndMin = t
	return s
}

// failure classifies why a schedule is infeasible for its vehicle.
type failure int

const (
	failNone failure = iota
	failWindow
	failCapacity
)

// feasible checks a schedule against the vehicle and request limits.
func feasible(p *Problem, vi int, order []int, s Schedule) failure {
	v := p.Vehicles[vi]
	if limit := p.maxStops(vi); limit > 0 && len(order) > limit {
		return failCapacity
	}
	if v.MaxDistanceKm > 0 && s.DistanceKm > v.MaxDistanceKm+eps {
		return failCapacity
	}
	if !p.Params.AllowOvertime {
		if maxT := p.Params.MaxRouteTime; maxT > 0 && s.WorkMin() > float64(maxT)+eps {
			return failCapacity
		}
		if v.ShiftEnd > 0 && s.EndMin > v.ShiftEnd+eps {
			return failCapacity
		}
	}
	if s.Late > 0 {
		return failWindow
	}
	return failNone
}

// routeCost is the objective minimised by assignment and ordering.
func routeCost(p *Problem, vi int, s Schedule) float64 {
	if len(s.Stops) == 0 {
		return 0
	}
	wT, wD := p.weights()
	fuel := p.Vehicles[vi].LPer100Km / 10
	if fuel <= 0 {
		fuel = 1
	}
	c := wT*(s.TravelMin+s.WaitMin) + wD*s.DistanceKm*fuel
	if p.Params.PrioritizeCustomerPreference {
		c += 0.5 * s.EarlyMin
	}
	if p.Params.BalanceWorkload {
		n := float64(len(s.Stops))
		c += workloadPenalty * n * (n - 1) / 2
	}
	// lateness is never free, even when it is tolerated
	c += 10 * s.LateMin
	return c
}

// better reports whether schedule a beats b: fewer unmet windows first,
// then lower cost.
func better(ca float64, a Schedule, cb float64, b Schedule) bool {
	if a.Late != b.Late {
		return a.Late < b.Late
	}
	return ca+eps < cb
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
