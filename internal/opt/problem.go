// Package opt assigns tasks to teams and orders each team's stops. Every
// step is deterministic: equal inputs give equal plans.
package opt

import (
	"sort"

	"fieldroute/internal/model"
)

const (
	DefaultMaxCandidates = 8
	DefaultSwapPasses    = 3
	// ExactOrderLimit is the largest route ordered by exhaustive search.
	ExactOrderLimit = 6
	// FlexibleToleranceMin is how late a flexible window may be served
	// before it counts as unmet.
	FlexibleToleranceMin = 30
	// breakAfterMin places the break when the team has no lunch window.
	breakAfterMin = 240
	// workloadPenalty is the cost of each task already on a route when
	// workload balancing is on.
	workloadPenalty = 15.0
	eps             = 1e-6
)

// Node is a task to visit. Times are minutes after midnight.
type Node struct {
	ID          string
	Point       model.GeoPoint
	ServiceMin  float64
	HasWindow   bool
	WindowStart float64
	WindowEnd   float64
	Flexible    bool
	Priority    int
	Skills      []string
	Equipment   []string
}

// Vehicle is a team's routing profile.
type Vehicle struct {
	ID            string
	Start         model.GeoPoint
	HasStart      bool
	ShiftStart    float64
	ShiftEnd      float64
	BreakMin      float64
	BreakAt       float64 // minutes after midnight; <0 means after four hours of work
	Skills        []string
	Equipment     []string
	Areas         []model.ServiceArea
	Available     bool
	MaxTasks      int
	MaxDistanceKm float64
	LPer100Km     float64
}

// Problem is one planning instance. DistM and DurMin cover the nodes
// followed by the vehicle starts: vehicle v starts at index len(Nodes)+v.
type Problem struct {
	Nodes         []Node
	Vehicles      []Vehicle
	DistM         [][]float64
	DurMin        [][]float64
	Params        model.OptimizationParameters
	MaxCandidates int
	SwapPasses    int
}

func (p *Problem) startIndex(vi int) int {
	if !p.Vehicles[vi].HasStart {
		return -1
	}
	return len(p.Nodes) + vi
}

func (p *Problem) maxCandidates() int {
	if p.MaxCandidates <= 0 {
		return DefaultMaxCandidates
	}
	return p.MaxCandidates
}

func (p *Problem) swapPasses() int {
	if p.SwapPasses < 0 {
		return 0
	}
	if p.SwapPasses == 0 {
		return DefaultSwapPasses
	}
	return p.SwapPasses
}

func (p *Problem) weights() (wT, wD float64) {
	wT, wD = 1, 1
	if p.Params.PrioritizeTime {
		wT = 2
	}
	if p.Params.PrioritizeFuel {
		wD = 2
	}
	return wT, wD
}

// maxStops is the tighter of the team's daily limit and the request cap.
func (p *Problem) maxStops(vi int) int {
	limit := p.Vehicles[vi].MaxTasks
	if c := p.Params.MaxStopsPerRoute; c > 0 && (limit == 0 || c < limit) {
		limit = c
	}
	return limit
}

// RoutePlan is the ordered stops of one vehicle.
type RoutePlan struct {
	VehicleID string
	Vehicle   int
	Order     []int // indices into Nodes
	Schedule  Schedule
}

type Unassigned struct {
	Node   int
	Reason string
}

type Solution struct {
	Plans      []RoutePlan
	Unassigned []Unassigned
	Cost       float64
}

// Metrics describe one Solve run.
type Metrics struct {
	Tasks               int     `json:"tasks"`
	Vehicles            int     `json:"vehicles"`
	CandidatesEvaluated int     `json:"candidatesEvaluated"`
	Insertions          int     `json:"insertions"`
	SwapPasses          int     `json:"swapPasses"`
	SwapsApplied        int     `json:"swapsApplied"`
	ExactOrders         int     `json:"exactOrders"`
	HeuristicOrders     int     `json:"heuristicOrders"`
	CostBefore          float64 `json:"costBefore"`
	CostAfter           float64 `json:"costAfter"`
	ElapsedMs           int64   `json:"elapsedMs"`
}

func containsAll(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, n := range need {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func sortedIndices(n int, less func(a, b int) bool) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return less(idx[a], idx[b]) })
	return idx
}
