package opt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fieldroute/internal/geo"
	"fieldroute/internal/model"
)

const testSpeedKph = 40.0

// build fills the distance and duration matrices from straight-line
// distances between the nodes and vehicle starts.
func build(nodes []Node, vehicles []Vehicle, params model.OptimizationParameters) *Problem {
	pts := make([]model.GeoPoint, 0, len(nodes)+len(vehicles))
	for _, n := range nodes {
		pts = append(pts, n.Point)
	}
	for _, v := range vehicles {
		pts = append(pts, v.Start)
	}
	dist := make([][]float64, len(pts))
	dur := make([][]float64, len(pts))
	for i := range pts {
		dist[i] = make([]float64, len(pts))
		dur[i] = make([]float64, len(pts))
		for j := range pts {
			d := geo.HaversineMeters(pts[i].Lat, pts[i].Lng, pts[j].Lat, pts[j].Lng)
			dist[i][j] = d
			dur[i][j] = d / 1000 / testSpeedKph * 60
		}
	}
	return &Problem{Nodes: nodes, Vehicles: vehicles, DistM: dist, DurMin: dur, Params: params.WithDefaults()}
}

func team(id string) Vehicle {
	return Vehicle{ID: id, Start: model.GeoPoint{}, HasStart: true, ShiftStart: 8 * 60, ShiftEnd: 17 * 60, BreakAt: -1, Available: true}
}

func task(id string, lng float64) Node {
	return Node{ID: id, Point: model.GeoPoint{Lat: 0, Lng: lng}, ServiceMin: 30, Priority: 2}
}

func ids(p *Problem, order []int) []string {
	out := make([]string, 0, len(order))
	for _, n := range order {
		out = append(out, p.Nodes[n].ID)
	}
	return out
}

func TestSolveOrdersByDistance(t *testing.T) {
	p := build([]Node{task("c", 0.03), task("a", 0.01), task("b", 0.02)}, []Vehicle{team("t1")}, model.OptimizationParameters{})
	sol, m := Solve(p)
	require.Len(t, sol.Plans, 1)
	require.Empty(t, sol.Unassigned)
	require.Equal(t, []string{"a", "b", "c"}, ids(p, sol.Plans[0].Order))
	require.Equal(t, 3, m.Insertions)
	require.Equal(t, 1, m.ExactOrders)
	require.InDelta(t, 3.34, sol.Plans[0].Schedule.DistanceKm, 0.01)
}

func TestSolveSkillMismatchIsUnassigned(t *testing.T) {
	hvac := task("hvac-1", 0.01)
	hvac.Skills = []string{"hvac"}
	v := team("t1")
	v.Skills = []string{"plumbing"}
	p := build([]Node{hvac}, []Vehicle{v}, model.OptimizationParameters{})
	sol, _ := Solve(p)
	require.Empty(t, sol.Plans)
	require.Equal(t, []Unassigned{{Node: 0, Reason: model.ReasonNoSkillMatch}}, sol.Unassigned)

	off := false
	p = build([]Node{hvac}, []Vehicle{v}, model.OptimizationParameters{SkillMatching: &off})
	sol, _ = Solve(p)
	require.Len(t, sol.Plans, 1)
}

func TestSolveReasons(t *testing.T) {
	early := task("early", 0.01)
	early.HasWindow, early.WindowStart, early.WindowEnd = true, 6*60, 6*60+30

	far := task("far", 2)
	v := team("t1")
	v.Areas = []model.ServiceArea{{Type: model.AreaCircle, Center: &model.GeoPoint{}, RadiusM: 20000}}

	p := build([]Node{early, far}, []Vehicle{v}, model.OptimizationParameters{})
	sol, _ := Solve(p)
	require.Equal(t, []Unassigned{
		{Node: 0, Reason: model.ReasonNoTimeWindow},
		{Node: 1, Reason: model.ReasonOutsideArea},
	}, sol.Unassigned)

	v.Available = false
	p = build([]Node{task("a", 0.01)}, []Vehicle{v}, model.OptimizationParameters{})
	sol, _ = Solve(p)
	require.Equal(t, model.ReasonNoAvailableTeam, sol.Unassigned[0].Reason)
}

func TestSolveRespectsMaxRouteTime(t *testing.T) {
	nodes := []Node{task("a", 0.001), task("b", 0.002), task("c", 0.003)}
	for i := range nodes {
		nodes[i].ServiceMin = 50
	}
	p := build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{MaxRouteTime: 120})
	sol, _ := Solve(p)
	require.Len(t, sol.Plans, 1)
	require.Len(t, sol.Plans[0].Order, 2)
	require.Equal(t, []Unassigned{{Node: 2, Reason: model.ReasonNoCapacity}}, sol.Unassigned)

	p = build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{MaxRouteTime: 120, AllowOvertime: true})
	sol, _ = Solve(p)
	require.Empty(t, sol.Unassigned)
}

func TestSolveSpillsOverStopCap(t *testing.T) {
	nodes := []Node{task("a", 0.01), task("b", 0.02), task("c", 0.03)}
	p := build(nodes, []Vehicle{team("t1"), team("t2")}, model.OptimizationParameters{MaxStopsPerRoute: 2})
	sol, _ := Solve(p)
	require.Len(t, sol.Plans, 2)
	require.Empty(t, sol.Unassigned)
	require.Equal(t, "t1", sol.Plans[0].VehicleID)
	require.Len(t, sol.Plans[0].Order, 2)
	require.Len(t, sol.Plans[1].Order, 1)
}

func TestSolveIsDeterministic(t *testing.T) {
	var nodes []Node
	for i, lng := range []float64{0.05, 0.01, 0.04, 0.02, 0.08, 0.03, 0.07, 0.06, 0.09} {
		n := task(string(rune('a'+i)), lng)
		n.ServiceMin = 10
		nodes = append(nodes, n)
	}
	p := build(nodes, []Vehicle{team("t1"), team("t2")}, model.OptimizationParameters{BalanceWorkload: true})
	first, _ := Solve(p)
	for i := 0; i < 5; i++ {
		again, _ := Solve(p)
		require.Equal(t, first.Plans, again.Plans)
		require.Equal(t, first.Unassigned, again.Unassigned)
	}
}

func TestSequenceLargeRouteUsesTwoOpt(t *testing.T) {
	var nodes []Node
	lngs := []float64{0.08, 0.02, 0.05, 0.01, 0.07, 0.03, 0.06, 0.04}
	for i, lng := range lngs {
		nodes = append(nodes, task(string(rune('a'+i)), lng))
	}
	p := build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{})
	all := []int{0, 1, 2, 3, 4, 5, 6, 7}
	order := Sequence(p, 0, all)
	require.Equal(t, []string{"d", "b", "f", "h", "c", "g", "e", "a"}, ids(p, order))
}

func TestScheduleWaitsForWindowAndTakesBreak(t *testing.T) {
	a := task("a", 0.001)
	a.HasWindow, a.WindowStart, a.WindowEnd = true, 9*60, 10*60
	b := task("b", 0.002)
	b.ServiceMin = 240
	c := task("c", 0.003)
	v := team("t1")
	v.BreakMin = 30
	p := build([]Node{a, b, c}, []Vehicle{v}, model.OptimizationParameters{})
	s := ScheduleRoute(p, 0, []int{0, 1, 2})
	require.InDelta(t, 60, s.Stops[0].WaitMin, 1)
	require.Equal(t, 9*60.0, s.Stops[0].Start)
	require.Zero(t, s.Stops[1].BreakBefore)
	require.Equal(t, 30.0, s.Stops[2].BreakBefore)
	require.Equal(t, 30.0, s.BreakMin)
	require.Zero(t, s.Late)
}

func TestFlexibleWindowTolerance(t *testing.T) {
	a := task("a", 0.001)
	a.HasWindow, a.WindowStart, a.WindowEnd = true, 7*60, 7*60+50
	a.Flexible = true
	p := build([]Node{a}, []Vehicle{team("t1")}, model.OptimizationParameters{})
	s := ScheduleRoute(p, 0, []int{0})
	require.Zero(t, s.Late)
	require.Greater(t, s.LateMin, 0.0)

	a.Flexible = false
	p = build([]Node{a}, []Vehicle{team("t1")}, model.OptimizationParameters{})
	require.Equal(t, 1, ScheduleRoute(p, 0, []int{0}).Late)
}

func TestCheckExceedsMaxTime(t *testing.T) {
	n := task("t1", 0)
	n.ServiceMin = 90
	p := build([]Node{n}, []Vehicle{team("team")}, model.OptimizationParameters{})
	s := ScheduleRoute(p, 0, []int{0})
	vs := Check(p, 0, []int{0}, s, 60, 0)
	require.Len(t, vs, 1)
	require.Equal(t, model.ViolationMaxTime, vs[0].Code)

	require.Empty(t, Check(p, 0, []int{0}, s, 120, 0))
}

func TestCheckListsTeamMismatches(t *testing.T) {
	n := task("t1", 1)
	n.Skills = []string{"hvac"}
	n.Equipment = []string{"ladder"}
	v := team("team")
	v.Available = false
	v.MaxTasks = 0
	v.Areas = []model.ServiceArea{{Type: model.AreaCircle, Center: &model.GeoPoint{}, RadiusM: 1000}}
	p := build([]Node{n}, []Vehicle{v}, model.OptimizationParameters{})
	s := ScheduleRoute(p, 0, []int{0})
	var codes []string
	for _, vl := range Check(p, 0, []int{0}, s, 0, 10) {
		codes = append(codes, vl.Code)
	}
	require.Equal(t, []string{
		model.ViolationUnavailable,
		model.ViolationSkill,
		model.ViolationEquipment,
		model.ViolationArea,
		model.ViolationMaxDistance,
	}, codes)
}

func TestScoreMonotonic(t *testing.T) {
	params := model.OptimizationParameters{}
	base := Schedule{Stops: make([]StopTime, 3), ServiceMin: 90, TravelMin: 30, DistanceKm: 10}
	s := Score(params, base, 0, 0)
	require.Greater(t, s, 0.0)
	require.LessOrEqual(t, s, 100.0)

	longer := base
	longer.TravelMin, longer.DistanceKm = 60, 20
	require.Less(t, Score(params, longer, 0, 0), s)
	require.Less(t, Score(params, base, 15, 0), s)
	require.Less(t, Score(params, base, 0, 1), s)
	require.Zero(t, Score(params, Schedule{}, 0, 0))
}

func TestRouteCostWeights(t *testing.T) {
	nodes := []Node{task("a", 0.01), task("b", 0.02)}
	plain := build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{})
	timed := build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{PrioritizeTime: true})
	s := ScheduleRoute(plain, 0, []int{0, 1})
	require.Greater(t, routeCost(timed, 0, s), routeCost(plain, 0, s))
}

// skewed is a two-stop problem where travel time and distance disagree:
// the start is near b in distance but far from it in time.
func skewed(lPer100Km float64, params model.OptimizationParameters) *Problem {
	a, b := task("a", 0), task("b", 0)
	a.ServiceMin, b.ServiceMin = 10, 10
	v := team("t1")
	v.LPer100Km = lPer100Km
	// indices: a=0, b=1, start=2
	dist := [][]float64{
		{0, 1000, 10000},
		{1000, 0, 1000},
		{10000, 1000, 0},
	}
	dur := [][]float64{
		{0, 10, 5},
		{10, 0, 60},
		{5, 60, 0},
	}
	return &Problem{Nodes: []Node{a, b}, Vehicles: []Vehicle{v}, DistM: dist, DurMin: dur, Params: params.WithDefaults()}
}

func TestSequenceKeepsMaxRouteTime(t *testing.T) {
	p := skewed(40, model.OptimizationParameters{PrioritizeFuel: true, MaxRouteTime: 60})

	order := Sequence(p, 0, []int{1, 0})
	require.Equal(t, []string{"a", "b"}, ids(p, order))

	sol, _ := Solve(p)
	require.Empty(t, sol.Unassigned)
	require.Len(t, sol.Plans, 1)
	require.Equal(t, []string{"a", "b"}, ids(p, sol.Plans[0].Order))
	require.LessOrEqual(t, sol.Plans[0].Schedule.WorkMin(), 60.0)
}

func TestParametersChangeOrder(t *testing.T) {
	cases := []struct {
		name      string
		lPer100Km float64
		params    model.OptimizationParameters
		want      []string
	}{
		{"default follows travel time", 40, model.OptimizationParameters{}, []string{"a", "b"}},
		{"prioritizeFuel follows distance", 40, model.OptimizationParameters{PrioritizeFuel: true}, []string{"b", "a"}},
		{"maxRouteTime caps the fuel order", 40, model.OptimizationParameters{PrioritizeFuel: true, MaxRouteTime: 60}, []string{"a", "b"}},
		{"allowOvertime lifts the cap", 40, model.OptimizationParameters{PrioritizeFuel: true, MaxRouteTime: 60, AllowOvertime: true}, []string{"b", "a"}},
		{"high consumption follows distance", 80, model.OptimizationParameters{}, []string{"b", "a"}},
		{"prioritizeTime follows travel time", 80, model.OptimizationParameters{PrioritizeTime: true}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := skewed(tc.lPer100Km, tc.params)
			sol, _ := Solve(p)
			require.Empty(t, sol.Unassigned)
			require.Len(t, sol.Plans, 1)
			require.Equal(t, tc.want, ids(p, sol.Plans[0].Order))
		})
	}
}

func TestBalanceWorkloadSpreadsTasks(t *testing.T) {
	nodes := []Node{task("a", 0.01), task("b", 0.02), task("c", 0.03)}
	vehicles := []Vehicle{team("t1"), team("t2")}

	sol, _ := Solve(build(nodes, vehicles, model.OptimizationParameters{}))
	require.Len(t, sol.Plans, 1)
	require.Len(t, sol.Plans[0].Order, 3)

	sol, _ = Solve(build(nodes, vehicles, model.OptimizationParameters{BalanceWorkload: true}))
	require.Len(t, sol.Plans, 2)
	for _, pl := range sol.Plans {
		require.LessOrEqual(t, len(pl.Order), 2)
	}
}

func TestCustomerPreferenceServesWindowFirst(t *testing.T) {
	near := task("a", 0.01)
	far := task("b", 0.05)
	far.HasWindow, far.WindowStart, far.WindowEnd = true, 8*60, 17*60
	nodes := []Node{near, far}

	p := build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{})
	sol, _ := Solve(p)
	require.Equal(t, []string{"a", "b"}, ids(p, sol.Plans[0].Order))

	p = build(nodes, []Vehicle{team("t1")}, model.OptimizationParameters{PrioritizeCustomerPreference: true})
	sol, _ = Solve(p)
	require.Equal(t, []string{"b", "a"}, ids(p, sol.Plans[0].Order))
}

func TestSwapMovesTasksToCloserTeams(t *testing.T) {
	urgent := task("p", 0.04)
	urgent.Priority = 3
	routine := task("q", -0.05)
	routine.Priority = 1
	west, east := team("t1"), team("t2")
	east.Start = model.GeoPoint{Lat: 0, Lng: 0.1}

	p := build([]Node{urgent, routine}, []Vehicle{west, east}, model.OptimizationParameters{MaxStopsPerRoute: 1})
	sol, m := Solve(p)
	require.Empty(t, sol.Unassigned)
	require.Equal(t, 1, m.SwapsApplied)
	require.Less(t, m.CostAfter, m.CostBefore)
	require.Len(t, sol.Plans, 2)
	require.Equal(t, "t1", sol.Plans[0].VehicleID)
	require.Equal(t, []string{"q"}, ids(p, sol.Plans[0].Order))
	require.Equal(t, []string{"p"}, ids(p, sol.Plans[1].Order))
}

func TestSolveWindowedTasksByDistance(t *testing.T) {
	var nodes []Node
	for _, n := range []Node{task("c", 0.03), task("a", 0.01), task("b", 0.02)} {
		n.HasWindow, n.WindowStart, n.WindowEnd = true, 9*60, 12*60
		nodes = append(nodes, n)
	}
	v := team("t1")
	v.MaxTasks = 5
	p := build(nodes, []Vehicle{v}, model.OptimizationParameters{})
	sol, _ := Solve(p)
	require.Empty(t, sol.Unassigned)
	require.Len(t, sol.Plans, 1)
	require.Equal(t, []string{"a", "b", "c"}, ids(p, sol.Plans[0].Order))
	s := sol.Plans[0].Schedule
	require.Zero(t, s.Late)
	require.InDelta(t, 3.34, s.DistanceKm, 0.01)
	for _, st := range s.Stops {
		require.GreaterOrEqual(t, st.Start, 9*60.0)
		require.LessOrEqual(t, st.Start, 12*60.0)
	}
}
