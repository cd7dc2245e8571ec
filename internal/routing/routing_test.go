package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldroute/internal/apperr"
	"fieldroute/internal/mapping"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
	"fieldroute/internal/weather"
)

const (
	biz  = "biz-1"
	date = "2026-03-02"
)

var clock = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type event struct {
	Business string
	Route    string
	Type     string
	Data     map[string]any
}

type recorder struct {
	mu     sync.Mutex
	hooks  []event
	stream []event
}

func (r *recorder) Emit(_ context.Context, businessID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := data.(map[string]any)
	r.hooks = append(r.hooks, event{Business: businessID, Type: eventType, Data: m})
}

func (r *recorder) PublishRoute(routeID, eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = append(r.stream, event{Route: routeID, Type: eventType, Data: data})
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, e := range r.hooks {
		out = append(out, e.Type)
	}
	return out
}

func newEngine(t *testing.T, st store.Store, ws *weather.Service) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := New(st, mapping.NewHaversine(60), ws, Options{FuelPricePerLiter: 2, Hooks: rec, Stream: rec})
	e.SetClock(func() time.Time { return clock })
	return e, rec
}

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func team(id string, skills ...string) model.Team {
	return model.Team{
		ID:                    id,
		Name:                  "Team " + id,
		CurrentLocation:       &model.TeamLocation{Lat: 40.0, Lng: -75.0},
		WorkingHours:          model.WorkingHours{Start: "08:00", End: "17:00"},
		Skills:                skills,
		IsAvailableForRouting: true,
	}
}

func task(id string, lat float64, minutes int, skills ...string) model.Task {
	return model.Task{
		ID:                   id,
		Title:                "Task " + id,
		Location:             model.TaskLocation{Address: id + " Main St", Coordinates: pt(lat, -75.0)},
		ScheduledDate:        date,
		EstimatedDurationMin: minutes,
		Priority:             model.PriorityMedium,
		RequiredSkills:       skills,
		Status:               model.TaskPending,
	}
}

func seed(t *testing.T, st store.Store, teams []model.Team, tasks []model.Task) {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertTeams(ctx, biz, teams)
	require.NoError(t, err)
	_, err = st.UpsertTasks(ctx, biz, tasks)
	require.NoError(t, err)
}

func optimizeDay(t *testing.T, e *Engine, teams ...string) model.OptimizeResult {
	t.Helper()
	res, err := e.OptimizeRoutes(context.Background(), model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: teams})
	require.NoError(t, err)
	return res
}

// dispatch assigns an optimized route to its own team so work can start.
func dispatch(t *testing.T, e *Engine, r model.Route) model.Route {
	t.Helper()
	out, err := e.AssignRouteToTeam(context.Background(), biz, r.TeamID, r.ID)
	require.NoError(t, err)
	return out
}

func TestOptimizeOrdersStopsByDistance(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{
		task("task-a", 40.03, 30),
		task("task-b", 40.01, 30),
		task("task-c", 40.02, 30),
	})
	e, rec := newEngine(t, st, nil)

	res := optimizeDay(t, e, "team-1")
	require.Len(t, res.Routes, 1)
	require.Empty(t, res.UnassignedTasks)
	require.NotNil(t, res.Warnings)
	r := res.Routes[0]
	require.Equal(t, []string{"task-b", "task-c", "task-a"}, r.TaskIDs())
	require.Equal(t, model.RoutePlanned, r.Status)
	require.Equal(t, 1, r.Version)
	require.Equal(t, date, r.Date)
	require.Greater(t, r.Metrics.TotalDistanceKm, 0.0)
	require.Greater(t, r.Metrics.OptimizationScore, 0.0)
	require.Greater(t, r.Metrics.EstimatedFuelCost, 0.0)
	require.True(t, r.Stops[0].ArrivalTime.Before(r.Stops[1].ArrivalTime))
	require.Equal(t, 1, res.Summary.RoutesGenerated)

	tasks, err := st.GetTasks(context.Background(), biz, store.TaskFilter{})
	require.NoError(t, err)
	for _, tk := range tasks {
		require.Equal(t, model.TaskAssigned, tk.Status)
		require.Equal(t, "team-1", tk.AssignedTeamID)
	}

	audit, err := e.GetOptimization(context.Background(), biz, res.OptimizationID)
	require.NoError(t, err)
	require.Equal(t, model.OptCompleted, audit.Status)
	require.NotNil(t, audit.CompletedAt)

	pm, err := st.ListPlanMetrics(context.Background(), biz, date)
	require.NoError(t, err)
	require.Len(t, pm, 1)
	require.Equal(t, 3, pm[0].Metrics.Tasks)

	require.Equal(t, []string{EventRouteOptimized}, rec.types())
}

func TestOptimizeSkillMismatchIsUnassigned(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1", "plumbing")}, []model.Task{task("hvac-1", 40.01, 60, "hvac")})
	e, _ := newEngine(t, st, nil)

	res := optimizeDay(t, e, "team-1")
	require.Empty(t, res.Routes)
	require.Equal(t, []model.UnassignedTask{{TaskID: "hvac-1", Reason: model.ReasonNoSkillMatch}}, res.UnassignedTasks)
	require.Equal(t, 1, res.Summary.UnassignedTasks)
}

func TestOptimizeRejectsBadRequests(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()

	cases := []model.OptimizeRequest{
		{BusinessID: biz, Date: date},
		{BusinessID: biz, TeamIDs: []string{"team-1"}},
		{BusinessID: biz, Date: "02/03/2026", TeamIDs: []string{"team-1"}},
		{BusinessID: biz, Month: "2026-3", TeamIDs: []string{"team-1"}},
		{BusinessID: biz, Date: date, TeamIDs: []string{"team-x"}},
		{BusinessID: biz, TaskIDs: []string{"nope"}, TeamIDs: []string{"team-1"}},
		{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, Params: &model.OptimizationParameters{MaxRouteTime: 5000}},
	}
	for _, c := range cases {
		_, err := e.OptimizeRoutes(ctx, c)
		require.ErrorIs(t, err, apperr.ErrInvalidRequest, "%+v", c)
	}
}

func TestOptimizeReportsUnschedulableAndMissingLocation(t *testing.T) {
	st := store.NewMemory()
	done := task("done-1", 40.01, 30)
	done.Status = model.TaskCompleted
	lost := task("lost-1", 40.02, 30)
	lost.Location = model.TaskLocation{}
	seed(t, st, []model.Team{team("team-1")}, []model.Task{done, lost, task("ok-1", 40.01, 30)})
	e, _ := newEngine(t, st, nil)

	res, err := e.OptimizeRoutes(context.Background(), model.OptimizeRequest{
		BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, TaskIDs: []string{"done-1", "lost-1", "ok-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	require.Equal(t, []model.UnassignedTask{
		{TaskID: "done-1", Reason: model.ReasonNotSchedulable},
		{TaskID: "lost-1", Reason: model.ReasonMissingLocation},
	}, res.UnassignedTasks)
	require.NotEmpty(t, res.Warnings)
}

func TestReplanReplacesPreviousRoutes(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1"), team("team-2")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()

	first := optimizeDay(t, e, "team-1")
	require.Len(t, first.Routes, 1)

	second, err := e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1", "team-2"}, TaskIDs: []string{"task-a", "task-b"}})
	require.NoError(t, err)

	routes, err := e.GetOptimizedRoutes(ctx, biz, model.Period{Date: date})
	require.NoError(t, err)
	require.Len(t, routes, len(second.Routes))
	_, err = e.GetRoute(ctx, biz, first.Routes[0].ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	v, err := st.PlanVersion(ctx, biz, model.Period{Date: date})
	require.NoError(t, err)
	require.Equal(t, 2, v)

	stats, err := e.GetStats(ctx, biz, model.Period{Date: date})
	require.NoError(t, err)
	require.Equal(t, len(routes), stats.Routes)
	require.Equal(t, 2, stats.Stops)
	require.Equal(t, len(routes), stats.ByStatus[model.RoutePlanned])
}

func TestReplanLeavesCancelledTasksCancelled(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()
	require.Len(t, optimizeDay(t, e, "team-1").Routes, 1)

	_, err := st.UpdateTaskStatus(ctx, biz, "task-b", model.StatusPatch(model.TaskCancelled, nil))
	require.NoError(t, err)

	res, err := e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, TaskIDs: []string{"task-a", "task-b"}})
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	require.Equal(t, []string{"task-a"}, res.Routes[0].TaskIDs())
	require.Equal(t, []model.UnassignedTask{{TaskID: "task-b", Reason: model.ReasonNotSchedulable}}, res.UnassignedTasks)

	_, err = e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}})
	require.NoError(t, err)

	tasks, err := st.GetTasks(ctx, biz, store.TaskFilter{IDs: []string{"task-b"}})
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, tasks[0].Status)
}

func TestProgressRejectsCancelledTask(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()
	route := dispatch(t, e, optimizeDay(t, e, "team-1").Routes[0])

	_, err := st.UpdateTaskStatus(ctx, biz, "task-a", model.StatusPatch(model.TaskCancelled, nil))
	require.NoError(t, err)

	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	r, err := e.GetRoute(ctx, biz, route.ID)
	require.NoError(t, err)
	require.Equal(t, model.RouteAssigned, r.Status)
	require.Equal(t, route.Version, r.Version)
	tasks, err := st.GetTasks(ctx, biz, store.TaskFilter{IDs: []string{"task-a"}})
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, tasks[0].Status)

	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-b", Status: model.StopStarted})
	require.NoError(t, err)
}

// gatedStore parks the first month plan write until released.
type gatedStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) SavePlan(ctx context.Context, businessID string, ch store.PlanChange) (int, []model.Route, error) {
	if ch.Period.Month != "" {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Store.SavePlan(ctx, businessID, ch)
}

func TestDayAndMonthPlansDoNotDoubleAssign(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	gs := &gatedStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e, _ := newEngine(t, gs, nil)
	ctx := context.Background()

	monthErr := make(chan error, 1)
	go func() {
		_, err := e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Month: "2026-03", TeamIDs: []string{"team-1"}})
		monthErr <- err
	}()
	<-gs.entered

	dayErr := make(chan error, 1)
	go func() {
		_, err := e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, TaskIDs: []string{"task-a", "task-b"}})
		dayErr <- err
	}()
	require.Never(t, func() bool { return len(dayErr) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gs.release)
	require.NoError(t, <-monthErr)
	require.NoError(t, <-dayErr)

	routes, err := mem.ListRoutes(ctx, biz, store.RouteFilter{Period: model.Period{Month: "2026-03"}})
	require.NoError(t, err)
	require.Len(t, routes, 1)
	seen := map[string]int{}
	for _, r := range routes {
		for _, id := range r.TaskIDs() {
			seen[id]++
		}
	}
	require.Equal(t, map[string]int{"task-a": 1, "task-b": 1}, seen)

	v, err := mem.PlanVersion(ctx, biz, model.Period{Month: "2026-03"})
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestGetOptimizedRoutesNotFound(t *testing.T) {
	e, _ := newEngine(t, store.NewMemory(), nil)
	_, err := e.GetOptimizedRoutes(context.Background(), biz, model.Period{Date: date})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.GetOptimizedRoutes(context.Background(), biz, model.Period{})
	require.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestOptimizeMonthPlansEachDay(t *testing.T) {
	st := store.NewMemory()
	a := task("task-a", 40.01, 30)
	b := task("task-b", 40.02, 30)
	b.ScheduledDate = "2026-03-05"
	seed(t, st, []model.Team{team("team-1")}, []model.Task{a, b})
	e, _ := newEngine(t, st, nil)

	res, err := e.OptimizeRoutes(context.Background(), model.OptimizeRequest{BusinessID: biz, Month: "2026-03", TeamIDs: []string{"team-1"}})
	require.NoError(t, err)
	require.Len(t, res.Routes, 2)
	require.Equal(t, date, res.Routes[0].Date)
	require.Equal(t, "2026-03-05", res.Routes[1].Date)
	for _, r := range res.Routes {
		require.Equal(t, "2026-03", r.Month)
	}
}

func TestProgressCompletesRoute(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30)})
	e, rec := newEngine(t, st, nil)
	ctx := context.Background()
	route := dispatch(t, e, optimizeDay(t, e, "team-1").Routes[0])

	res, err := e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted, Location: pt(40.005, -75.0)})
	require.NoError(t, err)
	require.Equal(t, model.RouteInProgress, res.Route.Status)
	require.NotNil(t, res.Route.StartedAt)
	require.Equal(t, model.StopStarted, res.Stop.Status)

	teams, err := st.GetTeams(ctx, biz, []string{"team-1"})
	require.NoError(t, err)
	require.InDelta(t, 40.005, teams[0].CurrentLocation.Lat, 1e-9)

	res, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopCompleted})
	require.NoError(t, err)
	require.Equal(t, model.RouteCompleted, res.Route.Status)
	require.NotNil(t, res.Route.CompletedAt)
	require.NotNil(t, res.Stop.CompletedAt)

	tasks, err := st.GetTasks(ctx, biz, store.TaskFilter{IDs: []string{"task-a"}})
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, tasks[0].Status)

	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	require.Equal(t, []string{EventRouteOptimized, EventRouteAssigned, EventStopProgress, EventStopProgress, EventRouteCompleted}, rec.types())
	require.Len(t, rec.stream, 4)
}

func TestProgressRejectsBadTransitions(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()
	planned := optimizeDay(t, e, "team-1").Routes[0]

	_, err := e.UpdateRouteProgress(ctx, biz, planned.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	r, err := e.GetRoute(ctx, biz, planned.ID)
	require.NoError(t, err)
	require.Equal(t, model.RoutePlanned, r.Status)
	require.Equal(t, model.StopPending, r.Stops[0].Status)

	route := dispatch(t, e, planned)
	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopCompleted})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: "teleported"})
	require.ErrorIs(t, err, apperr.ErrInvalidRequest)
	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-z", Status: model.StopStarted})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.UpdateRouteProgress(ctx, biz, "missing", ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	for _, s := range []string{model.StopStarted, model.StopPaused, model.StopStarted, model.StopArrived, model.StopCompleted} {
		_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: s})
		require.NoError(t, err, s)
	}
	r, err = e.GetRoute(ctx, biz, route.ID)
	require.NoError(t, err)
	require.Equal(t, model.RouteInProgress, r.Status)
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(model.StopPending, model.StopStarted))
	require.True(t, CanTransition(model.StopPaused, model.StopStarted))
	require.False(t, CanTransition(model.StopCompleted, model.StopStarted))
	require.False(t, CanTransition(model.StopPending, model.StopArrived))
}

// conflictingStore fails the first UpdateRoute calls with a version
// conflict.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictingStore) UpdateRoute(ctx context.Context, businessID string, r model.Route, tasks map[string]model.TaskPatch) (model.Route, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.conflicts
	c.mu.Unlock()
	if fail {
		return model.Route{}, store.ErrVersionConflict
	}
	return c.Store.UpdateRoute(ctx, businessID, r, tasks)
}

func TestProgressRetriesVersionConflicts(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	cs := &conflictingStore{Store: mem}
	e, _ := newEngine(t, cs, nil)
	ctx := context.Background()
	route := dispatch(t, e, optimizeDay(t, e, "team-1").Routes[0])

	cs.calls, cs.conflicts = 0, 2
	res, err := e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.NoError(t, err)
	require.Equal(t, model.StopStarted, res.Stop.Status)
	require.Equal(t, 3, cs.calls)

	cs.calls, cs.conflicts = 0, 10
	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopArrived})
	require.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
	require.Equal(t, maxProgressRetries+1, cs.calls)
}

func TestProgressConcurrentUpdatesSerialize(t *testing.T) {
	st := store.NewMemory()
	var tasks []model.Task
	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for i, id := range ids {
		tasks = append(tasks, task(id, 40.0+float64(i+1)*0.01, 10))
	}
	seed(t, st, []model.Team{team("team-1")}, tasks)
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()
	route := dispatch(t, e, optimizeDay(t, e, "team-1").Routes[0])

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: id, Status: model.StopStarted})
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	r, err := e.GetRoute(ctx, biz, route.ID)
	require.NoError(t, err)
	require.Equal(t, route.Version+len(ids), r.Version)
	for _, s := range r.Stops {
		require.Equal(t, model.StopStarted, s.Status)
	}
}

func TestValidateExceedsMaxTime(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("long-1", 40.0, 90)})
	e, _ := newEngine(t, st, nil)

	res, err := e.ValidateRouteConstraints(context.Background(), biz, ValidateRequest{TaskIDs: []string{"long-1"}, TeamID: "team-1", MaxTime: 60, Date: date})
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	require.Equal(t, model.ViolationMaxTime, res.Violations[0].Code)
	require.Equal(t, "exceeds maxTime", res.Violations[0].Code)

	res, err = e.ValidateRouteConstraints(context.Background(), biz, ValidateRequest{TaskIDs: []string{"long-1"}, TeamID: "team-1", MaxTime: 120, Date: date})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Empty(t, res.Violations)
}

func TestValidateReportsTeamMismatches(t *testing.T) {
	st := store.NewMemory()
	tm := team("team-1")
	tm.IsAvailableForRouting = false
	tm.MaxDailyTasks = 1
	far := task("far-1", 41.0, 30, "hvac")
	seed(t, st, []model.Team{tm}, []model.Task{task("near-1", 40.01, 30), far})
	e, _ := newEngine(t, st, nil)

	res, err := e.ValidateRouteConstraints(context.Background(), biz, ValidateRequest{TaskIDs: []string{"near-1", "far-1"}, TeamID: "team-1", MaxDistance: 10, Date: date})
	require.NoError(t, err)
	require.False(t, res.Valid)
	codes := map[string]bool{}
	for _, v := range res.Violations {
		codes[v.Code] = true
	}
	require.True(t, codes[model.ViolationUnavailable])
	require.True(t, codes[model.ViolationSkill])
	require.True(t, codes[model.ViolationDailyTasks])
	require.True(t, codes[model.ViolationMaxDistance])

	_, err = e.ValidateRouteConstraints(context.Background(), biz, ValidateRequest{TaskIDs: []string{"near-1"}, TeamID: "team-x"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.ValidateRouteConstraints(context.Background(), biz, ValidateRequest{TaskIDs: []string{"nope"}, TeamID: "team-1"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCalculateRouteMetricsMatchesOptimizer(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{
		task("task-a", 40.03, 30),
		task("task-b", 40.01, 30),
		task("task-c", 40.02, 30),
	})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()

	est, err := e.CalculateRouteMetrics(ctx, biz, MetricsRequest{TaskIDs: []string{"task-a", "task-b", "task-c"}, TeamID: "team-1", Date: date})
	require.NoError(t, err)
	require.Equal(t, []string{"task-b", "task-c", "task-a"}, est.Order)
	require.Empty(t, est.Violations)
	require.Greater(t, est.Metrics.BaselineDistanceKm, est.Metrics.TotalDistanceKm)

	route := optimizeDay(t, e, "team-1").Routes[0]
	require.Equal(t, route.Metrics.TotalDistanceKm, est.Metrics.TotalDistanceKm)
	require.Equal(t, route.Metrics.OptimizationScore, est.Metrics.OptimizationScore)

	// nothing was stored by the estimate
	pm, err := st.ListPlanMetrics(ctx, biz, "")
	require.NoError(t, err)
	require.Len(t, pm, 1)
}

func TestAssignRouteToTeam(t *testing.T) {
	st := store.NewMemory()
	far := team("team-2", "hvac")
	far.CurrentLocation = &model.TeamLocation{Lat: 40.05, Lng: -75.0}
	seed(t, st,
		[]model.Team{team("team-1", "hvac"), far, team("team-3")},
		[]model.Task{task("task-a", 40.01, 30, "hvac"), task("task-b", 40.02, 30, "hvac")},
	)
	e, rec := newEngine(t, st, nil)
	ctx := context.Background()
	route := optimizeDay(t, e, "team-1").Routes[0]

	_, err := e.AssignRouteToTeam(ctx, biz, "team-3", route.ID)
	require.ErrorIs(t, err, apperr.ErrConstraintViolation)
	vs := apperr.ViolationsOf(err)
	require.Len(t, vs, 2)
	require.Equal(t, model.ViolationSkill, vs[0].Code)

	got, err := e.AssignRouteToTeam(ctx, biz, "team-2", route.ID)
	require.NoError(t, err)
	require.Equal(t, "team-2", got.TeamID)
	require.Equal(t, model.RouteAssigned, got.Status)
	require.Equal(t, route.Version+1, got.Version)
	require.Equal(t, []string{"task-b", "task-a"}, got.TaskIDs())

	tasks, err := st.GetTasks(ctx, biz, store.TaskFilter{})
	require.NoError(t, err)
	for _, tk := range tasks {
		require.Equal(t, "team-2", tk.AssignedTeamID)
	}
	require.Contains(t, rec.types(), EventRouteAssigned)

	_, err = e.AssignRouteToTeam(ctx, biz, "team-x", route.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAssignRejectsBusyTeamAndStartedRoute(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1"), team("team-2")}, []model.Task{task("task-a", 40.01, 30)})
	e, _ := newEngine(t, st, nil)
	ctx := context.Background()
	route := optimizeDay(t, e, "team-1").Routes[0]

	_, err := e.AssignRouteToTeam(ctx, biz, "team-1", route.ID)
	require.NoError(t, err)

	other := model.Route{ID: "route-busy", TeamID: "team-2", Date: date, Status: model.RoutePlanned}
	_, _, err = st.SavePlan(ctx, biz, store.PlanChange{Period: model.Period{Date: date}, ExpectedVersion: 1, Put: []model.Route{other}})
	require.NoError(t, err)
	_, err = e.AssignRouteToTeam(ctx, biz, "team-2", route.ID)
	require.ErrorIs(t, err, apperr.ErrConstraintViolation)
	require.Equal(t, model.ViolationTeamBusy, apperr.ViolationsOf(err)[0].Code)

	_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-a", Status: model.StopStarted})
	require.NoError(t, err)
	_, err = e.AssignRouteToTeam(ctx, biz, "team-1", route.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestReoptimizeKeepsStartedStopsFirst(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{
		task("task-a", 40.01, 30),
		task("task-b", 40.02, 30),
		task("task-c", 40.03, 30),
	})
	e, rec := newEngine(t, st, nil)
	ctx := context.Background()
	route := dispatch(t, e, optimizeDay(t, e, "team-1").Routes[0])
	require.Equal(t, []string{"task-a", "task-b", "task-c"}, route.TaskIDs())

	// the team drives to the far end first
	_, err := e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: "task-c", Status: model.StopStarted, Location: pt(40.03, -75.0)})
	require.NoError(t, err)

	got, err := e.ReoptimizeRoute(ctx, biz, route.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"task-c", "task-b", "task-a"}, got.TaskIDs())
	require.Equal(t, model.StopStarted, got.Stops[0].Status)
	require.Equal(t, model.StopPending, got.Stops[1].Status)
	require.Equal(t, model.RouteInProgress, got.Status)
	require.Equal(t, 1, got.Stops[0].Seq)
	require.Contains(t, rec.types(), EventRouteReoptimized)

	for _, id := range []string{"task-c", "task-b", "task-a"} {
		if id != "task-c" {
			_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: id, Status: model.StopStarted})
			require.NoError(t, err)
		}
		_, err = e.UpdateRouteProgress(ctx, biz, route.ID, ProgressUpdate{TaskID: id, Status: model.StopCompleted})
		require.NoError(t, err)
	}
	_, err = e.ReoptimizeRoute(ctx, biz, route.ID, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

type stubForecasts struct {
	err error
	f   weather.Forecast
}

func (s stubForecasts) Forecast(_ context.Context, lat, lng float64, date string) (weather.Forecast, error) {
	if s.err != nil {
		return weather.Forecast{}, s.err
	}
	f := s.f
	f.Lat, f.Lng, f.Date = lat, lng, date
	return f, nil
}

func weatherService(p weather.Provider, st store.Store) *weather.Service {
	ws := weather.NewService(p, nil, st)
	ws.SetClock(func() time.Time { return clock })
	return ws
}

func TestOptimizeAppliesWeatherDelay(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30), task("task-b", 40.02, 30)})
	ws := weatherService(stubForecasts{f: weather.Forecast{Conditions: "heavy rain", PrecipitationMM: 30, TempMinC: 8, TempMaxC: 12}}, st)
	e, _ := newEngine(t, st, ws)
	ctx := context.Background()

	dry, err := e.CalculateRouteMetrics(ctx, biz, MetricsRequest{TaskIDs: []string{"task-a", "task-b"}, TeamID: "team-1", Date: date})
	require.NoError(t, err)

	res, err := e.OptimizeRoutes(ctx, model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, Params: &model.OptimizationParameters{ConsiderWeather: true}})
	require.NoError(t, err)
	r := res.Routes[0]
	require.NotNil(t, r.Weather)
	require.Greater(t, r.Weather.DelayMin, 0)
	require.Equal(t, float64(r.Weather.DelayMin), r.Metrics.WeatherDelayMin)
	require.Greater(t, r.Metrics.TotalTimeMin, dry.Metrics.TotalTimeMin)
	require.Less(t, r.Metrics.OptimizationScore, dry.Metrics.OptimizationScore)
	shift := r.Stops[1].ArrivalTime.Sub(dry.Stops[1].ArrivalTime)
	require.Equal(t, time.Duration(r.Weather.DelayMin)*time.Minute, shift)
}

func TestOptimizeDegradesWhenWeatherUnavailable(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, []model.Team{team("team-1")}, []model.Task{task("task-a", 40.01, 30)})
	ws := weatherService(stubForecasts{err: errors.New("upstream down")}, st)
	e, _ := newEngine(t, st, ws)
	ctx := context.Background()
	req := model.OptimizeRequest{BusinessID: biz, Date: date, TeamIDs: []string{"team-1"}, Params: &model.OptimizationParameters{ConsiderWeather: true}}

	res, err := e.OptimizeRoutes(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Routes[0].Weather.Degraded)
	require.Equal(t, 0, res.Routes[0].Weather.DelayMin)
	require.NotEmpty(t, res.Warnings)

	ws.Required = true
	_, err = e.OptimizeRoutes(ctx, req)
	require.ErrorIs(t, err, apperr.ErrDependencyUnavailable)

	// the failed attempt leaves the stored plan alone
	routes, err := e.GetOptimizedRoutes(ctx, biz, model.Period{Date: date})
	require.NoError(t, err)
	require.Len(t, routes, 1)
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	k.mu.Lock()
	defer k.mu.Unlock()
	require.Empty(t, k.locks)
}
