package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

// Memory is an in-memory store used when no DATABASE_URL is set and in
// tests. Records are copied in and out so callers never share state.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	tasks  map[string]map[string]model.Task  // business -> id -> task
	teams  map[string]map[string]model.Team  // business -> id -> team
	routes map[string]map[string]model.Route // business -> id -> route
	plans  map[string]int                    // business|period -> version
	opts   map[string]model.OptimizationRequest
	planMx map[string]map[string]PlanMetrics // business -> period -> metrics
	subs   map[string][]model.Subscription   // business -> subscriptions
	// Webhooks queue state
	deliveries  map[string]*memDelivery
	deliveryIDs []string
	dlq         []memDeadLetter
}

func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		tasks:      map[string]map[string]model.Task{},
		teams:      map[string]map[string]model.Team{},
		routes:     map[string]map[string]model.Route{},
		plans:      map[string]int{},
		opts:       map[string]model.OptimizationRequest{},
		planMx:     map[string]map[string]PlanMetrics{},
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

type memDeadLetter struct {
	DeadLetter
	BusinessID string
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// Tasks

func (m *Memory) GetTasks(ctx context.Context, businessID string, f TaskFilter) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.tasks[businessID]
	out := []model.Task{}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if t, ok := byID[id]; ok && taskMatches(t, f) {
				out = append(out, cloneTask(t))
			}
		}
	} else {
		for _, t := range byID {
			if taskMatches(t, f) {
				out = append(out, cloneTask(t))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateTaskStatus(ctx context.Context, businessID, taskID string, patch model.TaskPatch) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[businessID][taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	if !patch.Allowed(t) {
		return model.Task{}, ErrTaskTransition
	}
	t = patch.Apply(t, m.now())
	m.tasks[businessID][taskID] = t
	return cloneTask(t), nil
}

func (m *Memory) UpsertTasks(ctx context.Context, businessID string, tasks []model.Task) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[businessID] == nil {
		m.tasks[businessID] = map[string]model.Task{}
	}
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.BusinessID = businessID
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		t.UpdatedAt = m.now()
		m.tasks[businessID][t.ID] = cloneTask(t)
	}
	return len(tasks), nil
}

// applyTaskPatches must be called with m.mu held. Patches the task
// lifecycle forbids, such as reviving a cancelled task, are skipped.
func (m *Memory) applyTaskPatches(businessID string, patches map[string]model.TaskPatch) error {
	for id := range patches {
		if _, ok := m.tasks[businessID][id]; !ok {
			return ErrNotFound
		}
	}
	for id, p := range patches {
		t := m.tasks[businessID][id]
		if !p.Allowed(t) {
			continue
		}
		m.tasks[businessID][id] = p.Apply(t, m.now())
	}
	return nil
}

// Teams

func (m *Memory) GetTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.teams[businessID]
	out := []model.Team{}
	if ids == nil {
		for _, t := range byID {
			out = append(out, cloneTeam(t))
		}
	} else {
		for _, id := range ids {
			if t, ok := byID[id]; ok {
				out = append(out, cloneTeam(t))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateTeamField(ctx context.Context, businessID, teamID string, patch model.TeamPatch) (model.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[businessID][teamID]
	if !ok {
		return model.Team{}, ErrNotFound
	}
	t = patch.Apply(t)
	m.teams[businessID][teamID] = t
	return cloneTeam(t), nil
}

func (m *Memory) UpsertTeams(ctx context.Context, businessID string, teams []model.Team) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teams[businessID] == nil {
		m.teams[businessID] = map[string]model.Team{}
	}
	for _, t := range teams {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.BusinessID = businessID
		m.teams[businessID][t.ID] = cloneTeam(t)
	}
	return len(teams), nil
}

func (m *Memory) ListBusinessIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.teams))
	for id := range m.teams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Routes

func planKey(businessID string, p model.Period) string { return businessID + "|" + p.PlanKey() }

func (m *Memory) PlanVersion(ctx context.Context, businessID string, period model.Period) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[planKey(businessID, period)], nil
}

func (m *Memory) SavePlan(ctx context.Context, businessID string, ch PlanChange) (int, []model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := planKey(businessID, ch.Period)
	if m.plans[key] != ch.ExpectedVersion {
		return 0, nil, ErrVersionConflict
	}
	stored := m.routes[businessID]
	for _, r := range ch.Delete {
		cur, ok := stored[r.ID]
		if !ok || cur.Version != r.Version {
			return 0, nil, ErrVersionConflict
		}
	}
	for _, r := range ch.Put {
		if cur, ok := stored[r.ID]; ok && cur.Version != r.Version {
			return 0, nil, ErrVersionConflict
		}
	}
	if err := m.applyTaskPatches(businessID, ch.Tasks); err != nil {
		return 0, nil, err
	}
	if stored == nil {
		stored = map[string]model.Route{}
		m.routes[businessID] = stored
	}
	for _, r := range ch.Delete {
		delete(stored, r.ID)
	}
	now := m.now()
	out := make([]model.Route, 0, len(ch.Put))
	for _, r := range ch.Put {
		if _, ok := stored[r.ID]; ok {
			r.Version++
		} else {
			r.Version = 1
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
		}
		r.BusinessID = businessID
		r.UpdatedAt = now
		stored[r.ID] = cloneRoute(r)
		out = append(out, cloneRoute(r))
	}
	m.plans[key]++
	return m.plans[key], out, nil
}

func (m *Memory) GetRoute(ctx context.Context, businessID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[businessID][routeID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return cloneRoute(r), nil
}

func (m *Memory) ListRoutes(ctx context.Context, businessID string, f RouteFilter) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes[businessID] {
		if routeMatches(r, f) {
			out = append(out, cloneRoute(r))
		}
	}
	sortRoutes(out)
	return out, nil
}

func (m *Memory) UpdateRoute(ctx context.Context, businessID string, r model.Route, tasks map[string]model.TaskPatch) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routes[businessID][r.ID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	if cur.Version != r.Version {
		return model.Route{}, ErrVersionConflict
	}
	if err := m.applyTaskPatches(businessID, tasks); err != nil {
		return model.Route{}, err
	}
	r.Version++
	r.BusinessID = businessID
	r.UpdatedAt = m.now()
	m.routes[businessID][r.ID] = cloneRoute(r)
	return cloneRoute(r), nil
}

// Audit

func (m *Memory) SaveOptimizationRequest(ctx context.Context, req model.OptimizationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts[req.BusinessID+"|"+req.ID] = req
	return nil
}

func (m *Memory) GetOptimizationRequest(ctx context.Context, businessID, id string) (model.OptimizationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.opts[businessID+"|"+id]
	if !ok {
		return model.OptimizationRequest{}, ErrNotFound
	}
	return req, nil
}

// Plan metrics

func (m *Memory) SavePlanMetrics(ctx context.Context, businessID, period string, pm opt.Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.planMx[businessID] == nil {
		m.planMx[businessID] = map[string]PlanMetrics{}
	}
	m.planMx[businessID][period] = PlanMetrics{Period: period, Metrics: pm, CreatedAt: m.now()}
	return nil
}

func (m *Memory) ListPlanMetrics(ctx context.Context, businessID, period string) ([]PlanMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []PlanMetrics{}
	for p, it := range m.planMx[businessID] {
		if period == "" || p == period {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), BusinessID: req.BusinessID, URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}
	m.subs[req.BusinessID] = append(m.subs[req.BusinessID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, businessID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[businessID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, businessID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[businessID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[businessID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs[businessID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, businessID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := computeDedupKey(payload)
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if d.BusinessID == businessID && d.EventType == eventType && d.URL == url && computeDedupKey(d.Payload) == dk {
			return d.ID, nil
		}
	}
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, BusinessID: businessID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   m.now(),
	}
	m.deliveryIDs = append(m.deliveryIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryIDs {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, memDeadLetter{
		DeadLetter: DeadLetter{
			ID: uuid.New().String(), DeliveryID: id, EventType: d.EventType, URL: d.URL,
			LastError: lastError, Attempts: d.Attempts + 1, ResponseCode: responseCode, LatencyMs: latencyMs, CreatedAt: m.now(),
		},
		BusinessID: d.BusinessID,
	})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, businessID, status, cursor string, limit int) ([]DeliveryInfo, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []DeliveryInfo{}
	started := cursor == ""
	next := ""
	for _, id := range m.deliveryIDs {
		if !started {
			started = id == cursor
			continue
		}
		d := m.deliveries[id]
		if d.BusinessID != businessID || (status != "" && d.Status != status) {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		info := DeliveryInfo{ID: d.ID, EventType: d.EventType, Status: d.Status, Attempts: d.Attempts, URL: d.URL, LastError: d.LastError, ResponseCode: d.ResponseCode, LatencyMs: d.LatencyMs}
		if !d.NextAttemptAt.IsZero() {
			at := d.NextAttemptAt
			info.NextAttemptAt = &at
		}
		out = append(out, info)
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.BusinessID != businessID {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, businessID, cursor string, limit int) ([]DeadLetter, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []DeadLetter{}
	started := cursor == ""
	next := ""
	for _, dl := range m.dlq {
		if !started {
			started = dl.ID == cursor
			continue
		}
		if dl.BusinessID != businessID {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, dl.DeadLetter)
	}
	return out, next, nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := -1
	for i, dl := range m.dlq {
		if dl.ID == id && dl.BusinessID == businessID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	dl := m.dlq[idx]
	m.dlq = append(m.dlq[:idx], m.dlq[idx+1:]...)
	if d := m.deliveries[dl.DeliveryID]; d != nil {
		d.Status = DeliveryPending
		d.Attempts = 0
		d.NextAttemptAt = m.now()
	}
	return nil
}

func sortRoutes(rs []model.Route) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Date != rs[j].Date {
			return rs[i].Date < rs[j].Date
		}
		if rs[i].TeamID != rs[j].TeamID {
			return rs[i].TeamID < rs[j].TeamID
		}
		return rs[i].ID < rs[j].ID
	})
}

func cloneTask(t model.Task) model.Task {
	t.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	t.RequiredEquipment = append([]string(nil), t.RequiredEquipment...)
	if t.Location.Coordinates != nil {
		c := *t.Location.Coordinates
		t.Location.Coordinates = &c
	}
	return t
}

func cloneTeam(t model.Team) model.Team {
	t.Skills = append([]string(nil), t.Skills...)
	t.Equipment = append([]string(nil), t.Equipment...)
	t.ServiceAreas = append([]model.ServiceArea(nil), t.ServiceAreas...)
	if t.CurrentLocation != nil {
		loc := *t.CurrentLocation
		t.CurrentLocation = &loc
	}
	return t
}

func cloneRoute(r model.Route) model.Route {
	r.Stops = append([]model.Stop(nil), r.Stops...)
	r.Violations = append([]model.Violation(nil), r.Violations...)
	if r.Weather != nil {
		w := *r.Weather
		r.Weather = &w
	}
	return r
}
