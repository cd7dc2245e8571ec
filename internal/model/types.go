package model

import "time"

// Core domain records. Values are copied in and out of the stores; nothing
// here holds a pointer into another aggregate, references are by id.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TimeWindow struct {
	Start    string `json:"start,omitempty"` // HH:MM
	End      string `json:"end,omitempty"`   // HH:MM
	Flexible bool   `json:"flexible,omitempty"`
}

type TaskLocation struct {
	Address     string    `json:"address,omitempty"`
	Coordinates *GeoPoint `json:"coordinates,omitempty"`
}

const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

type Task struct {
	ID                   string       `json:"id"`
	BusinessID           string       `json:"businessId"`
	Title                string       `json:"title,omitempty"`
	Location             TaskLocation `json:"location"`
	ScheduledDate        string       `json:"scheduledDate,omitempty"` // YYYY-MM-DD
	TimeWindow           TimeWindow   `json:"timeWindow"`
	EstimatedDurationMin int          `json:"estimatedDuration"`
	Priority             string       `json:"priority,omitempty"`
	RequiredSkills       []string     `json:"requiredSkills,omitempty"`
	RequiredEquipment    []string     `json:"requiredEquipment,omitempty"`
	Type                 string       `json:"type,omitempty"`
	Status               string       `json:"status"`
	AssignedTeamID       string       `json:"assignedTeamId,omitempty"`
	UpdatedAt            time.Time    `json:"updatedAt,omitempty"`
}

// PriorityRank maps the priority label to an ordering key; unknown labels
// rank as medium.
func (t Task) PriorityRank() int {
	switch t.Priority {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Schedulable reports whether the task may be placed on a new route.
func (t Task) Schedulable() bool {
	return t.Status == TaskPending || t.Status == TaskAssigned || t.Status == ""
}

type TeamLocation struct {
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	AccuracyM    float64   `json:"accuracy,omitempty"`
	ManualUpdate bool      `json:"manualUpdate,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

type WorkingHours struct {
	Start      string `json:"start,omitempty"` // HH:MM, default 08:00
	End        string `json:"end,omitempty"`   // HH:MM, default 17:00
	Timezone   string `json:"timezone,omitempty"`
	BreakMin   int    `json:"breakDuration,omitempty"`
	LunchStart string `json:"lunchStart,omitempty"`
	LunchEnd   string `json:"lunchEnd,omitempty"`
}

type VehicleInfo struct {
	Type                    string  `json:"type,omitempty"`
	FuelType                string  `json:"fuelType,omitempty"`
	AvgConsumptionLPer100Km float64 `json:"avgConsumption,omitempty"`
	MaxRangeKm              float64 `json:"maxRange,omitempty"`
	FuelLevelPct            float64 `json:"currentFuelLevel,omitempty"`
	MaintenanceStatus       string  `json:"maintenanceStatus,omitempty"`
}

const (
	AreaCircle  = "circle"
	AreaPolygon = "polygon"
)

type ServiceArea struct {
	ID      string     `json:"id,omitempty"`
	Name    string     `json:"name,omitempty"`
	Type    string     `json:"type"`
	Center  *GeoPoint  `json:"center,omitempty"`
	RadiusM float64    `json:"radius,omitempty"`
	Polygon []GeoPoint `json:"polygon,omitempty"`
}

type TeamPerformance struct {
	AvgTasksPerDay float64 `json:"averageTasksPerDay,omitempty"`
	OnTimePct      float64 `json:"onTimePercentage,omitempty"`
	CustomerRating float64 `json:"customerRating,omitempty"`
	FuelEfficiency float64 `json:"fuelEfficiency,omitempty"`
}

type Team struct {
	ID                    string          `json:"id"`
	BusinessID            string          `json:"businessId"`
	Name                  string          `json:"name,omitempty"`
	CurrentLocation       *TeamLocation   `json:"currentLocation,omitempty"`
	WorkingHours          WorkingHours    `json:"workingHours"`
	Vehicle               VehicleInfo     `json:"vehicleInfo"`
	Skills                []string        `json:"skills,omitempty"`
	Equipment             []string        `json:"equipment,omitempty"`
	ServiceAreas          []ServiceArea   `json:"serviceAreas,omitempty"`
	MaxDailyTasks         int             `json:"maxDailyTasks,omitempty"`
	MaxRouteDistanceKm    float64         `json:"maxRouteDistance,omitempty"`
	IsAvailableForRouting bool            `json:"isAvailableForRouting"`
	Performance           TeamPerformance `json:"performanceMetrics"`
}

const (
	RoutePlanned    = "planned"
	RouteAssigned   = "assigned"
	RouteInProgress = "in_progress"
	RouteCompleted  = "completed"
)

const (
	StopPending   = "pending"
	StopStarted   = "started"
	StopArrived   = "arrived"
	StopPaused    = "paused"
	StopCompleted = "completed"
)

type Stop struct {
	TaskID          string     `json:"taskId"`
	Seq             int        `json:"seq"`
	Address         string     `json:"address,omitempty"`
	Location        GeoPoint   `json:"location"`
	ArrivalTime     time.Time  `json:"estimatedArrival"`
	DepartureTime   time.Time  `json:"estimatedDeparture"`
	LegDistanceKm   float64    `json:"legDistanceKm"`
	LegDurationMin  float64    `json:"legDurationMin"`
	ServiceMin      int        `json:"serviceMin"`
	WeatherDelayMin int        `json:"weatherDelayMin,omitempty"`
	WindowStart     string     `json:"windowStart,omitempty"`
	WindowEnd       string     `json:"windowEnd,omitempty"`
	WindowViolation bool       `json:"windowViolation,omitempty"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	ArrivedAt       *time.Time `json:"arrivedAt,omitempty"`
	PausedAt        *time.Time `json:"pausedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastLocation    *GeoPoint  `json:"lastLocation,omitempty"`
}

// Open reports whether the stop still has work left.
func (s Stop) Open() bool { return s.Status != StopCompleted }

type RouteMetrics struct {
	TotalDistanceKm    float64 `json:"totalDistanceKm"`
	TotalTimeMin       float64 `json:"totalTimeMin"`
	TravelTimeMin      float64 `json:"travelTimeMin"`
	ServiceTimeMin     float64 `json:"serviceTimeMin"`
	WaitTimeMin        float64 `json:"waitTimeMin"`
	BreakMin           float64 `json:"breakMin"`
	WeatherDelayMin    float64 `json:"weatherDelayMin"`
	FuelLiters         float64 `json:"fuelLiters"`
	EstimatedFuelCost  float64 `json:"estimatedFuelCost"`
	OptimizationScore  float64 `json:"optimizationScore"`
	BaselineDistanceKm float64 `json:"baselineDistanceKm,omitempty"`
	BaselineTimeMin    float64 `json:"baselineTimeMin,omitempty"`
}

type WeatherAdjustment struct {
	DelayMin   int      `json:"delayMin"`
	Severity   string   `json:"severity,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`
}

type Route struct {
	ID                    string                  `json:"id"`
	BusinessID            string                  `json:"businessId"`
	TeamID                string                  `json:"teamId"`
	Version               int                     `json:"version"`
	Date                  string                  `json:"date"`
	Month                 string                  `json:"month,omitempty"`
	Status                string                  `json:"status"`
	Stops                 []Stop                  `json:"stops"`
	Metrics               RouteMetrics            `json:"metrics"`
	Weather               *WeatherAdjustment      `json:"weather,omitempty"`
	Violations            []Violation             `json:"violations,omitempty"`
	Params                *OptimizationParameters `json:"parameters,omitempty"`
	OptimizationRequestID string                  `json:"optimizationId,omitempty"`
	CreatedAt             time.Time               `json:"createdAt"`
	UpdatedAt             time.Time               `json:"updatedAt"`
	StartedAt             *time.Time              `json:"startedAt,omitempty"`
	CompletedAt           *time.Time              `json:"completedAt,omitempty"`
}

// Active reports whether the route still holds live task assignments that
// a new plan must not silently overwrite.
func (r Route) Active() bool {
	return r.Status == RouteInProgress
}

// Replaceable reports whether a new plan may take the route's tasks.
func (r Route) Replaceable() bool {
	return r.Status == RoutePlanned || r.Status == RouteAssigned
}

// StopIndex returns the position of the stop for taskID, or -1.
func (r Route) StopIndex(taskID string) int {
	for i := range r.Stops {
		if r.Stops[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

// TaskIDs lists the route's tasks in stop order.
func (r Route) TaskIDs() []string {
	out := make([]string, 0, len(r.Stops))
	for _, s := range r.Stops {
		out = append(out, s.TaskID)
	}
	return out
}

// Violation is a single failed constraint. Code is a short human readable
// label such as "exceeds maxTime"; TaskID is set when the failure belongs
// to one task.
type Violation struct {
	Code   string `json:"code"`
	TaskID string `json:"taskId,omitempty"`
	Detail string `json:"detail,omitempty"`
}

const (
	ViolationSkill        = "no skill match"
	ViolationEquipment    = "missing equipment"
	ViolationArea         = "outside service area"
	ViolationUnavailable  = "team unavailable"
	ViolationDailyTasks   = "exceeds maxDailyTasks"
	ViolationTimeWindow   = "time window unmet"
	ViolationMaxTime      = "exceeds maxTime"
	ViolationMaxDistance  = "exceeds maxDistance"
	ViolationTeamBusy     = "team already has a route for date"
	ViolationMissingCoord = "missing location"
)

// Reasons attached to unassigned tasks.
const (
	ReasonNoSkillMatch    = "no skill match"
	ReasonOutsideArea     = "outside service area"
	ReasonNoAvailableTeam = "no available team"
	ReasonNoCapacity      = "no capacity"
	ReasonNoTimeWindow    = "no feasible time window"
	ReasonMissingLocation = "missing location"
	ReasonNotSchedulable  = "task not schedulable"
)

type UnassignedTask struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

const (
	OptPending    = "pending"
	OptProcessing = "processing"
	OptCompleted  = "completed"
	OptFailed     = "failed"
)

type OptimizationSummary struct {
	RoutesGenerated      int      `json:"routesGenerated"`
	TotalDistanceKm      float64  `json:"totalDistanceKm"`
	TotalTimeMin         float64  `json:"totalTimeMin"`
	DistanceReductionPct float64  `json:"distanceReductionPct"`
	TimeReductionPct     float64  `json:"timeReductionPct"`
	UnassignedTasks      int      `json:"unassignedTasks"`
	Warnings             []string `json:"warnings"`
}

// OptimizationRequest is the audit record of one optimize call.
type OptimizationRequest struct {
	ID          string                 `json:"id"`
	BusinessID  string                 `json:"businessId"`
	Date        string                 `json:"date,omitempty"`
	Month       string                 `json:"month,omitempty"`
	TaskIDs     []string               `json:"taskIds,omitempty"`
	TeamIDs     []string               `json:"teamIds"`
	Params      OptimizationParameters `json:"parameters"`
	Status      string                 `json:"status"`
	Summary     OptimizationSummary    `json:"summary"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

type Subscription struct {
	ID         string   `json:"id"`
	BusinessID string   `json:"businessId"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	Secret     string   `json:"secret,omitempty"`
}

type SubscriptionRequest struct {
	BusinessID string   `json:"-"`
	URL        string   `json:"url" validate:"required,url"`
	Events     []string `json:"events" validate:"required,min=1,dive,oneof=route.optimized route.assigned route.reoptimized stop.progress route.completed weather.alert"`
	Secret     string   `json:"secret,omitempty"`
}
