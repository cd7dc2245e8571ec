package opt

import (
	"fmt"

	"fieldroute/internal/geo"
	"fieldroute/internal/model"
)

// eligibility stages; a vehicle that passes more stages explains a
// rejection better than one that fails early.
const (
	stageUnavailable = iota
	stageSkills
	stageArea
	stageWindow
	stageEligible
)

var stageReason = map[int]string{
	stageUnavailable: model.ReasonNoAvailableTeam,
	stageSkills:      model.ReasonNoSkillMatch,
	stageArea:        model.ReasonOutsideArea,
	stageWindow:      model.ReasonNoTimeWindow,
}

// stage returns how far node n gets through vehicle vi's filters.
func (p *Problem) stage(n, vi int) int {
	v := p.Vehicles[vi]
	nd := p.Nodes[n]
	if !v.Available {
		return stageUnavailable
	}
	if p.Params.SkillsRequired() {
		if !containsAll(v.Skills, nd.Skills) || !containsAll(v.Equipment, nd.Equipment) {
			return stageSkills
		}
	}
	if !geo.InAnyArea(v.Areas, nd.Point) {
		return stageArea
	}
	if !p.windowOverlaps(nd, v) {
		return stageWindow
	}
	return stageEligible
}

// windowOverlaps reports whether the task window intersects the shift.
func (p *Problem) windowOverlaps(nd Node, v Vehicle) bool {
	if !nd.HasWindow {
		return true
	}
	end := nd.WindowEnd
	if nd.Flexible {
		end += FlexibleToleranceMin
	}
	if end < v.ShiftStart {
		return false
	}
	if p.Params.AllowOvertime || v.ShiftEnd <= 0 {
		return true
	}
	return nd.WindowStart < v.ShiftEnd
}

// Eligible reports whether vehicle vi may serve node n.
func (p *Problem) Eligible(n, vi int) bool {
	return p.stage(n, vi) == stageEligible
}

// candidates returns the eligible vehicles for node n, nearest start
// first, capped at MaxCandidates. reason is set when none qualify.
func (p *Problem) candidates(n int) (out []int, reason string) {
	best := -1
	for vi := range p.Vehicles {
		st := p.stage(n, vi)
		if st == stageEligible {
			out = append(out, vi)
		}
		if st > best {
			best = st
		}
	}
	if len(out) == 0 {
		if best < 0 {
			return nil, model.ReasonNoAvailableTeam
		}
		return nil, stageReason[best]
	}
	dist := func(vi int) float64 {
		if s := p.startIndex(vi); s >= 0 {
			return p.DistM[s][n]
		}
		return 0
	}
	ranked := sortedIndices(len(out), func(a, b int) bool {
		da, db := dist(out[a]), dist(out[b])
		if da != db {
			return da < db
		}
		return p.Vehicles[out[a]].ID < p.Vehicles[out[b]].ID
	})
	limit := p.maxCandidates()
	res := make([]int, 0, limit)
	for _, r := range ranked {
		if len(res) == limit {
			break
		}
		res = append(res, out[r])
	}
	return res, ""
}

// Check lists every constraint that serving order with vehicle vi breaks.
// maxTimeMin and maxDistKm are caller overrides; zero disables them.
func Check(p *Problem, vi int, order []int, s Schedule, maxTimeMin, maxDistKm float64) []model.Violation {
	v := p.Vehicles[vi]
	out := []model.Violation{}
	if !v.Available {
		out = append(out, model.Violation{Code: model.ViolationUnavailable, Detail: fmt.Sprintf("team %s is not available for routing", v.ID)})
	}
	for _, n := range order {
		nd := p.Nodes[n]
		if p.Params.SkillsRequired() {
			if !containsAll(v.Skills, nd.Skills) {
				out = append(out, model.Violation{Code: model.ViolationSkill, TaskID: nd.ID})
			}
			if !containsAll(v.Equipment, nd.Equipment) {
				out = append(out, model.Violation{Code: model.ViolationEquipment, TaskID: nd.ID})
			}
		}
		if !geo.InAnyArea(v.Areas, nd.Point) {
			out = append(out, model.Violation{Code: model.ViolationArea, TaskID: nd.ID})
		}
	}
	if limit := p.maxStops(vi); limit > 0 && len(order) > limit {
		out = append(out, model.Violation{Code: model.ViolationDailyTasks, Detail: fmt.Sprintf("%d tasks, limit %d", len(order), limit)})
	}
	for _, st := range s.Stops {
		if st.Late {
			out = append(out, model.Violation{Code: model.ViolationTimeWindow, TaskID: p.Nodes[st.Node].ID})
		}
	}
	if maxTimeMin > 0 && s.WorkMin() > maxTimeMin+eps {
		out = append(out, model.Violation{Code: model.ViolationMaxTime, Detail: fmt.Sprintf("%.0f min, limit %.0f", s.WorkMin(), maxTimeMin)})
	}
	if maxDistKm > 0 && s.DistanceKm > maxDistKm+eps {
		out = append(out, model.Violation{Code: model.ViolationMaxDistance, Detail: fmt.Sprintf("%.1f km, limit %.1f", s.DistanceKm, maxDistKm)})
	}
	return out
}
