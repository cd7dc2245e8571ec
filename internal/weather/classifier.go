package weather

import (
	"fmt"
	"sort"
)

// Hazard is one weather factor that affects work.
type Hazard struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"`
	Value    float64 `json:"value"`
}

// Impact is the classified effect of a forecast on field work.
type Impact struct {
	Date       string   `json:"date"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Severity   string   `json:"severity"`
	DelayMin   int      `json:"delayMinutesPerStop"`
	Conditions string   `json:"conditions"`
	Hazards    []Hazard `json:"hazards"`
	Safety     []string `json:"safetyRecommendations"`
	Forecast   Forecast `json:"forecast"`
}

// Types lists the hazard types present.
func (i Impact) Types() []string {
	out := make([]string, 0, len(i.Hazards))
	for _, h := range i.Hazards {
		out = append(out, h.Type)
	}
	return out
}

type Classifier struct {
	T Thresholds
}

func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{T: t}
}

// Classify turns a forecast into an impact. The overall severity is the
// worst hazard; the delay follows from it.
func (c *Classifier) Classify(f Forecast) Impact {
	imp := Impact{
		Date:       f.Date,
		Lat:        f.Lat,
		Lng:        f.Lng,
		Severity:   SeverityNone,
		Conditions: f.Conditions,
		Hazards:    []Hazard{},
		Safety:     []string{},
		Forecast:   f,
	}
	add := func(typ, sev string, v float64) {
		if sev == SeverityNone {
			return
		}
		imp.Hazards = append(imp.Hazards, Hazard{Type: typ, Severity: sev, Value: v})
		imp.Severity = maxSeverity(imp.Severity, sev)
	}

	add(TypeRain, c.T.RainMM.classify(f.PrecipitationMM), f.PrecipitationMM)
	add(TypeSnow, c.T.SnowCM.classify(f.SnowfallCM), f.SnowfallCM)
	add(TypeWind, c.T.WindKph.classify(f.WindKph), f.WindKph)
	add(TypeHeat, c.T.HeatC.classify(f.TempMaxC), f.TempMaxC)
	if f.TempMinC < 0 {
		add(TypeCold, c.T.ColdC.classify(-f.TempMinC), f.TempMinC)
	}
	if f.Code >= 95 {
		sev := SeverityHigh
		if f.Code >= 96 {
			sev = SeveritySevere
		}
		add(TypeStorm, sev, float64(f.Code))
	}

	sort.SliceStable(imp.Hazards, func(i, j int) bool {
		ri, rj := SeverityRank(imp.Hazards[i].Severity), SeverityRank(imp.Hazards[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return imp.Hazards[i].Type < imp.Hazards[j].Type
	})
	imp.DelayMin = c.T.DelayMin[imp.Severity]
	imp.Safety = safetyAdvice(imp.Hazards)
	return imp
}

func safetyAdvice(hs []Hazard) []string {
	out := []string{}
	for _, h := range hs {
		if SeverityRank(h.Severity) < SeverityRank(SeverityModerate) {
			continue
		}
		switch h.Type {
		case TypeRain:
			out = append(out, "expect slippery roads; allow extra braking distance")
		case TypeSnow:
			out = append(out, "carry chains and check vehicle winter readiness")
		case TypeWind:
			out = append(out, "avoid roof and ladder work in high wind")
		case TypeHeat:
			out = append(out, "schedule outdoor work early; carry water")
		case TypeCold:
			out = append(out, "protect exposed skin; check batteries and fluids")
		case TypeStorm:
			out = append(out, "suspend outdoor work during lightning")
		}
	}
	return out
}

// Message renders a one-line alert text for a hazard.
func (h Hazard) Message(date string) string {
	return fmt.Sprintf("%s %s expected on %s (%.1f)", h.Severity, h.Type, date, h.Value)
}
