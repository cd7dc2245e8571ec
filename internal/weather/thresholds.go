package weather

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity levels, in increasing order.
const (
	SeverityNone     = "none"
	SeverityLow      = "low"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
	SeveritySevere   = "severe"
)

var severityRank = map[string]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityModerate: 2,
	SeverityHigh:     3,
	SeveritySevere:   4,
}

// SeverityRank orders severities; unknown labels rank below none.
func SeverityRank(s string) int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// maxSeverity returns the worse of a and b.
func maxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Alert types.
const (
	TypeRain  = "rain"
	TypeSnow  = "snow"
	TypeWind  = "wind"
	TypeHeat  = "heat"
	TypeCold  = "cold"
	TypeStorm = "storm"
)

func ValidType(t string) bool {
	switch t {
	case TypeRain, TypeSnow, TypeWind, TypeHeat, TypeCold, TypeStorm:
		return true
	}
	return false
}

// Level holds the lower bounds of each severity for one measurement. A
// zero bound disables that level.
type Level struct {
	Low      float64 `yaml:"low"`
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Severe   float64 `yaml:"severe"`
}

func (l Level) classify(v float64) string {
	switch {
	case l.Severe > 0 && v >= l.Severe:
		return SeveritySevere
	case l.High > 0 && v >= l.High:
		return SeverityHigh
	case l.Moderate > 0 && v >= l.Moderate:
		return SeverityModerate
	case l.Low > 0 && v >= l.Low:
		return SeverityLow
	}
	return SeverityNone
}

// Thresholds configure the classifier.
type Thresholds struct {
	RainMM  Level `yaml:"rainMm"`
	SnowCM  Level `yaml:"snowCm"`
	WindKph Level `yaml:"windKph"`
	// HeatC and ColdC are temperatures past which work is slowed.
	HeatC Level `yaml:"heatC"`
	// ColdC bounds are degrees below zero, e.g. 10 means -10C.
	ColdC Level `yaml:"coldBelowZeroC"`
	// DelayMin is the per-stop delay for each severity.
	DelayMin map[string]int `yaml:"delayMin"`
}

// DefaultThresholds are used when no file is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RainMM:  Level{Low: 2, Moderate: 10, High: 25, Severe: 50},
		SnowCM:  Level{Low: 0.5, Moderate: 2, High: 5, Severe: 15},
		WindKph: Level{Low: 30, Moderate: 45, High: 65, Severe: 90},
		HeatC:   Level{Moderate: 35, High: 40},
		ColdC:   Level{Low: 5, Moderate: 10, High: 20},
		DelayMin: map[string]int{
			SeverityNone:     0,
			SeverityLow:      5,
			SeverityModerate: 10,
			SeverityHigh:     20,
			SeveritySevere:   30,
		},
	}
}

// LoadThresholds reads a YAML file over the defaults. An empty path
// returns the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read thresholds: %w", err)
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("parse thresholds: %w", err)
	}
	for sev, d := range DefaultThresholds().DelayMin {
		if _, ok := t.DelayMin[sev]; !ok {
			t.DelayMin[sev] = d
		}
	}
	return t, nil
}
