package opt

import "fieldroute/internal/model"

// Score rates a scheduled route from 0 to 100. It falls as travel, wait,
// weather delay, distance or violations grow.
func Score(params model.OptimizationParameters, s Schedule, weatherDelayMin float64, violations int) float64 {
	stops := len(s.Stops)
	if stops == 0 {
		return 0
	}
	p := Problem{Params: params}
	wT, wD := p.weights()
	timeEff := 1.0
	if denom := s.ServiceMin + s.TravelMin + s.WaitMin + weatherDelayMin; denom > 0 {
		timeEff = s.ServiceMin / denom
	}
	ref := 5.0 * float64(stops)
	distEff := ref / (ref + s.DistanceKm)
	compliance := 1 - float64(violations)/float64(stops)
	if compliance < 0 {
		compliance = 0
	}
	return round2(100 * (wT*timeEff + wD*distEff) / (wT + wD) * compliance)
}

// FuelLiters converts distance to litres for a consumption in l/100km.
func FuelLiters(distanceKm, lPer100Km float64) float64 {
	if lPer100Km <= 0 {
		return 0
	}
	return round2(distanceKm * lPer100Km / 100)
}
