package allocation

import (
	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
)

const (
	// 1 mm of depth over 1 ha = 10,000 L
	LitersPerMMHectare = 10_000

	DefaultSoilMoisturePct = 30.0
	minMoistureFactor      = 0.1
)

// farmDemand is the resolved view of one farm used by the algorithm.
type farmDemand struct {
	FarmID string
	AreaHa float64
	Demand float64 // L/day
	Weight float64
}

// areaHectares resolves the farm area, preferring hectares over acres.
func areaHectares(f *entities.FarmRequest) (float64, error) {
	if f.AreaHa != nil && *f.AreaHa > 0 {
		return *f.AreaHa, nil
	}
	if f.AreaAcre != nil && *f.AreaAcre > 0 {
		return *f.AreaAcre * entities.HectaresPerAcre, nil
	}
	return 0, &InvalidFarmError{FarmID: f.FarmID, Reason: "provide area_ha or area_acre"}
}

// demandLiters turns a crop requirement into liters/day, reduced by soil moisture.
// Il fattore non scende sotto 0.1: anche un suolo saturo ha una domanda minima.
func demandLiters(areaHa, mmPerDay, moisturePct float64) float64 {
	raw := areaHa * LitersPerMMHectare * mmPerDay
	factor := 1 - moisturePct/100
	if factor < minMoistureFactor {
		factor = minMoistureFactor
	}
	return raw * factor
}

// PriorityWeight maps a priority score in [1,3] to its step weight.
// Thresholds are inclusive on the upper side: 2.0 weighs 1.2, 2.01 weighs 1.5.
func PriorityWeight(score float64) float64 {
	switch {
	case score <= 1:
		return 1.0
	case score <= 2:
		return 1.2
	default:
		return 1.5
	}
}
