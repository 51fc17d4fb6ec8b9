package allocation

import (
	"math"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
)

// buildReport derives shares, statuses and the efficiency score.
// Rounding happens here and only here.
func buildReport(farms []farmDemand, out outcome, totalAvailable float64) *entities.OptimizeResponse {
	resp := &entities.OptimizeResponse{
		Allocations:   make([]entities.AllocationItem, 0, len(farms)),
		PerFarmReport: make([]entities.PerFarmReportItem, 0, len(farms)),
	}

	for i, f := range farms {
		a := out.Allocated[i]
		share := 0.0
		if out.TotalAllocated > 0 {
			share = a / out.TotalAllocated * 100
		}
		status := entities.StatusMet
		if a < f.Demand {
			status = entities.StatusDeficit
		}

		resp.Allocations = append(resp.Allocations, entities.AllocationItem{
			FarmID:          f.FarmID,
			AllocatedLiters: round2(a),
			SharePercent:    round2(share),
		})
		resp.PerFarmReport = append(resp.PerFarmReport, entities.PerFarmReportItem{
			FarmID:          f.FarmID,
			AllocatedLiters: round2(a),
			DemandLiters:    round2(f.Demand),
			DeficitLiters:   round2(math.Max(0, f.Demand-a)),
			ExcessLiters:    round2(math.Max(0, a-f.Demand)),
			Status:          status,
		})
	}

	resp.VillageEfficiencyScore = round2(efficiency(out.TotalAllocated, totalAvailable))
	resp.TotalDemandLiters = round2(out.TotalDemand)
	resp.TotalAllocatedLiters = round2(out.TotalAllocated)
	return resp
}

// efficiency is reservoir utilization in percent, not a fairness measure.
func efficiency(totalAllocated, totalAvailable float64) float64 {
	if totalAvailable <= 0 {
		return 0
	}
	return totalAllocated / totalAvailable * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
