package entities

// FarmStatus tells whether a farm's demand was fully covered.
type FarmStatus string

const (
	StatusMet     FarmStatus = "met"
	StatusDeficit FarmStatus = "deficit"
)

// AllocationItem is the headline share granted to a farm.
type AllocationItem struct {
	FarmID          string  `json:"farm_id"`
	AllocatedLiters float64 `json:"allocated_liters"`
	SharePercent    float64 `json:"share_percent"` // of total allocated, not of total available
}

// PerFarmReportItem is the audit line for a farm.
type PerFarmReportItem struct {
	FarmID          string     `json:"farm_id"`
	AllocatedLiters float64    `json:"allocated_liters"`
	DemandLiters    float64    `json:"demand_liters"`
	DeficitLiters   float64    `json:"deficit_liters"`
	ExcessLiters    float64    `json:"excess_liters"`
	Status          FarmStatus `json:"status"`
}

// OptimizeResponse is the outcome of one allocation batch. All liter and
// percentage values are rounded to 2 decimals.
type OptimizeResponse struct {
	RequestID              string              `json:"request_id,omitempty"`
	Allocations            []AllocationItem    `json:"allocations"`
	PerFarmReport          []PerFarmReportItem `json:"per_farm_report"`
	VillageEfficiencyScore float64             `json:"village_efficiency_score"`
	TotalDemandLiters      float64             `json:"total_demand_liters"`
	TotalAllocatedLiters   float64             `json:"total_allocated_liters"`
}
