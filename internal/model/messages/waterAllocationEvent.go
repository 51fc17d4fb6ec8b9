package messages

import "time"

// WaterAllocationEvent is published once per farm after a successful allocation batch.
type WaterAllocationEvent struct {
	RequestID       string    `json:"request_id"`
	VillageID       string    `json:"village_id"`
	FarmID          string    `json:"farm_id"`
	Strategy        string    `json:"strategy"`
	DemandLiters    float64   `json:"demand_liters"`
	AllocatedLiters float64   `json:"allocated_liters"`
	DeficitLiters   float64   `json:"deficit_liters"`
	SharePercent    float64   `json:"share_percent"`
	Status          string    `json:"status"`     // "met" | "deficit"
	Efficiency      float64   `json:"efficiency"` // village efficiency score of the batch
	Timestamp       time.Time `json:"timestamp"`
}

// AllocationErrorEvent è la risposta MQTT quando un batch fallisce.
type AllocationErrorEvent struct {
	RequestID string    `json:"request_id,omitempty"`
	VillageID string    `json:"village_id"`
	Error     string    `json:"error"`
	Field     string    `json:"field,omitempty"`
	FarmID    string    `json:"farm_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
