package entities

// HectaresPerAcre converts acres to hectares.
const HectaresPerAcre = 0.4047

// FarmRequest is one participant of a village allocation batch.
// Optional numbers are pointers so that "absent" and "zero" stay distinct.
type FarmRequest struct {
	FarmID           string   `json:"farm_id" yaml:"farm_id"`
	AreaHa           *float64 `json:"area_ha,omitempty" yaml:"area_ha,omitempty"`     // hectares
	AreaAcre         *float64 `json:"area_acre,omitempty" yaml:"area_acre,omitempty"` // used only if area_ha is not > 0
	CropType         string   `json:"crop_type" yaml:"crop_type"`                     // e.g. "MAIZE", "RICE"
	SoilType         string   `json:"soil_type" yaml:"soil_type"`                     // DRY | WET | HUMID
	Region           string   `json:"region" yaml:"region"`                           // agro-climatic zone or legacy climate name
	Temperature      string   `json:"temperature" yaml:"temperature"`                 // band, e.g. "20-30"
	WeatherCondition string   `json:"weather_condition" yaml:"weather_condition"`     // NORMAL | SUNNY | WINDY | RAINY
	PriorityScore    *float64 `json:"priority_score,omitempty" yaml:"priority_score,omitempty"`

	// se presente, niente chiamata al modello crop-water
	CropWaterMMPerDay *float64 `json:"crop_water_requirement_mm_per_day,omitempty" yaml:"crop_water_requirement_mm_per_day,omitempty"`
	SoilMoisturePct   *float64 `json:"predicted_soil_moisture_pct,omitempty" yaml:"predicted_soil_moisture_pct,omitempty"`

	// SensorID links the farm to a field moisture sensor whose latest
	// aggregated reading is used when SoilMoisturePct is absent.
	SensorID string `json:"sensor_id,omitempty" yaml:"sensor_id,omitempty"`
}

// Priority returns the stated priority score, defaulting to 1 (low).
func (f *FarmRequest) Priority() float64 {
	if f.PriorityScore == nil {
		return 1
	}
	return *f.PriorityScore
}

// OptimizeRequest is the inbound allocation batch for one planning cycle.
type OptimizeRequest struct {
	VillageID                 string        `json:"village_id,omitempty" yaml:"village_id,omitempty"`
	TotalAvailableWaterLiters float64       `json:"total_available_water_liters" yaml:"total_available_water_liters"`
	Farms                     []FarmRequest `json:"farms" yaml:"farms"`
}
