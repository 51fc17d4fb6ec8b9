package messages

import (
	"time"
)

// SensorData is an aggregated soil moisture reading as stored by the persistence pipeline.
type SensorData struct {
	FieldID    string    `json:"field_id"`
	SensorID   string    `json:"sensor_id"`
	Moisture   float64   `json:"moisture"` // %
	Aggregated bool      `json:"aggregated"`
	Timestamp  time.Time `json:"timestamp"`
}
