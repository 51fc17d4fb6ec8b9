package soilmoisture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/village_water/internal/model/messages"
)

// Configurazione Influx
type InfluxConfig struct {
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	Measurement  string        // es. "soil_moisture"
	Window       time.Duration // quanto indietro cercare l'ultima lettura
	Timeout      time.Duration
	Logger       *zap.Logger
}

// InfluxSource reads the latest aggregated moisture reading of a sensor.
type InfluxSource struct {
	client      influxdb2.Client
	query       api.QueryAPI
	bucket      string
	measurement string
	window      time.Duration
	timeout     time.Duration
	log         *zap.Logger
}

func NewInfluxSource(cfg InfluxConfig) (*InfluxSource, error) {
	if cfg.InfluxURL == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("influx config incomplete")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "soil_moisture"
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	return &InfluxSource{
		client:      client,
		query:       client.QueryAPI(cfg.InfluxOrg),
		bucket:      cfg.InfluxBucket,
		measurement: cfg.Measurement,
		window:      cfg.Window,
		timeout:     cfg.Timeout,
		log:         cfg.Logger.With(zap.String("source", "influx")),
	}, nil
}

// Close releases the underlying client.
func (s *InfluxSource) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

// LatestMoisture returns the most recent moisture percentage for sensorID.
// found is false when the window holds no reading for that sensor.
func (s *InfluxSource) LatestMoisture(ctx context.Context, sensorID string) (float64, bool, error) {
	sensorID = strings.TrimSpace(sensorID)
	if sensorID == "" {
		return 0, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.query.Query(ctx, buildFlux(s.bucket, s.measurement, sensorID, s.window))
	if err != nil {
		return 0, false, fmt.Errorf("influx query: %w", err)
	}
	defer func() { _ = res.Close() }()

	var (
		latest messages.SensorData
		found  bool
	)
	for res.Next() {
		rec := res.Record()
		v, ok := toF64(rec.Value())
		if !ok {
			continue
		}
		if !found || rec.Time().After(latest.Timestamp) {
			latest = messages.SensorData{SensorID: sensorID, Moisture: v, Aggregated: true, Timestamp: rec.Time()}
			if f, ok := rec.ValueByKey("field_id").(string); ok {
				latest.FieldID = f
			}
			found = true
		}
	}
	if err := res.Err(); err != nil {
		return 0, false, fmt.Errorf("influx iter: %w", err)
	}
	if !found {
		return 0, false, nil
	}
	s.log.Debug("latest moisture",
		zap.String("sensor_id", sensorID),
		zap.String("field_id", latest.FieldID),
		zap.Float64("moisture", latest.Moisture),
		zap.Time("at", latest.Timestamp))
	return clampPct(latest.Moisture), true, nil
}

func buildFlux(bucket, measurement, sensorID string, window time.Duration) string {
	minutes := int(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.sensor_id == %q)
  |> filter(fn: (r) => r._field == "moisture")
  |> keep(columns: ["_time","_value","sensor_id","field_id"])
  |> last()
`, bucket, minutes, measurement, sensorID)
}

// helper per convertire interi/float/string -> float64
// toF64 converts a field value; NaN and ±Inf are not usable readings.
func toF64(v any) (float64, bool) {
	f, ok := anyToF64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func anyToF64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", "."), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
