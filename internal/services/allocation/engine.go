package allocation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
	"github.com/LeonardoBeccarini/village_water/internal/services/cropwater"
)

const (
	DefaultLookupConcurrency = 4
	DefaultVillageID         = "default"
)

// CropWaterPredictor returns the crop water requirement in mm/day.
type CropWaterPredictor interface {
	PredictMMPerDay(ctx context.Context, q cropwater.Query) (float64, error)
}

// MoistureSource restituisce l'ultima umidità osservata (%) per un sensore.
type MoistureSource interface {
	LatestMoisture(ctx context.Context, sensorID string) (pct float64, found bool, err error)
}

// EventPublisher receives every successful batch.
type EventPublisher interface {
	PublishAllocation(villageID string, strategy Strategy, resp *entities.OptimizeResponse) error
}

// Config is injected into NewEngine; there is no process-wide state.
type Config struct {
	CropWater         cropwater.Config
	Strategy          Strategy
	LookupConcurrency int // 1 = sequential fail-fast

	Logger *zap.Logger
}

// Engine computes village allocations. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	cfg       Config
	predictor CropWaterPredictor
	moisture  MoistureSource
	events    EventPublisher
	metrics   *Metrics
	log       *zap.Logger
}

type Option func(*Engine)

// WithPredictor replaces the HTTP crop water client built from Config.
func WithPredictor(p CropWaterPredictor) Option { return func(e *Engine) { e.predictor = p } }

func WithMoistureSource(s MoistureSource) Option { return func(e *Engine) { e.moisture = s } }

func WithEventPublisher(p EventPublisher) Option { return func(e *Engine) { e.events = p } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LookupConcurrency < 1 {
		cfg.LookupConcurrency = DefaultLookupConcurrency
	}
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strategy

	e := &Engine{cfg: cfg, log: cfg.Logger}
	for _, o := range opts {
		o(e)
	}
	if e.predictor == nil {
		if strings.TrimSpace(cfg.CropWater.BaseURL) == "" {
			return nil, errors.New("crop water API url is required")
		}
		if cfg.CropWater.Logger == nil {
			cfg.CropWater.Logger = cfg.Logger
		}
		e.predictor = cropwater.NewClient(cfg.CropWater)
	}
	return e, nil
}

// Strategy returns the configured allocation strategy.
func (e *Engine) Strategy() Strategy { return e.cfg.Strategy }

// BreakerState reports the crop water circuit breaker state, "" when the
// predictor has none.
func (e *Engine) BreakerState() string {
	if b, ok := e.predictor.(interface{ BreakerState() string }); ok {
		return b.BreakerState()
	}
	return ""
}

type ctxKey struct{}

// WithRequestID attaches a caller-chosen request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Optimize runs one allocation batch. On error no partial result is returned;
// the error is one of *ValidationError, *InvalidFarmError, *LookupFailureError,
// ErrZeroDemand, or a context error.
func (e *Engine) Optimize(ctx context.Context, req *entities.OptimizeRequest) (*entities.OptimizeResponse, error) {
	start := time.Now()
	id := requestID(ctx)
	log := e.log.With(zap.String("request_id", id))

	resp, err := e.optimize(ctx, req, log)
	outcome := Classify(err)

	var farms int
	if req != nil {
		farms = len(req.Farms)
	}
	var eff float64
	if resp != nil {
		eff = resp.VillageEfficiencyScore
	}
	e.metrics.observeBatch(outcome, farms, time.Since(start), eff)

	if err != nil {
		log.Warn("allocation failed", zap.String("outcome", outcome), zap.Int("farms", farms), zap.Error(err))
		return nil, err
	}
	resp.RequestID = id

	log.Info("allocation done",
		zap.String("strategy", string(e.cfg.Strategy)),
		zap.Int("farms", farms),
		zap.Float64("available_l", req.TotalAvailableWaterLiters),
		zap.Float64("demand_l", resp.TotalDemandLiters),
		zap.Float64("allocated_l", resp.TotalAllocatedLiters),
		zap.Float64("efficiency", resp.VillageEfficiencyScore),
		zap.Duration("took", time.Since(start)))

	if e.events != nil {
		village := strings.TrimSpace(req.VillageID)
		if village == "" {
			village = DefaultVillageID
		}
		if perr := e.events.PublishAllocation(village, e.cfg.Strategy, resp); perr != nil {
			log.Warn("publish allocation events", zap.Error(perr))
		}
	}
	return resp, nil
}

func (e *Engine) optimize(ctx context.Context, req *entities.OptimizeRequest, log *zap.Logger) (*entities.OptimizeResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// aree prima di qualsiasi chiamata esterna
	areas := make([]float64, len(req.Farms))
	for i := range req.Farms {
		a, err := areaHectares(&req.Farms[i])
		if err != nil {
			return nil, err
		}
		areas[i] = a
	}

	demands, err := e.resolveDemands(ctx, req.Farms, areas, log)
	if err != nil {
		return nil, err
	}

	out, err := allocate(req.TotalAvailableWaterLiters, demands, e.cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return buildReport(demands, out, req.TotalAvailableWaterLiters), nil
}

// resolveDemands fans out per-farm lookups. The first lookup failure cancels
// the ones still in flight and fails the batch.
func (e *Engine) resolveDemands(ctx context.Context, farms []entities.FarmRequest, areas []float64, log *zap.Logger) ([]farmDemand, error) {
	demands := make([]farmDemand, len(farms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.LookupConcurrency)

	for i := range farms {
		f := &farms[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mm, err := e.requirement(gctx, f)
			if err != nil {
				if gctx.Err() == nil {
					log.Warn("crop water lookup failed", zap.String("farm_id", f.FarmID), zap.Error(err))
				}
				return &LookupFailureError{FarmID: f.FarmID, Err: err}
			}
			moisture := e.soilMoisture(gctx, f, log)
			demands[i] = farmDemand{
				FarmID: f.FarmID,
				AreaHa: areas[i],
				Demand: demandLiters(areas[i], mm, moisture),
				Weight: PriorityWeight(f.Priority()),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// cancellazione del chiamante: non è colpa di una fattoria
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("resolve demands: %w", cerr)
		}
		var le *LookupFailureError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve demands: %w", err)
	}
	return demands, nil
}

func (e *Engine) requirement(ctx context.Context, f *entities.FarmRequest) (float64, error) {
	if f.CropWaterMMPerDay != nil {
		return *f.CropWaterMMPerDay, nil
	}
	start := time.Now()
	mm, err := e.predictor.PredictMMPerDay(ctx, cropwater.Query{
		CropType:         f.CropType,
		SoilType:         f.SoilType,
		Region:           f.Region,
		Temperature:      f.Temperature,
		WeatherCondition: f.WeatherCondition,
	})
	e.metrics.observeLookup(err, time.Since(start))
	return mm, err
}

// soilMoisture: valore esplicito, poi sensore (se configurato), poi default 30%.
func (e *Engine) soilMoisture(ctx context.Context, f *entities.FarmRequest, log *zap.Logger) float64 {
	if f.SoilMoisturePct != nil {
		return *f.SoilMoisturePct
	}
	if e.moisture != nil && strings.TrimSpace(f.SensorID) != "" {
		v, found, err := e.moisture.LatestMoisture(ctx, f.SensorID)
		switch {
		case err != nil:
			log.Warn("soil moisture lookup failed, using default",
				zap.String("farm_id", f.FarmID), zap.String("sensor_id", f.SensorID), zap.Error(err))
		case found:
			return v
		default:
			log.Debug("no recent soil moisture reading, using default",
				zap.String("farm_id", f.FarmID), zap.String("sensor_id", f.SensorID))
		}
	}
	return DefaultSoilMoisturePct
}

func validate(req *entities.OptimizeRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "missing body"}
	}
	if !finite(req.TotalAvailableWaterLiters) || req.TotalAvailableWaterLiters <= 0 {
		return &ValidationError{Field: "total_available_water_liters", Reason: "must be a number > 0"}
	}
	if len(req.Farms) == 0 {
		return &ValidationError{Field: "farms", Reason: "at least one farm is required"}
	}
	if !topicSafe(req.VillageID) {
		return &ValidationError{Field: "village_id", Reason: "must not contain '/', '+' or '#'"}
	}
	for i := range req.Farms {
		f := &req.Farms[i]
		field := func(name string) string { return fmt.Sprintf("farms[%d].%s", i, name) }

		if strings.TrimSpace(f.FarmID) == "" {
			return &ValidationError{Field: field("farm_id"), Reason: "required"}
		}
		if !topicSafe(f.FarmID) {
			return &ValidationError{Field: field("farm_id"), FarmID: f.FarmID, Reason: "must not contain '/', '+' or '#'"}
		}
		if f.AreaHa != nil && !finite(*f.AreaHa) {
			return &ValidationError{Field: field("area_ha"), FarmID: f.FarmID, Reason: "must be finite"}
		}
		if f.AreaAcre != nil && !finite(*f.AreaAcre) {
			return &ValidationError{Field: field("area_acre"), FarmID: f.FarmID, Reason: "must be finite"}
		}
		if p := f.Priority(); !finite(p) || p < 1 || p > 3 {
			return &ValidationError{Field: field("priority_score"), FarmID: f.FarmID, Reason: "must be between 1 and 3"}
		}
		if v := f.CropWaterMMPerDay; v != nil && (!finite(*v) || *v < 0) {
			return &ValidationError{Field: field("crop_water_requirement_mm_per_day"), FarmID: f.FarmID, Reason: "must be >= 0"}
		}
		if v := f.SoilMoisturePct; v != nil && (!finite(*v) || *v < 0 || *v > 100) {
			return &ValidationError{Field: field("predicted_soil_moisture_pct"), FarmID: f.FarmID, Reason: "must be between 0 and 100"}
		}
		// senza fabbisogno esplicito serve la query completa al modello
		if f.CropWaterMMPerDay == nil {
			for _, q := range []struct{ name, v string }{
				{"crop_type", f.CropType},
				{"soil_type", f.SoilType},
				{"region", f.Region},
				{"temperature", f.Temperature},
				{"weather_condition", f.WeatherCondition},
			} {
				if strings.TrimSpace(q.v) == "" {
					return &ValidationError{Field: field(q.name), FarmID: f.FarmID, Reason: "required when crop_water_requirement_mm_per_day is absent"}
				}
			}
		}
	}
	return nil
}

// topicSafe reports whether id can be used as a single MQTT topic level.
func topicSafe(id string) bool {
	return !strings.ContainsAny(id, "/+#")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
