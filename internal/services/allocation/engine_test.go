package allocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
	"github.com/LeonardoBeccarini/village_water/internal/services/cropwater"
)

// fakePredictor answers by crop type. Crops listed in fail return an error,
// crops listed in block wait for ctx cancellation.
type fakePredictor struct {
	mm    map[string]float64
	fail  map[string]bool
	block map[string]bool
	delay time.Duration
	state string

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *fakePredictor) PredictMMPerDay(ctx context.Context, q cropwater.Query) (float64, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	if p.block[q.CropType] {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if p.fail[q.CropType] {
		return 0, errors.New("crop water API 503: model not loaded")
	}
	return p.mm[q.CropType], nil
}

func (p *fakePredictor) BreakerState() string { return p.state }

type fakeMoisture struct {
	values map[string]float64
	err    error
}

func (m *fakeMoisture) LatestMoisture(_ context.Context, sensorID string) (float64, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	v, ok := m.values[sensorID]
	return v, ok, nil
}

type recordedBatch struct {
	village  string
	strategy Strategy
	resp     *entities.OptimizeResponse
}

type fakeEvents struct {
	mu      sync.Mutex
	batches []recordedBatch
	err     error
}

func (f *fakeEvents) PublishAllocation(villageID string, strategy Strategy, resp *entities.OptimizeResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, recordedBatch{villageID, strategy, resp})
	return f.err
}

func newTestEngine(t *testing.T, p CropWaterPredictor, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(Config{LookupConcurrency: 4}, append([]Option{WithPredictor(p)}, opts...)...)
	require.NoError(t, err)
	return e
}

func TestOptimize_EndToEnd(t *testing.T) {
	p := &fakePredictor{mm: map[string]float64{"RICE": 5}}
	e := newTestEngine(t, p)

	resp, err := e.Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 50_000,
		Farms: []entities.FarmRequest{
			{FarmID: "paddy", AreaHa: ptr(1), CropType: "RICE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL", PriorityScore: ptr(3)},
			{FarmID: "orchard", AreaAcre: ptr(10), CropWaterMMPerDay: ptr(2), SoilMoisturePct: ptr(50)},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load(), "explicit requirement skips the lookup")
	assert.NotEmpty(t, resp.RequestID)
	// 1 ha * 10000 * 5 mm * 0.7 + 4.047 ha * 10000 * 2 mm * 0.5
	assert.InDelta(t, 35_000+40_470, resp.TotalDemandLiters, 0.01)
	assert.InDelta(t, 50_000, resp.TotalAllocatedLiters, 0.01)
	assert.Equal(t, 100.0, resp.VillageEfficiencyScore)
	require.Len(t, resp.Allocations, 2)
	assert.Equal(t, "paddy", resp.Allocations[0].FarmID)
	assert.Equal(t, "orchard", resp.Allocations[1].FarmID)
	assert.Greater(t, resp.Allocations[0].SharePercent, resp.Allocations[1].SharePercent)
}

// mixedPriorityFarms weigh 1.2, 1.5 and 1.0.
func mixedPriorityFarms() []entities.FarmRequest {
	return []entities.FarmRequest{
		{FarmID: "a", AreaHa: ptr(1.3), CropWaterMMPerDay: ptr(4.4), PriorityScore: ptr(1.7)},
		{FarmID: "b", AreaHa: ptr(0.25), CropWaterMMPerDay: ptr(7.1), PriorityScore: ptr(2.9)},
		{FarmID: "c", AreaAcre: ptr(3), CropWaterMMPerDay: ptr(3.3)},
	}
}

func TestOptimize_AbundanceWaterFilling(t *testing.T) {
	e, err := NewEngine(Config{Strategy: StrategyWaterFilling}, WithPredictor(&fakePredictor{}))
	require.NoError(t, err)
	resp, err := e.Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1e7,
		Farms:                     mixedPriorityFarms(),
	})
	require.NoError(t, err)
	for _, r := range resp.PerFarmReport {
		assert.InDelta(t, r.DemandLiters, r.AllocatedLiters, 0.01, r.FarmID)
		assert.Equal(t, entities.StatusMet, r.Status, r.FarmID)
	}
	assert.InDelta(t, resp.TotalDemandLiters, resp.TotalAllocatedLiters, 0.01)
}

func TestOptimize_AbundanceProportionalEqualWeights(t *testing.T) {
	farms := mixedPriorityFarms()
	for i := range farms {
		farms[i].PriorityScore = ptr(2)
	}
	resp, err := newTestEngine(t, &fakePredictor{}).Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1e7,
		Farms:                     farms,
	})
	require.NoError(t, err)
	for _, r := range resp.PerFarmReport {
		assert.InDelta(t, r.DemandLiters, r.AllocatedLiters, 0.01, r.FarmID)
	}
}

// Il single pass non ridistribuisce: con pesi diversi il peso più basso resta a secco
// anche se l'acqua basta per tutti.
func TestOptimize_AbundanceProportionalMixedWeightsShortfall(t *testing.T) {
	resp, err := newTestEngine(t, &fakePredictor{}).Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1e7,
		Farms:                     mixedPriorityFarms(),
	})
	require.NoError(t, err)
	require.Len(t, resp.PerFarmReport, 3)

	a, b, c := resp.PerFarmReport[0], resp.PerFarmReport[1], resp.PerFarmReport[2]
	assert.InDelta(t, a.DemandLiters, a.AllocatedLiters, 0.01)
	assert.InDelta(t, b.DemandLiters, b.AllocatedLiters, 0.01)
	assert.Equal(t, entities.StatusDeficit, c.Status)
	assert.Greater(t, c.DeficitLiters, 1000.0)
	assert.Less(t, resp.TotalAllocatedLiters, resp.TotalDemandLiters)
}

func TestOptimize_RequestIDFromContext(t *testing.T) {
	e := newTestEngine(t, &fakePredictor{})
	ctx := WithRequestID(context.Background(), "req-42")
	resp, err := e.Optimize(ctx, &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 10,
		Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(1), CropWaterMMPerDay: ptr(1)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestOptimize_Validation(t *testing.T) {
	farm := entities.FarmRequest{FarmID: "f1", AreaHa: ptr(1), CropWaterMMPerDay: ptr(1)}
	tests := []struct {
		name  string
		req   *entities.OptimizeRequest
		field string
	}{
		{"nil request", nil, "request"},
		{"zero total", &entities.OptimizeRequest{Farms: []entities.FarmRequest{farm}}, "total_available_water_liters"},
		{"negative total", &entities.OptimizeRequest{TotalAvailableWaterLiters: -5, Farms: []entities.FarmRequest{farm}}, "total_available_water_liters"},
		{"empty farms", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100}, "farms"},
		{"missing farm id", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: " ", AreaHa: ptr(1)}}}, "farms[0].farm_id"},
		{"priority too high", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{farm, {FarmID: "f2", AreaHa: ptr(1), PriorityScore: ptr(4)}}}, "farms[1].priority_score"},
		{"priority too low", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f2", AreaHa: ptr(1), PriorityScore: ptr(0.5)}}}, "farms[0].priority_score"},
		{"moisture above 100", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f2", AreaHa: ptr(1), SoilMoisturePct: ptr(101)}}}, "farms[0].predicted_soil_moisture_pct"},
		{"negative requirement", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f2", AreaHa: ptr(1), CropWaterMMPerDay: ptr(-1)}}}, "farms[0].crop_water_requirement_mm_per_day"},
		{"lookup without soil type", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{farm, {FarmID: "f2", AreaHa: ptr(1), CropType: "RICE", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"}}}, "farms[1].soil_type"},
		{"lookup without crop type", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f2", AreaHa: ptr(1)}}}, "farms[0].crop_type"},
		{"blank weather condition", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f2", AreaHa: ptr(1), CropType: "RICE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "  "}}}, "farms[0].weather_condition"},
		{"farm id with topic separator", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f1/result", AreaHa: ptr(1), CropWaterMMPerDay: ptr(1)}}}, "farms[0].farm_id"},
		{"farm id with wildcard", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100,
			Farms: []entities.FarmRequest{{FarmID: "f#", AreaHa: ptr(1), CropWaterMMPerDay: ptr(1)}}}, "farms[0].farm_id"},
		{"village id with topic separator", &entities.OptimizeRequest{TotalAvailableWaterLiters: 100, VillageID: "valle/x",
			Farms: []entities.FarmRequest{farm}}, "village_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{}
			resp, err := newTestEngine(t, p).Optimize(context.Background(), tt.req)
			assert.Nil(t, resp)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, OutcomeInvalidRequest, Classify(err))
			assert.Zero(t, p.calls.Load())
		})
	}
}

func TestOptimize_InvalidFarmBeforeAnyLookup(t *testing.T) {
	p := &fakePredictor{mm: map[string]float64{"MAIZE": 4}}
	_, err := newTestEngine(t, p).Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1000,
		Farms: []entities.FarmRequest{
			{FarmID: "ok", AreaHa: ptr(1), CropType: "MAIZE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
			{FarmID: "no-area", CropType: "MAIZE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
		},
	})
	var fe *InvalidFarmError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "no-area", fe.FarmID)
	assert.Zero(t, p.calls.Load())
}

func TestOptimize_LookupFailureFailsBatch(t *testing.T) {
	p := &fakePredictor{mm: map[string]float64{"MAIZE": 4}, fail: map[string]bool{"COTTON": true}}
	events := &fakeEvents{}
	resp, err := newTestEngine(t, p, WithEventPublisher(events)).Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1000,
		Farms: []entities.FarmRequest{
			{FarmID: "f1", AreaHa: ptr(1), CropType: "MAIZE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
			{FarmID: "f2", AreaHa: ptr(1), CropType: "COTTON", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
		},
	})
	assert.Nil(t, resp)
	var le *LookupFailureError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "f2", le.FarmID)
	assert.Contains(t, err.Error(), "model not loaded")
	assert.Equal(t, OutcomeLookupFailure, Classify(err))
	assert.Empty(t, events.batches, "no events for failed batches")
}

func TestOptimize_FirstFailureCancelsInFlightLookups(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := &fakePredictor{
		fail:  map[string]bool{"BAD": true},
		block: map[string]bool{"SLOW": true},
	}
	e := newTestEngine(t, p)

	done := make(chan error, 1)
	go func() {
		_, err := e.Optimize(context.Background(), &entities.OptimizeRequest{
			TotalAvailableWaterLiters: 1000,
			Farms: []entities.FarmRequest{
				{FarmID: "s1", AreaHa: ptr(1), CropType: "SLOW", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
				{FarmID: "s2", AreaHa: ptr(1), CropType: "SLOW", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
				{FarmID: "bad", AreaHa: ptr(1), CropType: "BAD", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"},
			},
		})
		done <- err
	}()

	select {
	case err := <-done:
		var le *LookupFailureError
		require.ErrorAs(t, err, &le)
		assert.Equal(t, "bad", le.FarmID)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked lookups were not cancelled")
	}
}

func TestOptimize_CallerCancellation(t *testing.T) {
	p := &fakePredictor{block: map[string]bool{"SLOW": true}}
	e := newTestEngine(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Optimize(ctx, &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1000,
		Farms:                     []entities.FarmRequest{{FarmID: "s1", AreaHa: ptr(1), CropType: "SLOW", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeError, Classify(err))
}

func TestOptimize_LookupConcurrencyLimit(t *testing.T) {
	p := &fakePredictor{mm: map[string]float64{"MAIZE": 3}, delay: 10 * time.Millisecond}
	e, err := NewEngine(Config{LookupConcurrency: 2}, WithPredictor(p))
	require.NoError(t, err)

	farms := make([]entities.FarmRequest, 8)
	for i := range farms {
		farms[i] = entities.FarmRequest{FarmID: string(rune('a' + i)), AreaHa: ptr(1), CropType: "MAIZE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"}
	}
	_, err = e.Optimize(context.Background(), &entities.OptimizeRequest{TotalAvailableWaterLiters: 1000, Farms: farms})
	require.NoError(t, err)
	assert.Equal(t, int32(8), p.calls.Load())
	assert.LessOrEqual(t, p.maxSeen.Load(), int32(2))
}

func TestOptimize_ZeroDemand(t *testing.T) {
	_, err := newTestEngine(t, &fakePredictor{}).Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1000,
		Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(2), CropWaterMMPerDay: ptr(0)}},
	})
	assert.ErrorIs(t, err, ErrZeroDemand)
	assert.Equal(t, OutcomeZeroDemand, Classify(err))
}

func TestOptimize_ObservedSoilMoisture(t *testing.T) {
	tests := []struct {
		name   string
		source *fakeMoisture
		sensor string
		want   float64
	}{
		{"reading found", &fakeMoisture{values: map[string]float64{"s1": 80}}, "s1", 10_000},
		{"no reading", &fakeMoisture{values: map[string]float64{}}, "s1", 35_000},
		{"source error", &fakeMoisture{err: errors.New("influx down")}, "s1", 35_000},
		{"no sensor id", &fakeMoisture{values: map[string]float64{"s1": 80}}, "", 35_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &fakePredictor{}, WithMoistureSource(tt.source))
			resp, err := e.Optimize(context.Background(), &entities.OptimizeRequest{
				TotalAvailableWaterLiters: 1e6,
				Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(1), CropWaterMMPerDay: ptr(5), SensorID: tt.sensor}},
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, resp.TotalDemandLiters, 0.01)
		})
	}
}

func TestOptimize_ExplicitMoistureWinsOverSensor(t *testing.T) {
	e := newTestEngine(t, &fakePredictor{}, WithMoistureSource(&fakeMoisture{values: map[string]float64{"s1": 80}}))
	resp, err := e.Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 1e6,
		Farms: []entities.FarmRequest{
			{FarmID: "f", AreaHa: ptr(1), CropWaterMMPerDay: ptr(5), SoilMoisturePct: ptr(0), SensorID: "s1"},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 50_000, resp.TotalDemandLiters, 0.01)
}

func TestOptimize_PublishesEvents(t *testing.T) {
	events := &fakeEvents{err: errors.New("broker unavailable")}
	e := newTestEngine(t, &fakePredictor{}, WithEventPublisher(events))

	req := &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 100,
		Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(1), CropWaterMMPerDay: ptr(1)}},
	}
	_, err := e.Optimize(context.Background(), req)
	require.NoError(t, err, "publish failures never fail the batch")

	req.VillageID = "borgo"
	_, err = e.Optimize(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, events.batches, 2)
	assert.Equal(t, DefaultVillageID, events.batches[0].village)
	assert.Equal(t, "borgo", events.batches[1].village)
	assert.Equal(t, StrategyProportional, events.batches[1].strategy)
	assert.NotEmpty(t, events.batches[1].resp.RequestID)
}

func TestOptimize_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	p := &fakePredictor{mm: map[string]float64{"MAIZE": 4}, fail: map[string]bool{"COTTON": true}}
	e := newTestEngine(t, p, WithMetrics(m))

	ok := &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 100,
		Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(1), CropType: "MAIZE", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"}},
	}
	_, err := e.Optimize(context.Background(), ok)
	require.NoError(t, err)
	_, _ = e.Optimize(context.Background(), &entities.OptimizeRequest{})
	_, _ = e.Optimize(context.Background(), &entities.OptimizeRequest{
		TotalAvailableWaterLiters: 100,
		Farms:                     []entities.FarmRequest{{FarmID: "f", AreaHa: ptr(1), CropType: "COTTON", SoilType: "DRY", Region: "Humid", Temperature: "20-30", WeatherCondition: "NORMAL"}},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeInvalidRequest)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(OutcomeLookupFailure)))
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err, "crop water url required without a predictor")

	_, err = NewEngine(Config{Strategy: "greedy"}, WithPredictor(&fakePredictor{}))
	assert.Error(t, err)

	e, err := NewEngine(Config{CropWater: cropwater.Config{BaseURL: "http://localhost:8001"}, Strategy: "water-filling"})
	require.NoError(t, err)
	assert.Equal(t, StrategyWaterFilling, e.Strategy())
	assert.Equal(t, "closed", e.BreakerState())
}
