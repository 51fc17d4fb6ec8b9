package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
)

const (
	RequestIDHeader     = "X-Request-ID"
	defaultMaxBodyBytes = 1 << 20
)

// ErrorResponse is the JSON error body of the HTTP API and of MQTT replies.
type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	FarmID string `json:"farm_id,omitempty"`
	Code   int    `json:"code"`
}

// DecodeRequest parses an optimize request, rejecting unknown fields.
func DecodeRequest(r io.Reader) (*entities.OptimizeRequest, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var req entities.OptimizeRequest
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	return &req, nil
}

// ErrorFor maps an Optimize error to its HTTP status and body.
func ErrorFor(err error) (int, ErrorResponse) {
	var (
		ve *ValidationError
		fe *InvalidFarmError
		le *LookupFailureError
	)
	body := ErrorResponse{Error: err.Error()}
	switch {
	case errors.As(err, &ve):
		body.Code, body.Field, body.FarmID = http.StatusBadRequest, ve.Field, ve.FarmID
	case errors.As(err, &fe):
		body.Code, body.FarmID = http.StatusBadRequest, fe.FarmID
	case errors.As(err, &le):
		body.Code, body.FarmID = http.StatusBadGateway, le.FarmID
	case errors.Is(err, ErrZeroDemand):
		body.Code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		body.Code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		body.Code = http.StatusServiceUnavailable
	default:
		body.Code = http.StatusInternalServerError
	}
	return body.Code, body
}

// HTTPConfig wires optional collaborators into the HTTP mux.
type HTTPConfig struct {
	MQTT         mqtt.Client          // readiness only
	Influx       bool                 // soil moisture source configured
	Registry     *prometheus.Registry // serves /metrics when set
	MaxBodyBytes int64
	Logger       *zap.Logger
}

type api struct {
	engine  *Engine
	cfg     HTTPConfig
	log     *zap.Logger
	started time.Time
}

// NewHTTPMux exposes POST /optimize, /healthz, /readyz and /metrics.
func NewHTTPMux(e *Engine, cfg HTTPConfig) *http.ServeMux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	a := &api{engine: e, cfg: cfg, log: cfg.Logger, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("GET /readyz", a.ready)
	mux.HandleFunc("POST /optimize", a.logRequest(a.optimize))
	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (a *api) optimize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := strings.TrimSpace(r.Header.Get(RequestIDHeader)); id != "" {
		ctx = WithRequestID(ctx, id)
	}

	req, err := DecodeRequest(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.engine.Optimize(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set(RequestIDHeader, resp.RequestID)
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) ready(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Ready         bool    `json:"ready"`
		Strategy      string  `json:"strategy"`
		CropWaterCB   string  `json:"crop_water_breaker,omitempty"`
		MQTTConnected *bool   `json:"mqtt_connected,omitempty"`
		InfluxOK      bool    `json:"influx_configured"`
		UptimeS       float64 `json:"uptime_sec"`
	}
	st := status{
		Strategy:    string(a.engine.Strategy()),
		CropWaterCB: a.engine.BreakerState(),
		InfluxOK:    a.cfg.Influx,
		UptimeS:     time.Since(a.started).Seconds(),
	}
	st.Ready = st.CropWaterCB != "open"
	if a.cfg.MQTT != nil {
		ok := a.cfg.MQTT.IsConnectionOpen()
		st.MQTTConnected = &ok
		st.Ready = st.Ready && ok
	}
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (a *api) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		a.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.code),
			zap.String("request_id", sw.Header().Get(RequestIDHeader)),
			zap.Duration("took", time.Since(start)))
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (s *statusWriter) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func writeError(w http.ResponseWriter, err error) {
	code, body := ErrorFor(err)
	writeJSON(w, code, body)
}

// writeJSON marshals before writing the status so an encoding failure still yields a 500.
func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		b, _ = json.Marshal(ErrorResponse{Code: code, Error: fmt.Sprintf("encode response: %v", err)})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}
