package cropwater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second
	predictPath    = "/predict"
)

// Config for the crop-water predictor client.
type Config struct {
	BaseURL string
	Timeout time.Duration // per call

	// circuit breaker
	BreakerFailures int           // consecutive failures before opening
	BreakerOpenFor  time.Duration // time spent open before a half-open probe
	BreakerInterval time.Duration // closed-state counter reset, 0 = never

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// StatusError is a non-2xx answer from the predictor.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("crop water API %d: %s", e.StatusCode, e.Detail)
	d := strings.ToLower(e.Detail)
	if e.StatusCode == http.StatusUnprocessableEntity && (strings.Contains(d, "sensor") || strings.Contains(d, "sm_history")) {
		msg += " (is the soil moisture service listening on the crop water URL?)"
	}
	return msg
}

// Client calls the crop-water predictor through a circuit breaker.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

type predictResponse struct {
	WaterRequirement *float64 `json:"water_requirement"`
	Unit             string   `json:"unit"`
}

// NewClient builds a predictor client. Zero values get sane defaults.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures < 1 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger.With(zap.String("upstream", "crop-water"))
	fails := uint32(cfg.BreakerFailures)

	return &Client{
		base:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    hc,
		timeout: cfg.Timeout,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "crop-water",
			Interval: cfg.BreakerInterval,
			Timeout:  cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			// un 4xx è colpa dell'input, non del servizio
			IsSuccessful: func(err error) bool {
				if errors.Is(err, context.Canceled) {
					return true // annullata dal chiamante
				}
				var se *StatusError
				if errors.As(err, &se) {
					return se.StatusCode < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// BreakerState reports the breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// PredictMMPerDay returns the crop water requirement in mm/day for the normalized query.
func (c *Client) PredictMMPerDay(ctx context.Context, q Query) (float64, error) {
	if c.base == "" {
		return 0, errors.New("crop water API url not configured")
	}
	payload := Normalize(q)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("crop water API unavailable (breaker %s): %w", c.BreakerState(), err)
		}
		return 0, err
	}
	mm := res.(float64)
	c.log.Debug("prediction",
		zap.String("crop_type", payload.CropType),
		zap.String("region", payload.Region),
		zap.String("temperature", payload.Temperature),
		zap.Float64("mm_per_day", mm),
		zap.Duration("took", time.Since(start)))
	return mm, nil
}

func (c *Client) post(ctx context.Context, payload Query) (float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+predictPath, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("crop water request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{StatusCode: resp.StatusCode, Detail: parseDetail(b, resp.StatusCode)}
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("crop water decode error: %w", err)
	}
	if out.WaterRequirement == nil {
		return 0, errors.New("crop water response without water_requirement")
	}
	mm := *out.WaterRequirement
	if math.IsNaN(mm) || math.IsInf(mm, 0) || mm < 0 {
		return 0, fmt.Errorf("crop water response out of range: %v", mm)
	}
	return mm, nil
}

// parseDetail estrae "detail" (stringa o lista di errori di validazione) dal body.
func parseDetail(body []byte, code int) string {
	var m struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &m); err != nil || len(m.Detail) == 0 {
		if s := strings.TrimSpace(string(body)); s != "" {
			return s
		}
		return http.StatusText(code)
	}

	var s string
	if err := json.Unmarshal(m.Detail, &s); err == nil {
		return s
	}

	var list []json.RawMessage
	if err := json.Unmarshal(m.Detail, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, raw := range list {
			var item struct {
				Loc []any  `json:"loc"`
				Msg string `json:"msg"`
			}
			if err := json.Unmarshal(raw, &item); err == nil && item.Msg != "" {
				loc := make([]string, 0, len(item.Loc))
				for _, l := range item.Loc {
					loc = append(loc, fmt.Sprint(l))
				}
				parts = append(parts, strings.Join(loc, ".")+": "+item.Msg)
				continue
			}
			parts = append(parts, string(raw))
		}
		return strings.Join(parts, "; ")
	}
	return string(m.Detail)
}
