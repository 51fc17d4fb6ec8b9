package allocation

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed request before any work is done.
type ValidationError struct {
	Field  string
	FarmID string // set for per-farm fields
	Reason string
}

func (e *ValidationError) Error() string {
	if e.FarmID != "" {
		return fmt.Sprintf("invalid %s (farm %s): %s", e.Field, e.FarmID, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidFarmError is returned when a farm has no usable area.
type InvalidFarmError struct {
	FarmID string
	Reason string
}

func (e *InvalidFarmError) Error() string {
	return fmt.Sprintf("farm %s: %s", e.FarmID, e.Reason)
}

// LookupFailureError wraps a failed crop-water prediction for one farm.
// A single failure fails the whole batch.
type LookupFailureError struct {
	FarmID string
	Err    error
}

func (e *LookupFailureError) Error() string {
	return fmt.Sprintf("crop water API failed for farm %s: %v", e.FarmID, e.Err)
}

func (e *LookupFailureError) Unwrap() error { return e.Err }

// ErrZeroDemand is returned when the aggregate weighted need is not positive.
var ErrZeroDemand = errors.New("total need is zero")

// Outcome labels, also used as metric label values.
const (
	OutcomeOK             = "ok"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeInvalidFarm    = "invalid_farm"
	OutcomeLookupFailure  = "lookup_failure"
	OutcomeZeroDemand     = "zero_demand"
	OutcomeError          = "error"
)

// Classify maps an Optimize error to its outcome label.
func Classify(err error) string {
	var (
		ve *ValidationError
		fe *InvalidFarmError
		le *LookupFailureError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &ve):
		return OutcomeInvalidRequest
	case errors.As(err, &fe):
		return OutcomeInvalidFarm
	case errors.As(err, &le):
		return OutcomeLookupFailure
	case errors.Is(err, ErrZeroDemand):
		return OutcomeZeroDemand
	default:
		return OutcomeError
	}
}
