package allocation

import (
	"fmt"
	"strings"
)

// Strategy selects how capped surplus is handled.
type Strategy string

const (
	// StrategyProportional is the single pass: a farm whose weighted share
	// exceeds its demand is capped and the surplus is not handed out.
	StrategyProportional Strategy = "proportional"
	// StrategyWaterFilling redistributes capped surplus among uncapped farms
	// until no farm caps.
	StrategyWaterFilling Strategy = "water_filling"
)

// ParseStrategy accepts "proportional" (default when empty) or "water_filling".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))) {
	case "", StrategyProportional:
		return StrategyProportional, nil
	case StrategyWaterFilling:
		return StrategyWaterFilling, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

// outcome is the unrounded result of one allocation pass.
type outcome struct {
	Allocated      []float64 // same order as the input farms
	TotalDemand    float64
	TotalAllocated float64
}

// allocate splits totalAvailable among farms by weighted need, capped at demand.
func allocate(totalAvailable float64, farms []farmDemand, strategy Strategy) (outcome, error) {
	var totalDemand, sumNeeds float64
	for _, f := range farms {
		totalDemand += f.Demand
		sumNeeds += f.Demand * f.Weight
	}
	if sumNeeds <= 0 {
		return outcome{}, ErrZeroDemand
	}
	toAllocate := totalAvailable
	if totalDemand < toAllocate {
		toAllocate = totalDemand
	}

	var alloc []float64
	if strategy == StrategyWaterFilling {
		alloc = waterFilling(toAllocate, farms)
	} else {
		alloc = proportional(toAllocate, sumNeeds, farms)
	}

	out := outcome{Allocated: alloc, TotalDemand: totalDemand}
	for _, a := range alloc {
		out.TotalAllocated += a
	}
	return out, nil
}

func proportional(toAllocate, sumNeeds float64, farms []farmDemand) []float64 {
	alloc := make([]float64, len(farms))
	for i, f := range farms {
		share := (f.Demand * f.Weight / sumNeeds) * toAllocate
		alloc[i] = min(share, f.Demand)
	}
	return alloc
}

// waterFilling: each round grants full demand to every farm whose weighted
// share would reach it, then re-splits what is left among the others.
// Terminates in at most len(farms) rounds.
func waterFilling(toAllocate float64, farms []farmDemand) []float64 {
	alloc := make([]float64, len(farms))
	active := make([]int, 0, len(farms))
	for i, f := range farms {
		if f.Demand > 0 {
			active = append(active, i)
		}
	}
	remaining := toAllocate

	for len(active) > 0 && remaining > 0 {
		var sumNeeds float64
		for _, i := range active {
			sumNeeds += farms[i].Demand * farms[i].Weight
		}
		if sumNeeds <= 0 {
			break
		}

		next := make([]int, 0, len(active))
		var granted float64
		for _, i := range active {
			share := (farms[i].Demand * farms[i].Weight / sumNeeds) * remaining
			if share >= farms[i].Demand {
				alloc[i] = farms[i].Demand
				granted += farms[i].Demand
				continue
			}
			next = append(next, i)
		}
		if len(next) == len(active) {
			for _, i := range active {
				alloc[i] = (farms[i].Demand * farms[i].Weight / sumNeeds) * remaining
			}
			break
		}
		remaining -= granted
		active = next
	}
	return alloc
}
