package models

import (
	"github.com/ark-custody/internal/types"
)

// FeeRates are sat/vB rates per priority tier
type FeeRates struct {
	Fastest float64 `json:"fastest"`
	Fast    float64 `json:"fast"`
	Normal  float64 `json:"normal"`
	Slow    float64 `json:"slow"`
	Minimum float64 `json:"minimum"`
}

// ForPriority returns the rate of a tier
func (r *FeeRates) ForPriority(p types.Priority) float64 {
	switch p {
	case types.PriorityFastest:
		return r.Fastest
	case types.PriorityFast:
		return r.Fast
	case types.PrioritySlow:
		return r.Slow
	default:
		return r.Normal
	}
}

// FeeQuote is a resolved fee for a priority tier
type FeeQuote struct {
	Priority  types.Priority `json:"priority"`
	RateSatVB float64        `json:"rateSatVb"`
	Fee       int64          `json:"fee,omitempty"`
	VSize     int            `json:"vsize,omitempty"`
	Degraded  bool           `json:"degraded"`
}

// FeeEstimates lists every tier at once
type FeeEstimates struct {
	Rates    FeeRates `json:"rates"`
	Degraded bool     `json:"degraded"`
	Source   string   `json:"source"`
}
