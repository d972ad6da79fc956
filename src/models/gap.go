package models

import "time"

// -----------------------------------------------------------------------------
// Gap Records
// -----------------------------------------------------------------------------

// GapClass separates holes that can be repaired from holes that never can.
// Permanent records are recorded once and never retried; transient records
// retry with backoff up to a bound.
type GapClass string

const (
	GapTransient GapClass = "transient"
	GapPermanent GapClass = "permanent"
)

// -----------------------------------------------------------------------------

// MGapRecord describes a detected hole in the persisted series for one
// instrument. Held only long enough to drive retry decisions.
type MGapRecord struct {
	InstrumentID string    `json:"instrument_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Class        GapClass  `json:"class"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	NextRetry    time.Time `json:"next_retry,omitempty"`
}

// -----------------------------------------------------------------------------

// Retryable reports whether the record is eligible for another backfill
// attempt at the given time.
func (g MGapRecord) Retryable(now time.Time, maxAttempts int) bool {
	if g.Class == GapPermanent {
		return false
	}
	if g.Attempts >= maxAttempts {
		return false
	}
	return !now.Before(g.NextRetry)
}

// -----------------------------------------------------------------------------
// Candles
// -----------------------------------------------------------------------------

// MCandle is one persisted row of the historical series.
type MCandle struct {
	InstrumentID string  `json:"instrument_id"`
	Timestamp    int64   `json:"timestamp"` // unix millis, bucket start
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	OpenInterest float64 `json:"open_interest"`
}
