package models

// -----------------------------------------------------------------------------
// Tick Source Flags
// -----------------------------------------------------------------------------

// TickSource distinguishes live upstream data from generator output.
// Stamped at publish time, never inferred downstream.
type TickSource string

const (
	TickSourceLive      TickSource = "live"
	TickSourceSimulated TickSource = "simulated"
)

// -----------------------------------------------------------------------------
// Subscription Modes
// -----------------------------------------------------------------------------

// SubscriptionMode is the granularity requested from the upstream session.
type SubscriptionMode string

const (
	ModeFull      SubscriptionMode = "full" // price + depth + open interest
	ModePriceOnly SubscriptionMode = "ltp"  // last traded price only
)

// -----------------------------------------------------------------------------

// MTick is one normalized market data point. Immutable once published.
type MTick struct {
	InstrumentID string     `json:"instrument_id"`
	Price        float64    `json:"price"`
	Size         float64    `json:"size"`
	OpenInterest float64    `json:"open_interest"`
	Timestamp    int64      `json:"timestamp"` // source timestamp, unix millis
	Source       TickSource `json:"source"`
	Sequence     uint64     `json:"sequence"` // per-instrument, assigned at publish
}
