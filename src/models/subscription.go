package models

import "fmt"

// -----------------------------------------------------------------------------
// Indicator Key
// -----------------------------------------------------------------------------

// MIndicatorKey is the identity of one shared computed value.
// Many connections may subscribe to the same key; its value is computed
// once per update cycle regardless of subscriber count.
type MIndicatorKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Indicator string `json:"indicator"` // name + parameters, e.g. "RSI_14"
}

// -----------------------------------------------------------------------------

// String renders the key in its canonical "symbol:timeframe:indicator" form,
// used for sharding and logging.
func (k MIndicatorKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Symbol, k.Timeframe, k.Indicator)
}

// -----------------------------------------------------------------------------
// Session Subscription
// -----------------------------------------------------------------------------

// MSessionSubscription is the single subscription record held per client
// connection. Replaced wholesale on re-subscribe, never merged.
type MSessionSubscription struct {
	ConnID     string          `json:"conn_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Indicators []string        `json:"indicators"`
	Keys       []MIndicatorKey `json:"-"` // derived, one per indicator
}

// -----------------------------------------------------------------------------

// MIndicatorUpdate is one computed value pushed to subscribers of a key.
type MIndicatorUpdate struct {
	Key       MIndicatorKey `json:"key"`
	Value     float64       `json:"value"`
	Timestamp int64         `json:"timestamp"`
}
