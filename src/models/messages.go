package models

// -----------------------------------------------------------------------------
// Client Protocol (websocket boundary)
//
// A closed set of tagged message kinds, validated at the boundary and
// converted immediately into the typed internal structures.
// -----------------------------------------------------------------------------

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// -----------------------------------------------------------------------------

// MClientRequest is one inbound client message.
type MClientRequest struct {
	Action     string   `json:"action"`
	Symbol     string   `json:"symbol,omitempty"`
	Timeframe  string   `json:"timeframe,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
}

// -----------------------------------------------------------------------------

// MServerResponse is the acknowledgement envelope for client requests.
type MServerResponse struct {
	Type      string      `json:"type"` // "success", "error", "pong"
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// -----------------------------------------------------------------------------

// MSubscribeData is the payload of a successful subscribe acknowledgement:
// the accepted indicator set plus a one-time snapshot of current values so
// the client is not left waiting for the next update cycle.
type MSubscribeData struct {
	Indicators    []string           `json:"indicators"`
	InitialValues map[string]float64 `json:"initial_values"`
}

// -----------------------------------------------------------------------------

// MIndicatorPush is the unsolicited server push for one computed value.
type MIndicatorPush struct {
	Type        string  `json:"type"` // always "indicator_update"
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	IndicatorID string  `json:"indicator_id"`
	Value       float64 `json:"value"`
	Timestamp   int64   `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Control API (REST boundary)
// -----------------------------------------------------------------------------

// MSubscriptionRequest is the control API body for adding one upstream
// instrument subscription.
type MSubscriptionRequest struct {
	InstrumentID string           `json:"instrument_id" binding:"required"`
	Mode         SubscriptionMode `json:"mode"`
}

// MBulkResult is the per-item outcome of a bulk add.
type MBulkResult struct {
	InstrumentID string `json:"instrument_id"`
	AccountID    string `json:"account_id,omitempty"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}
