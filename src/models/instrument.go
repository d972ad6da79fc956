package models

import "time"

// -----------------------------------------------------------------------------
// Instrument Metadata
// -----------------------------------------------------------------------------

// InstrumentKind separates the underlying of a symbol family from its
// derivative contracts. The two publish on different bus topics.
type InstrumentKind string

const (
	KindUnderlying InstrumentKind = "underlying"
	KindDerivative InstrumentKind = "derivative"
)

// -----------------------------------------------------------------------------

// MInstrument describes one tradable symbol known to the system.
type MInstrument struct {
	ID     string         `json:"id"`
	Symbol string         `json:"symbol"` // family, e.g. "NIFTY"
	Kind   InstrumentKind `json:"kind"`
	Expiry time.Time      `json:"expiry,omitempty"` // zero for non-expiring
}

// -----------------------------------------------------------------------------

// Expired reports whether the contract is past its expiry.
// Non-expiring instruments (zero Expiry) never expire.
func (i MInstrument) Expired(now time.Time) bool {
	return !i.Expiry.IsZero() && i.Expiry.Before(now)
}
