package interfaces

import (
	"time"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// ITimeSeriesStore defines the contract for the persisted candle series.
// -----------------------------------------------------------------------------

type ITimeSeriesStore interface {

	// Initialize sets up the schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// LatestTimestamp returns the newest persisted bucket for an instrument.
	// Zero time (and no error) when the series is empty.
	LatestTimestamp(instrumentID string) (time.Time, error)

	// -----------------------------------------------------------------------------

	// Upsert writes rows idempotently (at-least-once upstream delivery makes
	// replace-on-conflict the required semantics).
	Upsert(instrumentID string, rows []models.MCandle) error

	// -----------------------------------------------------------------------------

	// Query returns rows in [from, to) ascending by timestamp.
	Query(instrumentID string, from, to time.Time) ([]models.MCandle, error)

	// -----------------------------------------------------------------------------

	// InstrumentMeta returns instrument metadata (expiry, kind). Used by the
	// reconciliation worker to classify gaps.
	InstrumentMeta(instrumentID string) (models.MInstrument, error)

	// -----------------------------------------------------------------------------

	// UpsertInstrument registers or refreshes instrument metadata.
	UpsertInstrument(inst models.MInstrument) error

	// -----------------------------------------------------------------------------

	// Instruments returns every known instrument. Loaded once at startup
	// to seed the publisher's routing catalog.
	Instruments() ([]models.MInstrument, error)

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
