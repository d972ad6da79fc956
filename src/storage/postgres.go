package storage

import (
	"database/sql"
	"fmt"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------

type PostgresStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *zap.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresStore(cfg *models.MConfig, log *zap.Logger) (*PostgresStore, error) {
	return &PostgresStore{
		Config: cfg,
		Logger: log.Named("postgres"),
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresStore initialized successfully")
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) createTables() error {
	// History must survive restarts; tables are created, never recreated.
	query := `
		CREATE TABLE IF NOT EXISTS candles (
			instrument_id TEXT,
			timestamp BIGINT,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			volume DOUBLE PRECISION,
			open_interest DOUBLE PRECISION,
			PRIMARY KEY (instrument_id, timestamp)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create candles: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS instruments (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			expiry TIMESTAMPTZ
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) LatestTimestamp(instrumentID string) (time.Time, error) {
	var ts sql.NullInt64
	err := d.DB.QueryRow(
		`SELECT MAX(timestamp) FROM candles WHERE instrument_id = $1`,
		instrumentID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest timestamp for %s: %w", instrumentID, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}

// -----------------------------------------------------------------------------

// Upsert writes rows with replace-on-conflict: at-least-once upstream
// delivery makes idempotent writes the required semantics.
func (d *PostgresStore) Upsert(instrumentID string, rows []models.MCandle) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO candles (instrument_id, timestamp, open, high, low, close, volume, open_interest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instrument_id, timestamp) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			open_interest = EXCLUDED.open_interest
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(instrumentID, row.Timestamp, row.Open, row.High,
			row.Low, row.Close, row.Volume, row.OpenInterest); err != nil {
			return fmt.Errorf("upsert candle %s@%d: %w", instrumentID, row.Timestamp, err)
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Query(instrumentID string, from, to time.Time) ([]models.MCandle, error) {
	rows, err := d.DB.Query(`
		SELECT timestamp, open, high, low, close, volume, open_interest
		FROM candles
		WHERE instrument_id = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC
	`, instrumentID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MCandle
	for rows.Next() {
		c := models.MCandle{InstrumentID: instrumentID}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.OpenInterest); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) InstrumentMeta(instrumentID string) (models.MInstrument, error) {
	var inst models.MInstrument
	var expiry sql.NullTime

	err := d.DB.QueryRow(
		`SELECT id, symbol, kind, expiry FROM instruments WHERE id = $1`,
		instrumentID,
	).Scan(&inst.ID, &inst.Symbol, &inst.Kind, &expiry)
	if err == sql.ErrNoRows {
		return models.MInstrument{}, fmt.Errorf("instrument %s: %w", instrumentID, helpers.ErrNotFound)
	}
	if err != nil {
		return models.MInstrument{}, err
	}
	if expiry.Valid {
		inst.Expiry = expiry.Time
	}
	return inst, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) UpsertInstrument(inst models.MInstrument) error {
	var expiry interface{}
	if !inst.Expiry.IsZero() {
		expiry = inst.Expiry
	}

	_, err := d.DB.Exec(`
		INSERT INTO instruments (id, symbol, kind, expiry)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			kind = EXCLUDED.kind,
			expiry = EXCLUDED.expiry
	`, inst.ID, inst.Symbol, string(inst.Kind), expiry)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Instruments() ([]models.MInstrument, error) {
	rows, err := d.DB.Query(`SELECT id, symbol, kind, expiry FROM instruments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MInstrument
	for rows.Next() {
		var inst models.MInstrument
		var expiry sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Kind, &expiry); err != nil {
			return nil, err
		}
		if expiry.Valid {
			inst.Expiry = expiry.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Close() error {
	if d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
