package storage

import (
	"database/sql"
	"fmt"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/models"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite batch constants
const (
	sqliteMaxVars   = 32000
	paramsPerRow    = 8
	sqliteBatchSize = sqliteMaxVars / paramsPerRow
)

// -----------------------------------------------------------------------------

type SQLiteStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *zap.Logger
}

// -----------------------------------------------------------------------------

func NewSQLiteStore(cfg *models.MConfig, log *zap.Logger) (*SQLiteStore, error) {
	return &SQLiteStore{
		Config: cfg,
		Logger: log.Named("sqlite"),
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Initialize() error {
	dsn := d.Config.Storage.DBPath

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warn("Failed to set WAL mode", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warn("Failed to set synchronous mode", zap.Error(err))
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) createTables() error {
	// SQLite types: INTEGER for int64, REAL for float64, TEXT for string
	query := `
		CREATE TABLE IF NOT EXISTS candles (
			instrument_id TEXT,
			timestamp INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			volume REAL,
			open_interest REAL,
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
			expiry INTEGER
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) LatestTimestamp(instrumentID string) (time.Time, error) {
	var ts sql.NullInt64
	err := d.DB.QueryRow(
		`SELECT MAX(timestamp) FROM candles WHERE instrument_id = ?`,
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

func (d *SQLiteStore) Upsert(instrumentID string, rows []models.MCandle) error {
	if len(rows) == 0 {
		return nil
	}

	// Batched to stay under the SQLite bind variable limit.
	for start := 0; start < len(rows); start += sqliteBatchSize {
		end := start + sqliteBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := d.upsertBatch(instrumentID, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLiteStore) upsertBatch(instrumentID string, rows []models.MCandle) error {
	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO candles (instrument_id, timestamp, open, high, low, close, volume, open_interest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_id, timestamp) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			open_interest = excluded.open_interest
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

func (d *SQLiteStore) Query(instrumentID string, from, to time.Time) ([]models.MCandle, error) {
	rows, err := d.DB.Query(`
		SELECT timestamp, open, high, low, close, volume, open_interest
		FROM candles
		WHERE instrument_id = ? AND timestamp >= ? AND timestamp < ?
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

func (d *SQLiteStore) InstrumentMeta(instrumentID string) (models.MInstrument, error) {
	var inst models.MInstrument
	var expiry sql.NullInt64

	err := d.DB.QueryRow(
		`SELECT id, symbol, kind, expiry FROM instruments WHERE id = ?`,
		instrumentID,
	).Scan(&inst.ID, &inst.Symbol, &inst.Kind, &expiry)
	if err == sql.ErrNoRows {
		return models.MInstrument{}, fmt.Errorf("instrument %s: %w", instrumentID, helpers.ErrNotFound)
	}
	if err != nil {
		return models.MInstrument{}, err
	}
	if expiry.Valid && expiry.Int64 > 0 {
		inst.Expiry = time.UnixMilli(expiry.Int64)
	}
	return inst, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) UpsertInstrument(inst models.MInstrument) error {
	var expiry int64
	if !inst.Expiry.IsZero() {
		expiry = inst.Expiry.UnixMilli()
	}

	_, err := d.DB.Exec(`
		INSERT INTO instruments (id, symbol, kind, expiry)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			symbol = excluded.symbol,
			kind = excluded.kind,
			expiry = excluded.expiry
	`, inst.ID, inst.Symbol, string(inst.Kind), expiry)
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Instruments() ([]models.MInstrument, error) {
	rows, err := d.DB.Query(`SELECT id, symbol, kind, expiry FROM instruments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MInstrument
	for rows.Next() {
		var inst models.MInstrument
		var expiry sql.NullInt64
		if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Kind, &expiry); err != nil {
			return nil, err
		}
		if expiry.Valid && expiry.Int64 > 0 {
			inst.Expiry = time.UnixMilli(expiry.Int64)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Close() error {
	if d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
