package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// BackfillClient
//
// HTTP client for the broker's historical candle endpoint, used by the gap
// reconciliation worker. Every call carries a short timeout and bounded
// retry. A 404 is authoritative: it costs a single attempt and surfaces
// as ErrNotFound so the worker can classify the gap.
// -----------------------------------------------------------------------------

type BackfillClient struct {
	Config *models.MConfig
	Client *http.Client
	Logger *zap.Logger
}

// -----------------------------------------------------------------------------

func NewBackfillClient(cfg *models.MConfig, log *zap.Logger) *BackfillClient {
	timeout := time.Duration(cfg.Backfill.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &BackfillClient{
		Config: cfg,
		Logger: log.Named("backfill"),
		Client: &http.Client{Timeout: timeout},
	}
}

// -----------------------------------------------------------------------------

// FetchCandles retrieves the candle rows for [from, to) of one instrument.
func (c *BackfillClient) FetchCandles(ctx context.Context, instrumentID string, from, to time.Time) ([]models.MCandle, error) {
	endpoint, err := c.buildURL(instrumentID, from, to)
	if err != nil {
		return nil, err
	}

	var candles []models.MCandle
	retries := c.Config.Backfill.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	err = helpers.RetryWithBackoff(ctx, retries, 500*time.Millisecond, func() error {
		rows, fetchErr := c.fetch(ctx, endpoint)
		if fetchErr != nil {
			return fetchErr
		}
		candles = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Logger.Debug("backfill fetch complete",
		zap.String("instrument", instrumentID),
		zap.Int("rows", len(candles)))
	return candles, nil
}

// -----------------------------------------------------------------------------

func (c *BackfillClient) buildURL(instrumentID string, from, to time.Time) (string, error) {
	base, err := url.Parse(c.Config.Backfill.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backfill base URL: %w", err)
	}
	base.Path += "/candles/" + url.PathEscape(instrumentID)

	q := base.Query()
	q.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// -----------------------------------------------------------------------------

func (c *BackfillClient) fetch(ctx context.Context, endpoint string) ([]models.MCandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", helpers.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Permanent vs transient is decided by the caller from instrument
		// metadata; here we only report the 404 faithfully.
		return nil, fmt.Errorf("candles %s: %w", endpoint, helpers.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: upstream status %d", helpers.ErrUpstreamTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", helpers.ErrUpstreamTransient, err)
	}

	var candles []models.MCandle
	if err := json.Unmarshal(body, &candles); err != nil {
		return nil, fmt.Errorf("decode candle response: %w", err)
	}
	return candles, nil
}
