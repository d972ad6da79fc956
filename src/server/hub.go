package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market-streamer/src/analysis"
	"market-streamer/src/analysis/core"
	"market-streamer/src/helpers"
	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Session Protocol Handlers
//
// Subscribe is a wholesale replace of the connection's watchlist. Upstream
// demand runs on reference counts: a connection contributes one reference
// to the instrument of its current symbol, released when the symbol
// changes, the connection unsubscribes, or it disconnects. The reference
// is tracked on the Client, not read back from the registry, so a sweeper
// drop racing ahead of the connection teardown cannot orphan it.
// -----------------------------------------------------------------------------

const poolCallTimeout = 5 * time.Second

func (s *Server) handleSubscribe(c *Client, req models.MClientRequest) {
	if err := validateRequest(req); err != nil {
		c.reply(errorResponse(err.Error()))
		return
	}

	prev := c.symbol

	// Acquire the upstream instrument before touching the registry so a
	// capacity failure leaves the session's existing watchlist intact.
	if prev != req.Symbol {
		ctx, cancel := context.WithTimeout(context.Background(), poolCallTimeout)
		_, err := s.Pool.AddInstrument(ctx, req.Symbol, models.ModeFull)
		cancel()
		if err != nil {
			if errors.Is(err, helpers.ErrCapacityExhausted) {
				c.reply(errorResponse("no upstream capacity for " + req.Symbol))
			} else {
				c.reply(errorResponse("upstream subscription failed: " + err.Error()))
			}
			return
		}
	}

	if s.Watch != nil {
		if err := s.Watch(req.Symbol); err != nil {
			s.Logger.Error("indicator watch failed", zap.String("symbol", req.Symbol), zap.Error(err))
		}
	}

	snapshot := s.Registry.Subscribe(c.connID, c.userID, c.sessionID,
		req.Symbol, req.Timeframe, req.Indicators)
	c.symbol = req.Symbol

	// Release the previous symbol only after the new one is live.
	if prev != "" && prev != req.Symbol {
		s.releaseInstrument(prev)
	}

	s.Reconciler.Kick(req.Symbol)

	c.reply(models.MServerResponse{
		Type: "success",
		Data: models.MSubscribeData{
			Indicators:    req.Indicators,
			InitialValues: snapshot,
		},
		Timestamp: time.Now().UnixMilli(),
	})

	c.logger.Info("subscribed",
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", req.Timeframe),
		zap.Strings("indicators", req.Indicators))
}

// -----------------------------------------------------------------------------

func (s *Server) handleUnsubscribe(c *Client, _ models.MClientRequest) {
	s.Registry.Unsubscribe(c.connID)
	if c.symbol != "" {
		s.releaseInstrument(c.symbol)
		c.symbol = ""
	}

	c.reply(models.MServerResponse{
		Type:      "success",
		Message:   "unsubscribed",
		Timestamp: time.Now().UnixMilli(),
	})
}

// -----------------------------------------------------------------------------

func (s *Server) handleDisconnect(c *Client) {
	s.Registry.Drop(c.connID)
	if c.symbol != "" {
		s.releaseInstrument(c.symbol)
		c.symbol = ""
	}
}

// -----------------------------------------------------------------------------

func (s *Server) releaseInstrument(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), poolCallTimeout)
	defer cancel()
	if err := s.Pool.RemoveInstrument(ctx, symbol); err != nil {
		s.Logger.Warn("upstream release failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------

func validateRequest(req models.MClientRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := analysis.ParseTimeframe(req.Timeframe); err != nil {
		return fmt.Errorf("invalid timeframe %q: %w", req.Timeframe, err)
	}
	if len(req.Indicators) == 0 {
		return fmt.Errorf("at least one indicator is required")
	}
	for _, name := range req.Indicators {
		if !core.Supported(name) {
			return fmt.Errorf("unsupported indicator %q", name)
		}
	}
	return nil
}

func errorResponse(msg string) models.MServerResponse {
	return models.MServerResponse{
		Type:      "error",
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	}
}
