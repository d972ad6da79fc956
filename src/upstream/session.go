package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"market-streamer/src/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// WSSession
//
// One authenticated streaming connection to the broker. Subscription changes
// go out as incremental frames: a subscribe for instrument X never touches
// the stream of instrument Y. The read loop runs on its own goroutine and
// hands ticks to the registered callback.
// -----------------------------------------------------------------------------

const (
	upstreamWriteWait = 5 * time.Second
	upstreamPongWait  = 60 * time.Second
	upstreamPingEvery = (upstreamPongWait * 9) / 10
)

type WSSession struct {
	Logger *zap.Logger

	accountID string
	url       string
	apiKey    string

	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	handlerMu sync.RWMutex
	onTick    func(models.MTick)

	done chan struct{}
}

// -----------------------------------------------------------------------------
// Wire frames. The broker speaks JSON control frames on the same socket the
// ticks arrive on.
// -----------------------------------------------------------------------------

type controlFrame struct {
	Action      string   `json:"action"` // "subscribe" or "unsubscribe"
	Instruments []string `json:"instruments"`
	Mode        string   `json:"mode,omitempty"`
}

type tickFrame struct {
	Type         string  `json:"type"`
	InstrumentID string  `json:"instrument_id"`
	Price        float64 `json:"price"`
	Size         float64 `json:"size"`
	OpenInterest float64 `json:"open_interest"`
	Timestamp    int64   `json:"timestamp"`
}

// -----------------------------------------------------------------------------

func NewWSSession(cfg models.MAccountConfig, log *zap.Logger) *WSSession {
	return &WSSession{
		Logger:    log.Named("upstream").With(zap.String("account", cfg.ID)),
		accountID: cfg.ID,
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		done:      make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------

func (s *WSSession) AccountID() string {
	return s.accountID
}

// -----------------------------------------------------------------------------

func (s *WSSession) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := make(map[string][]string)
	if s.apiKey != "" {
		header["Authorization"] = []string{"Bearer " + s.apiKey}
	}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", s.url, err)
	}
	s.conn = conn

	conn.SetReadDeadline(time.Now().Add(upstreamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(upstreamPongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()

	s.Logger.Info("upstream session connected", zap.String("url", s.url))
	return nil
}

// -----------------------------------------------------------------------------

// Subscribe sends one incremental subscribe frame for the given instruments.
func (s *WSSession) Subscribe(ctx context.Context, ids []string, mode models.SubscriptionMode) error {
	return s.writeControl(ctx, controlFrame{
		Action:      "subscribe",
		Instruments: ids,
		Mode:        string(mode),
	})
}

// -----------------------------------------------------------------------------

// Unsubscribe sends one incremental unsubscribe frame.
func (s *WSSession) Unsubscribe(ctx context.Context, ids []string) error {
	return s.writeControl(ctx, controlFrame{
		Action:      "unsubscribe",
		Instruments: ids,
	})
}

// -----------------------------------------------------------------------------

func (s *WSSession) writeControl(ctx context.Context, frame controlFrame) error {
	if s.conn == nil {
		return fmt.Errorf("upstream session %s not connected", s.accountID)
	}

	deadline := time.Now().Add(upstreamWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(frame)
}

// -----------------------------------------------------------------------------

func (s *WSSession) OnTick(handler func(models.MTick)) {
	s.handlerMu.Lock()
	s.onTick = handler
	s.handlerMu.Unlock()
}

// -----------------------------------------------------------------------------

func (s *WSSession) readLoop() {
	defer close(s.done)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Logger.Warn("upstream read error", zap.Error(err))
			}
			return
		}

		var frame tickFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			// One bad frame must not stop the pipeline.
			s.Logger.Warn("dropping malformed upstream frame", zap.Error(err))
			continue
		}
		if frame.Type != "tick" {
			continue
		}

		s.handlerMu.RLock()
		handler := s.onTick
		s.handlerMu.RUnlock()
		if handler == nil {
			continue
		}

		handler(models.MTick{
			InstrumentID: frame.InstrumentID,
			Price:        frame.Price,
			Size:         frame.Size,
			OpenInterest: frame.OpenInterest,
			Timestamp:    frame.Timestamp,
			Source:       models.TickSourceLive,
		})
	}
}

// -----------------------------------------------------------------------------

func (s *WSSession) pingLoop() {
	ticker := time.NewTicker(upstreamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// -----------------------------------------------------------------------------

func (s *WSSession) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
