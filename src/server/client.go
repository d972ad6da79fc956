package server

import (
	"net/http"
	"time"

	"market-streamer/src/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// WebSocket Client
//
// One Client per websocket connection. readPump parses client requests and
// hands them to the server's protocol handlers; writePump serializes all
// outbound traffic so the gorilla connection has a single writer.
// -----------------------------------------------------------------------------

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from app origins; auth happens at the
	// gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Client struct {
	connID    string
	userID    string
	sessionID string

	// symbol is the instrument family this connection currently holds an
	// upstream pool reference for, empty when it holds none. Mutated only
	// on the read goroutine, so the release on disconnect never depends
	// on registry state that the sweeper may already have cleared.
	symbol string

	server *Server
	conn   *websocket.Conn
	logger *zap.Logger

	send chan models.MIndicatorPush
	// replies carries protocol responses (success, error, pong) separate
	// from the indicator push stream.
	replies chan models.MServerResponse
}

// -----------------------------------------------------------------------------
// Connection Handler
// -----------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.Query("user_id")
	sessionID := c.Query("session_id")
	if userID == "" || sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and session_id are required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := &Client{
		connID:    connID,
		userID:    userID,
		sessionID: sessionID,
		server:    s,
		conn:      conn,
		logger: s.Logger.Named("client").With(
			zap.String("conn_id", connID),
			zap.String("user_id", userID)),
		send:    make(chan models.MIndicatorPush, sendBufferSize),
		replies: make(chan models.MServerResponse, 16),
	}

	s.Registry.Register(client.connID, userID, sessionID)
	s.addClient(client)

	client.logger.Info("client connected")

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Read Pump
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.Registry.Heartbeat(c.connID)
		return nil
	})

	for {
		var req models.MClientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		// Any well-formed frame counts as liveness.
		c.server.Registry.Heartbeat(c.connID)

		switch req.Action {
		case models.ActionSubscribe:
			c.server.handleSubscribe(c, req)
		case models.ActionUnsubscribe:
			c.server.handleUnsubscribe(c, req)
		case models.ActionPing:
			c.reply(models.MServerResponse{
				Type:      "pong",
				Timestamp: time.Now().UnixMilli(),
			})
		default:
			c.reply(models.MServerResponse{
				Type:      "error",
				Message:   "unknown action: " + req.Action,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

// -----------------------------------------------------------------------------
// Write Pump
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case push := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(push); err != nil {
				return
			}

		case resp := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(resp); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (c *Client) reply(resp models.MServerResponse) {
	select {
	case c.replies <- resp:
	default:
		c.logger.Warn("reply buffer full, dropping response", zap.String("type", resp.Type))
	}
}

// disconnect tears the connection down from the read side: registry drop,
// upstream demand release, then transport close. The send channel is left
// open so a racing router dispatch cannot hit a closed channel; writePump
// exits on its next write against the closed transport.
func (c *Client) disconnect() {
	c.server.handleDisconnect(c)
	c.server.removeClient(c.connID)
	c.conn.Close()
	c.logger.Info("client disconnected")
}
