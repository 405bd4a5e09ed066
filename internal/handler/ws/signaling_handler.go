// Package ws carries the WebSocket edge: connection upgrade, the hub that
// maps live connections to send channels, and the read/write pumps that
// shuttle signaling envelopes between clients and the call service.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/internal/middleware"
	"carelink-backend/internal/service/call"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/env"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
	"carelink-backend/pkg/response"
)

// SignalingHub owns the live WebSocket connections. It implements
// call.Sender: the service addresses peers by connection ID and the hub
// translates that into a channel write.
type SignalingHub struct {
	service *call.Service
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[uuid.UUID]*SignalingClient

	// Concurrency limit for simultaneous WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient is one participant connection.
type SignalingClient struct {
	hub  *SignalingHub
	conn *websocket.Conn
	send chan []byte

	connectionID uuid.UUID

	// userID comes from the JWT at upgrade time. The in-band authenticate
	// message must carry the same participant ID before any signaling is
	// routed for this connection.
	userID        uuid.UUID
	displayName   string
	authenticated bool
}

// ErrConnectionGone is returned by Send when the target connection is no
// longer registered or can no longer accept writes.
var ErrConnectionGone = errors.New("ws: connection gone")

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Require an explicit origin
			return false
		}
		return middleware.AllowedOrigins()[origin]
	},
}

// NewSignalingHub creates the hub. SetService must be called before ServeWS
// because the hub and the service reference each other.
func NewSignalingHub(m *metrics.Metrics) *SignalingHub {
	maxConns := env.GetInt("WS_MAX_CONNECTIONS", 1000)

	return &SignalingHub{
		metrics:        m,
		conns:          make(map[uuid.UUID]*SignalingClient),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// SetService wires the call service in after construction.
func (h *SignalingHub) SetService(s *call.Service) {
	h.service = s
}

// Send delivers a signal to a live connection. It satisfies call.Sender.
// A full send buffer counts as a dead connection; the client is dropped and
// the write pump tears the socket down. The buffered-channel send happens
// under the read lock so it cannot race the close in closeClient, which
// holds the write lock.
func (h *SignalingHub) Send(connectionID uuid.UUID, signal *domain.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}

	h.mu.RLock()
	client, ok := h.conns[connectionID]
	if !ok {
		h.mu.RUnlock()
		return ErrConnectionGone
	}

	select {
	case client.send <- data:
		h.mu.RUnlock()
		if h.metrics != nil {
			h.metrics.RecordWebSocketMessage(signal.Type, "outbound")
		}
		return nil
	default:
		h.mu.RUnlock()
		logger.Warn("Send buffer full, dropping connection",
			zap.String("connection_id", connectionID.String()))
		h.closeClient(client)
		return ErrConnectionGone
	}
}

func (h *SignalingHub) addClient(client *SignalingClient) {
	h.mu.Lock()
	h.conns[client.connectionID] = client
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WebSocketConnected()
	}
}

// closeClient removes a client and closes its send channel exactly once.
func (h *SignalingHub) closeClient(client *SignalingClient) {
	h.mu.Lock()
	_, present := h.conns[client.connectionID]
	if present {
		delete(h.conns, client.connectionID)
		close(client.send)
	}
	h.mu.Unlock()

	if present && h.metrics != nil {
		h.metrics.WebSocketDisconnected()
	}
}

// ConnectionCount returns the number of live connections.
func (h *SignalingHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeWS upgrades an authenticated request to a WebSocket connection. The
// auth middleware has already validated the JWT and stashed the identity in
// the gin context.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.ServiceUnavailable(c, "Server at capacity, please try again later")
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-h.semaphore
		response.Unauthorized(c, "unauthorized")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-h.semaphore
		response.InternalError(c, "invalid user identity")
		return
	}

	displayName := c.GetString("display_name")

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, constants.WebSocketSendBuffer),
		connectionID: uuid.New(),
		userID:       userID,
		displayName:  displayName,
	}

	h.addClient(client)

	logger.FromContext(c.Request.Context()).Info("WebSocket connected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.connectionID.String()))

	go client.writePump()
	client.readPump()

	<-h.semaphore
}

// readPump reads envelopes from the socket and routes them to the call
// service. It runs on the upgrade goroutine and returns when the connection
// dies, which triggers disconnect handling.
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.closeClient(c)
		if c.authenticated {
			c.hub.service.Disconnect(context.Background(), c.userID, c.connectionID)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var signal domain.Signal
		if err := json.Unmarshal(message, &signal); err != nil {
			logger.Warn("Invalid signaling envelope",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketError("decode")
			}
			continue
		}

		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(signal.Type, "inbound")
		}

		if !c.route(&signal) {
			return
		}
	}
}

// route dispatches one envelope. It returns false when the connection must
// close (an authenticate that contradicts the token identity).
func (c *SignalingClient) route(signal *domain.Signal) bool {
	ctx := context.Background()

	if signal.Type == domain.SignalTypeAuthenticate {
		if signal.ParticipantID != c.userID {
			logger.Warn("Authenticate identity mismatch, closing connection",
				zap.String("token_subject", c.userID.String()),
				zap.String("claimed_id", signal.ParticipantID.String()))
			if c.hub.metrics != nil {
				c.hub.metrics.RecordWebSocketError("identity_mismatch")
			}
			return false
		}
		c.authenticated = true
		c.hub.service.Connect(ctx, c.userID, c.connectionID)
		return true
	}

	if !c.authenticated {
		logger.Warn("Dropping signal from unauthenticated connection",
			zap.String("type", signal.Type),
			zap.String("user_id", c.userID.String()))
		return true
	}

	switch signal.Type {
	case domain.SignalTypeCallRequest:
		c.hub.service.RequestCall(ctx, c.userID, c.displayName, signal.TargetID)

	case domain.SignalTypeCallResponse:
		c.hub.service.RespondToCall(ctx, signal.CallID, signal.Accepted)

	case domain.SignalTypeOffer, domain.SignalTypeAnswer, domain.SignalTypeICECandidate:
		c.hub.service.RelaySignal(ctx, c.userID, signal.TargetID, signal)

	case domain.SignalTypeCallEnded:
		c.hub.service.EndCall(ctx, signal.CallID, c.userID, domain.EndReasonHangup)

	default:
		logger.Debug("Unknown signal type",
			zap.String("type", signal.Type),
			zap.String("user_id", c.userID.String()))
	}
	return true
}

// writePump flushes the send channel to the socket and keeps the connection
// alive with pings.
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
