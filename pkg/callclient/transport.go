package callclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carelink-backend/internal/domain"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/logger"
)

// WSTransport is the WebSocket implementation of Transport.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the signaling endpoint. The JWT goes in the
// Authorization header; servers that cannot read headers on upgrade accept
// it as a token query parameter instead.
func Dial(ctx context.Context, url, token string) (*WSTransport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			logger.Warn("Signaling dial rejected",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode))
		}
		return nil, err
	}

	return &WSTransport{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// Send writes one envelope. Safe for concurrent use.
func (t *WSTransport) Send(signal *domain.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Listen reads envelopes and feeds them to the client until the connection
// closes. It blocks; run it on its own goroutine.
func (t *WSTransport) Listen(client *Client) {
	t.conn.SetPingHandler(func(appData string) error {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		t.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
		return t.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Signaling connection lost", zap.Error(err))
			}
			return
		}

		var signal domain.Signal
		if err := json.Unmarshal(data, &signal); err != nil {
			logger.Warn("Discarding malformed envelope", zap.Error(err))
			continue
		}
		client.HandleSignal(&signal)
	}
}

// Close shuts the connection down. Idempotent.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
