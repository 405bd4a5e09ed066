package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// MockProvider is a no-op Provider for development and tests. It records the
// notifications it was asked to send.
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider; every token is reported as delivered.
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("Mock push sent",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns a copy of every notification passed to Send.
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
