package mocks

import (
	"context"
	"sync"

	"github.com/mdmdirector/mdmrelay/mdm"
)

// MockPushTransport - mock implementation of PushTransport for testing
type MockPushTransport struct {
	SendFunc func(ctx context.Context, n mdm.PushNotification) error

	mu sync.Mutex
	// Call tracking
	SendCalls []mdm.PushNotification
}

// Ensure MockPushTransport implements PushTransport
var _ mdm.PushTransport = (*MockPushTransport)(nil)

// Send implements PushTransport.Send
func (m *MockPushTransport) Send(ctx context.Context, n mdm.PushNotification) error {
	m.mu.Lock()
	m.SendCalls = append(m.SendCalls, n)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, n)
	}
	return nil
}

// Calls returns a copy of the recorded Send calls.
func (m *MockPushTransport) Calls() []mdm.PushNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mdm.PushNotification(nil), m.SendCalls...)
}

// CallsForToken counts Send calls addressed to token.
func (m *MockPushTransport) CallsForToken(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.SendCalls {
		if string(call.Token) == token {
			count++
		}
	}
	return count
}
