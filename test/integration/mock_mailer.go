package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MailRequest is one recorded call to the mock email provider.
type MailRequest struct {
	Type    string
	Data    map[string]any
	Headers http.Header
}

type scriptedResponse struct {
	status int
	body   map[string]any
}

// MockMailBackend stands in for the transactional email provider. By default
// every send succeeds with a generated message ID; failures can be scripted
// per call with FailNextWith.
type MockMailBackend struct {
	mu       sync.Mutex
	server   *httptest.Server
	requests []MailRequest
	queue    []scriptedResponse
	nextID   int
}

func newMockMailBackend(t *testing.T) *MockMailBackend {
	t.Helper()

	m := &MockMailBackend{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the mock provider's base URL.
func (m *MockMailBackend) URL() string {
	return m.server.URL
}

func (m *MockMailBackend) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, MailRequest{
		Type:    req.Type,
		Data:    req.Data,
		Headers: r.Header.Clone(),
	})
	m.nextID++
	id := m.nextID
	var scripted *scriptedResponse
	if len(m.queue) > 0 {
		scripted = &m.queue[0]
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if scripted != nil {
		w.WriteHeader(scripted.status)
		json.NewEncoder(w).Encode(scripted.body)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"message_id": fmt.Sprintf("msg-%d", id),
	})
}

// FailNextWith scripts the next send to return the given HTTP status.
func (m *MockMailBackend) FailNextWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scriptedResponse{
		status: status,
		body:   map[string]any{"success": false, "error": "scripted failure"},
	})
}

// RejectNext scripts the next send to return 200 with success=false, which
// the mailer treats as a permanent provider failure.
func (m *MockMailBackend) RejectNext(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, scriptedResponse{
		status: http.StatusOK,
		body:   map[string]any{"success": false, "error": message},
	})
}

// CallCount returns how many sends of the given email type were recorded.
// An empty type counts all sends.
func (m *MockMailBackend) CallCount(emailType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if emailType == "" || req.Type == emailType {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent send of the given email type, or nil.
func (m *MockMailBackend) LastRequest(emailType string) *MailRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Type == emailType {
			req := m.requests[i]
			return &req
		}
	}
	return nil
}

// Reset clears all recorded requests and scripted responses.
func (m *MockMailBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.queue = nil
}
