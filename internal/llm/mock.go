package llm

import (
	"context"
	"sync"
)

// MockCall records one Generate invocation made against a Mock.
type MockCall struct {
	System   string
	History  []Message
	Sampling Sampling
}

// MockResponse is a canned response for the Mock generator.
type MockResponse struct {
	Content string
	Err     error
}

// Mock is a deterministic Generator for testing and dry runs. It returns
// canned responses in FIFO order and records all requests.
type Mock struct {
	mu        sync.Mutex
	responses []MockResponse
	Calls     []MockCall
}

// NewMock creates a Mock with the given canned responses.
func NewMock(responses ...MockResponse) *Mock {
	return &Mock{responses: responses}
}

// Generate returns the next canned response. An empty queue fails with
// *ModelCallError so exhausted scripts surface as test failures rather
// than silent empty replies.
func (m *Mock) Generate(_ context.Context, system string, history []Message, cfg Sampling) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := make([]Message, len(history))
	copy(hist, history)
	m.Calls = append(m.Calls, MockCall{System: system, History: hist, Sampling: cfg})

	if len(m.responses) == 0 {
		return "", &ModelCallError{Op: "mock", Err: errExhausted}
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	if resp.Err != nil {
		return "", resp.Err
	}
	return resp.Content, nil
}

// AddResponse appends a canned response to the queue.
func (m *Mock) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// CallCount returns the number of Generate calls made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type exhaustedError struct{}

func (exhaustedError) Error() string { return "mock response queue exhausted" }

var errExhausted = exhaustedError{}
