package providers

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted provider for tests and offline development. Each
// Chat/ChatStream call consumes the next queued response; when the
// script runs out it repeats the last entry.
type Mock struct {
	mu        sync.Mutex
	script    []Response
	errs      []error
	pos       int
	requests  []Request
	modelName string
}

func NewMock(responses ...Response) *Mock {
	return &Mock{script: responses, modelName: "mock-1"}
}

// Enqueue appends a response to the script.
func (m *Mock) Enqueue(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, resp)
	m.errs = append(m.errs, nil)
}

// EnqueueError makes the next call fail.
func (m *Mock) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, Response{})
	m.errs = append(m.errs, err)
}

func (m *Mock) Name() string         { return "mock" }
func (m *Mock) DefaultModel() string { return m.modelName }

func (m *Mock) ListModels(context.Context) ([]ModelDescriptor, error) {
	return []ModelDescriptor{{ID: m.modelName, Provider: "mock"}}, nil
}

// Requests returns every request the mock has seen, in order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Mock) next(req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.script) == 0 {
		return nil, fmt.Errorf("mock provider: no scripted responses")
	}
	i := m.pos
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	m.pos++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	resp := m.script[i]
	return &resp, nil
}

func (m *Mock) Chat(_ context.Context, req Request) (*Response, error) {
	return m.next(req)
}

func (m *Mock) ChatStream(_ context.Context, req Request, onEvent func(StreamEvent)) (*Response, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if onEvent != nil {
		for _, r := range resp.Content {
			onEvent(StreamEvent{Token: string(r)})
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			onEvent(StreamEvent{ToolCall: &tc})
		}
		onEvent(StreamEvent{Final: resp})
	}
	return resp, nil
}
