package docker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/ryanmoran/stackrun/internal/transport"
)

// mockDoer is a mock implementation of docker.Doer for testing
type mockDoer struct {
	sendFunc   func(ctx context.Context, r transport.Request) (*transport.Response, error)
	hijackFunc func(ctx context.Context, r transport.Request) (net.Conn, error)

	mu       sync.Mutex
	requests []transport.Request
}

func (m *mockDoer) Send(ctx context.Context, r transport.Request) (*transport.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, r)
	m.mu.Unlock()

	if m.sendFunc != nil {
		return m.sendFunc(ctx, r)
	}
	return nil, errors.New("not implemented")
}

func (m *mockDoer) Hijack(ctx context.Context, r transport.Request) (net.Conn, error) {
	if m.hijackFunc != nil {
		return m.hijackFunc(ctx, r)
	}
	return nil, errors.New("not implemented")
}

// sent returns the "METHOD path" of every request sent so far.
func (m *mockDoer) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []string
	for _, r := range m.requests {
		calls = append(calls, r.Method+" "+r.Path)
	}
	return calls
}

// count returns how many requests matched method and path.
func (m *mockDoer) count(method, path string) int {
	n := 0
	for _, call := range m.sent() {
		if call == method+" "+path {
			n++
		}
	}
	return n
}

func respond(r transport.Request, status int, body any) *transport.Response {
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	case []byte:
		payload = b
	default:
		payload, _ = json.Marshal(b)
	}

	return &transport.Response{
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}
}
