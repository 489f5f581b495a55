package docker

import (
	"context"
	"net"

	"github.com/ryanmoran/stackrun/internal/transport"
)

// Doer sends requests to the engine. This allows for dependency injection and
// testing with mocks.
//
// *transport.Transport implements this interface.
//
// Usage:
//
//	// Production code: use a real transport
//	t, err := transport.New(endpoint, transport.Options{})
//	if err != nil {
//	    return err
//	}
//	c := docker.NewClient(t)
//
//	// Or use the convenience function:
//	c, err := docker.NewDefaultClient(endpoint, transport.Options{})
//
//	// Test code: inject a mock
//	type mockDoer struct{}
//	func (m *mockDoer) Send(...) { /* mock implementation */ }
//	c := docker.NewClient(&mockDoer{})
type Doer interface {
	Send(ctx context.Context, r transport.Request) (*transport.Response, error)
	Hijack(ctx context.Context, r transport.Request) (net.Conn, error)
}
