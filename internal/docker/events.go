package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ryanmoran/stackrun/internal/transport"
)

// Events opens the engine's event feed. since is a unix timestamp cursor
// and may be empty. The caller reads newline-delimited JSON messages from
// the returned body until it closes it or the engine ends the stream.
func (c Client) Events(ctx context.Context, since string, filters Filters) (io.ReadCloser, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}
	if since != "" {
		query.Set("since", since)
	}

	resp, err := c.send(ctx, transport.Request{Method: http.MethodGet, Path: "/events", Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}
	if err := resp.Expect(http.StatusOK); err != nil {
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}
	return resp.Body, nil
}
