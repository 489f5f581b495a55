package docker

import (
	"context"
	"time"

	"github.com/docker/cli/cli/streams"
	"github.com/rs/zerolog"
)

// Resizer sets a container's TTY size.
type Resizer interface {
	ContainerResize(ctx context.Context, id string, height, width uint) error
}

type TTY struct {
	client     Resizer
	out        *streams.Out
	id         string
	maxRetries int
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewTTY creates a TTY handler for keeping the container's terminal the size
// of out. maxRetries and retryDelay control the linear retry of the first
// resize, which fails until the container has started.
func NewTTY(client Resizer, out *streams.Out, id string, maxRetries int, retryDelay time.Duration, logger zerolog.Logger) TTY {
	return TTY{
		client:     client,
		out:        out,
		id:         id,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		log:        logger,
	}
}

// Monitor resizes the container now, retrying in the background when that
// fails, and again on every SIGWINCH until ctx is done.
func (t TTY) Monitor(ctx context.Context) {
	err := t.Resize(ctx)
	if err != nil {
		go func() {
			var err error
			for retry := range t.maxRetries {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(retry+1) * t.retryDelay):
					if err = t.Resize(ctx); err == nil {
						return
					}
				}
			}
			if err != nil {
				t.log.Warn().Err(err).Str("container_id", t.id).Msg("failed to resize tty")
			}
		}()
	}

	t.watchResize(ctx)
}

// Resize matches the container's TTY to the terminal. A terminal reporting
// zero size is left alone.
func (t TTY) Resize(ctx context.Context) error {
	height, width := t.out.GetTtySize()
	if height == 0 && width == 0 {
		return nil
	}
	return t.client.ContainerResize(ctx, t.id, height, width)
}
