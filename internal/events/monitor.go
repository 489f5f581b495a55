package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/moby/moby/api/types/events"
	"github.com/rs/zerolog"

	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
)

// errIdle ends a subscription the watchdog gave up on.
var errIdle = errors.New("no event within the idle timeout")

// Source opens the engine event feed. docker.Client implements it.
type Source interface {
	Events(ctx context.Context, since string, filters docker.Filters) (io.ReadCloser, error)
}

// Filter selects events by type and label. A label is "key" or "key=value".
type Filter struct {
	Types  []events.Type
	Labels []string
}

func (f Filter) filters() docker.Filters {
	filters := docker.NewFilters()
	for _, t := range f.Types {
		filters.Add("type", string(t))
	}
	for _, label := range f.Labels {
		filters.Add("label", label)
	}
	return filters
}

type Options struct {
	// IdleTimeout closes a subscription that delivered nothing for this long.
	IdleTimeout time.Duration
	// RetryDelay is the wait before re-subscribing after a failed request.
	RetryDelay time.Duration
	// Since is the initial cursor. Empty starts from now.
	Since string
	// Sleep waits between retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultRetryDelay  = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	return o
}

type Monitor struct {
	source  Source
	options Options
	log     zerolog.Logger
}

func NewMonitor(source Source, options Options) Monitor {
	return Monitor{
		source:  source,
		options: options.withDefaults(),
		log:     log.WithComponent("events"),
	}
}

// Subscribe calls onEvent for every event matching filter, in order, from a
// single goroutine. It only returns when ctx is done, with ctx's error.
func (m Monitor) Subscribe(ctx context.Context, filter Filter, onEvent func(events.Message)) error {
	filters := filter.filters()
	since := m.options.Since

	for {
		cursor, err := m.stream(ctx, since, filters, onEvent)
		if cursor != "" {
			since = cursor
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, errIdle):
			metrics.EventReconnects.WithLabelValues("idle").Inc()
			m.log.Debug().Str("since", since).Msg("event feed idle, resubscribing")
		case err != nil:
			metrics.EventReconnects.WithLabelValues("error").Inc()
			m.log.Warn().Err(err).Dur("retry_in", m.options.RetryDelay).Msg("event subscription failed")
			if err := m.options.Sleep(ctx, m.options.RetryDelay); err != nil {
				return err
			}
		default:
			metrics.EventReconnects.WithLabelValues("closed").Inc()
			m.log.Debug().Str("since", since).Msg("event stream closed, resubscribing")
		}
	}
}

// stream runs one subscription until the feed ends, fails or idles out, and
// returns the cursor after the last event delivered.
func (m Monitor) stream(ctx context.Context, since string, filters docker.Filters, onEvent func(events.Message)) (string, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	body, err := m.source.Events(reqCtx, since, filters)
	if err != nil {
		return "", err
	}
	defer body.Close()

	watchdog := time.AfterFunc(m.options.IdleTimeout, func() {
		cancel(errIdle)
		body.Close()
	})
	defer watchdog.Stop()

	var cursor string
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var message events.Message
			if decodeErr := json.Unmarshal(line, &message); decodeErr != nil {
				m.log.Debug().Err(decodeErr).Msg("skipping undecodable event")
			} else {
				watchdog.Reset(m.options.IdleTimeout)
				cursor = strconv.FormatInt(message.Time+1, 10)
				onEvent(message)
			}
		}

		if err != nil {
			if errors.Is(context.Cause(reqCtx), errIdle) {
				return cursor, errIdle
			}
			if errors.Is(err, io.EOF) {
				return cursor, nil
			}
			return cursor, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
