package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
)

// Options tunes a Transport.
type Options struct {
	// Timeout bounds every Send. Zero disables it, which long-polls such as
	// the event feed and container wait require.
	Timeout time.Duration
	// APIVersion, when set, prefixes every path with /v<APIVersion>.
	APIVersion string
	Tunnel     TunnelOptions
}

// Transport sends requests to one engine endpoint.
type Transport struct {
	endpoint Endpoint
	options  Options
	client   *http.Client
	tunnel   *TunnelSession
	host     string
	log      zerolog.Logger
}

// New builds a Transport for endpoint. For ssh endpoints the TunnelSession is
// created here but connects lazily on the first request.
func New(endpoint Endpoint, options Options) (*Transport, error) {
	t := &Transport{
		endpoint: endpoint,
		options:  options,
		host:     "localhost",
		log:      log.WithComponent("transport").With().Str("endpoint", endpoint.String()).Logger(),
	}

	httpTransport := &http.Transport{
		DialContext:         t.dial,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}

	switch endpoint.Kind {
	case KindUnix, KindNamedPipe:
	case KindTCP:
		t.host = endpoint.Address
	case KindSSH:
		t.tunnel = NewTunnelSession(endpoint.SSH, options.Tunnel)
		// each request gets its own exec channel, so connections are never pooled
		httpTransport.DisableKeepAlives = true
	default:
		return nil, fmt.Errorf("failed to create transport: unsupported endpoint kind %q", endpoint.Kind)
	}

	t.client = &http.Client{
		Transport: httpTransport,
		Timeout:   options.Timeout,
	}

	return t, nil
}

// Endpoint returns the endpoint this transport was built for.
func (t *Transport) Endpoint() Endpoint {
	return t.endpoint
}

// Tunnel returns the SSH tunnel session, or nil for non-ssh endpoints.
func (t *Transport) Tunnel() *TunnelSession {
	return t.tunnel
}

// Close destroys the SSH tunnel, if any, and drops pooled connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	if t.tunnel != nil {
		return t.tunnel.Close()
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	var dialer net.Dialer
	switch t.endpoint.Kind {
	case KindUnix:
		return dialer.DialContext(ctx, "unix", t.endpoint.Address)
	case KindNamedPipe:
		return dialPipe(ctx, t.endpoint.Address)
	case KindTCP:
		return dialer.DialContext(ctx, "tcp", t.endpoint.Address)
	case KindSSH:
		return t.tunnel.DialContext(ctx)
	default:
		return nil, fmt.Errorf("unsupported endpoint kind %q", t.endpoint.Kind)
	}
}

func (t *Transport) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	body, contentType, err := r.encode()
	if err != nil {
		return nil, err
	}

	path := r.Path
	if t.options.APIVersion != "" {
		path = "/v" + t.options.APIVersion + path
	}

	target := "http://" + t.host + path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", r.Method, r.Path, err)
	}

	for key, values := range r.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	return req, nil
}

// Send performs r and returns the response with its body unread. Failing to
// reach the engine yields a *TransportError; status codes are left to the
// caller.
func (t *Transport) Send(ctx context.Context, r Request) (*Response, error) {
	req, err := t.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	t.log.Debug().Str("method", r.Method).Str("path", r.Path).Msg("sending engine request")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: t.endpoint.String(), Op: r.Method + " " + r.Path, Err: err}
	}

	metrics.EngineRequests.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()

	return &Response{
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Hijack performs r as a connection upgrade and returns the raw duplex
// stream once the engine has answered 101 (or 200 from engines that skip the
// upgrade). Any bytes the engine sent right after the response headers are
// preserved in the returned conn. The caller must close it.
func (t *Transport) Hijack(ctx context.Context, r Request) (net.Conn, error) {
	req, err := t.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	op := r.Method + " " + r.Path

	conn, err := t.dial(ctx, "tcp", t.host)
	if err != nil {
		return nil, &TransportError{Endpoint: t.endpoint.String(), Op: op, Err: err}
	}

	// the handshake honours ctx; the stream that follows is owned by the caller
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	if err := req.Write(conn); err != nil {
		stop()
		conn.Close()
		return nil, &TransportError{Endpoint: t.endpoint.String(), Op: op, Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if !stop() {
		conn.Close()
		return nil, &TransportError{Endpoint: t.endpoint.String(), Op: op, Err: ctx.Err()}
	}
	if err != nil {
		conn.Close()
		return nil, &TransportError{Endpoint: t.endpoint.String(), Op: op, Err: err}
	}

	metrics.EngineRequests.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		conn.Close()
		return nil, &ProtocolError{Method: r.Method, Path: r.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &hijackedConn{Conn: conn, reader: br}, nil
}

// hijackedConn reads through the bufio.Reader that parsed the upgrade
// response so already-buffered stream bytes are not lost.
type hijackedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *hijackedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// CloseWrite half-closes the stream when the underlying conn supports it.
func (c *hijackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
