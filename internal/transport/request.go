package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// maxErrorBody bounds how much of an unexpected response is kept in a
// ProtocolError.
const maxErrorBody = 64 * 1024

// Request describes one engine call. Body is encoded as JSON; RawBody is sent
// as-is. At most one of them may be set.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    any
	RawBody io.Reader
}

// Validate rejects requests that cannot be sent.
func (r Request) Validate() error {
	if r.Method == "" {
		return errors.New("request method is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("request path %q must start with /", r.Path)
	}
	if r.Body != nil && r.RawBody != nil {
		return errors.New("request cannot carry both a JSON body and a raw body")
	}
	return nil
}

func (r Request) encode() (io.Reader, string, error) {
	switch {
	case r.RawBody != nil:
		return r.RawBody, "", nil
	case r.Body != nil:
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode body for %s %s: %w", r.Method, r.Path, err)
		}
		return bytes.NewReader(payload), "application/json", nil
	default:
		return nil, "", nil
	}
}

// Response is the engine's answer. The caller owns Body and must close it.
type Response struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close releases the response body.
func (r *Response) Close() error {
	return r.Body.Close()
}

// ReadBody drains and closes the body.
func (r *Response) ReadBody() ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response to %s %s: %w", r.Method, r.Path, err)
	}
	return body, nil
}

// Expect returns a ProtocolError, with the body drained into it, unless the
// status code is one of codes. On success the body is left open.
func (r *Response) Expect(codes ...int) error {
	if slices.Contains(codes, r.StatusCode) {
		return nil
	}
	defer r.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
	return &ProtocolError{
		Method:     r.Method,
		Path:       r.Path,
		StatusCode: r.StatusCode,
		Body:       string(body),
	}
}

// DecodeJSON checks the status code against codes and decodes the body into
// v, closing it either way.
func (r *Response) DecodeJSON(v any, codes ...int) error {
	if err := r.Expect(codes...); err != nil {
		return err
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response to %s %s: %w", r.Method, r.Path, err)
	}
	return nil
}
