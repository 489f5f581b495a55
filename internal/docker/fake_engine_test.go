package docker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/stream"
	"github.com/ryanmoran/stackrun/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeEngine serves the container path of the engine API for a single
// container "c1". Attach output is written once the container is started,
// after which the container counts as removed.
type fakeEngine struct {
	server *httptest.Server

	stdout        string
	stderr        string
	exitCode      int64
	createStatus  int
	startStatus   int
	connectStatus int

	started     chan struct{}
	removed     chan struct{}
	done        chan struct{}
	startedOnce sync.Once

	mu        sync.Mutex
	calls     []string
	created   container.CreateRequest
	connected []string
	deletes   []string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()

	f := &fakeEngine{
		started: make(chan struct{}),
		removed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	t.Cleanup(func() { close(f.done) })
	return f
}

func (f *fakeEngine) client(t *testing.T) docker.Client {
	t.Helper()

	endpoint, err := transport.ParseEndpoint("tcp://" + strings.TrimPrefix(f.server.URL, "http://"))
	require.NoError(t, err)
	tr, err := transport.New(endpoint, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return docker.NewClient(tr)
}

func (f *fakeEngine) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	f.record(r)

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/images/"):
		_, _ = w.Write([]byte(`{"Id":"sha256:abc"}`))

	case r.URL.Path == "/containers/create":
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			_, _ = w.Write([]byte(`{"message":"invalid mount config"}`))
			return
		}
		var spec container.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&spec)
		f.mu.Lock()
		f.created = spec
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"c1","Warnings":[]}`))

	case r.URL.Path == "/containers/c1/attach":
		f.attach(w)

	case strings.HasPrefix(r.URL.Path, "/networks/"):
		if f.connectStatus != 0 {
			w.WriteHeader(f.connectStatus)
			_, _ = w.Write([]byte(`{"message":"network not found"}`))
			return
		}
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/networks/"), "/connect")
		f.mu.Lock()
		f.connected = append(f.connected, name)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case r.URL.Path == "/containers/c1/wait":
		if r.URL.Query().Get("condition") != "removed" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-f.removed:
			_ = json.NewEncoder(w).Encode(container.WaitResponse{StatusCode: f.exitCode})
		case <-r.Context().Done():
		case <-f.done:
		}

	case r.URL.Path == "/containers/c1/start":
		if f.startStatus != 0 {
			w.WriteHeader(f.startStatus)
			_, _ = w.Write([]byte(`{"message":"executable file not found"}`))
			return
		}
		f.startedOnce.Do(func() { close(f.started) })
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && r.URL.Path == "/containers/c1":
		f.mu.Lock()
		f.deletes = append(f.deletes, r.URL.Query().Get("force"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeEngine) attach(w http.ResponseWriter) {
	conn, buf, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = buf.WriteString("HTTP/1.1 101 UPGRADED\r\nContent-Type: application/vnd.docker.multiplexed-stream\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
	_ = buf.Flush()

	select {
	case <-f.started:
	case <-f.done:
		return
	}

	if f.stdout != "" {
		_, _ = conn.Write(stream.EncodeFrame(stream.Primary, []byte(f.stdout)))
	}
	if f.stderr != "" {
		_, _ = conn.Write(stream.EncodeFrame(stream.Secondary, []byte(f.stderr)))
	}
	conn.Close()
	close(f.removed)
}
