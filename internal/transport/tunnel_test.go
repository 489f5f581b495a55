package transport_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ryanmoran/stackrun/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// sshServer accepts password logins and bridges every exec channel to a TCP
// backend, standing in for `docker system dial-stdio`.
type sshServer struct {
	listener    net.Listener
	config      *ssh.ServerConfig
	backend     string
	connections atomic.Int32

	mu       sync.Mutex
	commands []string
}

func newSSHServer(t *testing.T, backend string) *sshServer {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "deploy" && string(password) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{listener: listener, config: config, backend: backend}
	go s.accept()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *sshServer) target() transport.SSHTarget {
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	return transport.SSHTarget{User: "deploy", Host: host, Port: port}
}

func (s *sshServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *sshServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *sshServer) serve(nConn net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		nConn.Close()
		return
	}
	defer conn.Close()
	s.connections.Add(1)
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				s.mu.Lock()
				s.commands = append(s.commands, payload.Command)
				s.mu.Unlock()
				_ = req.Reply(true, nil)
				go s.bridge(channel)
			}
		}()
	}
}

func (s *sshServer) bridge(channel ssh.Channel) {
	backend, err := net.Dial("tcp", s.backend)
	if err != nil {
		channel.Close()
		return
	}
	go func() {
		_, _ = io.Copy(backend, channel)
		_ = backend.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(channel, backend)
	backend.Close()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
	channel.Close()
}

func newTunnelTransport(t *testing.T, server *sshServer, idle time.Duration, password string) *transport.Transport {
	t.Helper()
	tr, err := transport.New(transport.Endpoint{Kind: transport.KindSSH, SSH: server.target()}, transport.Options{
		Tunnel: transport.TunnelOptions{
			IdleTimeout:   idle,
			RemoteCommand: "docker system dial-stdio",
			ClientConfig: &ssh.ClientConfig{
				Auth:            []ssh.AuthMethod{ssh.Password(password)},
				HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func ping(t *testing.T, tr *transport.Transport) string {
	t.Helper()
	resp, err := tr.Send(context.Background(), transport.Request{Method: http.MethodGet, Path: "/_ping"})
	require.NoError(t, err)
	body, err := resp.ReadBody()
	require.NoError(t, err)
	return string(body)
}

func TestTunnelSession(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/containers/abc/attach" {
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = buf.WriteString("HTTP/1.1 101 UPGRADED\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\nattached")
			_ = buf.Flush()
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer engine.Close()
	backend := strings.TrimPrefix(engine.URL, "http://")

	t.Run("carries requests over the remote command stream", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, time.Minute, "secret")

		assert.Equal(t, "OK", ping(t, tr))
		assert.Equal(t, []string{"docker system dial-stdio"}, server.recorded())
		assert.Equal(t, transport.TunnelOpen, tr.Tunnel().State())
	})

	t.Run("reuses one ssh connection with one exec channel per request", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, time.Minute, "secret")

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.Equal(t, "OK", ping(t, tr))
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), server.connections.Load())
		assert.Len(t, server.recorded(), 4)
		require.Eventually(t, func() bool { return tr.Tunnel().Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("releases the session when a hijacked stream is closed", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, time.Minute, "secret")

		conn, err := tr.Hijack(context.Background(), transport.Request{Method: http.MethodPost, Path: "/containers/abc/attach"})
		require.NoError(t, err)
		assert.Equal(t, 1, tr.Tunnel().Active())

		data, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "attached", string(data))

		conn.Close()
		require.Eventually(t, func() bool { return tr.Tunnel().Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("tears the connection down after the idle timeout and reconnects lazily", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, 50*time.Millisecond, "secret")

		assert.Equal(t, "OK", ping(t, tr))
		require.Eventually(t, func() bool {
			return tr.Tunnel().State() == transport.TunnelClosed
		}, 2*time.Second, 10*time.Millisecond)

		assert.Equal(t, "OK", ping(t, tr))
		assert.Equal(t, int32(2), server.connections.Load())
	})

	t.Run("explicit close destroys the connection", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, time.Minute, "secret")

		assert.Equal(t, "OK", ping(t, tr))
		require.NoError(t, tr.Close())
		assert.Equal(t, transport.TunnelClosed, tr.Tunnel().State())
	})

	t.Run("authentication failure is surfaced without retry", func(t *testing.T) {
		server := newSSHServer(t, backend)
		tr := newTunnelTransport(t, server, time.Minute, "wrong")

		_, err := tr.Send(context.Background(), transport.Request{Method: http.MethodGet, Path: "/_ping"})
		var terr *transport.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Contains(t, err.Error(), "failed to establish ssh session")
		assert.Equal(t, int32(0), server.connections.Load())
		assert.Equal(t, transport.TunnelClosed, tr.Tunnel().State())
	})
}

func TestDefaultTunnelOptions(t *testing.T) {
	options := transport.DefaultTunnelOptions("/home/deploy", "/tmp/agent.sock")
	assert.Equal(t, "/tmp/agent.sock", options.AgentSocket)
	assert.Equal(t, "/home/deploy/.ssh/known_hosts", options.KnownHostsFile)
	assert.Contains(t, options.KeyFiles, "/home/deploy/.ssh/id_rsa")
	assert.Equal(t, transport.DefaultRemoteCommand, options.RemoteCommand)
	assert.Equal(t, time.Second, options.IdleTimeout)
}
