package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ryanmoran/stackrun/internal/log"
)

const (
	DefaultTunnelIdleTimeout = time.Second
	DefaultRemoteCommand     = "docker system dial-stdio"
)

// TunnelOptions configures how a TunnelSession reaches and authenticates to
// the SSH host.
type TunnelOptions struct {
	// IdleTimeout is how long the SSH connection survives once no request is
	// using it.
	IdleTimeout time.Duration
	// RemoteCommand bridges the exec channel to the engine's control socket.
	RemoteCommand string
	// AgentSocket is tried first for authentication.
	AgentSocket string
	// KeyFiles are private keys tried when no agent is available.
	KeyFiles []string
	// KnownHostsFile verifies the host key when it exists.
	KnownHostsFile string
	DialTimeout    time.Duration
	// ClientConfig, when set, replaces the auth and host-key setup above.
	ClientConfig *ssh.ClientConfig
}

// DefaultTunnelOptions derives agent socket, key files and known hosts from
// the given home directory and agent socket path.
func DefaultTunnelOptions(home, agentSocket string) TunnelOptions {
	options := TunnelOptions{
		IdleTimeout:   DefaultTunnelIdleTimeout,
		RemoteCommand: DefaultRemoteCommand,
		AgentSocket:   agentSocket,
		DialTimeout:   10 * time.Second,
	}
	if home != "" {
		dir := filepath.Join(home, ".ssh")
		options.KeyFiles = []string{
			filepath.Join(dir, "id_rsa"),
			filepath.Join(dir, "id_ed25519"),
			filepath.Join(dir, "id_ecdsa"),
		}
		options.KnownHostsFile = filepath.Join(dir, "known_hosts")
	}
	return options
}

// TunnelState is the lifecycle state of a TunnelSession.
type TunnelState string

const (
	TunnelClosed TunnelState = "closed"
	TunnelOpen   TunnelState = "open"
)

// TunnelSession owns one SSH client connection shared by every request sent
// through an ssh:// endpoint. Each request runs the remote command on its own
// exec channel. Connecting is serialized, so concurrent requests queue for the
// single connection instead of opening their own. Once the last channel
// closes an idle timer tears the connection down; it is recreated on the next
// request.
type TunnelSession struct {
	target  SSHTarget
	options TunnelOptions
	log     zerolog.Logger

	mu      sync.Mutex
	client  *ssh.Client
	closers []io.Closer
	active  int
	idle    *time.Timer
}

// NewTunnelSession returns a closed session for target.
func NewTunnelSession(target SSHTarget, options TunnelOptions) *TunnelSession {
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultTunnelIdleTimeout
	}
	if options.RemoteCommand == "" {
		options.RemoteCommand = DefaultRemoteCommand
	}
	return &TunnelSession{
		target:  target,
		options: options,
		log:     log.WithComponent("tunnel").With().Str("ssh_host", target.Address()).Logger(),
	}
}

// State reports whether the SSH connection is currently established.
func (s *TunnelSession) State() TunnelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return TunnelClosed
	}
	return TunnelOpen
}

// Active returns the number of exec channels in use.
func (s *TunnelSession) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// DialContext opens an exec channel running the remote command and returns
// it as a net.Conn. The SSH connection is established first if needed.
// Failures are returned as is; nothing is retried.
func (s *TunnelSession) DialContext(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	client, err := s.connectLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.active++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()

	conn, err := s.exec(client)
	if err != nil {
		s.release()
		return nil, err
	}
	return conn, nil
}

// Close tears the SSH connection down regardless of open channels.
func (s *TunnelSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	return s.teardownLocked()
}

func (s *TunnelSession) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if s.client != nil {
		return s.client, nil
	}

	config, closers, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.target.Address())
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("failed to dial ssh host %s: %w", s.target.Address(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.target.Address(), config)
	if err != nil {
		conn.Close()
		closeAll(closers)
		return nil, fmt.Errorf("failed to establish ssh session with %s@%s: %w", s.target.User, s.target.Address(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	s.client = client
	s.closers = closers
	s.log.Debug().Msg("ssh connection established")

	go s.watch(client)

	return client, nil
}

// watch drops the connection once the server ends it or it errors, so the
// next request reconnects.
func (s *TunnelSession) watch(client *ssh.Client) {
	err := client.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != client {
		return
	}
	s.log.Debug().Err(err).Msg("ssh connection ended")
	s.client = nil
	closeAll(s.closers)
	s.closers = nil
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
}

func (s *TunnelSession) teardownLocked() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	err := client.Close()
	closeAll(s.closers)
	s.closers = nil
	s.log.Debug().Msg("ssh connection closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *TunnelSession) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	if s.active == 0 && s.client != nil {
		if s.idle != nil {
			s.idle.Stop()
		}
		s.idle = time.AfterFunc(s.options.IdleTimeout, s.expire)
	}
}

func (s *TunnelSession) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		return
	}
	s.idle = nil
	_ = s.teardownLocked()
}

func (s *TunnelSession) exec(client *ssh.Client) (net.Conn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh exec channel on %s: %w", s.target.Address(), err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open ssh exec stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open ssh exec stdout: %w", err)
	}
	session.Stderr = &stderrLogger{log: s.log}

	if err := session.Start(s.options.RemoteCommand); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to run %q on %s: %w", s.options.RemoteCommand, s.target.Address(), err)
	}

	return &execConn{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		release: s.release,
		remote:  tunnelAddr(s.target.Address()),
	}, nil
}

func (s *TunnelSession) clientConfig() (*ssh.ClientConfig, []io.Closer, error) {
	if s.options.ClientConfig != nil {
		config := *s.options.ClientConfig
		if config.User == "" {
			config.User = s.target.User
		}
		return &config, nil, nil
	}

	var (
		methods []ssh.AuthMethod
		closers []io.Closer
	)

	if s.options.AgentSocket != "" {
		conn, err := net.Dial("unix", s.options.AgentSocket)
		if err != nil {
			s.log.Warn().Err(err).Str("socket", s.options.AgentSocket).Msg("ssh agent unreachable, falling back to key files")
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closers = append(closers, conn)
		}
	}

	if len(methods) == 0 {
		var signers []ssh.Signer
		for _, path := range s.options.KeyFiles {
			key, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				s.log.Warn().Err(err).Str("key", path).Msg("skipping unusable private key")
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("failed to authenticate to %s: no ssh agent or private key available\nSet SSH_AUTH_SOCK or provide a key in ~/.ssh", s.target.Address())
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if s.options.KnownHostsFile != "" {
		if _, err := os.Stat(s.options.KnownHostsFile); err == nil {
			callback, err := knownhosts.New(s.options.KnownHostsFile)
			if err != nil {
				closeAll(closers)
				return nil, nil, fmt.Errorf("failed to load known hosts %q: %w", s.options.KnownHostsFile, err)
			}
			hostKeys = callback
		} else {
			s.log.Warn().Str("known_hosts", s.options.KnownHostsFile).Msg("known hosts file missing, host key is not verified")
		}
	}

	return &ssh.ClientConfig{
		User:            s.target.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         s.options.DialTimeout,
	}, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}

type stderrLogger struct {
	log zerolog.Logger
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.log.Debug().Str("stderr", string(p)).Msg("remote command output")
	return len(p), nil
}
