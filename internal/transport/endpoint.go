package transport

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"runtime"
	"strings"
)

// Kind identifies the channel an Endpoint is reached through.
type Kind string

const (
	KindUnix      Kind = "unix"
	KindNamedPipe Kind = "npipe"
	KindTCP       Kind = "tcp"
	KindSSH       Kind = "ssh"
)

const (
	DefaultUnixSocket = "/var/run/docker.sock"
	DefaultNamedPipe  = `\\.\pipe\docker_engine`
	DefaultSSHPort    = "22"
	DefaultTCPPort    = "2375"
)

// SSHTarget is the remote side of an ssh:// endpoint.
type SSHTarget struct {
	User string
	Host string
	Port string
}

// Address returns host:port.
func (t SSHTarget) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// Endpoint is a resolved engine destination. It is a value type and is never
// mutated after construction.
type Endpoint struct {
	Kind Kind
	// Address is the socket or pipe path for unix and npipe endpoints, and
	// host:port for tcp endpoints. It is empty for ssh endpoints.
	Address string
	SSH     SSHTarget
}

// String returns the endpoint in connection-string form.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindUnix:
		return "unix://" + e.Address
	case KindNamedPipe:
		return "npipe://" + strings.ReplaceAll(e.Address, `\`, "/")
	case KindTCP:
		return "tcp://" + e.Address
	case KindSSH:
		return fmt.Sprintf("ssh://%s@%s", e.SSH.User, e.SSH.Address())
	default:
		return string(e.Kind)
	}
}

// DefaultEndpoint returns the engine's local control socket for the running
// platform.
func DefaultEndpoint() Endpoint {
	if runtime.GOOS == "windows" {
		return Endpoint{Kind: KindNamedPipe, Address: DefaultNamedPipe}
	}
	return SocketEndpoint(DefaultUnixSocket)
}

// SocketEndpoint builds an endpoint from a bare socket path, the structured
// {socketPath, host} form of the connection string.
func SocketEndpoint(path string) Endpoint {
	return Endpoint{Kind: KindUnix, Address: path}
}

// ParseEndpoint parses unix://, npipe://, tcp:// and ssh:// connection
// strings.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: missing scheme\nExpected unix://, npipe://, tcp:// or ssh://", s)
	}

	switch Kind(scheme) {
	case KindUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: empty socket path", s)
		}
		return Endpoint{Kind: KindUnix, Address: rest}, nil

	case KindNamedPipe:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: empty pipe path", s)
		}
		return Endpoint{Kind: KindNamedPipe, Address: strings.ReplaceAll(rest, "/", `\`)}, nil

	case KindTCP:
		u, err := url.Parse(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", s, err)
		}
		if u.Hostname() == "" {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: missing host", s)
		}
		port := u.Port()
		if port == "" {
			port = DefaultTCPPort
		}
		return Endpoint{Kind: KindTCP, Address: net.JoinHostPort(u.Hostname(), port)}, nil

	case KindSSH:
		u, err := url.Parse(s)
		if err != nil {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", s, err)
		}
		if u.Hostname() == "" {
			return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: missing host", s)
		}
		target := SSHTarget{
			User: u.User.Username(),
			Host: u.Hostname(),
			Port: u.Port(),
		}
		if target.User == "" {
			target.User = currentUser()
		}
		if target.Port == "" {
			target.Port = DefaultSSHPort
		}
		return Endpoint{Kind: KindSSH, SSH: target}, nil

	default:
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: unsupported scheme %q\nExpected unix://, npipe://, tcp:// or ssh://", s, scheme)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
