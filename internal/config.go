package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/events"
	"github.com/ryanmoran/stackrun/internal/registry"
	"github.com/ryanmoran/stackrun/internal/transport"
)

const (
	// DefaultRemoveTimeout bounds the forced removal of a container or the
	// deletion of a service once a run is over.
	DefaultRemoveTimeout = 30 * time.Second

	// DefaultTTYRetries is the number of retry attempts for initial TTY resize operations.
	// The container may not be fully ready when we first try to resize, so we retry
	// multiple times with increasing delays.
	DefaultTTYRetries = 10

	// DefaultRetryDelay is the base delay between TTY resize retry attempts.
	// Each retry multiplies this by (retry+1): 10ms, 20ms, 30ms, etc.
	DefaultRetryDelay = 10 * time.Millisecond
)

type Config struct {
	// Host is the engine connection string, DOCKER_HOST.
	Host string `yaml:"host"`
	// Namespace scopes lists and labels new objects, STACK_NAME.
	Namespace string `yaml:"namespace"`

	SSHAuthSock string `yaml:"ssh_auth_sock"`
	Home        string `yaml:"home"`
	// File is the YAML file the config was overlaid with, STACKRUN_CONFIG.
	File string `yaml:"-"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	Tunnel         TunnelConfig  `yaml:"tunnel"`
	Poll           PollConfig    `yaml:"poll"`
	Events         EventsConfig  `yaml:"events"`
	Log            LogConfig     `yaml:"log"`

	TTYRetries    int           `yaml:"tty_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RemoveTimeout time.Duration `yaml:"remove_timeout"`

	// InsecureRegistries are reached over plain http.
	InsecureRegistries []string `yaml:"insecure_registries"`

	// Environment is the raw environment, consulted for registry credentials.
	Environment Environment `yaml:"-"`
}

type TunnelConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	RemoteCommand string        `yaml:"remote_command"`
}

type PollConfig struct {
	Initial time.Duration `yaml:"initial"`
	Step    time.Duration `yaml:"step"`
	Max     time.Duration `yaml:"max"`
}

type EventsConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// JSON forces JSON output. Unset lets the terminal decide.
	JSON *bool `yaml:"json"`
}

// ParseConfig builds the configuration from an environment slice. Keys that
// are absent keep their defaults.
func ParseConfig(environment []string) Config {
	lookup := make(map[string]string)
	for _, variable := range environment {
		key, value, ok := strings.Cut(variable, "=")
		if ok {
			lookup[key] = value
		}
	}

	backoff := docker.DefaultBackoff()
	config := Config{
		Host:           lookup["DOCKER_HOST"],
		Namespace:      lookup["STACK_NAME"],
		SSHAuthSock:    lookup["SSH_AUTH_SOCK"],
		Home:           lookup["HOME"],
		File:           lookup["STACKRUN_CONFIG"],
		RequestTimeout: 0,
		Tunnel: TunnelConfig{
			IdleTimeout:   transport.DefaultTunnelIdleTimeout,
			RemoteCommand: transport.DefaultRemoteCommand,
		},
		Poll: PollConfig{
			Initial: backoff.Initial,
			Step:    backoff.Step,
			Max:     backoff.Max,
		},
		Events: EventsConfig{
			IdleTimeout: events.DefaultIdleTimeout,
			RetryDelay:  events.DefaultRetryDelay,
		},
		Log:           LogConfig{Level: "info"},
		TTYRetries:    DefaultTTYRetries,
		RetryDelay:    DefaultRetryDelay,
		RemoveTimeout: DefaultRemoveTimeout,
		Environment:   Environment(environment),
	}

	if level, ok := lookup["STACKRUN_LOG_LEVEL"]; ok {
		config.Log.Level = level
	}

	return config
}

// LoadConfig parses the environment and overlays the file named by
// STACKRUN_CONFIG, when set.
func LoadConfig(environment []string) (Config, error) {
	config := ParseConfig(environment)
	if config.File == "" {
		return config, nil
	}

	path := config.File
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config file %q: %w\nCheck that STACKRUN_CONFIG points at a readable file", path, err)
	}
	defer file.Close()

	config, err = config.Overlay(file)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	return config, nil
}

// Overlay returns c with every key present in the YAML document replaced.
func (c Config) Overlay(r io.Reader) (Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	overlaid := c
	err := decoder.Decode(&overlaid)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return overlaid, nil
}

// Endpoint parses Host, falling back to the platform's local socket.
func (c Config) Endpoint() (transport.Endpoint, error) {
	if c.Host == "" {
		return transport.DefaultEndpoint(), nil
	}
	return transport.ParseEndpoint(c.Host)
}

func (c Config) TransportOptions() transport.Options {
	tunnel := transport.DefaultTunnelOptions(c.Home, c.SSHAuthSock)
	tunnel.IdleTimeout = c.Tunnel.IdleTimeout
	tunnel.RemoteCommand = c.Tunnel.RemoteCommand

	return transport.Options{
		Timeout: c.RequestTimeout,
		Tunnel:  tunnel,
	}
}

func (c Config) Backoff() docker.Backoff {
	return docker.Backoff{
		Initial: c.Poll.Initial,
		Step:    c.Poll.Step,
		Max:     c.Poll.Max,
	}
}

func (c Config) ContainerOptions(name string) docker.ContainerOptions {
	return docker.ContainerOptions{
		Name:          name,
		TTYRetries:    c.TTYRetries,
		RetryDelay:    c.RetryDelay,
		RemoveTimeout: c.RemoveTimeout,
	}
}

func (c Config) OrchestratorOptions() docker.OrchestratorOptions {
	return docker.OrchestratorOptions{
		Backoff:        c.Backoff(),
		CleanupTimeout: c.RemoveTimeout,
	}
}

func (c Config) MonitorOptions() events.Options {
	return events.Options{
		IdleTimeout: c.Events.IdleTimeout,
		RetryDelay:  c.Events.RetryDelay,
	}
}

// RegistryOptions resolves credentials from <REGISTRY>_USER/_PASSWORD first
// and the docker config file second. Problems reading the docker config file
// are written to warn.
func (c Config) RegistryOptions(warn io.Writer) (registry.Options, error) {
	dockerConfig, err := registry.NewDockerConfigResolver("", warn)
	if err != nil {
		return registry.Options{}, err
	}

	return registry.Options{
		Credentials: registry.ChainResolver{
			registry.NewEnvResolver(c.Environment),
			dockerConfig,
		},
		Insecure: c.InsecureRegistries,
	}, nil
}
