package registry

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
)

// Credentials authenticate against a single registry.
type Credentials struct {
	Username      string
	Password      string
	IdentityToken string
}

// CredentialResolver looks up credentials for a registry host. ok is false
// when the resolver has nothing configured for the host.
type CredentialResolver interface {
	Resolve(registry string) (creds Credentials, ok bool, err error)
}

var nonAlpha = regexp.MustCompile(`[^A-Z]+`)

// EnvPrefix derives the environment variable prefix for a registry host:
// upper-cased, runs of non-letters collapsed to one underscore and trimmed.
// docker.io becomes DOCKER_IO and host:5000 becomes HOST.
func EnvPrefix(registry string) string {
	return strings.Trim(nonAlpha.ReplaceAllString(strings.ToUpper(registry), "_"), "_")
}

// EnvResolver reads <PREFIX>_USER and <PREFIX>_PASSWORD.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver resolves from environ, a list of KEY=VALUE pairs. A nil
// environ reads the process environment.
func NewEnvResolver(environ []string) EnvResolver {
	if environ == nil {
		return EnvResolver{lookup: os.LookupEnv}
	}

	values := make(map[string]string, len(environ))
	for _, pair := range environ {
		key, value, ok := strings.Cut(pair, "=")
		if ok {
			values[key] = value
		}
	}

	return EnvResolver{lookup: func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}}
}

func (r EnvResolver) Resolve(registry string) (Credentials, bool, error) {
	prefix := EnvPrefix(registry)
	user, ok := r.lookup(prefix + "_USER")
	if !ok || user == "" {
		return Credentials{}, false, nil
	}
	password, _ := r.lookup(prefix + "_PASSWORD")
	return Credentials{Username: user, Password: password}, true, nil
}

// StaticResolver serves fixed credentials keyed by registry host.
type StaticResolver map[string]Credentials

func (r StaticResolver) Resolve(registry string) (Credentials, bool, error) {
	creds, ok := r[registry]
	return creds, ok, nil
}

// ChainResolver returns the first match among its resolvers.
type ChainResolver []CredentialResolver

func (c ChainResolver) Resolve(registry string) (Credentials, bool, error) {
	for _, resolver := range c {
		creds, ok, err := resolver.Resolve(registry)
		if err != nil {
			return Credentials{}, false, err
		}
		if ok {
			return creds, true, nil
		}
	}
	return Credentials{}, false, nil
}

// legacyIndexServer is the key docker login stores Docker Hub credentials under.
const legacyIndexServer = "https://index.docker.io/v1/"

// DockerConfigResolver reads credentials saved by docker login, including
// those kept by a credential helper.
type DockerConfigResolver struct {
	file *configfile.ConfigFile
}

// NewDockerConfigResolver loads config.json from dir, or from the default
// docker config directory when dir is empty. Warnings are written to warn.
func NewDockerConfigResolver(dir string, warn io.Writer) (DockerConfigResolver, error) {
	var (
		file *configfile.ConfigFile
		err  error
	)
	if dir == "" {
		file = config.LoadDefaultConfigFile(warn)
	} else {
		file, err = config.Load(dir)
		if err != nil {
			return DockerConfigResolver{}, fmt.Errorf("failed to load docker config from %q: %w", dir, err)
		}
	}
	return DockerConfigResolver{file: file}, nil
}

func (r DockerConfigResolver) Resolve(registry string) (Credentials, bool, error) {
	if r.file == nil {
		return Credentials{}, false, nil
	}

	key := registry
	if registry == DefaultRegistry {
		key = legacyIndexServer
	}

	auth, err := r.file.GetAuthConfig(key)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("failed to read docker credentials for %q: %w", registry, err)
	}
	if auth.Username == "" && auth.IdentityToken == "" {
		return Credentials{}, false, nil
	}

	return Credentials{
		Username:      auth.Username,
		Password:      auth.Password,
		IdentityToken: auth.IdentityToken,
	}, true, nil
}
