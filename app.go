package main

import (
	"github.com/moby/term"
	"github.com/spf13/cobra"

	"github.com/ryanmoran/stackrun/internal"
	"github.com/ryanmoran/stackrun/internal/docker"
	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/registry"
)

// app is the state shared by every command of one invocation. Clients are
// built on first use so commands that never reach the engine never dial it.
type app struct {
	env     []string
	writer  internal.Writer
	cleanup *internal.CleanupManager
	config  internal.Config

	auth   *registry.Auth
	engine *docker.Client
}

func (a *app) init(cmd *cobra.Command) error {
	config, err := internal.LoadConfig(a.env)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if host, _ := flags.GetString("host"); host != "" {
		config.Host = host
	}
	if namespace, _ := flags.GetString("namespace"); namespace != "" {
		config.Namespace = namespace
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		config.Log.Level = level
	}
	if flags.Changed("log-json") {
		jsonOutput, _ := flags.GetBool("log-json")
		config.Log.JSON = &jsonOutput
	}
	a.config = config

	log.Init(log.Config{
		Level:      log.ParseLevel(config.Log.Level),
		JSONOutput: a.jsonLogs(),
		Output:     a.writer.Err(),
	})
	return nil
}

// jsonLogs picks console output for a terminal and JSON otherwise, unless
// configured explicitly.
func (a *app) jsonLogs() bool {
	if a.config.Log.JSON != nil {
		return *a.config.Log.JSON
	}
	_, isTerminal := term.GetFdInfo(a.writer.Err())
	return !isTerminal
}

func (a *app) registryAuth() (*registry.Auth, error) {
	if a.auth != nil {
		return a.auth, nil
	}

	options, err := a.config.RegistryOptions(a.writer.Err())
	if err != nil {
		return nil, err
	}
	a.auth = registry.NewAuth(options)
	return a.auth, nil
}

func (a *app) client() (docker.Client, error) {
	if a.engine != nil {
		return *a.engine, nil
	}

	endpoint, err := a.config.Endpoint()
	if err != nil {
		return docker.Client{}, err
	}

	auth, err := a.registryAuth()
	if err != nil {
		return docker.Client{}, err
	}

	client, err := docker.NewDefaultClient(endpoint, a.config.TransportOptions())
	if err != nil {
		return docker.Client{}, err
	}
	client = client.WithAuth(auth)
	a.cleanup.Add("docker-client", client.Close)

	a.engine = &client
	return client, nil
}
