package docker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/api/types/volume"

	"github.com/ryanmoran/stackrun/internal/transport"
)

func (c Client) SecretList(ctx context.Context, filters Filters) ([]swarm.Secret, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var secrets []swarm.Secret
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/secrets", Query: query}, &secrets, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	return secrets, nil
}

func (c Client) ConfigList(ctx context.Context, filters Filters) ([]swarm.Config, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var configs []swarm.Config
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/configs", Query: query}, &configs, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	return configs, nil
}

type idResponse struct {
	ID string `json:"ID"`
}

func (c Client) ConfigCreate(ctx context.Context, spec swarm.ConfigSpec) (string, error) {
	var created idResponse
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/configs/create",
		Body:   spec,
	}, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("failed to create config %q: %w", spec.Name, err)
	}
	return created.ID, nil
}

// ConfigDelete deletes id. A config that is already gone is not an error.
func (c Client) ConfigDelete(ctx context.Context, id string) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/configs/" + id,
	}, nil, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return fmt.Errorf("failed to delete config %q: %w\nThe config may still be referenced by a service", id, err)
	}
	return nil
}

// ConfigRead returns the data of the config named name. ok is false when no
// such config exists.
func (c Client) ConfigRead(ctx context.Context, name string) (data []byte, ok bool, err error) {
	config, ok, err := c.configNamed(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return config.Spec.Data, true, nil
}

// ConfigWrite replaces the config named name, since configs are immutable:
// any existing one is deleted before the new one is created. The namespace
// label is added when namespace is set.
func (c Client) ConfigWrite(ctx context.Context, name, namespace string, data []byte, labels map[string]string) (string, error) {
	existing, ok, err := c.configNamed(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		if err := c.ConfigDelete(ctx, existing.ID); err != nil {
			return "", err
		}
	}

	merged := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		merged[k] = v
	}
	if namespace != "" {
		merged[NamespaceLabel] = namespace
	}

	spec := swarm.ConfigSpec{Data: data}
	spec.Name = name
	spec.Labels = merged
	return c.ConfigCreate(ctx, spec)
}

func (c Client) configNamed(ctx context.Context, name string) (swarm.Config, bool, error) {
	configs, err := c.ConfigList(ctx, NewFilters().Add("name", name))
	if err != nil {
		return swarm.Config{}, false, err
	}
	for _, config := range configs {
		if config.Spec.Name == name {
			return config, true, nil
		}
	}
	return swarm.Config{}, false, nil
}

func (c Client) VolumeList(ctx context.Context, filters Filters) ([]volume.Volume, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var list volume.ListResponse
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/volumes", Query: query}, &list, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, warning := range list.Warnings {
		c.log.Warn().Msg(warning)
	}
	return list.Volumes, nil
}

func (c Client) NodeList(ctx context.Context, filters Filters) ([]swarm.Node, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var nodes []swarm.Node
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/nodes", Query: query}, &nodes, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w\nEnsure this node is a swarm manager", err)
	}
	return nodes, nil
}
