package docker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/moby/moby/api/types/swarm"

	"github.com/ryanmoran/stackrun/internal/stream"
	"github.com/ryanmoran/stackrun/internal/transport"
)

// ServiceList lists services matching filters. The engine's name filter
// matches prefixes.
func (c Client) ServiceList(ctx context.Context, filters Filters) ([]swarm.Service, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var services []swarm.Service
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/services", Query: query}, &services, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return services, nil
}

// ServicesNamed returns the services whose name is exactly name.
func (c Client) ServicesNamed(ctx context.Context, name string) ([]swarm.Service, error) {
	services, err := c.ServiceList(ctx, NewFilters().Add("name", name))
	if err != nil {
		return nil, err
	}

	var named []swarm.Service
	for _, service := range services {
		if service.Spec.Name == name {
			named = append(named, service)
		}
	}
	return named, nil
}

func (c Client) ServiceInspect(ctx context.Context, id string) (swarm.Service, error) {
	var service swarm.Service
	err := c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/services/" + id}, &service, http.StatusOK)
	if err != nil {
		return swarm.Service{}, fmt.Errorf("failed to inspect service %q: %w", id, err)
	}
	return service, nil
}

type serviceCreateResponse struct {
	ID       string   `json:"ID"`
	Warnings []string `json:"Warnings,omitempty"`
}

// ServiceCreate creates a service and returns its id.
func (c Client) ServiceCreate(ctx context.Context, spec swarm.ServiceSpec, registryAuth string) (string, error) {
	var created serviceCreateResponse
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/services/create",
		Header: registryAuthHeader(registryAuth),
		Body:   spec,
	}, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("failed to create service %q: %w\nEnsure this node is a swarm manager and the spec is valid", spec.Name, err)
	}
	for _, warning := range created.Warnings {
		c.log.Warn().Str("service", spec.Name).Msg(warning)
	}
	return created.ID, nil
}

// ServiceUpdate replaces the spec of id. version must be the version the
// caller last read, or the engine rejects the update.
func (c Client) ServiceUpdate(ctx context.Context, id string, version uint64, spec swarm.ServiceSpec, registryAuth string) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/services/" + id + "/update",
		Query:  url.Values{"version": {strconv.FormatUint(version, 10)}},
		Header: registryAuthHeader(registryAuth),
		Body:   spec,
	}, nil, http.StatusOK)
	if err != nil {
		return fmt.Errorf("failed to update service %q: %w", id, err)
	}
	return nil
}

// ServiceDelete deletes id. A service that is already gone is not an error.
func (c Client) ServiceDelete(ctx context.Context, id string) error {
	err := c.call(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/services/" + id,
	}, nil, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return fmt.Errorf("failed to delete service %q: %w", id, err)
	}
	return nil
}

func (c Client) TaskList(ctx context.Context, filters Filters) ([]swarm.Task, error) {
	query, err := filters.query()
	if err != nil {
		return nil, err
	}

	var tasks []swarm.Task
	err = c.call(ctx, transport.Request{Method: http.MethodGet, Path: "/tasks", Query: query}, &tasks, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

type LogsOptions struct {
	Stdout     bool
	Stderr     bool
	Timestamps bool
	// TTY services send raw output instead of frames.
	TTY bool
}

// ServiceLogs fetches the logs of id, split into stdout and stderr with
// surrounding whitespace trimmed.
func (c Client) ServiceLogs(ctx context.Context, id string, options LogsOptions) (stdout, stderr []byte, err error) {
	query := url.Values{}
	if options.Stdout {
		query.Set("stdout", "1")
	}
	if options.Stderr {
		query.Set("stderr", "1")
	}
	if options.Timestamps {
		query.Set("timestamps", "1")
	}

	resp, err := c.send(ctx, transport.Request{Method: http.MethodGet, Path: "/services/" + id + "/logs", Query: query})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch logs of service %q: %w", id, err)
	}
	if err := resp.Expect(http.StatusOK); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch logs of service %q: %w", id, err)
	}
	body, err := resp.ReadBody()
	if err != nil {
		return nil, nil, err
	}

	if options.TTY {
		if options.Stdout {
			return bytes.TrimSpace(body), nil, nil
		}
		return nil, bytes.TrimSpace(body), nil
	}

	primary, secondary := stream.DemuxBytes(body)
	return bytes.TrimSpace(primary), bytes.TrimSpace(secondary), nil
}

// ServiceLabels returns the labels of the service named name.
func (c Client) ServiceLabels(ctx context.Context, name string) (map[string]string, error) {
	service, err := c.serviceByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return service.Spec.Labels, nil
}

// ServiceLabelWrite sets one label on the service named name.
func (c Client) ServiceLabelWrite(ctx context.Context, name, key, value string) error {
	service, err := c.serviceByName(ctx, name)
	if err != nil {
		return err
	}

	spec := service.Spec
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[key] = value
	spec.Labels = labels

	return c.ServiceUpdate(ctx, service.ID, service.Version.Index, spec, "")
}

func (c Client) serviceByName(ctx context.Context, name string) (swarm.Service, error) {
	services, err := c.ServicesNamed(ctx, name)
	if err != nil {
		return swarm.Service{}, err
	}
	if len(services) == 0 {
		return swarm.Service{}, fmt.Errorf("failed to find service %q: no such service", name)
	}
	return services[0], nil
}

func registryAuthHeader(registryAuth string) http.Header {
	if registryAuth == "" {
		return nil
	}
	return http.Header{"X-Registry-Auth": {registryAuth}}
}
