package docker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/moby/moby/api/types/swarm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ryanmoran/stackrun/internal/log"
	"github.com/ryanmoran/stackrun/internal/metrics"
)

// ServiceState is a step of a one-shot service run.
type ServiceState string

const (
	StatePreflight ServiceState = "preflight"
	StateCreated   ServiceState = "created"
	StatePolling   ServiceState = "polling"
	StateCompleted ServiceState = "completed"
	StateFailed    ServiceState = "failed"
	StateDrained   ServiceState = "drained"
	StateDeleted   ServiceState = "deleted"
)

// externalLogDrivers forward logs away from the engine, which then has
// nothing to serve from /services/{id}/logs.
var externalLogDrivers = []string{"gelf", "syslog", "fluentd", "awslogs", "splunk", "gcplogs", "journald"}

// ServiceResult describes a one-shot service run that got as far as being
// created.
type ServiceResult struct {
	ServiceID string
	Name      string
	TaskID    string
	State     swarm.TaskState
	ExitCode  int
	Stdout    string
	Stderr    string
}

type OrchestratorOptions struct {
	Backoff Backoff
	// Sleep waits between polls. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// CleanupTimeout bounds draining and deleting once the run is over,
	// including when the caller's context is already done.
	CleanupTimeout time.Duration
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if o.CleanupTimeout == 0 {
		o.CleanupTimeout = 30 * time.Second
	}
	return o
}

// Orchestrator runs one-shot services: create, poll the single task to a
// terminal state, fetch its logs and delete the service.
type Orchestrator struct {
	client  Client
	options OrchestratorOptions
	log     zerolog.Logger
}

func (c Client) NewOrchestrator(options OrchestratorOptions) Orchestrator {
	return Orchestrator{
		client:  c,
		options: options.withDefaults(),
		log:     log.WithComponent("orchestrator"),
	}
}

// Exec runs spec to completion. Any service already named spec.Name is
// deleted first. Once the service is created it is deleted before Exec
// returns on every path, including cancellation of ctx, and the result is
// returned alongside any error.
func (o Orchestrator) Exec(ctx context.Context, spec swarm.ServiceSpec, registryAuth string) (result *ServiceResult, err error) {
	if spec.Name == "" {
		return nil, errors.New("failed to run service: a name is required")
	}
	if spec.TaskTemplate.ContainerSpec == nil || spec.TaskTemplate.ContainerSpec.Image == "" {
		return nil, fmt.Errorf("failed to run service %q: an image is required", spec.Name)
	}
	if spec.TaskTemplate.RestartPolicy == nil {
		spec.TaskTemplate.RestartPolicy = &swarm.RestartPolicy{Condition: swarm.RestartPolicyConditionNone}
	}

	logger := o.log.With().Str("service", spec.Name).Logger()
	timer := metrics.NewTimer()

	o.transition(logger, StatePreflight)
	if err := o.preflight(ctx, spec.Name, logger); err != nil {
		return nil, err
	}

	id, err := o.client.ServiceCreate(ctx, spec, registryAuth)
	if err != nil {
		metrics.WorkloadRuns.WithLabelValues("service", "error").Inc()
		return nil, err
	}
	logger = log.WithServiceID(logger, id)
	o.transition(logger, StateCreated)

	result = &ServiceResult{ServiceID: id, Name: spec.Name}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.options.CleanupTimeout)
		defer cancel()

		o.drain(cleanupCtx, spec, result, logger)
		o.transition(logger, StateDrained)

		if deleteErr := o.client.ServiceDelete(cleanupCtx, id); deleteErr != nil {
			logger.Error().Err(deleteErr).Msg("failed to delete service")
			err = errors.Join(err, deleteErr)
		} else {
			o.transition(logger, StateDeleted)
		}

		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.WorkloadRuns.WithLabelValues("service", outcome).Inc()
		timer.ObserveDuration(metrics.WorkloadDuration, "service")
	}()

	o.transition(logger, StatePolling)
	task, err := o.poll(ctx, id, logger)
	if err != nil {
		return result, err
	}

	result.TaskID = task.ID
	result.State = task.Status.State
	if task.Status.ContainerStatus != nil {
		result.ExitCode = task.Status.ContainerStatus.ExitCode
	}

	if task.Status.State == swarm.TaskStateComplete {
		o.transition(logger, StateCompleted)
		return result, nil
	}

	o.transition(logger, StateFailed)
	message := task.Status.Err
	if message == "" {
		message = task.Status.Message
	}
	return result, &TaskFailedError{
		Service:  spec.Name,
		TaskID:   task.ID,
		State:    task.Status.State,
		Message:  message,
		ExitCode: result.ExitCode,
	}
}

// preflight deletes every service already named name.
func (o Orchestrator) preflight(ctx context.Context, name string, logger zerolog.Logger) error {
	stale, err := o.client.ServicesNamed(ctx, name)
	if err != nil {
		return err
	}

	for _, service := range stale {
		logger.Info().Str("service_id", service.ID).Msg("deleting stale service")
		if err := o.client.ServiceDelete(ctx, service.ID); err != nil {
			return err
		}
	}
	return nil
}

// poll lists the service's tasks until its single task reaches a terminal
// state. Every unproductive poll lengthens the delay by one backoff step.
func (o Orchestrator) poll(ctx context.Context, id string, logger zerolog.Logger) (swarm.Task, error) {
	filters := NewFilters().Add("service", id)

	for attempt := 0; ; attempt++ {
		tasks, err := o.client.TaskList(ctx, filters)
		if err != nil {
			return swarm.Task{}, err
		}

		switch len(tasks) {
		case 0:
			metrics.TaskPolls.WithLabelValues("none").Inc()
			logger.Debug().Msg("no task scheduled yet")
		case 1:
			task := tasks[0]
			metrics.TaskPolls.WithLabelValues(string(task.Status.State)).Inc()
			if isTerminal(task.Status.State) {
				return task, nil
			}
			logger.Debug().Str("task_id", task.ID).Str("task_state", string(task.Status.State)).Msg("task not finished")
		default:
			ids := make([]string, 0, len(tasks))
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			return swarm.Task{}, &InvariantViolationError{ServiceID: id, Tasks: ids}
		}

		if err := o.options.Sleep(ctx, o.options.Backoff.Delay(attempt)); err != nil {
			return swarm.Task{}, fmt.Errorf("failed to wait for service %q: %w", id, err)
		}
	}
}

func isTerminal(state swarm.TaskState) bool {
	switch state {
	case swarm.TaskStateComplete, swarm.TaskStateFailed, swarm.TaskStateRejected, swarm.TaskStateShutdown:
		return true
	}
	return false
}

// drain fetches stdout and stderr into result. Failures are logged and
// leave the output empty.
func (o Orchestrator) drain(ctx context.Context, spec swarm.ServiceSpec, result *ServiceResult, logger zerolog.Logger) {
	if driver := spec.TaskTemplate.LogDriver; driver != nil && slices.Contains(externalLogDrivers, driver.Name) {
		logger.Info().Str("log_driver", driver.Name).Msg("logs are forwarded externally, skipping")
		return
	}

	tty := spec.TaskTemplate.ContainerSpec != nil && spec.TaskTemplate.ContainerSpec.TTY

	var g errgroup.Group
	g.Go(func() error {
		stdout, _, err := o.client.ServiceLogs(ctx, result.ServiceID, LogsOptions{Stdout: true, TTY: tty})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to fetch stdout")
			return nil
		}
		result.Stdout = string(stdout)
		return nil
	})
	g.Go(func() error {
		_, stderr, err := o.client.ServiceLogs(ctx, result.ServiceID, LogsOptions{Stderr: true, TTY: tty})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to fetch stderr")
			return nil
		}
		result.Stderr = string(stderr)
		return nil
	})
	_ = g.Wait()
}

func (o Orchestrator) transition(logger zerolog.Logger, state ServiceState) {
	logger.Info().Str("state", string(state)).Msg("service run")
}
