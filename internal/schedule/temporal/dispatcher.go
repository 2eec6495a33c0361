// Package temporal dispatches scheduled fill work as Temporal workflows.
package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/alanyoungcy/fillindexer/internal/schedule"
)

// WorkflowStarter is the subset of client.Client used to start workflows.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Dispatcher starts one workflow per request. The workflow type is the job
// name and the workflow id is derived from job and key, so a request for a
// fill whose workflow is still running attaches to it instead of starting a
// second one.
type Dispatcher struct {
	starter   WorkflowStarter
	taskQueue string
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher over an existing starter.
func NewDispatcher(starter WorkflowStarter, taskQueue string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		starter:   starter,
		taskQueue: taskQueue,
		logger:    logger.With(slog.String("component", "temporal_dispatcher")),
	}
}

// WorkflowID returns the deterministic workflow id for a request.
func WorkflowID(req schedule.Request) string {
	return fmt.Sprintf("%s-%s", req.Job, req.Key)
}

// Dispatch starts the workflow for req, delayed by req.Delay.
func (d *Dispatcher) Dispatch(ctx context.Context, req schedule.Request) error {
	opts := client.StartWorkflowOptions{
		ID:         WorkflowID(req),
		TaskQueue:  d.taskQueue,
		StartDelay: req.Delay,
	}

	run, err := d.starter.ExecuteWorkflow(ctx, opts, string(req.Job), req.Payload)
	if err != nil {
		return fmt.Errorf("temporal: start %s: %w", opts.ID, err)
	}

	d.logger.DebugContext(ctx, "workflow started",
		slog.String("workflow_id", run.GetID()),
		slog.String("run_id", run.GetRunID()),
		slog.Duration("start_delay", req.Delay),
	)
	return nil
}

// Client owns a Temporal connection and exposes a Dispatcher over it.
type Client struct {
	*Dispatcher
	client client.Client
}

// NewClient dials Temporal.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		slog.String("host", host),
		slog.String("namespace", namespace),
		slog.String("task_queue", taskQueue),
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial %s: %w", host, err)
	}

	return &Client{
		Dispatcher: NewDispatcher(c, taskQueue, logger),
		client:     c,
	}, nil
}

// Close closes the Temporal connection.
func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger.With(slog.String("component", "temporal_sdk"))}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}

var _ schedule.Dispatcher = (*Dispatcher)(nil)
