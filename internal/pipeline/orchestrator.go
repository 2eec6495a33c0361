package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Loop is a long-running worker such as the job router or a cache refresh
// loop. Run blocks until ctx is done.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs a fixed set of loops together. The first loop to fail
// cancels the others.
type Orchestrator struct {
	loops  []Loop
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator over loops.
func NewOrchestrator(logger *slog.Logger, loops ...Loop) *Orchestrator {
	return &Orchestrator{
		loops:  loops,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every loop and waits. It returns nil on clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range o.loops {
		o.logger.InfoContext(ctx, "starting loop", slog.String("loop", l.Name))
		g.Go(func() error {
			err := l.Run(gctx)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", l.Name, err)
		})
	}

	err := g.Wait()
	o.logger.InfoContext(ctx, "orchestrator stopped")
	return err
}
