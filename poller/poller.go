// Package poller drives the trigger engine on a fixed period.
package poller

import (
	"context"
	"log/slog"
	"time"

	"pillbox/trigger"
)

// Engine is satisfied by *trigger.Engine.
type Engine interface {
	Run(ctx context.Context) (*trigger.Result, error)
}

// Poller runs an infinite loop, invoking the trigger engine once per period.
type Poller struct {
	engine     Engine
	pollPeriod time.Duration
}

func New(engine Engine, pollPeriod time.Duration) *Poller {
	return &Poller{
		engine:     engine,
		pollPeriod: pollPeriod,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollPeriod)
	defer ticker.Stop()

	// Poll once right away --- ticker doesn't fire until the tick period has
	// elapsed.
	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		p.poll(ctx)
	}
}

func (p *Poller) poll(ctx context.Context) {
	result, err := p.engine.Run(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Error during poller pass", slog.Any("err", err))
		return
	}
	slog.InfoContext(ctx, "Finished poller pass",
		slog.Bool("triggered", result.Triggered),
		slog.Int("fired", len(result.Automations)),
		slog.Int("failed", len(result.Failures)))
}
