package pairing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultPruneSchedule runs the expiry sweep once a minute.
const DefaultPruneSchedule = "@every 1m"

// Pruner periodically removes expired pairing requests.
type Pruner struct {
	cron   *cron.Cron
	coord  *Coordinator
	logger *slog.Logger
}

// NewPruner schedules coord.Prune on spec (standard cron syntax or @every).
func NewPruner(log *slog.Logger, coord *Coordinator, spec string) (*Pruner, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec == "" {
		spec = DefaultPruneSchedule
	}
	p := &Pruner{
		cron:   cron.New(),
		coord:  coord,
		logger: log.With(slog.String("component", "pairing_pruner")),
	}
	if _, err := p.cron.AddFunc(spec, p.run); err != nil {
		return nil, fmt.Errorf("schedule pairing prune %q: %w", spec, err)
	}
	return p, nil
}

func (p *Pruner) run() {
	removed, err := p.coord.Prune(context.Background())
	if err != nil {
		p.logger.Warn("prune pairing requests failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		p.logger.Info("expired pairing requests pruned", slog.Int("removed", removed))
	}
}

// Start begins the schedule in the background.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
