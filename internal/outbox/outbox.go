// Package outbox delivers committed engine events to side-effect consumers.
// Each consumer keeps its own cursor in the store, so a restart resumes after
// the last event it handled.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"cookline/internal/domain"
	"cookline/internal/repo"
	"cookline/internal/telemetry"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultBatchSize = 100
)

// Handler reacts to one event. A returned error is logged and the cursor moves on.
type Handler func(ctx context.Context, evt domain.Event) error

type Consumer struct {
	Name   string
	Types  []string
	Handle Handler
}

type Dispatcher struct {
	Repo      repo.Repo
	Consumers []Consumer
	Log       *log.Logger
	Metrics   *telemetry.Metrics
	BatchSize int
	Interval  time.Duration
}

// ConsumerReport counts what one consumer did during a drain.
type ConsumerReport struct {
	Consumer  string `json:"consumer"`
	Handled   int    `json:"handled"`
	Failed    int    `json:"failed"`
	LastEvent int64  `json:"last_event_id"`
}

func (d *Dispatcher) logf(format string, args ...any) {
	lg := d.Log
	if lg == nil {
		lg = log.Default()
	}
	lg.Printf("outbox: "+format, args...)
}

// Drain runs every consumer until it has caught up with the event log.
func (d *Dispatcher) Drain(ctx context.Context) ([]ConsumerReport, error) {
	reports := make([]ConsumerReport, 0, len(d.Consumers))
	for _, c := range d.Consumers {
		rep, err := d.drainConsumer(ctx, c)
		if err != nil {
			return reports, fmt.Errorf("consumer %s: %w", c.Name, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (d *Dispatcher) drainConsumer(ctx context.Context, c Consumer) (ConsumerReport, error) {
	rep := ConsumerReport{Consumer: c.Name}
	cursor, err := d.Repo.GetCursor(ctx, c.Name)
	if err != nil {
		return rep, err
	}
	rep.LastEvent = cursor
	batch := d.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		evts, err := d.Repo.ListEvents(ctx, repo.EventFilters{AfterID: cursor, Types: c.Types, Limit: batch})
		if err != nil {
			return rep, err
		}
		if len(evts) == 0 {
			return rep, nil
		}
		for _, evt := range evts {
			if err := c.Handle(ctx, evt); err != nil {
				rep.Failed++
				d.logf("%s failed on event %d (%s): %v", c.Name, evt.ID, evt.Type, err)
				if d.Metrics != nil {
					d.Metrics.OutboxError(ctx, c.Name)
				}
			} else {
				rep.Handled++
			}
			cursor = evt.ID
		}
		if err := d.Repo.SetCursor(ctx, c.Name, cursor); err != nil {
			return rep, err
		}
		rep.LastEvent = cursor
		if len(evts) < batch {
			return rep, nil
		}
	}
}

// Run drains on a fixed interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logf("drain failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
