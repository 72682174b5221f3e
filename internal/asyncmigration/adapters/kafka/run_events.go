// Package kafka announces finished migration runs on the event bus
package kafka

import (
	"context"
	"fmt"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/metrics"
	"github.com/linkflow-ai/chmigrate/internal/shared/events"
)

// Publisher sends events to a topic
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// RunEventPublisher turns finished runs into integration events
type RunEventPublisher struct {
	publisher Publisher
	metrics   *metrics.Metrics
}

// NewRunEventPublisher creates a new run event publisher
func NewRunEventPublisher(publisher Publisher, m *metrics.Metrics) *RunEventPublisher {
	return &RunEventPublisher{
		publisher: publisher,
		metrics:   m,
	}
}

// PublishRunFinished publishes the outcome of a run
func (p *RunEventPublisher) PublishRunFinished(ctx context.Context, run *model.Run) error {
	eventType, err := eventTypeFor(run.Status)
	if err != nil {
		return err
	}

	event, err := events.NewEvent(run.ID, events.AggregateAsyncMigrationRun, eventType, events.AsyncMigrationRunFinished{
		RunID:          run.ID,
		Migration:      run.MigrationName,
		RunKey:         run.RunKey,
		Status:         string(run.Status),
		Error:          run.Error,
		RollbackErrors: run.RollbackErrors,
		StepsApplied:   run.StepsApplied,
		TotalSteps:     run.TotalSteps,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to build %s event: %w", eventType, err)
	}
	event.CorrelationID = run.RunKey
	event.Metadata["migration"] = run.MigrationName

	err = p.publisher.Publish(ctx, event)
	p.metrics.EventPublished(eventType, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

func eventTypeFor(status model.RunStatus) (string, error) {
	switch status {
	case model.RunStatusCompleted:
		return events.AsyncMigrationCompleted, nil
	case model.RunStatusRolledBack:
		return events.AsyncMigrationRolledBack, nil
	case model.RunStatusFailed:
		return events.AsyncMigrationFailed, nil
	default:
		return "", fmt.Errorf("run status %q has no event", status)
	}
}
