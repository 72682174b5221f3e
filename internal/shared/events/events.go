package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID            string                 `json:"id"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	EventType     string                 `json:"eventType"`
	EventVersion  int                    `json:"eventVersion"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	Metadata      map[string]interface{} `json:"metadata"`
	Payload       json.RawMessage        `json:"payload"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, aggregateType, eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Timestamp:     time.Now().UTC(),
		Metadata:      make(map[string]interface{}),
		Payload:       payloadBytes,
	}, nil
}

// AggregateAsyncMigrationRun is the aggregate type of run events
const AggregateAsyncMigrationRun = "async_migration_run"

// Async migration event types
const (
	AsyncMigrationCompleted  = "async_migration.completed"
	AsyncMigrationRolledBack = "async_migration.rolled_back"
	AsyncMigrationFailed     = "async_migration.failed"
)

// AsyncMigrationRunFinished is the payload of every run outcome event
type AsyncMigrationRunFinished struct {
	RunID          string     `json:"runId"`
	Migration      string     `json:"migration"`
	RunKey         string     `json:"runKey"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	RollbackErrors []string   `json:"rollbackErrors,omitempty"`
	StepsApplied   int        `json:"stepsApplied"`
	TotalSteps     int        `json:"totalSteps"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}
