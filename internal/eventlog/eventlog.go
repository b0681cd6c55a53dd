package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of audiobook job event
type EventType string

const (
	EventJobCreated       EventType = "job_created"
	EventJobStarted       EventType = "job_started"
	EventChapterCompleted EventType = "chapter_completed"
	EventChapterFailed    EventType = "chapter_failed"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventUsageRecorded    EventType = "usage_recorded"
	EventOverageCharged   EventType = "overage_charged"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, jobID string, eventType EventType, data map[string]any) error {
	if l.db == nil || jobID == "" {
		return nil // Silently skip if no DB or job ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO audiobook_job_events (job_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, jobID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(jobID string, eventType EventType, data map[string]any) {
	if l.db == nil || jobID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, jobID, eventType, data)
	}()
}

// JobEvent is one row of a job's event history.
type JobEvent struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	EventType EventType       `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListJobEvents returns a job's events oldest-first, for diagnostics.
func (l *Logger) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := l.db.Query(ctx, `
		SELECT id, job_id, event_type, event_data, created_at
		FROM audiobook_job_events
		WHERE job_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.EventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
