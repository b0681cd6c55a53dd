package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/storyloom/backend/internal/voices"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoSubscription is returned when a user has no quota row; job creation
// must refuse rather than assume a limit.
var ErrNoSubscription = errors.New("no subscription quota for user")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// JobScope selects how much of a project one job covers.
type JobScope string

const (
	ScopeChapter  JobScope = "chapter"
	ScopeFullBook JobScope = "fullbook"
)

// ParseJobScope validates a scope received from a client.
func ParseJobScope(s string) (JobScope, error) {
	switch JobScope(s) {
	case ScopeChapter, ScopeFullBook:
		return JobScope(s), nil
	}
	return "", fmt.Errorf("invalid scope %q", s)
}

// JobStatus is the job state machine position. pending -> generating ->
// {completed | failed}; the terminal states are never left. Every UPDATE
// below guards on the expected prior status so a replayed or late write
// cannot move a job backwards.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobGenerating JobStatus = "generating"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// AudiobookJob is the durable unit of audiobook work.
type AudiobookJob struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id"`
	UserID             string             `json:"user_id"`
	Scope              JobScope           `json:"scope"`
	ChapterID          *string            `json:"chapter_id,omitempty"`
	VoiceID            string             `json:"voice_id"`
	QualityTier        voices.QualityTier `json:"quality_tier"`
	Status             JobStatus          `json:"status"`
	TotalChapters      int                `json:"total_chapters"`
	CompletedChapters  int                `json:"completed_chapters"`
	ChapterPaths       []string           `json:"chapter_paths"`
	FinalPath          *string            `json:"final_path,omitempty"`
	DurationSeconds    int                `json:"duration_seconds"`
	FileSizeBytes      int64              `json:"file_size_bytes"`
	CharacterCount     int                `json:"character_count"`
	EstimatedCostCents int                `json:"estimated_cost_cents"`
	ActualCostCents    *int               `json:"actual_cost_cents,omitempty"`
	WasOverageCharge   bool               `json:"was_overage_charge"`
	ErrorDetail        *string            `json:"error_detail,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

const jobColumns = `
	id, project_id, user_id, scope, chapter_id, voice_id, quality_tier, status,
	total_chapters, completed_chapters, COALESCE(chapter_paths, '{}'), final_path,
	duration_seconds, file_size_bytes, character_count, estimated_cost_cents,
	actual_cost_cents, was_overage_charge, error_detail, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*AudiobookJob, error) {
	var j AudiobookJob
	err := row.Scan(
		&j.ID, &j.ProjectID, &j.UserID, &j.Scope, &j.ChapterID, &j.VoiceID, &j.QualityTier, &j.Status,
		&j.TotalChapters, &j.CompletedChapters, &j.ChapterPaths, &j.FinalPath,
		&j.DurationSeconds, &j.FileSizeBytes, &j.CharacterCount, &j.EstimatedCostCents,
		&j.ActualCostCents, &j.WasOverageCharge, &j.ErrorDetail, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// NewJobParams are the caller-supplied fields of a job; everything else is
// filled in by the pipeline.
type NewJobParams struct {
	ProjectID          string
	UserID             string
	Scope              JobScope
	ChapterID          *string
	VoiceID            string
	QualityTier        voices.QualityTier
	EstimatedCostCents int
}

// CreateAudiobookJob inserts a new job in the pending state.
func (s *Store) CreateAudiobookJob(ctx context.Context, p NewJobParams) (*AudiobookJob, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO audiobook_jobs
			(id, project_id, user_id, scope, chapter_id, voice_id, quality_tier, status, estimated_cost_cents)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING`+jobColumns,
		p.ProjectID, p.UserID, p.Scope, p.ChapterID, p.VoiceID, p.QualityTier, p.EstimatedCostCents)
	return scanJob(row)
}

// GetAudiobookJob fetches one job by id.
func (s *Store) GetAudiobookJob(ctx context.Context, id string) (*AudiobookJob, error) {
	row := s.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM audiobook_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetAudiobookJobForUser fetches one job owned by userID.
func (s *Store) GetAudiobookJobForUser(ctx context.Context, id, userID string) (*AudiobookJob, error) {
	row := s.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM audiobook_jobs WHERE id = $1 AND user_id = $2`, id, userID)
	return scanJob(row)
}

// ListAudiobookJobs returns a user's jobs, newest first, optionally filtered
// to one project.
func (s *Store) ListAudiobookJobs(ctx context.Context, userID string, projectID string, limit int) ([]AudiobookJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT`+jobColumns+`
		FROM audiobook_jobs
		WHERE user_id = $1 AND ($2 = '' OR project_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListRecentAudiobookJobs returns the newest jobs across all users (admin).
func (s *Store) ListRecentAudiobookJobs(ctx context.Context, limit int) ([]AudiobookJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT`+jobColumns+`
		FROM audiobook_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]AudiobookJob, error) {
	var jobs []AudiobookJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// MarkJobGenerating moves a pending job to generating and records the
// resolved chapter count. Fails if the job is not pending, which keeps the
// transition monotonic even if two workers race on the same job.
func (s *Store) MarkJobGenerating(ctx context.Context, jobID string, totalChapters int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audiobook_jobs
		SET status = 'generating', total_chapters = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, jobID, totalChapters)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not pending", jobID)
	}
	return nil
}

// RecordChapterProgress appends one finished chapter's artifact and adds its
// totals. Persisted per chapter so pollers see live progress.
func (s *Store) RecordChapterProgress(ctx context.Context, jobID, artifactPath string, durationSeconds int, sizeBytes int64, characterCount int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audiobook_jobs
		SET completed_chapters = completed_chapters + 1,
		    chapter_paths = array_append(COALESCE(chapter_paths, '{}'), $2),
		    duration_seconds = duration_seconds + $3,
		    file_size_bytes = file_size_bytes + $4,
		    character_count = character_count + $5,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'generating' AND completed_chapters < total_chapters
	`, jobID, artifactPath, durationSeconds, sizeBytes, characterCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not generating or already has all chapters", jobID)
	}
	return nil
}

// CompleteJob moves a generating job with all chapters done to completed and
// freezes its cost fields. Completed jobs are immutable afterwards.
func (s *Store) CompleteJob(ctx context.Context, jobID, finalPath string, actualCostCents int, wasOverage bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audiobook_jobs
		SET status = 'completed', final_path = $2, actual_cost_cents = $3,
		    was_overage_charge = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'generating' AND completed_chapters = total_chapters
	`, jobID, finalPath, actualCostCents, wasOverage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s cannot complete: not generating or chapters missing", jobID)
	}
	return nil
}

// FailJob moves a pending or generating job to failed, keeping whatever
// partial progress was recorded for diagnostics. actualCostCents covers the
// characters synthesized before the failure (zero when nothing was billed).
func (s *Store) FailJob(ctx context.Context, jobID, errorDetail string, actualCostCents int, wasOverage bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE audiobook_jobs
		SET status = 'failed', error_detail = $2, actual_cost_cents = $3,
		    was_overage_charge = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'generating')
	`, jobID, errorDetail, actualCostCents, wasOverage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is already terminal", jobID)
	}
	return nil
}

// FailStuckJobs fails jobs that have sat in pending or generating without
// progress past the cutoff (the orchestrator died mid-run, or the process
// restarted before a pending job was picked up). Returns the failed job ids.
func (s *Store) FailStuckJobs(ctx context.Context, cutoff time.Time, errorDetail string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE audiobook_jobs
		SET status = 'failed', error_detail = $2, completed_at = NOW(), updated_at = NOW()
		WHERE status IN ('pending', 'generating') AND updated_at < $1
		RETURNING id
	`, cutoff, errorDetail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
