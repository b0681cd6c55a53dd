package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Chapter is a read-only view of a chapter row. Chapters (and projects) are
// owned and edited by the writing app; this service only reads their text.
type Chapter struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Position  int    `json:"position"`
}

// GetChapter fetches one chapter with its text content.
func (s *Store) GetChapter(ctx context.Context, id string) (*Chapter, error) {
	var c Chapter
	err := s.db.QueryRow(ctx, `
		SELECT id, project_id, title, content, position
		FROM chapters
		WHERE id = $1
	`, id).Scan(&c.ID, &c.ProjectID, &c.Title, &c.Content, &c.Position)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListProjectChapters returns all chapters of a project in their defined
// order. Full-book jobs process chapters in exactly this order.
func (s *Store) ListProjectChapters(ctx context.Context, projectID string) ([]Chapter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, title, content, position
		FROM chapters
		WHERE project_id = $1
		ORDER BY position ASC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Content, &c.Position); err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// GetProjectOwner returns the user id owning a project.
func (s *Store) GetProjectOwner(ctx context.Context, projectID string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx, `
		SELECT user_id FROM projects WHERE id = $1
	`, projectID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return userID, err
}
