// Package artifacts persists generated audio files. Paths returned by the
// store are opaque identifiers recorded on the job; only this package knows
// how to resolve them.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrPersist wraps artifact write failures. A write failure mid-job fails
// the job the same way a provider failure does.
var ErrPersist = errors.New("artifact persistence error")

// Store persists chapter and book audio artifacts.
type Store interface {
	// SaveChapter writes one chapter's audio and returns its opaque path.
	SaveChapter(ctx context.Context, jobID string, chapterIndex int, audio []byte) (string, error)

	// SaveBook concatenates previously saved chapter artifacts, in the
	// order given, into one whole-book artifact and returns its path.
	SaveBook(ctx context.Context, jobID string, chapterPaths []string) (string, error)

	// Open resolves an opaque artifact path for reading.
	Open(path string) (io.ReadCloser, error)
}

// FS stores artifacts on the local filesystem under a base directory.
type FS struct {
	baseDir string
}

// NewFS creates a filesystem store rooted at baseDir.
func NewFS(baseDir string) (*FS, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating base dir: %v", ErrPersist, err)
	}
	return &FS{baseDir: baseDir}, nil
}

func (s *FS) SaveChapter(ctx context.Context, jobID string, chapterIndex int, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.Join(jobID, fmt.Sprintf("chapter-%03d-%s.mp3", chapterIndex, uuid.NewString()))
	if err := s.write(rel, audio); err != nil {
		return "", err
	}
	return rel, nil
}

func (s *FS) SaveBook(ctx context.Context, jobID string, chapterPaths []string) (string, error) {
	rel := filepath.Join(jobID, fmt.Sprintf("book-%s.mp3", uuid.NewString()))
	abs := filepath.Join(s.baseDir, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	dst, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	defer dst.Close()

	for _, p := range chapterPaths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		src, err := s.Open(p)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return "", fmt.Errorf("%w: concatenating %s: %v", ErrPersist, p, err)
		}
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return rel, nil
}

func (s *FS) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return f, nil
}

func (s *FS) write(rel string, data []byte) error {
	abs := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}
