package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/pansacloud/gateway/internal/model"
)

// FileRepo reads the file metadata owned by users
type FileRepo interface {
	ListRecentByUser(ctx context.Context, userID int64, limit int) ([]model.File, error)
	ExistsForUser(ctx context.Context, fileID, userID int64) (bool, error)
	Create(ctx context.Context, f *model.File) error
}

type fileRepo struct {
	db bun.IDB
}

// NewFileRepo creates a new FileRepo instance
func NewFileRepo(db bun.IDB) FileRepo {
	return &fileRepo{db: db}
}

// ListRecentByUser returns at most limit files of the user, newest id first.
func (r *fileRepo) ListRecentByUser(ctx context.Context, userID int64, limit int) ([]model.File, error) {
	files := make([]model.File, 0, limit)
	err := r.db.NewSelect().Model(&files).
		Column("id", "user_id", "blob_size", "created_at").
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ExistsForUser reports whether fileID exists and is owned by userID
func (r *fileRepo) ExistsForUser(ctx context.Context, fileID, userID int64) (bool, error) {
	ok, err := r.db.NewSelect().Model((*model.File)(nil)).
		Where("id = ? AND user_id = ?", fileID, userID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check file ownership: %w", err)
	}
	return ok, nil
}

// Create inserts file metadata and fills in the generated id
func (r *fileRepo) Create(ctx context.Context, f *model.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	q := r.db.NewInsert().Model(f)
	if q.Dialect().Name() != dialect.MySQL {
		q = q.Returning("id")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}
