package repo

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/model"
)

// TokenRepo stores issued download tokens. Rows are never updated.
type TokenRepo interface {
	Create(ctx context.Context, t model.DownloadToken) error
	FindByToken(ctx context.Context, token string) (model.DownloadToken, error)
}

type tokenRepo struct {
	db bun.IDB
}

// NewTokenRepo creates a new TokenRepo instance
func NewTokenRepo(db bun.IDB) TokenRepo {
	return &tokenRepo{db: db}
}

// Create inserts the token; a duplicate token value is returned as an error.
func (r *tokenRepo) Create(ctx context.Context, t model.DownloadToken) error {
	if _, err := r.db.NewInsert().Model(&t).Exec(ctx); err != nil {
		return fmt.Errorf("insert download token: %w", err)
	}
	return nil
}

// FindByToken returns the stored token regardless of expiry
func (r *tokenRepo) FindByToken(ctx context.Context, token string) (model.DownloadToken, error) {
	var t model.DownloadToken
	err := r.db.NewSelect().Model(&t).Where("token = ?", token).Limit(1).Scan(ctx)
	if err != nil {
		return model.DownloadToken{}, fmt.Errorf("find download token: %w", notFound(err))
	}
	return t, nil
}
