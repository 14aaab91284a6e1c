package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/model"
)

// UnlockRepo is the durable per-user command gate. A user without a row is locked.
type UnlockRepo interface {
	IsUnlocked(ctx context.Context, userID int64) (bool, error)
	SetUnlocked(ctx context.Context, userID int64, unlocked bool) error
	Get(ctx context.Context, userID int64) (model.UnlockState, error)
}

type unlockRepo struct {
	db  bun.IDB
	now func() time.Time
}

// NewUnlockRepo creates a new UnlockRepo instance
func NewUnlockRepo(db bun.IDB) UnlockRepo {
	return &unlockRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// IsUnlocked reports the current gate value for the user
func (r *unlockRepo) IsUnlocked(ctx context.Context, userID int64) (bool, error) {
	state, err := r.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return state.IsUnlocked, nil
}

// SetUnlocked upserts the gate. Unlocking stamps unlocked_at, locking clears it.
func (r *unlockRepo) SetUnlocked(ctx context.Context, userID int64, unlocked bool) error {
	state := model.UnlockState{UserID: userID, IsUnlocked: unlocked}
	if unlocked {
		now := r.now()
		state.UnlockedAt = &now
	}
	q := upsert(r.db.NewInsert().Model(&state), "user_id", "is_unlocked", "unlocked_at")
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("set unlock state: %w", err)
	}
	return nil
}

// Get returns the stored row or ErrNotFound
func (r *unlockRepo) Get(ctx context.Context, userID int64) (model.UnlockState, error) {
	var state model.UnlockState
	err := r.db.NewSelect().Model(&state).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if err != nil {
		return model.UnlockState{}, notFound(err)
	}
	return state, nil
}
