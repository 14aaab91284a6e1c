package repo

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error)
	SetPinHash(ctx context.Context, id int64, pinHash string) error
}

type userRepo struct {
	db bun.IDB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db bun.IDB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id int64) (model.User, error) {
	var user model.User
	err := r.db.NewSelect().Model(&user).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to query user: %w", notFound(err))
	}
	return user, nil
}

// GetByPhone retrieves a user by normalized phone number
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	var user model.User
	err := r.db.NewSelect().Model(&user).Where("phone_e164 = ?", phone).Limit(1).Scan(ctx)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to query user: %w", notFound(err))
	}
	return user, nil
}

// GetOrCreateByPhone retrieves a user by phone number or creates one if it doesn't exist
func (r *userRepo) GetOrCreateByPhone(ctx context.Context, phone string) (model.User, error) {
	user := model.User{PhoneNumber: phone}
	q := insertIfAbsent(r.db.NewInsert().Model(&user).Column("phone_e164"), "phone_e164")
	if _, err := q.Exec(ctx); err != nil {
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}

	// Now select the user (whether it was just created or already existed)
	return r.GetByPhone(ctx, phone)
}

// SetPinHash replaces the stored PIN hash of a user
func (r *userRepo) SetPinHash(ctx context.Context, id int64, pinHash string) error {
	res, err := r.db.NewUpdate().Model((*model.User)(nil)).
		Set("pin_hash = ?", pinHash).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update pin hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update pin hash: %w", ErrNotFound)
	}
	return nil
}
