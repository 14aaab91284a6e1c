package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/pansacloud/gateway/internal/db"
	"github.com/pansacloud/gateway/internal/model"
)

// KeyWriter mutates key entries of one session inside a transaction
type KeyWriter interface {
	Upsert(ctx context.Context, keyType, keyID, valueJSON string) error
	Delete(ctx context.Context, keyType, keyID string) error
}

// SessionRepo persists serialized session credentials and key entries
type SessionRepo interface {
	GetCreds(ctx context.Context, session string) (string, error)
	InsertCredsIfAbsent(ctx context.Context, session, credsJSON string) error
	UpsertCreds(ctx context.Context, session, credsJSON string) error
	GetKeys(ctx context.Context, session, keyType string, ids []string) (map[string]string, error)
	WithKeyTx(ctx context.Context, session string, fn func(ctx context.Context, w KeyWriter) error) error
}

type sessionRepo struct {
	db  *bun.DB
	now func() time.Time
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(database *bun.DB) SessionRepo {
	return &sessionRepo{db: database, now: func() time.Time { return time.Now().UTC() }}
}

// GetCreds returns the stored credential blob or ErrNotFound
func (r *sessionRepo) GetCreds(ctx context.Context, session string) (string, error) {
	var row model.SessionCreds
	err := r.db.NewSelect().Model(&row).
		Column("creds_json").
		Where("session_name = ?", session).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("load creds: %w", notFound(err))
	}
	return row.CredsJSON, nil
}

// InsertCredsIfAbsent stores credsJSON unless the session already has credentials
func (r *sessionRepo) InsertCredsIfAbsent(ctx context.Context, session, credsJSON string) error {
	row := model.SessionCreds{SessionName: session, CredsJSON: credsJSON, UpdatedAt: r.now()}
	if _, err := insertIfAbsent(r.db.NewInsert().Model(&row), "session_name").Exec(ctx); err != nil {
		return fmt.Errorf("insert creds: %w", err)
	}
	return nil
}

// UpsertCreds overwrites the credential blob of the session
func (r *sessionRepo) UpsertCreds(ctx context.Context, session, credsJSON string) error {
	row := model.SessionCreds{SessionName: session, CredsJSON: credsJSON, UpdatedAt: r.now()}
	q := upsert(r.db.NewInsert().Model(&row), "session_name", "creds_json", "updated_at")
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("save creds: %w", err)
	}
	return nil
}

// GetKeys returns the stored values for the given ids. Missing ids are
// absent from the result; an empty id set never reaches the database.
func (r *sessionRepo) GetKeys(ctx context.Context, session, keyType string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []model.SessionKey
	err := r.db.NewSelect().Model(&rows).
		Column("key_id", "value_json").
		Where("session_name = ?", session).
		Where("key_type = ?", keyType).
		Where("key_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load keys %s: %w", keyType, err)
	}
	for _, row := range rows {
		out[row.KeyID] = row.ValueJSON
	}
	return out, nil
}

// WithKeyTx runs fn in a single transaction. Any error returned by fn, or
// by a write it performs, rolls back every write of the batch.
func (r *sessionRepo) WithKeyTx(ctx context.Context, session string, fn func(ctx context.Context, w KeyWriter) error) error {
	err := r.db.RunInTx(ctx, db.TxOptions(r.db), func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &keyWriter{tx: tx, session: session, now: r.now()})
	})
	if err != nil {
		return fmt.Errorf("key batch: %w", err)
	}
	return nil
}

type keyWriter struct {
	tx      bun.Tx
	session string
	now     time.Time
}

func (w *keyWriter) Upsert(ctx context.Context, keyType, keyID, valueJSON string) error {
	row := model.SessionKey{
		SessionName: w.session,
		KeyType:     keyType,
		KeyID:       keyID,
		ValueJSON:   valueJSON,
		UpdatedAt:   w.now,
	}
	q := upsert(w.tx.NewInsert().Model(&row), "session_name, key_type, key_id", "value_json", "updated_at")
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("upsert key %s/%s: %w", keyType, keyID, err)
	}
	return nil
}

func (w *keyWriter) Delete(ctx context.Context, keyType, keyID string) error {
	_, err := w.tx.NewDelete().Model((*model.SessionKey)(nil)).
		Where("session_name = ?", w.session).
		Where("key_type = ?", keyType).
		Where("key_id = ?", keyID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete key %s/%s: %w", keyType, keyID, err)
	}
	return nil
}
