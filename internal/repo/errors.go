package repo

import (
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// upsert turns q into an insert-or-update on the conflict target. MySQL has
// no conflict target syntax and relies on the primary/unique key instead.
func upsert(q *bun.InsertQuery, conflict string, cols ...string) *bun.InsertQuery {
	if q.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE")
		for _, c := range cols {
			q = q.Set("? = VALUES(?)", bun.Ident(c), bun.Ident(c))
		}
		return q
	}
	q = q.On("CONFLICT (" + conflict + ") DO UPDATE")
	for _, c := range cols {
		q = q.Set("? = EXCLUDED.?", bun.Ident(c), bun.Ident(c))
	}
	return q
}

// insertIfAbsent makes q a no-op when the conflict target already exists.
func insertIfAbsent(q *bun.InsertQuery, conflict string) *bun.InsertQuery {
	if q.Dialect().Name() == dialect.MySQL {
		return q.Ignore()
	}
	return q.On("CONFLICT (" + conflict + ") DO NOTHING")
}
