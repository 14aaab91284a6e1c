// Package authstate persists the protocol credentials and key material of
// messaging sessions on top of repo.SessionRepo.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pansacloud/gateway/internal/codec"
	"github.com/pansacloud/gateway/internal/repo"
)

// Mutations maps key type -> key id -> value. A value that encodes as null,
// untyped or typed ([]byte(nil)), deletes the entry.
type Mutations map[string]map[string]any

// KeyStore is the key material of one session.
type KeyStore interface {
	Get(ctx context.Context, keyType string, ids []string) (map[string]any, error)
	Set(ctx context.Context, m Mutations) error
}

// Store is the credential store shared by all sessions.
type Store struct {
	sessions repo.SessionRepo
	logger   log.Logger
	initFn   func() (Credentials, error)
}

// NewStore creates a Store backed by sessions.
func NewStore(sessions repo.SessionRepo, logger log.Logger) *Store {
	return &Store{sessions: sessions, logger: logger, initFn: InitCredentials}
}

// Load returns the stored credentials of session. A session without
// credentials gets fresh ones, persisted before Load returns. Concurrent
// first loads converge on whichever insert landed first.
func (s *Store) Load(ctx context.Context, session string) (Credentials, error) {
	raw, err := s.sessions.GetCreds(ctx, session)
	if errors.Is(err, repo.ErrNotFound) {
		if err := s.persistFresh(ctx, session); err != nil {
			return nil, err
		}
		raw, err = s.sessions.GetCreds(ctx, session)
	}
	if err != nil {
		return nil, err
	}

	m, err := codec.UnmarshalMap([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode credentials of %s: %w", session, err)
	}
	return Credentials(m), nil
}

func (s *Store) persistFresh(ctx context.Context, session string) error {
	fresh, err := s.initFn()
	if err != nil {
		return fmt.Errorf("init credentials: %w", err)
	}
	enc, err := codec.MarshalString(map[string]any(fresh))
	if err != nil {
		return err
	}
	if err := s.sessions.InsertCredsIfAbsent(ctx, session, enc); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "created fresh credentials", "session", session)
	return nil
}

// SaveCredentials overwrites the stored credentials of session.
func (s *Store) SaveCredentials(ctx context.Context, session string, creds Credentials) error {
	enc, err := codec.MarshalString(map[string]any(creds))
	if err != nil {
		return err
	}
	return s.sessions.UpsertCreds(ctx, session, enc)
}

// GetKeys returns the decoded values for ids that exist.
func (s *Store) GetKeys(ctx context.Context, session, keyType string, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.sessions.GetKeys(ctx, session, keyType, ids)
	if err != nil {
		return nil, err
	}
	for id, raw := range rows {
		v, err := codec.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode key %s/%s: %w", keyType, id, err)
		}
		out[id] = v
	}
	return out, nil
}

// SetKeys applies the whole batch in one transaction. If any entry fails to
// encode or write, nothing from the batch is kept.
func (s *Store) SetKeys(ctx context.Context, session string, m Mutations) error {
	if len(m) == 0 {
		return nil
	}
	return s.sessions.WithKeyTx(ctx, session, func(ctx context.Context, w repo.KeyWriter) error {
		for _, keyType := range sortedKeys(m) {
			entries := m[keyType]
			for _, id := range sortedKeys(entries) {
				value := entries[id]
				if codec.IsNull(value) {
					if err := w.Delete(ctx, keyType, id); err != nil {
						return err
					}
					continue
				}
				enc, err := codec.MarshalString(value)
				if err != nil {
					return fmt.Errorf("encode key %s/%s: %w", keyType, id, err)
				}
				if err := w.Upsert(ctx, keyType, id, enc); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Keys binds the key operations to one session.
func (s *Store) Keys(session string) KeyStore {
	return &sessionKeys{store: s, session: session}
}

type sessionKeys struct {
	store   *Store
	session string
}

func (k *sessionKeys) Get(ctx context.Context, keyType string, ids []string) (map[string]any, error) {
	return k.store.GetKeys(ctx, k.session, keyType, ids)
}

func (k *sessionKeys) Set(ctx context.Context, m Mutations) error {
	return k.store.SetKeys(ctx, k.session, m)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
