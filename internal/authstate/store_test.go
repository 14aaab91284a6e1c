package authstate

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pansacloud/gateway/internal/db/dbtest"
	"github.com/pansacloud/gateway/internal/repo"
)

func newStore(t *testing.T) (*Store, repo.SessionRepo) {
	t.Helper()
	sessions := repo.NewSessionRepo(dbtest.New(t))
	return NewStore(sessions, log.NewNopLogger()), sessions
}

func TestLoad_CreatesAndPersistsFreshCredentials(t *testing.T) {
	ctx := context.Background()
	store, sessions := newStore(t)

	creds, err := store.Load(ctx, "main")
	require.NoError(t, err)

	noise, ok := creds["noiseKey"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, noise["private"], 32)
	assert.Len(t, noise["public"], 32)
	assert.Equal(t, false, creds["registered"])

	raw, err := sessions.GetCreds(ctx, "main")
	require.NoError(t, err, "fresh credentials are stored before Load returns")
	assert.Contains(t, raw, `"type":"Buffer"`)
}

func TestLoad_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	first, err := store.Load(ctx, "main")
	require.NoError(t, err)
	second, err := store.Load(ctx, "main")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLoad_SessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	a, err := store.Load(ctx, "main")
	require.NoError(t, err)
	b, err := store.Load(ctx, "backup")
	require.NoError(t, err)

	assert.NotEqual(t, a["noiseKey"], b["noiseKey"])
}

func TestSaveCredentials_Overwrites(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	creds, err := store.Load(ctx, "main")
	require.NoError(t, err)

	creds["registered"] = true
	creds["me"] = map[string]any{"id": "6281234:3@s.whatsapp.net"}
	require.NoError(t, store.SaveCredentials(ctx, "main", creds))

	again, err := store.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, true, again["registered"])
	assert.Equal(t, creds["noiseKey"], again["noiseKey"])
	assert.Equal(t, map[string]any{"id": "6281234:3@s.whatsapp.net"}, again["me"])
}

func TestSetKeys_UpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	keys := store.Keys("main")

	require.NoError(t, keys.Set(ctx, Mutations{
		"pre-key": {
			"1": map[string]any{"public": []byte{1, 2}, "private": []byte{3, 4}},
			"2": map[string]any{"public": []byte{5}, "private": []byte{6}},
		},
		"app-state-sync-version": {"critical_block": map[string]any{"version": json.Number("7")}},
	}))

	got, err := keys.Get(ctx, "pre-key", []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{1, 2}, got["1"].(map[string]any)["public"])

	require.NoError(t, keys.Set(ctx, Mutations{
		"pre-key": {
			"1": nil,
			"2": map[string]any{"public": []byte{9}, "private": []byte{9}},
		},
	}))

	got, err = keys.Get(ctx, "pre-key", []string{"1", "2"})
	require.NoError(t, err)
	assert.NotContains(t, got, "1")
	assert.Equal(t, []byte{9}, got["2"].(map[string]any)["public"])

	other, err := store.GetKeys(ctx, "backup", "pre-key", []string{"2"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSetKeys_TypedNilDeletes(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	keys := store.Keys("main")

	require.NoError(t, keys.Set(ctx, Mutations{"session": {"a": []byte("ratchet"), "b": []byte("other")}}))

	var none map[string]any
	require.NoError(t, keys.Set(ctx, Mutations{"session": {"a": []byte(nil), "b": none}}))

	got, err := keys.Get(ctx, "session", []string{"a", "b"})
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	// A nil map encodes as an empty object, not null, so it is a value.
	assert.Equal(t, map[string]any{}, got["b"])
}

func TestSetKeys_FailedBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	keys := store.Keys("main")

	require.NoError(t, keys.Set(ctx, Mutations{"pre-key": {"1": "keep"}}))

	// Types are applied in sorted order, so "a-type" is already written when
	// the NaN value fails to encode.
	err := keys.Set(ctx, Mutations{
		"a-type":  {"x": "written-first"},
		"b-type":  {"y": math.NaN()},
		"pre-key": {"1": nil},
	})
	require.Error(t, err)

	got, err := keys.Get(ctx, "a-type", []string{"x"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = keys.Get(ctx, "pre-key", []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": "keep"}, got)
}

func TestGetKeys_EmptyIDs(t *testing.T) {
	store := NewStore(failingSessions{}, log.NewNopLogger())

	got, err := store.GetKeys(context.Background(), "main", "pre-key", []string{})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, store.SetKeys(context.Background(), "main", nil))
}

func TestInitCredentials_KeyPairsMatch(t *testing.T) {
	creds, err := InitCredentials()
	require.NoError(t, err)

	reg := creds["registrationId"].(int)
	assert.GreaterOrEqual(t, reg, 0)
	assert.LessOrEqual(t, reg, 16383)

	kp := creds["signedIdentityKey"].(map[string]any)
	assert.NotEqual(t, kp["private"], kp["public"])
}

// failingSessions fails every call so tests can prove storage is not touched.
type failingSessions struct{}

func (failingSessions) GetCreds(context.Context, string) (string, error) {
	panic("storage touched")
}
func (failingSessions) InsertCredsIfAbsent(context.Context, string, string) error {
	panic("storage touched")
}
func (failingSessions) UpsertCreds(context.Context, string, string) error {
	panic("storage touched")
}
func (failingSessions) GetKeys(context.Context, string, string, []string) (map[string]string, error) {
	panic("storage touched")
}
func (failingSessions) WithKeyTx(context.Context, string, func(context.Context, repo.KeyWriter) error) error {
	panic("storage touched")
}
