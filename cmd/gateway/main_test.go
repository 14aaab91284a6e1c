package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/db"
	"github.com/pansacloud/gateway/internal/logging"
	"github.com/pansacloud/gateway/internal/repo"
)

func sqliteEnv(t *testing.T) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "gateway.db") + "?_pragma=foreign_keys(1)"
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("APP_BASE_URL", "https://cloud.example.com")
	t.Setenv("LOG_LEVEL", "error")
	return dsn
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	assert.Contains(t, cmd.Version, version)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, n := range []string{"serve", "migrate", "set-pin", "admin-token"} {
		assert.Contains(t, names, n)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestMigrateCmd(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrations applied")
}

func TestSetPinCmd(t *testing.T) {
	dsn := sqliteEnv(t)

	out, err := execute(t, "set-pin", "--phone", "628123456789", "--pin", "4321")
	require.NoError(t, err)
	assert.Contains(t, out, "PIN set for user")

	// A second run updates the same user.
	_, err = execute(t, "set-pin", "--phone", "628123456789", "--pin", "1111")
	require.NoError(t, err)

	ctx := context.Background()
	database, err := db.Open(ctx, db.DriverSQLite, dsn, logging.Nop())
	require.NoError(t, err)
	defer database.Close()

	user, err := repo.NewUserRepo(database).GetByPhone(ctx, "628123456789")
	require.NoError(t, err)
	require.True(t, user.HasPin())

	ok, err := auth.Argon2Pins{}.Verify("1111", *user.PinHash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = auth.Argon2Pins{}.Verify("4321", *user.PinHash)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := database.NewSelect().Table("users").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSetPinCmd_Validation(t *testing.T) {
	sqliteEnv(t)

	_, err := execute(t, "set-pin", "--phone", "+62 812", "--pin", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--phone")

	_, err = execute(t, "set-pin", "--phone", "628123456789")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--pin")
}

func TestAdminTokenCmd(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "cli-secret")

	out, err := execute(t, "admin-token", "--subject", "ops")
	require.NoError(t, err)

	claims, err := auth.NewJWTService("cli-secret").VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestAdminTokenCmd_RequiresSecret(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("ADMIN_JWT_SECRET", "")

	_, err := execute(t, "admin-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_JWT_SECRET")
}

func TestSetup_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("APP_BASE_URL", "https://cloud.example.com")

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
