package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--user", "alice", "--ttl", "1h")
	require.NoError(t, err)

	users := store.NewMemoryStore()
	require.NoError(t, users.AddUser(context.Background(), store.User{ID: "alice"}))
	id, err := auth.NewVerifier("cli-secret", users).Verify(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID())
	assert.False(t, id.ExpiresAt.IsZero())
}

func TestTokenCommandRequiresSecretAndUser(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := run(t, "token", "--user", "alice")
	assert.ErrorContains(t, err, "jwt secret")

	t.Setenv("JWT_SECRET", "cli-secret")
	_, err = run(t, "token")
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	out, err := run(t, "migrate", "--driver", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to do")

	out, err = run(t, "migrate", "--driver", "sqlite", "--dsn", ":memory:")
	require.NoError(t, err)
	assert.Contains(t, out, "schema applied (sqlite)")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "relaychat dev")
}
