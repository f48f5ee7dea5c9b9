package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func writeUsers(t *testing.T, path string, entries ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("users:\n")
	for _, e := range entries {
		b.WriteString(e)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
}

func entry(username, hash string, extra ...string) string {
	s := fmt.Sprintf("  - username: %s\n    password_hash: %q\n", username, hash)
	for _, e := range extra {
		s += "    " + e + "\n"
	}
	return s
}

func client(username, password, clientType string) identity.RemoteClient {
	request := identity.NewConnectionRequest(identity.NewUser(username, []byte(password)), clientType)
	return identity.NewRemoteClient(request, "127.0.0.1", time.Now())
}

func TestProxy_Login(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	writeUsers(t, path,
		entry("scott", hash(t, "tiger"), "database_user: scott_db", "database_password: db-secret"),
		entry("john", hash(t, "doe"), "client_types: [desktop]"))

	p, err := New("desktop", path)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.Equal(t, "desktop", p.ClientType())
	require.Equal(t, []string{"john", "scott"}, p.Users())

	got, err := p.Login(context.Background(), client("scott", "tiger", "desktop"))
	require.NoError(t, err)
	require.Equal(t, "scott_db", got.DatabaseUser().Username())
	require.Equal(t, []byte("db-secret"), got.DatabaseUser().Secret())
	require.Equal(t, "scott", got.User().Username())

	_, err = p.Login(context.Background(), client("scott", "lion", "desktop"))
	require.ErrorIs(t, err, errs.ErrAuthentication)

	_, err = p.Login(context.Background(), client("nobody", "tiger", "desktop"))
	require.ErrorIs(t, err, errs.ErrAuthentication)

	_, err = p.Login(context.Background(), client("john", "doe", "web"))
	require.ErrorIs(t, err, errs.ErrAuthentication)

	got, err = p.Login(context.Background(), client("john", "doe", "desktop"))
	require.NoError(t, err)
	require.False(t, got.HasDatabaseUser())
}

func TestProxy_InvalidFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := New("", filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, errs.ErrConfiguration)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("users: [ {username: scott} ]"), 0o600))
	_, err = New("", bad)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	dup := filepath.Join(dir, "dup.yaml")
	writeUsers(t, dup, entry("scott", "x"), entry("scott", "y"))
	_, err = New("", dup)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestProxy_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	writeUsers(t, path, entry("scott", hash(t, "tiger")))

	p, err := New("", path, WithWatch())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	_, err = p.Login(context.Background(), client("john", "doe", "any"))
	require.ErrorIs(t, err, errs.ErrAuthentication)

	writeUsers(t, path, entry("scott", hash(t, "tiger")), entry("john", hash(t, "doe")))

	require.Eventually(t, func() bool {
		_, err := p.Login(context.Background(), client("john", "doe", "any"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
