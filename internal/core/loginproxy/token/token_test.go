package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func client(username, secret string) identity.RemoteClient {
	request := identity.NewConnectionRequest(identity.NewUser(username, []byte(secret)), "web")
	return identity.NewRemoteClient(request, "10.1.1.1", time.Now())
}

func TestProxy_Login(t *testing.T) {
	p, err := New(Config{ClientType: "web", SigningKey: key, Issuer: "remoteserver"})
	require.NoError(t, err)
	require.Equal(t, "web", p.ClientType())

	tok, err := Issue(key, "remoteserver", "scott", "scott_db", time.Minute)
	require.NoError(t, err)

	got, err := p.Login(context.Background(), client("scott", tok))
	require.NoError(t, err)
	require.Equal(t, "scott_db", got.DatabaseUser().Username())

	t.Run("subject mismatch", func(t *testing.T) {
		_, err := p.Login(context.Background(), client("john", tok))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := Issue(key, "elsewhere", "scott", "", time.Minute)
		require.NoError(t, err)
		_, err = p.Login(context.Background(), client("scott", other))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := Issue(key, "remoteserver", "scott", "", -time.Minute)
		require.NoError(t, err)
		_, err = p.Login(context.Background(), client("scott", expired))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})

	t.Run("wrong key", func(t *testing.T) {
		forged, err := Issue([]byte("another-key-another-key-another!!"), "remoteserver", "scott", "", time.Minute)
		require.NoError(t, err)
		_, err = p.Login(context.Background(), client("scott", forged))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})

	t.Run("no expiry", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "scott", "iss": "remoteserver"}).SignedString(key)
		require.NoError(t, err)
		_, err = p.Login(context.Background(), client("scott", tok))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := p.Login(context.Background(), client("scott", "tiger"))
		require.ErrorIs(t, err, errs.ErrAuthentication)
	})
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{ClientType: "web"})
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
