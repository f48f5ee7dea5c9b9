package identity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

func TestUser_Equal(t *testing.T) {
	scott := NewUser("scott", []byte("tiger"))

	require.True(t, scott.Equal(NewUser("scott", []byte("tiger"))))
	require.False(t, scott.Equal(NewUser("scott", []byte("lion"))))
	require.False(t, scott.Equal(NewUser("john", []byte("tiger"))))
	require.True(t, NewUser("anon", nil).Equal(NewUser("anon", []byte{})))
	require.Equal(t, "scott", scott.String())
}

func TestUser_SecretIsCopied(t *testing.T) {
	secret := []byte("tiger")
	user := NewUser("scott", secret)
	secret[0] = 'T'
	require.Equal(t, []byte("tiger"), user.Secret())

	out := user.Secret()
	out[0] = 'X'
	require.Equal(t, []byte("tiger"), user.Secret())
}

func TestParseUser(t *testing.T) {
	user, err := ParseUser("scott:tiger")
	require.NoError(t, err)
	require.Equal(t, "scott", user.Username())
	require.Equal(t, []byte("tiger"), user.Secret())

	_, err = ParseUser(":tiger")
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestConnectionRequest_JSON(t *testing.T) {
	id := uuid.New()
	request := NewConnectionRequest(NewUser("scott", []byte("tiger")), "desktop",
		WithClientID(id),
		WithClientVersion("1.2.0"),
		WithFrameworkVersion("0.18.1"),
		WithParameter("locale", "is_IS"))

	data, err := json.Marshal(request)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Equal(t, id.String(), wire["clientId"])
	require.Equal(t, "desktop", wire["clientTypeId"])
	require.Contains(t, wire, "user")

	var decoded ConnectionRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, id, decoded.ClientID())
	require.True(t, decoded.User().Equal(request.User()))
	require.Equal(t, "1.2.0", decoded.ClientVersion())
	require.Equal(t, "0.18.1", decoded.FrameworkVersion())
	locale, ok := decoded.Parameter("locale")
	require.True(t, ok)
	require.Equal(t, "is_IS", locale)
}

func TestConnectionRequest_RequiresClientID(t *testing.T) {
	var decoded ConnectionRequest
	err := json.Unmarshal([]byte(`{"user":{"username":"scott"},"clientTypeId":"x"}`), &decoded)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestConnectionRequest_ParametersAreCopied(t *testing.T) {
	request := NewConnectionRequest(NewUser("scott", nil), "desktop", WithParameter("a", "1"))
	params := request.Parameters()
	params["a"] = "2"
	v, _ := request.Parameter("a")
	require.Equal(t, "1", v)
}

func TestRemoteClient_Copy(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	request := NewConnectionRequest(NewUser("scott", []byte("tiger")), "desktop", WithParameter("a", "1"))
	client := NewRemoteClient(request, "10.0.0.7", created)

	require.Equal(t, "scott", client.DatabaseUser().Username())
	require.False(t, client.HasDatabaseUser())

	withDB := client.WithDatabaseUser(NewUser("app_db", []byte("pw")))
	require.Equal(t, "app_db", withDB.DatabaseUser().Username())
	require.Equal(t, "scott", withDB.User().Username())
	require.Equal(t, created, withDB.CreationTime())
	require.Equal(t, "10.0.0.7", withDB.ClientHost())
	require.False(t, client.HasDatabaseUser())

	cp := withDB.Copy()
	require.Equal(t, withDB.ClientID(), cp.ClientID())
	require.Equal(t, created, cp.CreationTime())
	require.Equal(t, "10.0.0.7", cp.ClientHost())
	require.Equal(t, "app_db", cp.DatabaseUser().Username())

	params := cp.Request().Parameters()
	params["a"] = "changed"
	v, _ := client.Request().Parameter("a")
	require.Equal(t, "1", v)
}

func TestClientHostContext(t *testing.T) {
	ctx := WithClientHost(context.Background(), "192.168.1.4")
	require.Equal(t, "192.168.1.4", ClientHostFrom(ctx))
	require.Empty(t, ClientHostFrom(context.Background()))
}
