// Package token authenticates clients whose secret is a signed JWT.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
)

const databaseUserClaim = "db_user"

type Config struct {
	ClientType string
	SigningKey []byte
	Issuer     string
	// Leeway tolerates clock skew when checking exp and nbf.
	Leeway time.Duration
}

// Proxy validates HS256 tokens. The token subject must equal the username
// and an optional db_user claim becomes the client's database user.
type Proxy struct {
	cfg    Config
	parser *jwt.Parser
}

var _ loginproxy.Proxy = (*Proxy)(nil)

func New(cfg Config) (*Proxy, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errs.Configuration("token login proxy requires a signing key", nil)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Proxy{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (p *Proxy) ClientType() string {
	return p.cfg.ClientType
}

func (p *Proxy) Login(_ context.Context, client identity.RemoteClient) (identity.RemoteClient, error) {
	claims := jwt.MapClaims{}
	_, err := p.parser.ParseWithClaims(string(client.User().Secret()), claims, func(*jwt.Token) (any, error) {
		return p.cfg.SigningKey, nil
	})
	if err != nil {
		return client, errs.Authentication("invalid token", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject != client.User().Username() {
		return client, errs.Authentication(fmt.Sprintf("token subject %q does not match user", subject), nil)
	}
	if dbUser, ok := claims[databaseUserClaim].(string); ok && dbUser != "" {
		client = client.WithDatabaseUser(identity.NewUser(dbUser, nil))
	}
	return client, nil
}

func (p *Proxy) Logout(context.Context, identity.RemoteClient) error {
	return nil
}

func (p *Proxy) Close() error {
	return nil
}

// Issue signs a token for username, valid for ttl. Used by tooling and tests.
func Issue(signingKey []byte, issuer, username, databaseUser string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if databaseUser != "" {
		claims[databaseUserClaim] = databaseUser
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
}
