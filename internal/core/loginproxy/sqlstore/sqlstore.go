// Package sqlstore authenticates clients against a users table.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/crypto/bcrypt"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
)

const defaultTable = "remote_users"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Config struct {
	ClientType string
	// Table holding username, password_hash, database_user, enabled.
	Table string
	// Placeholder overrides the dollar placeholders, e.g. sq.Question.
	Placeholder sq.PlaceholderFormat
}

// Proxy looks users up in a SQL table and compares bcrypt hashes.
type Proxy struct {
	db      *sql.DB
	cfg     Config
	builder sq.StatementBuilderType
	// closes the pool together with the proxy
	ownsDB bool
}

var _ loginproxy.Proxy = (*Proxy)(nil)

// New uses db without taking ownership of it.
func New(db *sql.DB, cfg Config) *Proxy {
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	builder := psq
	if cfg.Placeholder != nil {
		builder = sq.StatementBuilder.PlaceholderFormat(cfg.Placeholder)
	}
	return &Proxy{db: db, cfg: cfg, builder: builder}
}

// Open opens a pool with driver and dsn, closed when the proxy is closed.
func Open(driver, dsn string, cfg Config) (*Proxy, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Configuration("opening login database", err)
	}
	p := New(db, cfg)
	p.ownsDB = true
	return p, nil
}

func (p *Proxy) ClientType() string {
	return p.cfg.ClientType
}

type record struct {
	passwordHash string
	databaseUser sql.NullString
	enabled      bool
}

func (p *Proxy) lookup(ctx context.Context, username string) (*record, error) {
	query, args, err := p.builder.
		Select("password_hash", "database_user", "enabled").
		From(p.cfg.Table).
		Where(sq.Eq{"username": username}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building user query: %w", err)
	}

	var r record
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&r.passwordHash, &r.databaseUser, &r.enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", username, err)
	}
	return &r, nil
}

func (p *Proxy) Login(ctx context.Context, client identity.RemoteClient) (identity.RemoteClient, error) {
	user := client.User()

	r, err := p.lookup(ctx, user.Username())
	if err != nil {
		return client, errs.Authentication("credential store unavailable", err)
	}
	if r == nil || !r.enabled {
		return client, errs.Authentication("unknown user or wrong password", nil)
	}
	if err = bcrypt.CompareHashAndPassword([]byte(r.passwordHash), user.Secret()); err != nil {
		return client, errs.Authentication("unknown user or wrong password", nil)
	}
	if r.databaseUser.Valid && r.databaseUser.String != "" {
		client = client.WithDatabaseUser(identity.NewUser(r.databaseUser.String, nil))
	}
	return client, nil
}

func (p *Proxy) Logout(context.Context, identity.RemoteClient) error {
	return nil
}

func (p *Proxy) Close() error {
	if p.ownsDB {
		return p.db.Close()
	}
	return nil
}
