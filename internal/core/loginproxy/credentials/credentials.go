// Package credentials authenticates clients against a YAML file of bcrypt
// password hashes, optionally reloading it whenever it changes on disk.
package credentials

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/loginproxy"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
)

// Entry is one user in the credentials file.
type Entry struct {
	Username       string   `yaml:"username"`
	PasswordHash   string   `yaml:"password_hash"`
	DatabaseUser   string   `yaml:"database_user,omitempty"`
	DatabaseSecret string   `yaml:"database_password,omitempty"`
	ClientTypes    []string `yaml:"client_types,omitempty"`
}

type File struct {
	Users []Entry `yaml:"users"`
}

// Parse reads a credentials document.
func Parse(r io.Reader) (map[string]Entry, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if err == io.EOF {
			return nil, errs.Configuration("credentials file is empty", nil)
		}
		return nil, errs.Configuration("malformed credentials file", err)
	}
	if len(f.Users) == 0 {
		return nil, errs.Configuration("credentials file has no users", nil)
	}
	users := make(map[string]Entry, len(f.Users))
	for _, e := range f.Users {
		if e.Username == "" || e.PasswordHash == "" {
			return nil, errs.Configuration("credentials entry requires username and password_hash", nil)
		}
		if _, dup := users[e.Username]; dup {
			return nil, errs.Configuration("duplicate credentials entry for "+e.Username, nil)
		}
		users[e.Username] = e
	}
	return users, nil
}

// Proxy is a login proxy backed by a credentials file.
type Proxy struct {
	clientType string
	path       string
	logger     log.Log

	mu    sync.RWMutex
	users map[string]Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ loginproxy.Proxy = (*Proxy)(nil)

type Option func(*Proxy) error

// WithWatch reloads the file when it is written or replaced. A reload that
// fails to parse keeps the previous users.
func WithWatch() Option {
	return func(p *Proxy) error {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return errs.Configuration("creating credentials watcher", err)
		}
		if err = watcher.Add(filepath.Dir(p.path)); err != nil {
			_ = watcher.Close()
			return errs.Configuration("watching credentials file "+p.path, err)
		}
		p.watcher = watcher
		return nil
	}
}

func WithLogger(logger log.Log) Option {
	return func(p *Proxy) error {
		p.logger = logger
		return nil
	}
}

// New loads the credentials at path for clientType (empty for the default scope).
func New(clientType, path string, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		clientType: clientType,
		path:       filepath.Clean(path),
		logger:     log.NewNop(),
		done:       make(chan struct{}),
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With(log.String("component", "credentials_proxy"), log.String("file", p.path))

	if p.watcher != nil {
		go p.watch()
	} else {
		close(p.done)
	}
	return p, nil
}

func (p *Proxy) ClientType() string {
	return p.clientType
}

func (p *Proxy) Login(_ context.Context, client identity.RemoteClient) (identity.RemoteClient, error) {
	user := client.User()

	p.mu.RLock()
	entry, ok := p.users[user.Username()]
	p.mu.RUnlock()

	if !ok {
		// Unknown users cost the same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash(), user.Secret())
		return client, errs.Authentication("unknown user or wrong password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), user.Secret()); err != nil {
		return client, errs.Authentication("unknown user or wrong password", nil)
	}
	if len(entry.ClientTypes) > 0 && !slices.Contains(entry.ClientTypes, client.ClientType()) {
		return client, errs.Authentication(fmt.Sprintf("user %s may not connect as %s", user.Username(), client.ClientType()), nil)
	}
	if entry.DatabaseUser != "" {
		client = client.WithDatabaseUser(identity.NewUser(entry.DatabaseUser, []byte(entry.DatabaseSecret)))
	}
	return client, nil
}

func (p *Proxy) Logout(context.Context, identity.RemoteClient) error {
	return nil
}

func (p *Proxy) Close() error {
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	return err
}

// Users returns the known usernames, sorted.
func (p *Proxy) Users() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.users))
	for name := range p.users {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (p *Proxy) reload() error {
	f, err := os.Open(p.path)
	if err != nil {
		return errs.Configuration("opening credentials file "+p.path, errs.IO("open", err))
	}
	defer func() { _ = f.Close() }()

	users, err := Parse(f)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
	return nil
}

func (p *Proxy) watch() {
	defer close(p.done)

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if err := p.reload(); err != nil {
				p.logger.Warn("Credentials reload failed, keeping previous users", log.Error(err))
				continue
			}
			p.logger.Info("Credentials reloaded", log.Int("users", len(p.Users())))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("Credentials watcher error", log.Error(err))
		}
	}
}

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	return h
})
