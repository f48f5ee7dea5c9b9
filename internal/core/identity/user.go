package identity

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/zeusync/remoteserver/internal/core/errs"
)

// User is an immutable username/secret pair.
type User struct {
	username string
	secret   []byte
}

func NewUser(username string, secret []byte) User {
	return User{username: username, secret: bytes.Clone(secret)}
}

// ParseUser parses "username:password". The password part may be empty.
func ParseUser(text string) (User, error) {
	name, secret, _ := strings.Cut(text, ":")
	if strings.TrimSpace(name) == "" {
		return User{}, errs.InvalidArgument("user %q has no username", text)
	}
	return NewUser(name, []byte(secret)), nil
}

func (u User) Username() string {
	return u.username
}

// Secret returns a copy of the secret bytes.
func (u User) Secret() []byte {
	return bytes.Clone(u.secret)
}

func (u User) IsZero() bool {
	return u.username == "" && len(u.secret) == 0
}

// Equal compares username and secret, the secret in constant time.
func (u User) Equal(other User) bool {
	sameSecret := subtle.ConstantTimeCompare(u.secret, other.secret) == 1
	return u.username == other.username && sameSecret
}

func (u User) String() string {
	return u.username
}

type userWire struct {
	Username string `json:"username"`
	Secret   []byte `json:"secret"`
}

func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(userWire{Username: u.username, Secret: u.secret})
}

func (u *User) UnmarshalJSON(data []byte) error {
	var w userWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = NewUser(w.Username, w.Secret)
	return nil
}
