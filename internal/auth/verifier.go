package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/1ureka/p2pchat/internal/protocol"
)

var (
	ErrAccountNotExist = protocol.ReasonAccountNotExist.Err()
	ErrAccountNotMatch = protocol.ReasonAccountNotMatch.Err()
)

// Identity is what a successful check yields.
type Identity struct {
	Username   string
	SessionID  string
	Properties map[string]string
}

// Verifier checks one set of credentials. Returning an error wrapping a
// *protocol.ReasonError selects the disconnect reason; any other error is
// reported as AccountNotMatch.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (Identity, error)
}

// StaticVerifier checks passwords against a username -> md5 hex digest
// table. Clients send the digest, not the plain password. Usernames are
// matched exactly.
type StaticVerifier struct {
	Accounts map[string]string
}

func (v StaticVerifier) Verify(_ context.Context, username, password string) (Identity, error) {
	digest, ok := v.Accounts[username]
	if !ok {
		return Identity{}, ErrAccountNotExist
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(password)) != 1 {
		return Identity{}, ErrAccountNotMatch
	}
	return Identity{Username: username}, nil
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(ctx context.Context, username, password string) (Identity, error)

func (f FuncVerifier) Verify(ctx context.Context, username, password string) (Identity, error) {
	return f(ctx, username, password)
}
