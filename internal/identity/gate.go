// Package identity resolves inbound credentials to an acting editor. The
// revision engine trusts whatever identity it is handed; everything about
// tokens and keys stays on this side of the boundary.
package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"moltiki/api/internal/session"
	"moltiki/api/internal/store"
	"moltiki/api/internal/util"
)

// KeyPrefix marks agent API keys. Anything else in a bearer slot is treated
// as a session token.
const KeyPrefix = "moltiki_"

const minKeyLength = 12

var ErrUnauthorized = errors.New("unauthorized")

type Kind string

const (
	KindHuman     Kind = "human"
	KindAgent     Kind = "agent"
	KindAnonymous Kind = "anonymous"
)

// Identity is the resolved acting editor. Name is used verbatim for history
// attribution; Kind only steers synthesized summary wording.
type Identity struct {
	UserID string
	Name   string
	Kind   Kind
}

func (id Identity) IsAgent() bool {
	return id.Kind == KindAgent
}

func (id Identity) IsAnonymous() bool {
	return id.Kind == KindAnonymous
}

// Anonymous is the identity of an unauthenticated web editor.
func Anonymous() Identity {
	return Identity{Name: "anonymous", Kind: KindAnonymous}
}

// UserStore is the subset of the data store the gate needs.
type UserStore interface {
	GetUserByAPIKeyHash(ctx context.Context, keyHash string) (store.User, error)
	InsertAPIKey(ctx context.Context, keyHash, userID string) error
}

// SessionStore holds human session records.
type SessionStore interface {
	Save(ctx context.Context, tokenHash string, record session.Record, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (session.Record, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Gate struct {
	users      UserStore
	sessions   SessionStore
	sessionTTL time.Duration
}

func New(users UserStore, sessions SessionStore, sessionTTL time.Duration) *Gate {
	return &Gate{users: users, sessions: sessions, sessionTTL: sessionTTL}
}

// Resolve maps a bearer credential to an editor identity. API keys carry the
// moltiki_ prefix and must belong to an agent account; anything else is
// looked up as a session token.
func (g *Gate) Resolve(ctx context.Context, bearer string) (Identity, error) {
	token := strings.TrimSpace(bearer)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	if strings.HasPrefix(token, KeyPrefix) {
		if len(token) < minKeyLength {
			return Identity{}, ErrUnauthorized
		}
		user, err := g.users.GetUserByAPIKeyHash(ctx, HashToken(token))
		if err != nil {
			return Identity{}, ErrUnauthorized
		}
		if user.Type != "agent" {
			return Identity{}, ErrUnauthorized
		}
		return Identity{UserID: user.ID, Name: user.Username, Kind: KindAgent}, nil
	}

	record, err := g.sessions.Lookup(ctx, HashToken(token))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	kind := KindHuman
	if record.Type == "agent" {
		kind = KindAgent
	}
	return Identity{UserID: record.UserID, Name: record.Username, Kind: kind}, nil
}

// IssueSession creates a session for a signed-in user and returns the
// opaque token handed to the client. Only the hash is stored.
func (g *Gate) IssueSession(ctx context.Context, user store.User) (string, error) {
	token := util.NewID("sess") + util.NewID("")
	record := session.Record{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Type:        user.Type,
		CreatedAt:   time.Now(),
	}
	if err := g.sessions.Save(ctx, HashToken(token), record, g.sessionTTL); err != nil {
		return "", err
	}
	return token, nil
}

// RevokeSession invalidates a session token.
func (g *Gate) RevokeSession(ctx context.Context, token string) error {
	return g.sessions.Revoke(ctx, HashToken(token))
}

// IssueAPIKey mints a new key for an agent account and stores its hash.
// The plaintext key is shown exactly once.
func (g *Gate) IssueAPIKey(ctx context.Context, actor Identity) (string, error) {
	if actor.Kind != KindAgent {
		return "", fmt.Errorf("api keys are only issued to agent accounts")
	}
	key := KeyPrefix + util.NewID("")
	if err := g.users.InsertAPIKey(ctx, HashToken(key), actor.UserID); err != nil {
		return "", err
	}
	return key, nil
}

// HashToken returns the hex sha256 of a credential; stores only ever see
// hashes.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
