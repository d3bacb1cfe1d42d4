package iris

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Credential is the authentication material for one gateway user.
// Either Password (plaintext, verifier derived at first use) or Verifier
// (a pre-computed SCRAM-SHA-256 verifier string) is set.
type Credential struct {
	Username string
	Password string
	Verifier string
}

// ErrUnknownUser is returned by credential stores for users that do not
// exist. Auth treats it the same as a bad password.
var ErrUnknownUser = errors.New("unknown user")

// CredentialStore resolves gateway users to credentials.
type CredentialStore interface {
	Lookup(ctx context.Context, user string) (Credential, error)
}

// StaticStore serves credentials from configuration.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewStaticStore builds a store from a username-keyed credential map.
func NewStaticStore(creds map[string]Credential) *StaticStore {
	m := make(map[string]Credential, len(creds))
	for user, c := range creds {
		c.Username = user
		m[user] = c
	}
	return &StaticStore{creds: m}
}

func (s *StaticStore) Lookup(ctx context.Context, user string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[user]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	return c, nil
}

// Replace swaps the credential set, for config reload.
func (s *StaticStore) Replace(creds map[string]Credential) {
	m := make(map[string]Credential, len(creds))
	for user, c := range creds {
		c.Username = user
		m[user] = c
	}
	s.mu.Lock()
	s.creds = m
	s.mu.Unlock()
}

// SQLStore looks credentials up with a configured query run on a
// dedicated IRIS connection. The query takes the username as its single
// parameter and returns one row: password or verifier.
type SQLStore struct {
	Connector Connector
	Query     string // e.g. SELECT Secret FROM Gateway.Users WHERE Username = ?

	mu   sync.Mutex
	conn Conn
}

func (s *SQLStore) Lookup(ctx context.Context, user string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := s.Connector.Connect(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("opening credential connection: %w", err)
		}
		s.conn = conn
	}

	rows, err := s.conn.Query(ctx, s.Query, user)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return Credential{}, fmt.Errorf("credential query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Credential{}, fmt.Errorf("credential query: %w", err)
		}
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	vals, err := rows.Values()
	if err != nil {
		return Credential{}, fmt.Errorf("credential row: %w", err)
	}
	if len(vals) == 0 {
		return Credential{}, fmt.Errorf("credential query returned no columns")
	}

	secret := ""
	switch v := vals[0].(type) {
	case string:
		secret = v
	case []byte:
		secret = string(v)
	default:
		return Credential{}, fmt.Errorf("credential query returned %T, want string", vals[0])
	}

	cred := Credential{Username: user}
	if isScramVerifier(secret) {
		cred.Verifier = secret
	} else {
		cred.Password = secret
	}
	return cred, nil
}

// Close releases the dedicated lookup connection.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func isScramVerifier(secret string) bool {
	const prefix = "SCRAM-SHA-256$"
	return len(secret) > len(prefix) && secret[:len(prefix)] == prefix
}
