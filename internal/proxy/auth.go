package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pgwire"
)

// errAuthFailed covers every authentication failure. Clients get SQLSTATE
// 28P01 with a fixed message; the distinction between unknown user and
// bad proof stays server-side.
var errAuthFailed = errors.New("password authentication failed")

// Authenticator runs the post-startup authentication exchange for one
// session. It sends the challenge messages itself; the session sends
// AuthenticationOk after a nil return.
type Authenticator interface {
	Authenticate(ctx context.Context, codec *pgwire.Codec, user string) error
}

// TrustAuth accepts every user without a challenge.
type TrustAuth struct{}

func (TrustAuth) Authenticate(ctx context.Context, codec *pgwire.Codec, user string) error {
	return nil
}

// ScramAuth drives SCRAM-SHA-256 against a credential store.
type ScramAuth struct {
	Store iris.CredentialStore

	// Iterations is the PBKDF2 count used when a credential carries a
	// plaintext password instead of a pre-computed verifier.
	Iterations int
}

func (a *ScramAuth) Authenticate(ctx context.Context, codec *pgwire.Codec, user string) error {
	verifier, knownUser, err := a.lookupVerifier(ctx, user)
	if err != nil {
		return err
	}

	codec.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	if err := codec.Flush(); err != nil {
		return fmt.Errorf("sending SASL mechanisms: %w", err)
	}

	if err := codec.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
		return err
	}
	msg, err := codec.Receive()
	if err != nil {
		return fmt.Errorf("reading SASL initial response: %w", err)
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return fmt.Errorf("expected SASLInitialResponse, got %T", msg)
	}
	if initial.AuthMechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("unsupported SASL mechanism %q", initial.AuthMechanism)
	}

	exchange := newScramServer(verifier)
	serverFirst, err := exchange.HandleClientFirst(initial.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", errAuthFailed, err)
	}

	codec.Send(&pgproto3.AuthenticationSASLContinue{Data: serverFirst})
	if err := codec.Flush(); err != nil {
		return fmt.Errorf("sending server-first-message: %w", err)
	}

	if err := codec.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
		return err
	}
	msg, err = codec.Receive()
	if err != nil {
		return fmt.Errorf("reading SASL response: %w", err)
	}
	final, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("expected SASLResponse, got %T", msg)
	}

	serverFinal, err := exchange.HandleClientFinal(final.Data)
	if err != nil || !knownUser {
		if err == nil {
			err = errAuthFailed
		}
		if !errors.Is(err, errAuthFailed) {
			err = fmt.Errorf("%w: %v", errAuthFailed, err)
		}
		return err
	}

	codec.Send(&pgproto3.AuthenticationSASLFinal{Data: serverFinal})
	return nil
}

// lookupVerifier resolves the user's SCRAM material. Unknown users get a
// throwaway verifier so the exchange runs to completion and the timing
// does not reveal whether the user exists.
func (a *ScramAuth) lookupVerifier(ctx context.Context, user string) (scramVerifier, bool, error) {
	cred, err := a.Store.Lookup(ctx, user)
	if errors.Is(err, iris.ErrUnknownUser) {
		return deriveVerifier(user+"\x00decoy", []byte("irisgate-decoy-salt"), a.iterations()), false, nil
	}
	if err != nil {
		return scramVerifier{}, false, fmt.Errorf("credential lookup: %w", err)
	}

	if cred.Verifier != "" {
		v, err := parseVerifier(cred.Verifier)
		if err != nil {
			return scramVerifier{}, false, fmt.Errorf("credential for %s: %w", user, err)
		}
		return v, true, nil
	}

	salt := sha256Sum([]byte("irisgate-salt:" + user))[:16]
	return deriveVerifier(cred.Password, salt, a.iterations()), true, nil
}

func (a *ScramAuth) iterations() int {
	if a.Iterations <= 0 {
		return DefaultScramIterations
	}
	return a.Iterations
}

// TokenExchanger swaps a username and secret for an access token. The
// OAuth bridge treats a successful exchange as proof of identity.
type TokenExchanger interface {
	Exchange(ctx context.Context, user, secret string) (string, error)
}

// OAuthAuth asks for a cleartext secret and validates it through a token
// exchange.
type OAuthAuth struct {
	Exchanger TokenExchanger
}

func (a *OAuthAuth) Authenticate(ctx context.Context, codec *pgwire.Codec, user string) error {
	codec.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := codec.Flush(); err != nil {
		return fmt.Errorf("requesting password: %w", err)
	}

	if err := codec.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return err
	}
	msg, err := codec.Receive()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}

	if _, err := a.Exchanger.Exchange(ctx, user, pw.Password); err != nil {
		return fmt.Errorf("%w: %v", errAuthFailed, err)
	}
	return nil
}
