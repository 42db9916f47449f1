package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pishop.app/internal/auth"
	"pishop.app/internal/ledger"
)

// Result is a verified user plus the session credential issued for them.
type Result struct {
	User         ledger.User
	SessionToken string
	ExpiresAt    time.Time
}

// Verifier upserts users from provider identities and issues sessions.
type Verifier struct {
	provider Provider
	users    ledger.Store
	issuer   *auth.Issuer
}

func NewVerifier(p Provider, users ledger.Store, issuer *auth.Issuer) *Verifier {
	return &Verifier{provider: p, users: users, issuer: issuer}
}

// Verify resolves accessToken with the provider. No user is written unless the
// provider accepts the token.
func (v *Verifier) Verify(ctx context.Context, accessToken string) (Result, error) {
	id, err := v.provider.Me(ctx, accessToken)
	if err != nil {
		return Result{}, err
	}
	u, err := v.upsert(ctx, id)
	if err != nil {
		return Result{}, err
	}
	tok, exp, err := v.issuer.Issue(u.ID)
	if err != nil {
		return Result{}, fmt.Errorf("identity: issue session: %w", err)
	}
	return Result{User: u, SessionToken: tok, ExpiresAt: exp}, nil
}

// VerifySession checks a session credential without any I/O.
func (v *Verifier) VerifySession(token string) (string, error) {
	return v.issuer.UserID(token)
}

func (v *Verifier) upsert(ctx context.Context, id Identity) (ledger.User, error) {
	u, err := v.users.FindUserByExternalID(ctx, id.ExternalID)
	switch {
	case err == nil:
		return v.refreshProfile(ctx, u, id)
	case !errors.Is(err, ledger.ErrNotFound):
		return ledger.User{}, fmt.Errorf("identity: find user: %w", err)
	}

	u, err = v.users.CreateUser(ctx, ledger.User{
		Username:   id.Username,
		ExternalID: id.ExternalID,
		Email:      id.Email,
	})
	if errors.Is(err, ledger.ErrConflict) {
		// Another request created the same user first.
		u, err = v.users.FindUserByExternalID(ctx, id.ExternalID)
		if err != nil {
			return ledger.User{}, fmt.Errorf("identity: reread user: %w", err)
		}
		return v.refreshProfile(ctx, u, id)
	}
	if err != nil {
		return ledger.User{}, fmt.Errorf("identity: create user: %w", err)
	}
	return u, nil
}

func (v *Verifier) refreshProfile(ctx context.Context, u ledger.User, id Identity) (ledger.User, error) {
	if u.Username == id.Username && u.Email == id.Email {
		return u, nil
	}
	updated, err := v.users.UpdateUserProfile(ctx, u.ID, id.Username, id.Email)
	if err != nil {
		return ledger.User{}, fmt.Errorf("identity: update profile: %w", err)
	}
	return updated, nil
}
