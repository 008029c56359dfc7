package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/models"
)

// UserLookup is the part of the store the authenticator needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Authenticator resolves a session token to an active user. Tokens are
// stateless, so a deactivated account is refused here rather than by
// revoking its tokens.
type Authenticator struct {
	sessions *Sessions
	users    UserLookup
}

func NewAuthenticator(sessions *Sessions, users UserLookup) *Authenticator {
	return &Authenticator{sessions: sessions, users: users}
}

// Authenticate returns the user id behind token. Bad, expired and
// deactivated sessions all match ErrInvalidSession; any other error is a
// lookup failure.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (int64, error) {
	userID, err := a.sessions.Verify(token)
	if err != nil {
		return 0, err
	}

	user, err := a.users.GetUserByID(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, fmt.Errorf("%w: unknown user %d", ErrInvalidSession, userID)
	}
	if err != nil {
		return 0, apperr.Storage("load session user", err)
	}
	if !user.IsActive {
		return 0, fmt.Errorf("%w: user %d is deactivated", ErrInvalidSession, userID)
	}
	return userID, nil
}
