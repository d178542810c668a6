package domain

import "context"

// SessionStore persists LaunchSessions under an opaque browser token.
// Update runs fn against the freshest copy and persists the result if fn
// marked the session dirty; backends serialize concurrent updates of the
// same token.
type SessionStore interface {
	Load(ctx context.Context, token string) (*LaunchSession, error)
	Update(ctx context.Context, token string, fn func(*LaunchSession) error) error
	Delete(ctx context.Context, token string) error
}
