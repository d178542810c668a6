package usecase

import (
	"context"
	"errors"
	"fmt"

	"hxat/internal/domain"
)

// NotificationAuthorizer decides whether a websocket may join a group.
// Every denial is ErrForbidden so the transport can refuse the upgrade
// without distinguishing causes.
type NotificationAuthorizer struct {
	Sessions domain.SessionStore
	Launches *LaunchSessionStore
}

func (a *NotificationAuthorizer) Authorize(ctx context.Context, token, launchID, group string) (*domain.LaunchRecord, error) {
	if token == "" || launchID == "" || group == "" {
		return nil, domain.ErrForbidden
	}
	sess, err := a.Sessions.Load(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	rec, err := a.Launches.Get(sess, launchID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	if domain.NotificationGroup(rec.TenantID, rec.CollectionID, rec.TargetObjectID) != group {
		return nil, domain.ErrForbidden
	}
	return &rec, nil
}
