package usecase

import (
	"strings"

	"hxat/internal/domain"
)

const DefaultMaxLaunches = 10

// LaunchSessionStore is the typed accessor over the launch map held in a
// browser session. Every lookup failure is ErrInvalidLaunchSession.
type LaunchSessionStore struct {
	MaxLaunches int
}

func NewLaunchSessionStore(maxLaunches int) *LaunchSessionStore {
	if maxLaunches <= 0 {
		maxLaunches = DefaultMaxLaunches
	}
	return &LaunchSessionStore{MaxLaunches: maxLaunches}
}

func (s *LaunchSessionStore) AssertValid(sess *domain.LaunchSession, launchID string) error {
	if strings.TrimSpace(launchID) == "" {
		return domain.ErrInvalidLaunchSession
	}
	if sess == nil || sess.Launches == nil {
		return domain.ErrInvalidLaunchSession
	}
	if _, ok := sess.Launches[launchID]; !ok {
		return domain.ErrInvalidLaunchSession
	}
	return nil
}

func (s *LaunchSessionStore) Get(sess *domain.LaunchSession, launchID string) (domain.LaunchRecord, error) {
	if err := s.AssertValid(sess, launchID); err != nil {
		return domain.LaunchRecord{}, err
	}
	return sess.Launches[launchID], nil
}

func (s *LaunchSessionStore) TryGet(sess *domain.LaunchSession, launchID string) (domain.LaunchRecord, bool) {
	rec, err := s.Get(sess, launchID)
	return rec, err == nil
}

// Put inserts or overwrites the record for launchID. A new id in a full
// session evicts the oldest launch first.
func (s *LaunchSessionStore) Put(sess *domain.LaunchSession, launchID string, rec domain.LaunchRecord) {
	if sess.Launches == nil {
		sess.Launches = make(map[string]domain.LaunchRecord)
	}
	if _, exists := sess.Launches[launchID]; !exists {
		for len(sess.Order) >= s.MaxLaunches && len(sess.Order) > 0 {
			oldest := sess.Order[0]
			sess.Order = sess.Order[1:]
			delete(sess.Launches, oldest)
		}
		sess.Order = append(sess.Order, launchID)
	}
	sess.Launches[launchID] = rec
	sess.MarkDirty()
}
