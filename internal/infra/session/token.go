package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"

	"hxat/internal/domain"
)

// NewToken returns an opaque, unguessable session token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ValidToken rejects tokens that could not have come from NewToken.
func ValidToken(token string) bool {
	if len(token) != 64 {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(token))
	return err == nil
}

func decode(data []byte) (*domain.LaunchSession, error) {
	sess := domain.NewLaunchSession()
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, err
	}
	if sess.Launches == nil {
		sess.Launches = make(map[string]domain.LaunchRecord)
	}
	return sess, nil
}
