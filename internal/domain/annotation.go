package domain

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"
)

type StoreOperation string

const (
	OpSearch StoreOperation = "search"
	OpCreate StoreOperation = "create"
	OpUpdate StoreOperation = "update"
	OpDelete StoreOperation = "delete"
	OpRead   StoreOperation = "read"
)

func (op StoreOperation) Mutates() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// AnnotationEnvelope holds the fields the gateway verifies on a payload
// exchanged with the annotation store. Raw is the payload as received and
// is what notification subscribers are sent.
type AnnotationEnvelope struct {
	ID             string
	ContextID      string
	CollectionID   string
	TargetSourceID string
	CreatorID      string
	Raw            json.RawMessage
}

// SearchFilter is the verification-relevant part of a search query.
type SearchFilter struct {
	ContextID    string
	CollectionID string
	SourceID     string
	UserIDs      []string
}

func (f SearchFilter) IncludesUser(id string) bool {
	for _, u := range f.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}

// StoreRequest is one verified call to an annotation store instance.
type StoreRequest struct {
	Op           StoreOperation
	AnnotationID string
	Query        url.Values
	Body         []byte
	Backend      AssignmentBackendConfig
	PrincipalID  string
	Elevated     bool
	Timeout      time.Duration
}

// StoreResponse is passed back to the browser verbatim.
type StoreResponse struct {
	Status      int
	Body        []byte
	ContentType string
}

func (r *StoreResponse) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

type NotificationType string

const (
	NotificationCreated NotificationType = "annotation_created"
	NotificationUpdated NotificationType = "annotation_updated"
	NotificationDeleted NotificationType = "annotation_deleted"
)

func NotificationTypeFor(op StoreOperation) (NotificationType, bool) {
	switch op {
	case OpCreate:
		return NotificationCreated, true
	case OpUpdate:
		return NotificationUpdated, true
	case OpDelete:
		return NotificationDeleted, true
	default:
		return "", false
	}
}

// NotificationMessage is the frame relayed to websocket subscribers. Message
// carries the annotation JSON as a string.
type NotificationMessage struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message"`
}

var groupUnsafe = regexp.MustCompile(`[^A-Za-z0-9\-.]`)

// SanitizeGroupPart replaces every character outside [A-Za-z0-9-.] with '-'.
func SanitizeGroupPart(value string) string {
	return groupUnsafe.ReplaceAllString(value, "-")
}

// NotificationGroup computes the pub/sub topic {context}--{collection}--{target}.
func NotificationGroup(contextID, collectionID, targetID string) string {
	return strings.Join([]string{
		SanitizeGroupPart(contextID),
		SanitizeGroupPart(collectionID),
		SanitizeGroupPart(targetID),
	}, "--")
}

// Broker fans notification messages out to the members of a group.
type Broker interface {
	Publish(ctx context.Context, group string, msg NotificationMessage) error
	Subscribe(ctx context.Context, group string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan NotificationMessage
	Close() error
}
