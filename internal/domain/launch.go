package domain

import (
	"strings"
	"time"
)

// Well-known LTI 1.1 launch parameter names.
const (
	ParamConsumerKey         = "oauth_consumer_key"
	ParamUserID              = "user_id"
	ParamContextID           = "context_id"
	ParamContextTitle        = "context_title"
	ParamResourceLinkID      = "resource_link_id"
	ParamMessageType         = "lti_message_type"
	ParamRoles               = "roles"
	ParamPersonSourcedID     = "lis_person_sourcedid"
	ParamPersonNameFull      = "lis_person_name_full"
	ParamOutcomeServiceURL   = "lis_outcome_service_url"
	ParamResultSourcedID     = "lis_result_sourcedid"
	ParamConsumerInstanceID  = "tool_consumer_instance_guid"
	ParamConsumerProductCode = "tool_consumer_info_product_family_code"

	MessageTypeBasicLaunch = "basic-lti-launch-request"
)

// Param is a single launch parameter. Launch parameters keep the order in
// which the platform sent them.
type Param struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

type Params []Param

func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// RoleSet is the set of platform roles of a principal, normalized so that
// "urn:lti:role:ims/lis/Instructor" and "Instructor" compare equal.
type RoleSet []string

func ParseRoles(raw string) RoleSet {
	parts := strings.Split(raw, ",")
	out := make(RoleSet, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		role := normalizeRole(part)
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

func normalizeRole(raw string) string {
	role := strings.TrimSpace(raw)
	if idx := strings.LastIndex(role, "/"); idx >= 0 {
		role = role[idx+1:]
	}
	if idx := strings.LastIndex(role, ":"); idx >= 0 {
		role = role[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(role))
}

func (r RoleSet) Intersects(other []string) bool {
	for _, want := range other {
		w := normalizeRole(want)
		for _, have := range r {
			if have == w {
				return true
			}
		}
	}
	return false
}

// LaunchRecord is the immutable snapshot of one successful launch.
type LaunchRecord struct {
	LaunchID    string    `json:"launch_id"`
	ConsumerKey string    `json:"consumer_key"`
	TenantID    string    `json:"tenant_id"`
	PrincipalID string    `json:"principal_id"`
	ScopeKey    string    `json:"scope_key"`
	DisplayName string    `json:"display_name"`
	Roles       RoleSet   `json:"roles"`
	Staff       bool      `json:"staff"`
	Params      Params    `json:"params"`
	CreatedAt   time.Time `json:"created_at"`
	ClientIP    string    `json:"client_ip"`

	// Starting resource resolved at launch, empty when the link is not mapped.
	CollectionID   string `json:"collection_id,omitempty"`
	TargetObjectID string `json:"target_object_id,omitempty"`
}

func (r LaunchRecord) OutcomeServiceURL() string {
	return r.Params.Get(ParamOutcomeServiceURL)
}

func (r LaunchRecord) ResultSourcedID() string {
	return r.Params.Get(ParamResultSourcedID)
}

// ExpectsGrade reports whether the platform declared an outcome service for
// this launch.
func (r LaunchRecord) ExpectsGrade() bool {
	return strings.TrimSpace(r.OutcomeServiceURL()) != "" && strings.TrimSpace(r.ResultSourcedID()) != ""
}

// LaunchSession is the per-browser session payload. Launches are kept in
// insertion order so the oldest can be evicted first.
type LaunchSession struct {
	Launches map[string]LaunchRecord `json:"launches"`
	Order    []string                `json:"order"`
	LoggedIP string                  `json:"logged_ip,omitempty"`

	dirty bool
}

func NewLaunchSession() *LaunchSession {
	return &LaunchSession{Launches: make(map[string]LaunchRecord)}
}

func (s *LaunchSession) MarkDirty() {
	if s != nil {
		s.dirty = true
	}
}

func (s *LaunchSession) Dirty() bool {
	return s != nil && s.dirty
}

func (s *LaunchSession) ClearDirty() {
	if s != nil {
		s.dirty = false
	}
}
