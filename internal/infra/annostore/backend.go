package annostore

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"hxat/internal/config"
	"hxat/internal/domain"
)

// Backend is one annotation store API flavour. The set is closed: the
// variant is picked once from configuration by NewBackend.
type Backend interface {
	Kind() string
	Route(op domain.StoreOperation, annotationID string) (method, path string)
	AuthHeader(token string) (name, value string)
	ParseEnvelope(body []byte) (domain.AnnotationEnvelope, error)
	ParseSearch(query url.Values) domain.SearchFilter
	SearchQuery(filter domain.SearchFilter, limit int) url.Values
	SearchTotal(body []byte) (int, bool)
}

func NewBackend(kind string) (Backend, error) {
	switch kind {
	case "", config.BackendCatchpy:
		return catchpy{}, nil
	case config.BackendAnnotator:
		return annotator{}, nil
	default:
		return nil, fmt.Errorf("unknown annotation store kind %q", kind)
	}
}

type searchResult struct {
	Total *int `json:"total"`
}

func parseTotal(body []byte) (int, bool) {
	var res searchResult
	if err := json.Unmarshal(body, &res); err != nil || res.Total == nil {
		return 0, false
	}
	return *res.Total, true
}

// catchpy speaks the W3C Web Annotation flavour under /annos/.
type catchpy struct{}

type catchpyEnvelope struct {
	ID       string `json:"id"`
	Platform struct {
		ContextID      string `json:"context_id"`
		CollectionID   string `json:"collection_id"`
		TargetSourceID string `json:"target_source_id"`
	} `json:"platform"`
	Creator struct {
		ID string `json:"id"`
	} `json:"creator"`
}

func (catchpy) Kind() string { return config.BackendCatchpy }

func (catchpy) Route(op domain.StoreOperation, id string) (string, string) {
	path := "/annos/"
	if id != "" {
		path += url.PathEscape(id)
	}
	switch op {
	case domain.OpCreate:
		return http.MethodPost, path
	case domain.OpUpdate:
		return http.MethodPut, path
	case domain.OpDelete:
		return http.MethodDelete, path
	case domain.OpRead:
		return http.MethodGet, path
	default:
		return http.MethodGet, "/annos/"
	}
}

func (catchpy) AuthHeader(token string) (string, string) {
	return "Authorization", "token " + token
}

func (catchpy) ParseEnvelope(body []byte) (domain.AnnotationEnvelope, error) {
	var env catchpyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.AnnotationEnvelope{}, err
	}
	return domain.AnnotationEnvelope{
		ID:             env.ID,
		ContextID:      env.Platform.ContextID,
		CollectionID:   env.Platform.CollectionID,
		TargetSourceID: env.Platform.TargetSourceID,
		CreatorID:      env.Creator.ID,
		Raw:            append(json.RawMessage(nil), body...),
	}, nil
}

func (catchpy) ParseSearch(q url.Values) domain.SearchFilter {
	return domain.SearchFilter{
		ContextID:    q.Get("context_id"),
		CollectionID: q.Get("collection_id"),
		SourceID:     q.Get("source_id"),
		UserIDs:      q["userid"],
	}
}

func (catchpy) SearchQuery(f domain.SearchFilter, limit int) url.Values {
	q := url.Values{}
	q.Set("context_id", f.ContextID)
	if f.CollectionID != "" {
		q.Set("collection_id", f.CollectionID)
	}
	if f.SourceID != "" {
		q.Set("source_id", f.SourceID)
	}
	for _, u := range f.UserIDs {
		q.Add("userid", u)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (catchpy) SearchTotal(body []byte) (int, bool) {
	return parseTotal(body)
}

// annotator is the legacy AnnotatorJS store API.
type annotator struct{}

type annotatorEnvelope struct {
	ID           json.RawMessage `json:"id"`
	ContextID    string          `json:"contextId"`
	CollectionID string          `json:"collectionId"`
	URI          json.RawMessage `json:"uri"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (annotator) Kind() string { return config.BackendAnnotator }

func (annotator) Route(op domain.StoreOperation, id string) (string, string) {
	escaped := url.PathEscape(id)
	switch op {
	case domain.OpCreate:
		return http.MethodPost, "/create"
	case domain.OpUpdate:
		return http.MethodPut, "/update/" + escaped
	case domain.OpDelete:
		return http.MethodDelete, "/delete/" + escaped
	case domain.OpRead:
		return http.MethodGet, "/read/" + escaped
	default:
		return http.MethodGet, "/search"
	}
}

func (annotator) AuthHeader(token string) (string, string) {
	return "x-annotator-auth-token", token
}

func (annotator) ParseEnvelope(body []byte) (domain.AnnotationEnvelope, error) {
	var env annotatorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.AnnotationEnvelope{}, err
	}
	return domain.AnnotationEnvelope{
		ID:             scalarString(env.ID),
		ContextID:      env.ContextID,
		CollectionID:   env.CollectionID,
		TargetSourceID: scalarString(env.URI),
		CreatorID:      env.User.ID,
		Raw:            append(json.RawMessage(nil), body...),
	}, nil
}

func (annotator) ParseSearch(q url.Values) domain.SearchFilter {
	return domain.SearchFilter{
		ContextID:    q.Get("contextId"),
		CollectionID: q.Get("collectionId"),
		SourceID:     q.Get("uri"),
		UserIDs:      q["userid"],
	}
}

func (annotator) SearchQuery(f domain.SearchFilter, limit int) url.Values {
	q := url.Values{}
	q.Set("contextId", f.ContextID)
	if f.CollectionID != "" {
		q.Set("collectionId", f.CollectionID)
	}
	if f.SourceID != "" {
		q.Set("uri", f.SourceID)
	}
	for _, u := range f.UserIDs {
		q.Add("userid", u)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (annotator) SearchTotal(body []byte) (int, bool) {
	return parseTotal(body)
}

// scalarString renders a JSON string or number without quotes; annotator
// ids and uris are numeric for image targets.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
