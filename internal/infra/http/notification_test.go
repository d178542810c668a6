package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"hxat/internal/domain"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialNotification(ctx context.Context, srv *httptest.Server, group, token, launchID string) (*websocket.Conn, *http.Response, error) {
	q := url.Values{}
	q.Set("utm_source", token)
	q.Set("resource_link_id", launchID)
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notification/" + group + "/?" + q.Encode()
	return websocket.Dial(ctx, target, nil)
}

func TestNotificationDeniedBeforeUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	h.seedCourse(t)
	h.store.PutResourceLink(domain.ResourceLinkTarget{ResourceLinkID: "link-1", AssignmentID: "asg-1", TargetObjectID: "7"})
	token := h.launchToken(t, launchParams(nil))
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cases := []struct {
		name, group, token, launchID string
	}{
		{"wrong target", "courseA--asg-1--8", token, "link-1"},
		{"unknown session", "courseA--asg-1--7", "nope", "link-1"},
		{"unknown launch", "courseA--asg-1--7", token, "link-9"},
		{"missing token", "courseA--asg-1--7", "", "link-1"},
	}
	for _, tc := range cases {
		conn, resp, err := dialNotification(ctx, srv, tc.group, tc.token, tc.launchID)
		if err == nil {
			conn.CloseNow()
			t.Fatalf("%s: upgrade must be refused", tc.name)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: expected 403 handshake response, got %v", tc.name, resp)
		}
	}
}

func TestNotificationRelaysGroupMessages(t *testing.T) {
	h := newHarness(t, nil)
	h.seedCourse(t)
	h.store.PutResourceLink(domain.ResourceLinkTarget{ResourceLinkID: "link-1", AssignmentID: "asg-1", TargetObjectID: "7"})
	token := h.launchToken(t, launchParams(nil))
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := dialNotification(ctx, srv, "courseA--asg-1--7", token, "link-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for h.broker.Members("courseA--asg-1--7") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never joined the group")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = h.broker.Publish(ctx, "courseA--asg-1--8", domain.NotificationMessage{Type: domain.NotificationCreated, Message: "other"})
	_ = h.broker.Publish(ctx, "courseA--asg-1--7", domain.NotificationMessage{Type: domain.NotificationUpdated, Message: `{"id":"a1"}`})

	var got domain.NotificationMessage
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != domain.NotificationUpdated || got.Message != `{"id":"a1"}` {
		t.Fatalf("unexpected frame %+v", got)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "annotation_deleted"}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline = time.Now().Add(2 * time.Second)
	for h.broker.Members("courseA--asg-1--7") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed connection must leave the group")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
