package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"hxat/internal/domain"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

const notificationWriteTimeout = 5 * time.Second

// handleNotification authorizes before the upgrade: a denied connection
// gets a bare 403 and never completes the handshake. Once open the socket
// only relays group messages; client frames are discarded.
func (s *Server) handleNotification(c *gin.Context) {
	if s.notifications == nil || s.broker == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	group := strings.Trim(c.Param("group"), "/")
	token := strings.TrimSpace(c.Query(sessionQuery))
	launchID := strings.TrimSpace(c.Query(launchIDQuery))
	log := s.logger(c).WithField("group", group)

	rec, err := s.notifications.Authorize(c.Request.Context(), token, launchID, group)
	if err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			log.WithError(err).Info("notification connection denied")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		log.WithError(err).Error("notification authorization failed")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	sub, err := s.broker.Subscribe(ctx, group)
	if err != nil {
		log.WithError(err).Error("notification subscribe failed")
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// server read/write timeouts would otherwise close the hijacked socket
	rc := http.NewResponseController(c.Writer)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Notification.OriginPatterns,
	})
	if err != nil {
		log.WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.CloseNow()
	log.WithField("principal_id", rec.PrincipalID).Debug("notification connection open")

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, notificationWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			writeCancel()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
