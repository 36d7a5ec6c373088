package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/plumenotehq/plumenote/internal/collab"
)

const collabWriteTimeout = 5 * time.Second

var collabUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	CheckOrigin: func(_ *http.Request) bool {
		// Access control is the bearer token, not the Origin header.
		return true
	},
}

// handleCollab is the collaboration connection gate: the token is verified
// and the document key parsed before the upgrade completes, so a rejected
// connection never sees document bytes.
func (h *httpHandler) handleCollab(c *gin.Context) {
	key, err := collab.ParseDocumentKey(c.Param("docKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_key"})
		return
	}

	token := bearerToken(c)
	if token == "" {
		// Browser WebSocket clients cannot set headers.
		token = c.Query("token")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("collab connection rejected",
			zap.String("doc_key", key.String()),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := collabUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("collab upgrade failed",
			zap.String("doc_key", key.String()),
			zap.Error(err))
		return
	}
	defer conn.Close()

	session, err := h.registry.Acquire(c.Request.Context(), key)
	if err != nil {
		h.logger.Error("collab session acquire failed",
			zap.String("doc_key", key.String()),
			zap.Error(err))
		h.writeClose(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	connID := uuid.NewString()
	stream, initial, err := session.Attach(connID, claims.Subject)
	if err != nil {
		h.logger.Error("collab attach failed",
			zap.String("doc_key", key.String()),
			zap.Error(err))
		h.writeClose(conn, websocket.CloseInternalServerErr, "attach failed")
		return
	}
	// Release after the read loop ends; the detach closes the stream,
	// which in turn stops the writer goroutine.
	defer h.registry.Release(context.Background(), key, connID)

	h.logger.Info("collab connection accepted",
		zap.String("doc_key", key.String()),
		zap.String("user_id", claims.Subject),
		zap.String("conn_id", connID))

	conn.SetWriteDeadline(time.Now().Add(collabWriteTimeout)) //nolint:errcheck
	if err := conn.WriteMessage(websocket.BinaryMessage, initial); err != nil {
		return
	}

	go h.writeLoop(conn, stream)
	h.readLoop(conn, session, key, connID)
}

func (h *httpHandler) writeLoop(conn *websocket.Conn, stream <-chan []byte) {
	for payload := range stream {
		conn.SetWriteDeadline(time.Now().Add(collabWriteTimeout)) //nolint:errcheck
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return
		}
	}
}

func (h *httpHandler) readLoop(conn *websocket.Conn, session *collab.Session, key collab.DocumentKey, connID string) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		update, err := collab.DecodeUpdate(payload)
		if err != nil {
			h.logger.Warn("collab update rejected",
				zap.String("doc_key", key.String()),
				zap.String("conn_id", connID),
				zap.Error(err))
			continue
		}
		if err := session.ApplyUpdate(connID, update); err != nil {
			h.logger.Error("collab update apply failed",
				zap.String("doc_key", key.String()),
				zap.String("conn_id", connID),
				zap.Error(err))
		}
	}
}

func (h *httpHandler) writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(collabWriteTimeout)
	message := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, message, deadline) //nolint:errcheck
}
