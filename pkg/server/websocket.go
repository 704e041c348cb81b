package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sshh12/prompt-stack/pkg/project"
	"github.com/sshh12/prompt-stack/pkg/store"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn serializes writes to one websocket. The hub and the read loop
// both send on it.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	chat, err := s.deps.Store.GetChat(r.Context(), chatID)
	if err != nil {
		s.storeErrorResponse(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// The request context is detached from the hijacked connection, so a
	// turn keeps running until the read loop notices the close.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess, err := s.deps.Sessions.Get(ctx, chat.ProjectID)
	if err != nil {
		slog.Error("Failed to load project session", "projectID", chat.ProjectID, "error", err)
		ws.WriteJSON(map[string]string{"error": "project not found"})
		return
	}

	conn := &wsConn{ws: ws}
	sess.AddChatSubscription(ctx, chatID, conn)
	defer sess.RemoveChatSubscription(chatID, conn)

	log := slog.With("projectID", chat.ProjectID, "chatID", chatID)
	log.Info("Chat connected")

	for {
		var msg project.InboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("WebSocket read error", "error", err)
			}
			break
		}
		if msg.Content == "" {
			continue
		}

		if err := sess.OnChatMessage(ctx, chatID, msg); err != nil {
			log.Error("Handling chat message", "error", err)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if sendErr := conn.SendJSON(map[string]string{"error": err.Error()}); sendErr != nil {
				break
			}
		}
	}
	log.Info("Chat disconnected")
}
