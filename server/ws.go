package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
)

// WebSocket message types.
const (
	TypeMessage   = "message"    // client → server: user input
	TypeTextChunk = "text_chunk" // server → client: streamed fragment
	TypeText      = "text"       // server → client: complete reply
	TypeError     = "error"      // server → client: failure
)

// ClientMessage is sent by the client.
type ClientMessage struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Content        string   `json:"content"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// ServerMessage is sent by the server.
type ServerMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

const writeWait = 10 * time.Second

// handleWebSocket runs one connection. Messages are answered in order; a
// connection without a conversation id is given one on its first message
// and keeps it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := uuid.NewString()
	logger := s.logger.With("connection", connID, "transport", "websocket")
	logger.Debug("server: websocket connected")

	var conversation string
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("server: websocket read failed", "err", err)
			}
			return
		}
		if msg.Type != TypeMessage {
			s.send(conn, ServerMessage{Type: TypeError, Content: "unknown message type: " + msg.Type})
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			s.send(conn, ServerMessage{Type: TypeError, Content: "empty message"})
			continue
		}

		id := msg.ConversationID
		if id == "" {
			if conversation == "" {
				conversation = uuid.NewString()
			}
			id = conversation
		}
		if err := memory.ValidateConversationID(id); err != nil {
			s.send(conn, ServerMessage{Type: TypeError, Content: err.Error()})
			continue
		}

		in := &engine.Input{
			ConversationID: id,
			SystemPrompt:   msg.SystemPrompt,
			Message:        msg.Content,
			Model:          s.model(msg.Model),
			Temperature:    msg.Temperature,
			Timeout:        s.cfg.DefaultTimeout,
			StreamCallback: func(tok string) {
				s.send(conn, ServerMessage{Type: TypeTextChunk, ConversationID: id, Content: tok})
			},
		}
		out, err := s.cfg.Engine.Respond(ctx, in)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			logger.Error("server: respond failed", "conversation_id", id, "err", err)
			s.send(conn, ServerMessage{Type: TypeError, ConversationID: id, Content: err.Error()})
			continue
		}
		s.send(conn, ServerMessage{Type: TypeText, ConversationID: id, Content: out.Text})
	}
}

func (s *Server) send(conn *websocket.Conn, msg ServerMessage) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("server: websocket write failed", "type", msg.Type, "err", err)
	}
}
