package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/memory"
)

// ConversationHeader carries the conversation id when the body has none, and
// echoes the id in use on every /chat response.
const ConversationHeader = "X-Conversation-ID"

// ChatMessage is one message in OpenAI chat format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat. The first message is the system
// prompt and the last is the user's input; history in between is ignored
// because the server keeps its own.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	Model          string        `json:"model,omitempty"`
	Timeout        float64       `json:"timeout,omitempty"` // seconds
	ConversationID string        `json:"conversation_id,omitempty"`
}

// ChatChunk is one streamed SSE frame.
type ChatChunk struct {
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice holds a content delta.
type ChunkChoice struct {
	Delta ChunkDelta `json:"delta"`
}

// ChunkDelta is the incremental content.
type ChunkDelta struct {
	Content string `json:"content"`
}

// DoneMarker ends a successful stream.
const DoneMarker = "[DONE]"

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	in, err := s.chatInput(r, &req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(ConversationHeader, in.ConversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseWriter{w: w, f: flusher}
	in.StreamCallback = func(tok string) {
		frame, _ := json.Marshal(ChatChunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: tok}}}})
		if err := stream.data(string(frame)); err != nil {
			s.logger.Debug("server: sse write failed", "err", err)
		}
	}

	logger := s.logger.With("conversation_id", in.ConversationID, "transport", "sse")
	out, err := s.cfg.Engine.Respond(r.Context(), in)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Info("server: client went away", "err", err)
			return
		}
		logger.Error("server: respond failed", "err", err)
		msg, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = stream.event("error", string(msg))
		return
	}
	_ = stream.data(DoneMarker)
	logger.Debug("server: chat done", "chars", len(out.Text), "memories", len(out.Memories))
}

func (s *Server) chatInput(r *http.Request, req *ChatRequest) (*engine.Input, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return nil, fmt.Errorf("last message must have role user, got %q", last.Role)
	}
	if strings.TrimSpace(last.Content) == "" {
		return nil, errors.New("last message is empty")
	}
	var system string
	if len(req.Messages) > 1 {
		system = req.Messages[0].Content
	}

	id := req.ConversationID
	if id == "" {
		id = r.Header.Get(ConversationHeader)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := memory.ValidateConversationID(id); err != nil {
		return nil, err
	}

	return &engine.Input{
		ConversationID: id,
		SystemPrompt:   system,
		Message:        last.Content,
		Model:          s.model(req.Model),
		Temperature:    req.Temperature,
		Timeout:        s.timeout(req.Timeout),
	}, nil
}

type sseWriter struct {
	w io.Writer
	f http.Flusher
}

func (s *sseWriter) data(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) event(name, payload string) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
