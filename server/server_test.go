package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/becomeliminal/nim-recall/engine"
)

type fakeEngine struct {
	mu     sync.Mutex
	inputs []engine.Input
	tokens []string
	err    error
}

func (f *fakeEngine) Respond(_ context.Context, in *engine.Input) (*engine.Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, *in)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, tok := range f.tokens {
		in.StreamCallback(tok)
	}
	return &engine.Output{Text: strings.Join(f.tokens, "")}, nil
}

func (f *fakeEngine) last() engine.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

func newTestServer(t *testing.T, eng Responder) *Server {
	t.Helper()
	srv, err := New(Config{Engine: eng, DefaultModel: "test-model"})
	require.NoError(t, err)
	return srv
}

// readSSE returns the data payloads and event names of a finished stream.
func readSSE(t *testing.T, body []byte) (data []string, events []string) {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NoError(t, sc.Err())
	return data, events
}

func postChat(t *testing.T, srv http.Handler, req any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))
	return rec
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestChat_StreamsChunksThenDone(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"Hello", ", ", "Sam"}}
	srv := newTestServer(t, eng)

	rec := postChat(t, srv, ChatRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "old question"},
			{Role: "assistant", Content: "old answer"},
			{Role: "user", Content: "hi, I'm Sam"},
		},
		Timeout:        5,
		ConversationID: "conv-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "conv-1", rec.Header().Get(ConversationHeader))

	data, events := readSSE(t, rec.Body.Bytes())
	assert.Empty(t, events)
	require.Len(t, data, 4)
	assert.Equal(t, DoneMarker, data[3])

	var text string
	for _, frame := range data[:3] {
		var chunk ChatChunk
		require.NoError(t, json.Unmarshal([]byte(frame), &chunk))
		require.Len(t, chunk.Choices, 1)
		text += chunk.Choices[0].Delta.Content
	}
	assert.Equal(t, "Hello, Sam", text)

	in := eng.last()
	assert.Equal(t, "conv-1", in.ConversationID)
	assert.Equal(t, "You are terse.", in.SystemPrompt)
	assert.Equal(t, "hi, I'm Sam", in.Message)
	assert.Equal(t, "test-model", in.Model)
	assert.Equal(t, 5*time.Second, in.Timeout)
}

func TestChat_ConversationIDFromHeaderOrGenerated(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"ok"}}
	srv := newTestServer(t, eng)
	body := `{"messages":[{"role":"user","content":"hi"}]}`

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set(ConversationHeader, "from-header")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "from-header", rec.Header().Get(ConversationHeader))
	assert.Empty(t, eng.last().SystemPrompt)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body)))
	assert.Len(t, rec.Header().Get(ConversationHeader), 36)
	assert.Equal(t, time.Minute, eng.last().Timeout)
}

func TestChat_BadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})
	cases := map[string]any{
		"no messages":     ChatRequest{},
		"last not user":   ChatRequest{Messages: []ChatMessage{{Role: "assistant", Content: "x"}}},
		"blank input":     ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "  "}}},
		"unsafe id":       ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "x"}}, ConversationID: "../etc"},
		"not json at all": "{{",
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := postChat(t, srv, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestChat_EngineErrorIsAnErrorEvent(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{err: errors.New("model overloaded")})
	rec := postChat(t, srv, ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}})

	require.Equal(t, http.StatusOK, rec.Code)
	data, events := readSSE(t, rec.Body.Bytes())
	assert.Equal(t, []string{"error"}, events)
	require.Len(t, data, 1)
	assert.Contains(t, data[0], "model overloaded")
	assert.NotContains(t, data, DoneMarker)
}

func TestCORS(t *testing.T) {
	srv, err := New(Config{Engine: &fakeEngine{}, AllowedOrigins: []string{"https://app.example"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_StreamsAndKeepsConversation(t *testing.T) {
	eng := &fakeEngine{tokens: []string{"hi ", "there"}}
	ts := httptest.NewServer(newTestServer(t, eng))
	defer ts.Close()
	conn := dialWS(t, ts)

	var firstID string
	for round := 0; round < 2; round++ {
		require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeMessage, Content: "hello"}))

		var chunks []string
		for {
			var msg ServerMessage
			require.NoError(t, conn.ReadJSON(&msg))
			if msg.Type == TypeTextChunk {
				chunks = append(chunks, msg.Content)
				continue
			}
			require.Equal(t, TypeText, msg.Type)
			assert.Equal(t, "hi there", msg.Content)
			if round == 0 {
				firstID = msg.ConversationID
			} else {
				assert.Equal(t, firstID, msg.ConversationID)
			}
			break
		}
		assert.Equal(t, []string{"hi ", "there"}, chunks)
	}
	assert.NotEmpty(t, firstID)
}

func TestWebSocket_Errors(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, &fakeEngine{err: errors.New("boom")}))
	defer ts.Close()
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Content, "unknown message type")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeMessage, ConversationID: "c", Content: "hi"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "c", msg.ConversationID)
	assert.Contains(t, msg.Content, "boom")
}

func TestGRPCHealth(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := srv.NewGRPCServer()
	go func() { _ = g.Serve(lis) }()
	defer g.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv, err := New(Config{Engine: &fakeEngine{}, Addr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
