// Package backendtest runs an in-process agent backend for tests. It speaks
// the same websocket contract as the real service at /api/ws/chat/{client_id}.
package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// ChatPath is the route prefix the backend mounts the chat socket under.
const ChatPath = "/api/ws/chat"

// Received is one frame the backend read from a client.
type Received struct {
	ClientID string
	Raw      []byte
	Content  string
	Sender   string
}

// ReplyFunc produces the payload to send back for a received frame.
// Returning nil sends nothing.
type ReplyFunc func(r Received) []byte

// Option configures a Server.
type Option func(*Server)

// WithReply installs an automatic reply for every received frame.
func WithReply(fn ReplyFunc) Option {
	return func(s *Server) { s.reply = fn }
}

// AgentEcho replies with an agent frame echoing the received content.
func AgentEcho(prefix string) ReplyFunc {
	return func(r Received) []byte {
		return AgentFrame(prefix + r.Content)
	}
}

// AgentFrame encodes a well-formed agent reply.
func AgentFrame(content string) []byte {
	data, _ := json.Marshal(map[string]string{
		"content":   content,
		"sender":    "agent",
		"timestamp": time.Now().Format("2006-01-02T15:04:05.000000"),
	})
	return data
}

// Server is a fake agent backend.
type Server struct {
	srv      *httptest.Server
	reply    ReplyFunc
	received chan Received
	accepted chan string

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	headers map[string]http.Header
}

// New starts a Server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		received: make(chan Received, 64),
		accepted: make(chan string, 16),
		conns:    make(map[string]*websocket.Conn),
		headers:  make(map[string]http.Header),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get(ChatPath+"/{client_id}", s.handleChat)
	s.srv = httptest.NewServer(r)

	t.Cleanup(s.Close)
	return s
}

// URL returns the websocket base endpoint, without the client id segment.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + ChatPath
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for id, c := range s.conns {
		_ = c.CloseNow()
		delete(s.conns, id)
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer func() { _ = ws.CloseNow() }()

	s.mu.Lock()
	if existing, ok := s.conns[clientID]; ok {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	s.conns[clientID] = ws
	s.headers[clientID] = r.Header.Clone()
	s.mu.Unlock()
	defer s.forget(clientID, ws)

	select {
	case s.accepted <- clientID:
	default:
	}

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}

		rec := Received{ClientID: clientID, Raw: data}
		var frame struct {
			Content string `json:"content"`
			Sender  string `json:"sender"`
		}
		if err := json.Unmarshal(data, &frame); err == nil {
			rec.Content = frame.Content
			rec.Sender = frame.Sender
		}

		select {
		case s.received <- rec:
		default:
		}

		if s.reply != nil {
			if out := s.reply(rec); out != nil {
				if err := ws.Write(r.Context(), websocket.MessageText, out); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) forget(clientID string, ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.conns[clientID]; ok && current == ws {
		delete(s.conns, clientID)
	}
}

// Header returns the handshake headers of clientID's most recent connection.
func (s *Server) Header(clientID string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[clientID]
}

// WaitAccepted blocks until a client connects and returns its id.
func (s *Server) WaitAccepted(t testing.TB) string {
	t.Helper()
	select {
	case id := <-s.accepted:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client connection")
		return ""
	}
}

// Next returns the next frame received from any client.
func (s *Server) Next(t testing.TB) Received {
	t.Helper()
	select {
	case rec := <-s.received:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return Received{}
	}
}

// ExpectNone fails if a frame arrives within d.
func (s *Server) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case rec := <-s.received:
		t.Fatalf("unexpected frame from %s: %s", rec.ClientID, rec.Raw)
	case <-time.After(d):
	}
}

// Push writes a raw text payload to clientID.
func (s *Server) Push(clientID string, payload []byte) error {
	return s.push(clientID, websocket.MessageText, payload)
}

// PushBinary writes a binary payload to clientID.
func (s *Server) PushBinary(clientID string, payload []byte) error {
	return s.push(clientID, websocket.MessageBinary, payload)
}

func (s *Server) push(clientID string, typ websocket.MessageType, payload []byte) error {
	s.mu.Lock()
	ws, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return errors.New("no connection for " + clientID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.Write(ctx, typ, payload)
}

// Disconnect closes clientID's connection with a going-away status.
func (s *Server) Disconnect(clientID string) {
	s.mu.Lock()
	ws, ok := s.conns[clientID]
	s.mu.Unlock()
	if ok {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Connected reports whether clientID currently has an open connection.
func (s *Server) Connected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[clientID]
	return ok
}
