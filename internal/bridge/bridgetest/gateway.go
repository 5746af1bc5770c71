// Package bridgetest provides an in-process OpenClaw gateway for tests.
package bridgetest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectRequest is the params of a "connect" request as the gateway sees it.
type ConnectRequest struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID       string `json:"id"`
		Version  string `json:"version"`
		Platform string `json:"platform"`
		Mode     string `json:"mode"`
	} `json:"client"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
	Auth   struct {
		Token string `json:"token"`
	} `json:"auth"`
	Locale    string `json:"locale"`
	UserAgent string `json:"userAgent"`
}

// AgentRequest is the params of an "agent" request.
type AgentRequest struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Reject makes the gateway answer a request with ok:false. An empty Message
// omits the error object.
type Reject struct {
	Message string
}

// Gateway is a scriptable gateway served over httptest.
type Gateway struct {
	// Token, when set, must match the connect auth token.
	Token string

	// RunID is returned in the agent acknowledgment. Empty omits it.
	RunID string

	RejectConnect *Reject
	RejectAgent   *Reject

	// Script runs after the agent acknowledgment, concurrently with the
	// gateway's read loop. Nil sends one snapshot and a lifecycle end.
	Script func(s *Session)

	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	connects []ConnectRequest
	agents   []AgentRequest
	closed   chan struct{}
}

// New starts a gateway that acknowledges with run id "run-1".
func New(t *testing.T) *Gateway {
	g := &Gateway{
		RunID: "run-1",
		t:     t,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		closed: make(chan struct{}, 16),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.handleWS))
	t.Cleanup(g.server.Close)
	return g
}

// Host returns the listen host.
func (g *Gateway) Host() string {
	host, _, _ := net.SplitHostPort(g.server.Listener.Addr().String())
	return host
}

// Port returns the listen port.
func (g *Gateway) Port() int {
	_, port, _ := net.SplitHostPort(g.server.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Connections reports how many sockets were accepted.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns
}

// Connects returns the connect requests received so far.
func (g *Gateway) Connects() []ConnectRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ConnectRequest(nil), g.connects...)
}

// Agents returns the agent requests received so far.
func (g *Gateway) Agents() []AgentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]AgentRequest(nil), g.agents...)
}

// WaitClientClose blocks until a client socket is gone or d elapses.
func (g *Gateway) WaitClientClose(d time.Duration) bool {
	select {
	case <-g.closed:
		return true
	case <-time.After(d):
		return false
	}
}

type inbound struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Logf("upgrade error: %v", err)
		return
	}
	g.mu.Lock()
	g.conns++
	g.mu.Unlock()

	s := &Session{conn: conn, RunID: g.RunID, done: make(chan struct{})}
	defer func() {
		close(s.done)
		conn.Close()
		g.closed <- struct{}{}
	}()

	s.write(map[string]any{
		"type":    "event",
		"event":   "connect.challenge",
		"payload": map[string]any{"nonce": "test-nonce", "ts": time.Now().UnixMilli()},
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req inbound
		if err := json.Unmarshal(msg, &req); err != nil || req.Type != "req" {
			continue
		}

		switch req.Method {
		case "connect":
			var params ConnectRequest
			_ = json.Unmarshal(req.Params, &params)
			g.mu.Lock()
			g.connects = append(g.connects, params)
			g.mu.Unlock()

			switch {
			case g.RejectConnect != nil:
				s.respond(req.ID, false, nil, g.RejectConnect.Message)
			case g.Token != "" && params.Auth.Token != g.Token:
				s.respond(req.ID, false, nil, "invalid token")
			default:
				s.respond(req.ID, true, map[string]any{"type": "hello-ok", "protocol": 3}, "")
			}

		case "agent":
			var params AgentRequest
			_ = json.Unmarshal(req.Params, &params)
			g.mu.Lock()
			g.agents = append(g.agents, params)
			g.mu.Unlock()

			if g.RejectAgent != nil {
				s.respond(req.ID, false, nil, g.RejectAgent.Message)
				continue
			}
			payload := map[string]any{"status": "accepted"}
			if g.RunID != "" {
				payload["runId"] = g.RunID
			}
			s.respond(req.ID, true, payload, "")

			script := g.Script
			if script == nil {
				script = func(s *Session) {
					s.Assistant("Hello from mock gateway!")
					s.End()
				}
			}
			go script(s)
		}
	}
}

// Session is one accepted client socket, as seen by a Script.
type Session struct {
	RunID string

	conn *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
}

// Done is closed once the client side of the socket is gone.
func (s *Session) Done() <-chan struct{} { return s.done }

// Assistant sends a cumulative snapshot.
func (s *Session) Assistant(text string) {
	s.Agent(map[string]any{"stream": "assistant", "data": map[string]any{"text": text}})
}

// Delta sends an incremental fragment. It carries no stream tag, which is
// how the gateway reports deltas outside the assistant snapshot stream.
func (s *Session) Delta(text string) {
	s.Agent(map[string]any{"delta": text})
}

// End sends lifecycle phase "end".
func (s *Session) End() {
	s.Agent(map[string]any{"stream": "lifecycle", "data": map[string]any{"phase": "end"}})
}

// Fail sends lifecycle phase "error". An empty message omits data.message.
func (s *Session) Fail(message string) {
	data := map[string]any{"phase": "error"}
	if message != "" {
		data["message"] = message
	}
	s.Agent(map[string]any{"stream": "lifecycle", "data": data})
}

// Agent sends an "agent" event. The session run id is filled in unless the
// payload already carries a runId key.
func (s *Session) Agent(payload map[string]any) {
	if _, ok := payload["runId"]; !ok {
		payload["runId"] = s.RunID
	}
	s.write(map[string]any{"type": "event", "event": "agent", "payload": payload})
}

// Raw writes msg as a text frame.
func (s *Session) Raw(msg string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close performs a clean close with code and reason.
func (s *Session) Close(code int, reason string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// Drop tears the TCP connection down without a close frame.
func (s *Session) Drop() {
	_ = s.conn.UnderlyingConn().Close()
}

func (s *Session) respond(id string, ok bool, payload any, errMsg string) {
	frame := map[string]any{"type": "res", "id": id, "ok": ok}
	if payload != nil {
		frame["payload"] = payload
	}
	if errMsg != "" {
		frame["error"] = map[string]any{"code": "ERROR", "message": errMsg}
	}
	s.write(frame)
}

func (s *Session) write(v any) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.WriteJSON(v)
}
