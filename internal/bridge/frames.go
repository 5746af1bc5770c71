package bridge

import (
	"github.com/tidwall/gjson"
)

const (
	protocolVersion = 3

	eventChallenge = "connect.challenge"
	eventAgent     = "agent"

	methodConnect = "connect"
	methodAgent   = "agent"

	streamAssistant = "assistant"
	streamLifecycle = "lifecycle"
)

// --- Outbound requests ---

// request is an outbound "req" frame. The request id equals the method name;
// a call never has more than one request of each kind in flight.
type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        connectAuth   `json:"auth"`
	Locale      string        `json:"locale"`
	UserAgent   string        `json:"userAgent"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type agentParams struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// --- Inbound frames ---

// frame is the subset of an inbound frame the call state machine inspects.
type frame struct {
	typ     string
	id      string
	event   string
	ok      bool
	errMsg  string
	payload gjson.Result
}

func parseFrame(msg []byte) (frame, error) {
	if !gjson.ValidBytes(msg) {
		return frame{}, ErrInvalidPayload
	}
	root := gjson.ParseBytes(msg)
	if !root.IsObject() {
		return frame{}, ErrInvalidPayload
	}
	return frame{
		typ:     root.Get("type").String(),
		id:      root.Get("id").String(),
		event:   root.Get("event").String(),
		ok:      truthy(root.Get("ok")),
		errMsg:  root.Get("error.message").String(),
		payload: root.Get("payload"),
	}, nil
}

// AgentEvent is the decoded payload of an "agent" event.
type AgentEvent struct {
	RunID    string
	HasRunID bool
	Stream   string

	// Text is the cumulative snapshot carried in data.text.
	Text    string
	HasText bool

	// Delta is an already incremental fragment.
	Delta    string
	HasDelta bool

	Phase   string
	Message string
}

func parseAgentEvent(payload gjson.Result) AgentEvent {
	ev := AgentEvent{
		Stream:  payload.Get("stream").String(),
		Phase:   payload.Get("data.phase").String(),
		Message: payload.Get("data.message").String(),
	}
	if id := payload.Get("runId"); id.Exists() && id.Type != gjson.Null {
		ev.RunID, ev.HasRunID = id.String(), true
	}
	if t := payload.Get("data.text"); t.Type == gjson.String {
		ev.Text, ev.HasText = t.Str, true
	}
	if d := payload.Get("delta"); d.Type == gjson.String {
		ev.Delta, ev.HasDelta = d.Str, true
	}
	return ev
}

// truthy mirrors the loose truthiness the gateway's own clients apply to
// fields like "ok" and "runId".
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.JSON:
		return true
	default:
		return false
	}
}
