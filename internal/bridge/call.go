package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawd-bridge/internal/requestid"
)

type mode int

const (
	modeBuffered mode = iota
	modeStreaming
)

func (m mode) String() string {
	if m == modeStreaming {
		return "stream"
	}
	return "buffered"
}

// readyState follows the WebSocket readyState numbering used in diagnostics.
// A call only ever reports a socket as open (a write failed) or closed (the
// dial failed).
type readyState int

const (
	stateOpen   readyState = 1
	stateClosed readyState = 3
)

type outcome struct {
	text string
	err  error
}

// call is one gateway exchange: one socket, one dispatch, one settlement.
//
// Frames are handled sequentially on the read loop goroutine. The timer,
// caller cancellation and Stream.Close may race with it; they only ever
// reach settle, which wins exactly once.
type call struct {
	ctx        context.Context
	client     *Client
	logger     zerolog.Logger
	mode       mode
	prompt     string
	sessionKey string
	url        string
	started    time.Time

	mu       sync.Mutex
	settled  bool
	conn     *websocket.Conn
	timer    *time.Timer
	cancel   context.CancelFunc
	stopWait func() bool

	runID  string // written under mu by the read loop
	hasRun bool

	// read loop only
	acc  Accumulator
	diff Differ

	result chan outcome // modeBuffered
	stream *Stream      // modeStreaming
}

func newCall(ctx context.Context, c *Client, m mode, prompt, sessionKey string) *call {
	return &call{
		ctx:    ctx,
		client: c,
		logger: c.logger.With().
			Str("request_id", requestid.FromContext(ctx)).
			Str("session", sessionKey).
			Stringer("mode", m).
			Logger(),
		mode:       m,
		prompt:     prompt,
		sessionKey: sessionKey,
		url:        c.URL(),
		result:     make(chan outcome, 1),
	}
}

func (c *call) run() {
	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		cancel()
		return
	}
	c.started = time.Now()
	c.cancel = cancel
	c.timer = time.AfterFunc(c.client.cfg.Timeout, func() { c.fail(ErrTimeout) })
	c.stopWait = context.AfterFunc(c.ctx, func() { c.fail(canceled(context.Cause(c.ctx))) })
	c.mu.Unlock()

	conn, resp, err := c.client.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.fail(transportError(stateClosed, c.url, err))
		return
	}

	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	for !c.isSettled() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.closed(err)
			return
		}
		c.handle(conn, msg)
	}
}

func (c *call) handle(conn *websocket.Conn, msg []byte) {
	f, err := parseFrame(msg)
	if err != nil {
		c.fail(err)
		return
	}

	switch {
	case f.typ == "event" && f.event == eventChallenge:
		c.logger.Debug().Msg("received connect.challenge")
		c.send(conn, c.connectRequest())

	case f.typ == "res" && f.id == methodConnect:
		if !f.ok {
			c.fail(rejected(orDefault(f.errMsg, "connect failed")))
			return
		}
		c.logger.Debug().Msg("connect acknowledged")
		c.send(conn, c.agentRequest())

	case f.typ == "res" && f.id == methodAgent:
		if !f.ok {
			c.fail(rejected(orDefault(f.errMsg, "agent failed")))
			return
		}
		if id := f.payload.Get("runId"); truthy(id) {
			c.mu.Lock()
			c.runID, c.hasRun = id.String(), true
			c.mu.Unlock()
			c.logger.Debug().Str("run_id", c.runID).Msg("agent dispatched")
		} else {
			// No event can match; the call ends by timeout or close.
			c.logger.Warn().Msg("agent acknowledged without runId")
		}

	case f.typ == "event" && f.event == eventAgent:
		c.agentEvent(parseAgentEvent(f.payload))
	}
}

func (c *call) agentEvent(ev AgentEvent) {
	if !c.hasRun || !ev.HasRunID || ev.RunID != c.runID {
		return
	}

	if c.mode == modeStreaming {
		c.stream.push(c.diff.Apply(ev))
	} else {
		c.acc.Apply(ev)
	}

	switch result, err := ev.Lifecycle(); result {
	case Done:
		c.settle(c.acc.Text(), nil)
	case Failed:
		c.fail(err)
	}
}

// closed handles the socket closing before the call settled. Buffered calls
// keep whatever text arrived; streaming calls only accept a clean close.
func (c *call) closed(err error) {
	if c.isSettled() {
		return
	}

	code, reason := websocket.CloseAbnormalClosure, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}
	clean := code != websocket.CloseAbnormalClosure

	switch {
	case c.mode == modeStreaming && clean:
		c.settle("", nil)
	case c.mode == modeBuffered && (clean || c.acc.Text() != ""):
		c.settle(c.acc.Text(), nil)
	default:
		c.fail(closeError(code, reason, c.url))
	}
}

func (c *call) send(conn *websocket.Conn, req request) {
	if err := conn.WriteJSON(req); err != nil {
		c.fail(transportError(stateOpen, c.url, err))
	}
}

func (c *call) connectRequest() request {
	cfg := c.client.cfg
	return request{
		Type:   "req",
		ID:     methodConnect,
		Method: methodConnect,
		Params: connectParams{
			MinProtocol: protocolVersion,
			MaxProtocol: protocolVersion,
			Client: connectClient{
				ID:       cfg.ClientID,
				Version:  cfg.ClientVersion,
				Platform: cfg.Platform,
				Mode:     "backend",
			},
			Role:      "operator",
			Scopes:    cfg.Scopes,
			Auth:      connectAuth{Token: cfg.Token},
			Locale:    cfg.Locale,
			UserAgent: cfg.UserAgent,
		},
	}
}

func (c *call) agentRequest() request {
	return request{
		Type:   "req",
		ID:     methodAgent,
		Method: methodAgent,
		Params: agentParams{
			Message:        c.prompt,
			AgentID:        c.client.cfg.AgentID,
			SessionKey:     c.sessionKey,
			Deliver:        false,
			IdempotencyKey: uuid.New().String(),
		},
	}
}

func (c *call) isSettled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

func (c *call) fail(err error) {
	c.settle("", err)
}

// settle moves the call to its terminal state. Only the first caller wins;
// it closes the socket and stops the timer before the outcome is visible.
func (c *call) settle(text string, err error) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	c.settled = true
	conn, timer, cancel, stopWait := c.conn, c.timer, c.cancel, c.stopWait
	started, runID := c.started, c.runID
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stopWait != nil {
		stopWait()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("kind", string(KindOf(err))).Msg("gateway call failed")
	} else if !started.IsZero() {
		c.logger.Info().
			Str("run_id", runID).
			Dur("elapsed", time.Since(started)).
			Msg("gateway call finished")
	}

	if c.mode == modeStreaming {
		c.stream.finish(err)
		return
	}
	c.result <- outcome{text: text, err: err}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
