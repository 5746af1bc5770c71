package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/clawd-bridge/internal/bridge"
	"github.com/p-blackswan/clawd-bridge/internal/health"
	"github.com/p-blackswan/clawd-bridge/internal/metrics"
	"github.com/p-blackswan/clawd-bridge/internal/openai"
	"github.com/p-blackswan/clawd-bridge/internal/requestid"
	"github.com/p-blackswan/clawd-bridge/internal/session"
)

const (
	modeBuffered = "buffered"
	modeStream   = "stream"

	statusOK           = "ok"
	statusGatewayError = "gateway_error"
	statusSessionError = "session_error"
	statusClientGone   = "client_closed"

	sessionKeyPrefix = "openai:"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	model     string
	gateway   Gateway
	sessions  Sessions
	checker   *health.Checker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(model string, gateway Gateway, sessions Sessions, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Handlers {
	return &Handlers{
		model:     model,
		gateway:   gateway,
		sessions:  sessions,
		checker:   checker,
		metrics:   m,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handlers) ChatCompletions(c *fiber.Ctx) error {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid JSON body", openai.ErrorTypeInvalidRequest)
	}

	prompt := req.Prompt()
	if strings.TrimSpace(prompt) == "" {
		return errorResponse(c, fiber.StatusBadRequest,
			"No user message found in 'messages'", openai.ErrorTypeInvalidRequest)
	}

	ctx := c.UserContext()
	start := time.Now()
	mode := modeBuffered
	if req.Stream {
		mode = modeStream
	}
	clientID := session.ExpandPlaceholder(req.ClientID())
	logger := h.logger.With().
		Str("request_id", requestid.FromContext(ctx)).
		Str("client_id", clientID).
		Str("mode", mode).
		Logger()
	r := openai.NewRenderer(h.model, start)

	if openai.IsNewSessionCommand(prompt) {
		id, err := h.sessions.Renew(ctx, clientID)
		if err != nil {
			return h.sessionError(c, logger, mode, start, err)
		}
		h.metrics.RecordRenewal()
		h.observe(mode, statusOK, start)

		reply := fmt.Sprintf("[ok] 已创建新会话：%s", id)
		if req.Stream {
			return h.streamReply(c, r, reply)
		}
		return c.JSON(r.Completion(reply))
	}

	chatID, err := h.sessions.GetOrCreate(ctx, clientID)
	if err != nil {
		return h.sessionError(c, logger, mode, start, err)
	}
	sessionKey := sessionKeyPrefix + chatID

	if !req.Stream {
		answer, err := h.gateway.Ask(ctx, prompt, sessionKey)
		if err != nil {
			return h.gatewayError(c, logger, mode, start, err)
		}
		h.observe(mode, statusOK, start)
		return c.JSON(r.Completion(answer))
	}

	stream := h.gateway.AskStream(ctx, prompt, sessionKey)

	// Headers are not committed until the gateway has produced something, so
	// an early failure can still be a plain JSON error.
	first, err := stream.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		_ = stream.Close()
		return h.gatewayError(c, logger, mode, start, err)
	}

	setSSEHeaders(c)
	h.metrics.StreamStarted()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.metrics.StreamEnded()
		defer stream.Close()

		status := h.pump(w, r, stream, first, err, logger)
		h.observe(mode, status, start)
	})
	return nil
}

// pump writes fragments as SSE chunks until the stream ends. It must not
// touch the fiber context, which is released before the writer runs.
func (h *Handlers) pump(w *bufio.Writer, r *openai.Renderer, stream *bridge.Stream, frag string, err error, logger zerolog.Logger) string {
	for !errors.Is(err, io.EOF) {
		if err != nil {
			h.metrics.RecordGatewayError(string(bridge.KindOf(err)))
			logger.Warn().Err(err).Msg("gateway stream failed")
			_ = openai.WriteEvent(w, openai.NewError("Gateway error: "+err.Error(), openai.ErrorTypeGateway))
			_ = w.Flush()
			return statusGatewayError
		}
		if werr := writeFlush(w, r.Chunk(frag)); werr != nil {
			logger.Debug().Err(werr).Msg("client went away mid-stream")
			return statusClientGone
		}
		frag, err = stream.Next()
	}

	if werr := writeFlush(w, r.Stop()); werr != nil {
		return statusClientGone
	}
	if werr := openai.WriteDone(w); werr != nil {
		return statusClientGone
	}
	if werr := w.Flush(); werr != nil {
		return statusClientGone
	}
	return statusOK
}

func writeFlush(w *bufio.Writer, v any) error {
	if err := openai.WriteEvent(w, v); err != nil {
		return err
	}
	return w.Flush()
}

// streamReply sends a locally produced answer as a complete SSE body.
func (h *Handlers) streamReply(c *fiber.Ctx, r *openai.Renderer, text string) error {
	var buf bytes.Buffer
	if err := openai.WriteEvent(&buf, r.Chunk(text)); err != nil {
		return err
	}
	if err := openai.WriteEvent(&buf, r.Stop()); err != nil {
		return err
	}
	if err := openai.WriteDone(&buf); err != nil {
		return err
	}
	setSSEHeaders(c)
	return c.Send(buf.Bytes())
}

func setSSEHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")
}

func (h *Handlers) gatewayError(c *fiber.Ctx, logger zerolog.Logger, mode string, start time.Time, err error) error {
	kind := bridge.KindOf(err)
	h.metrics.RecordGatewayError(string(kind))
	h.observe(mode, statusGatewayError, start)
	logger.Warn().Err(err).Str("kind", string(kind)).Msg("gateway call failed")
	return errorResponse(c, fiber.StatusBadGateway, "Gateway error: "+err.Error(), openai.ErrorTypeGateway)
}

func (h *Handlers) sessionError(c *fiber.Ctx, logger zerolog.Logger, mode string, start time.Time, err error) error {
	h.observe(mode, statusSessionError, start)
	logger.Error().Err(err).Msg("session registry failed")
	return errorResponse(c, fiber.StatusInternalServerError, "Session error", openai.ErrorTypeServer)
}

func (h *Handlers) observe(mode, status string, start time.Time) {
	h.metrics.RecordRequest(mode, status)
	h.metrics.ObserveDuration(mode, time.Since(start).Seconds())
}

// Models handles GET /v1/models.
func (h *Handlers) Models(c *fiber.Ctx) error {
	return c.JSON(openai.ModelList{
		Object: "list",
		Data: []openai.Model{{
			ID:      h.model,
			Object:  "model",
			Created: h.startTime.Unix(),
			OwnedBy: h.model,
		}},
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	report := h.checker.Evaluate(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}
