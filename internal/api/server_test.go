package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/clawd-bridge/internal/bridge"
	"github.com/p-blackswan/clawd-bridge/internal/bridge/bridgetest"
	"github.com/p-blackswan/clawd-bridge/internal/health"
	"github.com/p-blackswan/clawd-bridge/internal/metrics"
	"github.com/p-blackswan/clawd-bridge/internal/openai"
	"github.com/p-blackswan/clawd-bridge/internal/session"
)

const testToken = "sk-test"

type testEnv struct {
	app      *fiber.App
	gw       *bridgetest.Gateway
	registry *session.Registry
	checker  *health.Checker
}

func newTestEnv(t *testing.T, rl RateLimitConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	gw := bridgetest.New(t)
	cfg := bridge.DefaultConfig()
	cfg.Host = gw.Host()
	cfg.Port = gw.Port()
	cfg.Timeout = 2 * time.Second
	client := bridge.NewClient(cfg, logger)

	registry := session.NewRegistry(session.NewMemoryStore(), logger)
	checker := health.NewChecker(logger)
	checker.Register("gateway", health.TCPCheck(client.Addr(), time.Second))
	checker.Register("sessions", health.PingCheck(registry.Ping))

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		Token:      testToken,
		ModelName:  "clawd",
		RateLimit:  rl,
	}, client, registry, checker, metrics.New(), logger)
	t.Cleanup(func() {
		if srv.limiter != nil {
			srv.limiter.Stop()
		}
	})

	return &testEnv{app: srv.App(), gw: gw, registry: registry, checker: checker}
}

func chatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func userBody(user, prompt string, stream bool) string {
	b, _ := json.Marshal(map[string]any{
		"model":    "clawd",
		"user":     user,
		"stream":   stream,
		"messages": []map[string]any{{"role": "user", "content": prompt}},
	})
	return string(b)
}

func decodeError(t *testing.T, resp *http.Response) openai.ErrorResponse {
	t.Helper()
	var e openai.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

// sseEvents returns the data payloads of an SSE body in order.
func sseEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var events []string
	for _, block := range strings.Split(string(raw), "\n\n") {
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected block %q", block)
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}

func decodeChunk(t *testing.T, data string) openai.ChatCompletionStreamChunk {
	t.Helper()
	var chunk openai.ChatCompletionStreamChunk
	require.NoError(t, json.Unmarshal([]byte(data), &chunk))
	return chunk
}

func TestChatCompletions_Auth(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Bearer " + testToken, http.StatusOK},
		{"lowercase scheme", "bearer " + testToken, http.StatusOK},
		{"raw token", testToken, http.StatusOK},
		{"padded", "  Bearer " + testToken + "  ", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chatRequest(t, userBody("alice", "hi", false))
			req.Header.Del("Authorization")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)

			if tt.want == http.StatusUnauthorized {
				e := decodeError(t, resp)
				assert.Equal(t, "Unauthorized", e.Error.Message)
				assert.Equal(t, openai.ErrorTypeAuthentication, e.Error.Type)
			}
		})
	}
}

func TestChatCompletions_BadRequests(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"messages":`, "Invalid JSON body"},
		{"no messages", `{"messages":[]}`, "No user message found in 'messages'"},
		{"only assistant", `{"messages":[{"role":"assistant","content":"hi"}]}`, "No user message found in 'messages'"},
		{"blank user", `{"messages":[{"role":"user","content":"   "}]}`, "No user message found in 'messages'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.app.Test(chatRequest(t, tt.body), -1)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, decodeError(t, resp).Error.Message)
		})
	}
	assert.Zero(t, env.gw.Connections())
}

func TestChatCompletions_Buffered(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	body := `{"model":"x","user":"alice","messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":"ok"},
		{"role":"user","content":[{"type":"image_url"},{"type":"text","text":"second"}]}
	]}`
	resp, err := env.app.Test(chatRequest(t, body), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out openai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-clawd-"))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "clawd", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "Hello from mock gateway!", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)

	agents := env.gw.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "second", agents[0].Message)
	assert.True(t, strings.HasPrefix(agents[0].SessionKey, "openai:alice:"), agents[0].SessionKey)
}

func TestChatCompletions_SessionIsStablePerClient(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(chatRequest(t, userBody("bob", "hi", false)), -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := env.app.Test(chatRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agents := env.gw.Agents()
	require.Len(t, agents, 3)
	assert.Equal(t, agents[0].SessionKey, agents[1].SessionKey)
	assert.True(t, strings.HasPrefix(agents[2].SessionKey, "openai:http:"), agents[2].SessionKey)
}

func TestChatCompletions_RandomStringClientID(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	for i := 0; i < 2; i++ {
		resp, err := env.app.Test(chatRequest(t, userBody("web-randomString", "hi", false)), -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	agents := env.gw.Agents()
	require.Len(t, agents, 2)
	assert.NotEqual(t, agents[0].SessionKey, agents[1].SessionKey)
	assert.NotContains(t, agents[0].SessionKey, "randomString")
}

func TestChatCompletions_NewSessionCommand(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	before, err := env.registry.GetOrCreate(context.Background(), "carol")
	require.NoError(t, err)

	resp, err := env.app.Test(chatRequest(t, userBody("carol", " /clawd-new ", false)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out openai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	content := out.Choices[0].Message.Content
	require.True(t, strings.HasPrefix(content, "[ok] 已创建新会话：carol:"), content)
	assert.Zero(t, env.gw.Connections(), "renewal must not reach the gateway")

	after, err := env.registry.GetOrCreate(context.Background(), "carol")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, "[ok] 已创建新会话："+after, content)

	resp, err = env.app.Test(chatRequest(t, userBody("carol", "hello", false)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := env.gw.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "openai:"+after, agents[0].SessionKey)
}

func TestChatCompletions_NewSessionCommandStream(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	resp, err := env.app.Test(chatRequest(t, userBody("dave", "clawd-new", true)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	events := sseEvents(t, resp)
	require.Len(t, events, 3)
	first := decodeChunk(t, events[0])
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.True(t, strings.HasPrefix(first.Choices[0].Delta.Content, "[ok] 已创建新会话：dave:"))
	stop := decodeChunk(t, events[1])
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", events[2])
	assert.Zero(t, env.gw.Connections())
}

func TestChatCompletions_Stream(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.gw.Script = func(s *bridgetest.Session) {
		s.Assistant("Hi")
		s.Assistant("Hi there")
		s.Delta("!")
		s.End()
	}

	resp, err := env.app.Test(chatRequest(t, userBody("erin", "hi", true)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := sseEvents(t, resp)
	require.Len(t, events, 5)
	assert.Equal(t, "[DONE]", events[4])

	var contents []string
	var id string
	for i, data := range events[:3] {
		chunk := decodeChunk(t, data)
		if i == 0 {
			id = chunk.ID
			assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
		} else {
			assert.Empty(t, chunk.Choices[0].Delta.Role)
			assert.Equal(t, id, chunk.ID)
		}
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		assert.Nil(t, chunk.Choices[0].FinishReason)
		contents = append(contents, chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, []string{"Hi", " there", "!"}, contents)

	stop := decodeChunk(t, events[3])
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)
	assert.Empty(t, stop.Choices[0].Delta.Content)
}

func TestChatCompletions_GatewayRejected(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(map[bool]string{false: "buffered", true: "stream"}[stream], func(t *testing.T) {
			env := newTestEnv(t, RateLimitConfig{})
			env.gw.RejectAgent = &bridgetest.Reject{Message: "agent busy"}

			resp, err := env.app.Test(chatRequest(t, userBody("frank", "hi", stream)), -1)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

			e := decodeError(t, resp)
			assert.Equal(t, "Gateway error: agent busy", e.Error.Message)
			assert.Equal(t, openai.ErrorTypeGateway, e.Error.Type)
		})
	}
}

func TestChatCompletions_StreamFailsAfterFirstFragment(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})
	env.gw.Script = func(s *bridgetest.Session) {
		s.Assistant("partial")
		s.Fail("quota exceeded")
	}

	resp, err := env.app.Test(chatRequest(t, userBody("gina", "hi", true)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := sseEvents(t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, "partial", decodeChunk(t, events[0]).Choices[0].Delta.Content)

	var e openai.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[1]), &e))
	assert.Equal(t, "Gateway error: quota exceeded", e.Error.Message)
	assert.NotContains(t, events, "[DONE]")
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list openai.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "clawd", list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)
	assert.Equal(t, "clawd", list.Data[0].OwnedBy)
	assert.NotZero(t, list.Data[0].Created)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, "/readyz", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, health.StatusOK, report.Checks["gateway"])
	assert.Equal(t, health.StatusOK, report.Checks["sessions"])

	env.checker.Register("sessions", health.PingCheck(func(context.Context) error {
		return errors.New("store down")
	}))
	req, _ = http.NewRequest(http.MethodGet, "/readyz", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	resp, err := env.app.Test(chatRequest(t, userBody("hank", "hi", false)), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `clawd_requests_total{mode="buffered",status="ok"} 1`)
}

func TestRequestIDEcho(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{})

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	req, _ = http.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, RateLimitConfig{RPS: 1, Burst: 1})

	req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, "/v1/models", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, openai.ErrorTypeRateLimit, decodeError(t, resp).Error.Type)

	// Health endpoints are exempt.
	req, _ = http.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("BEARER   abc "))
	assert.Equal(t, "abc", bearerToken("abc"))
	assert.Equal(t, "Bearerabc", bearerToken("Bearerabc"))
	assert.Equal(t, "", bearerToken("  "))
}
