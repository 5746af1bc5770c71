// Package bridge implements the OpenClaw gateway protocol v3 client used to
// turn one chat prompt into one agent run: challenge, token auth, dispatch,
// then run events until the lifecycle ends.
package bridge

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds gateway client configuration.
type Config struct {
	Host  string
	Port  int
	Token string

	// AgentID is the gateway agent that receives prompts.
	// Default: "main"
	AgentID string

	// ClientID identifies this client. Must be a known gateway client ID.
	// Default: "gateway-client"
	ClientID      string
	ClientVersion string
	Platform      string
	Locale        string
	UserAgent     string
	Scopes        []string

	// Timeout bounds a whole call, from dial to lifecycle end. It is not
	// refreshed by gateway activity.
	Timeout time.Duration

	HandshakeTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             18789,
		AgentID:          "main",
		ClientID:         "gateway-client",
		ClientVersion:    "0.1.0",
		Platform:         detectPlatform(),
		Locale:           "zh-CN",
		UserAgent:        "openai-clawdbot-bridge",
		Scopes:           []string{"operator.read", "operator.write"},
		Timeout:          60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func detectPlatform() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

// Client talks to the gateway. It holds no connection of its own: every Ask
// or AskStream opens one socket, performs one exchange and closes it, so a
// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer
}

// NewClient creates a gateway client. Zero fields fall back to DefaultConfig.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = def.ClientVersion
	}
	if cfg.Platform == "" {
		cfg.Platform = def.Platform
	}
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = def.Scopes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "gateway-client").Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// URL returns the gateway WebSocket URL.
func (c *Client) URL() string {
	return "ws://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Addr returns the gateway host:port, for reachability checks.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Ask sends prompt to the agent under sessionKey and waits for the run to
// end. It returns the answer trimmed of surrounding whitespace.
func (c *Client) Ask(ctx context.Context, prompt, sessionKey string) (string, error) {
	cl := newCall(ctx, c, modeBuffered, prompt, sessionKey)
	go cl.run()
	out := <-cl.result
	return out.text, out.err
}

// AskStream prepares a streaming call. Nothing is sent until the first
// Stream.Next; callers must Close the stream (or range over All) so an
// abandoned call releases its socket.
func (c *Client) AskStream(ctx context.Context, prompt, sessionKey string) *Stream {
	cl := newCall(ctx, c, modeStreaming, prompt, sessionKey)
	cl.stream = newStream(cl)
	return cl.stream
}
