// Package agentgateway implements the reply dispatcher over HTTP. The gateway
// receives a dispatch context and streams back newline-delimited JSON frames.
package agentgateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/reply"
)

const (
	DefaultTimeout = 120 * time.Second
	dispatchPath   = "/v1/dispatch"
)

// Frame types streamed by the gateway.
const (
	FrameStart = "start"
	FrameChunk = "chunk"
	FrameDone  = "done"
	FrameError = "error"
)

// Frame is one NDJSON line of a dispatch response.
type Frame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client posts dispatch contexts to the agent gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ reply.Dispatcher = (*Client)(nil)

// NewClient creates a gateway client. httpClient may be nil.
func NewClient(log *slog.Logger, cfg Config, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("agent gateway base url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     log.With(slog.String("component", "agent_gateway")),
	}, nil
}

// Dispatch sends dctx to the gateway and drives hooks from the response stream.
// OnIdle is called when the stream ends cleanly, with or without a done frame.
func (c *Client) Dispatch(ctx context.Context, dctx *reply.DispatchContext, hooks reply.Hooks) error {
	body, err := json.Marshal(dctx)
	if err != nil {
		return err
	}
	url := c.baseURL + dispatchPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("gateway connect failed", slog.String("url", url), slog.Any("error", err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("gateway error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(errBody), 300)),
		)
		return fmt.Errorf("agent gateway error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("skip malformed gateway frame",
				slog.String("line", truncate(string(line), 200)),
				slog.Any("error", err),
			)
			continue
		}
		switch frame.Type {
		case FrameStart:
			hooks.OnReplyStart(ctx)
		case FrameChunk:
			if err := hooks.Deliver(ctx, frame.Text); err != nil {
				return fmt.Errorf("deliver chunk: %w", err)
			}
		case FrameDone:
			hooks.OnIdle(ctx)
			return nil
		case FrameError:
			msg := strings.TrimSpace(frame.Text)
			if msg == "" {
				msg = "unknown error"
			}
			return fmt.Errorf("agent gateway: %s", msg)
		default:
			c.logger.Debug("ignore gateway frame", slog.String("type", frame.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gateway stream: %w", err)
	}
	hooks.OnIdle(ctx)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
