package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client talks to an Ollama-compatible backend and turns its
// newline-delimited JSON stream into an ordered channel of Events.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		logger:  logger,
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest replays role-tagged history; used when prior turns exist.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// GenerateRequest is the flat single-prompt shape; Context is the opaque
// continuation blob from an earlier exchange, replayed instead of history.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Stream  bool            `json:"stream"`
}

// Event is one element of the bridge's output sequence. Exactly one of the
// terminal conditions applies: Done with empty Err (success, Context and
// Metadata populated), or Done with Err set (transport failure). An Err
// without Done marks a single undecodable line; the stream continues.
type Event struct {
	Content  string
	Done     bool
	Context  json.RawMessage
	Metadata json.RawMessage
	Err      string
}

// wire is the superset of the /api/chat and /api/generate stream objects.
type wire struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response        string          `json:"response"`
	Done            bool            `json:"done"`
	Context         json.RawMessage `json:"context"`
	TotalDuration   int64           `json:"total_duration"`
	LoadDuration    int64           `json:"load_duration"`
	PromptEvalCount int             `json:"prompt_eval_count"`
	EvalCount       int             `json:"eval_count"`
	EvalDuration    int64           `json:"eval_duration"`
	Error           string          `json:"error"`
}

// Stats is the timing/token summary carried by the terminal stream object.
// It is persisted opaquely as message metadata.
type Stats struct {
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

const maxLineBytes = 1 << 20

// StreamChat streams a multi-turn chat completion. The returned channel is
// closed by the client when the stream ends for any reason; cancellation may
// close it without a terminal event.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	req.Stream = true
	return c.stream(ctx, "/api/chat", req)
}

// StreamGenerate streams a flat single-prompt completion.
func (c *Client) StreamGenerate(ctx context.Context, req GenerateRequest) (<-chan Event, error) {
	req.Stream = true
	return c.stream(ctx, "/api/generate", req)
}

func (c *Client) stream(ctx context.Context, path string, payload any) (<-chan Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	events := make(chan Event)
	go c.decode(ctx, resp.Body, events)
	return events, nil
}

// decode reads the response line by line as bytes arrive, emitting one Event
// per well-formed object. It never buffers the whole body.
func (c *Client) decode(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	start := time.Now()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var w wire
		if err := json.Unmarshal(line, &w); err != nil {
			c.logger.Warn("skipping undecodable stream line",
				zap.Error(err),
				zap.Int("line_bytes", len(line)))
			if !send(ctx, events, Event{Err: fmt.Sprintf("undecodable stream line: %v", err)}) {
				return
			}
			continue
		}

		if w.Error != "" {
			send(ctx, events, Event{Done: true, Err: w.Error})
			return
		}

		if w.Done {
			stats, _ := json.Marshal(Stats{
				TotalDuration:   w.TotalDuration,
				LoadDuration:    w.LoadDuration,
				PromptEvalCount: w.PromptEvalCount,
				EvalCount:       w.EvalCount,
				EvalDuration:    w.EvalDuration,
			})
			send(ctx, events, Event{Done: true, Context: w.Context, Metadata: stats})
			return
		}

		content := w.Response
		if content == "" {
			content = w.Message.Content
		}
		if !send(ctx, events, Event{Content: content}) {
			return
		}
	}

	if ctx.Err() != nil {
		// Cancelled: the stream ends silently, callers tolerate truncation.
		return
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("backend stream failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)))
		send(ctx, events, Event{Done: true, Err: fmt.Sprintf("stream read failed: %v", err)})
		return
	}
	// EOF before the done marker is a truncated exchange.
	send(ctx, events, Event{Done: true, Err: "stream ended before completion"})
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
