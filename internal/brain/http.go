package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/eva/internal/reliability"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	maxAttempts  = 3
	backoffBase  = 250 * time.Millisecond
	backoffLimit = 2 * time.Second
)

// HTTPEngine drives an OpenAI-compatible chat completions endpoint. The
// service is stateless, so each exchange replays its own history.
type HTTPEngine struct {
	cfg    Config
	client *http.Client
}

func NewHTTPEngine(cfg Config) *HTTPEngine {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *HTTPEngine) StartExchange(ctx context.Context, opts ExchangeOptions) (Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system := opts.System
	if system == "" {
		system = e.cfg.SystemPrompt
	}
	return &httpExchange{
		id:      uuid.NewString(),
		engine:  e,
		system:  system,
		json:    opts.JSON,
		history: newHistory(e.cfg.MaxHistory),
	}, nil
}

// --- minimal OpenAI wire types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Turn          `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message Turn `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StatusError reports a non-2xx reply from the engine.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brain http status %d: %s", e.Code, e.Body)
}

type httpExchange struct {
	id      string
	engine  *HTTPEngine
	system  string
	json    bool
	history *history
}

func (x *httpExchange) ID() string { return x.id }

func (x *httpExchange) request(text string, stream bool) chatRequest {
	past := x.history.snapshot()
	msgs := make([]Turn, 0, 2+len(past))
	if x.system != "" {
		msgs = append(msgs, Turn{Role: "system", Content: x.system})
	}
	msgs = append(msgs, past...)
	msgs = append(msgs, Turn{Role: "user", Content: text})

	req := chatRequest{Model: x.engine.cfg.Model, Messages: msgs, Stream: stream}
	if x.json {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return req
}

func (x *httpExchange) Send(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	res, err := x.engine.post(ctx, x.request(text, false))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode brain response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("brain api error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("brain returned no choices")
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("brain returned an empty reply")
	}
	x.history.commit(text, reply)
	return reply, nil
}

func (x *httpExchange) SendStream(ctx context.Context, text string, onDelta DeltaHandler) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	res, err := x.engine.post(ctx, x.request(text, true))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	reply, err := consumeSSE(res.Body, onDelta)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("brain returned an empty reply")
	}
	x.history.commit(text, reply)
	return reply, nil
}

// post sends body and returns the first 2xx response. Transport errors and
// retryable statuses are retried with capped backoff before any byte of the
// reply has been consumed.
func (e *HTTPEngine) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal brain request: %w", err)
	}

	var res *http.Response
	err = reliability.Do(ctx, maxAttempts, backoffBase, backoffLimit, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("create brain request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}
		if body.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		r, err := e.client.Do(req)
		if err != nil {
			return ctx.Err() == nil, fmt.Errorf("send brain request: %w", err)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return reliability.IsRetryableHTTPStatus(r.StatusCode), &StatusError{Code: r.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		res = r
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func consumeSSE(body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("decode brain stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("brain api error (%s): %s", chunk.Error.Type, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("brain stream read: %w", err)
	}
	return out.String(), nil
}
