package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultConnectTimeout bounds session discovery on the SSE stream.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultResponseTimeout bounds the wait for the correlated response frame.
	DefaultResponseTimeout = 60 * time.Second
	// DefaultMaxConcurrent bounds simultaneously open agent streams.
	DefaultMaxConcurrent = 8

	jsonrpcVersion  = "2.0"
	methodToolsCall = "tools/call"
	agentToolName   = "dca-swapping"

	// sessionLinePrefix marks the one structurally meaningful non-JSON frame:
	// the agent announcing the endpoint that scopes subsequent POST calls.
	sessionLinePrefix = "data: /messages?sessionId="
	dataLinePrefix    = "data: "
	ackBody           = "Accepted"
)

// Config configures the agent bridge client.
type Config struct {
	// BaseURL is the agent's root, e.g. "http://localhost:3001".
	BaseURL string

	// ConnectTimeout bounds session discovery (default 10s).
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the response wait (default 60s).
	ResponseTimeout time.Duration

	// MaxConcurrent bounds open agent streams (default 8, 0 keeps default,
	// negative disables the bound).
	MaxConcurrent int

	// HTTPClient overrides the transport; nil uses a client with no overall
	// timeout, since the SSE body must stay open past any single deadline.
	HTTPClient *http.Client
}

// Client issues tool calls against the agent over its SSE protocol.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	connectTimeout  time.Duration
	responseTimeout time.Duration
	sem             *semaphore.Weighted

	requestID atomic.Int64
}

// NewClient creates a bridge client.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:      cfg.HTTPClient,
		connectTimeout:  cfg.ConnectTimeout,
		responseTimeout: cfg.ResponseTimeout,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = DefaultConnectTimeout
	}
	if c.responseTimeout <= 0 {
		c.responseTimeout = DefaultResponseTimeout
	}
	switch {
	case cfg.MaxConcurrent == 0:
		c.sem = semaphore.NewWeighted(DefaultMaxConcurrent)
	case cfg.MaxConcurrent > 0:
		c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return c
}

// AgentSession is a discovered session id plus the still-open stream the
// response will arrive on.
type AgentSession struct {
	ID     string
	Stream *Stream
}

// rpcRequest is the JSON-RPC 2.0 envelope the agent accepts.
type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  toolCallParams `json:"params"`
}

type toolCallParams struct {
	Name      string       `json:"name"`
	Arguments toolCallArgs `json:"arguments"`
}

type toolCallArgs struct {
	Instruction string `json:"instruction"`
	UserAddress string `json:"userAddress,omitempty"`
}

// Envelope is a response frame. It carries either an Error object or a
// Result payload; interpreting the result shape is the caller's business.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TextContent extracts the human-readable reply from a result payload:
// the first text entry of result.content, else result.message.
func (e *Envelope) TextContent() (string, bool) {
	if e.Error != nil || len(e.Result) == 0 {
		return "", false
	}
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Result, &payload); err != nil {
		return "", false
	}
	for _, c := range payload.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text, true
		}
	}
	if payload.Message != "" {
		return payload.Message, true
	}
	return "", false
}

// Connect opens GET /sse and scans the stream until the agent announces a
// session id. The returned stream is still open and positioned after the
// session frame; the caller owns it and must Close it on every exit path.
func (c *Client) Connect(ctx context.Context) (*AgentSession, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build sse request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(ErrConnectFailed, "open sse stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		cancel()
		return nil, errors.Wrapf(ErrConnectFailed, "sse handshake status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	stream := newStream(resp.Body, cancel)

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-stream.Lines():
			if !ok {
				stream.Close()
				return nil, ErrSessionNotFound
			}
			if !strings.HasPrefix(line, sessionLinePrefix) {
				continue
			}
			sessionID := strings.TrimSpace(line[len(sessionLinePrefix):])
			if sessionID == "" {
				continue
			}
			return &AgentSession{ID: sessionID, Stream: stream}, nil
		case <-timer.C:
			stream.Close()
			return nil, ErrConnectTimeout
		case <-ctx.Done():
			stream.Close()
			return nil, errors.Wrap(ctx.Err(), "connect aborted")
		}
	}
}

// Call runs one full bridge exchange: connect, send the instruction as a
// dca-swapping tool call, wait for the matching frame. The stream is closed
// on every exit path.
func (c *Client) Call(ctx context.Context, instruction, userAddress string) (*Envelope, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(err, "acquire bridge slot")
		}
		defer c.sem.Release(1)
	}

	callID := uuid.NewString()
	started := time.Now()
	slog.Debug("bridge.call.started", "call_id", callID, "instruction_length", len(instruction))

	sess, err := c.Connect(ctx)
	if err != nil {
		slog.Warn("bridge.connect.failed", "call_id", callID, "class", Classify(err), "error", err)
		return nil, err
	}
	defer sess.Stream.Close()

	slog.Debug("bridge.session.established", "call_id", callID, "session_id", sess.ID)

	requestID := c.requestID.Add(1)
	env, err := c.sendAndWait(ctx, sess, requestID, instruction, userAddress)
	if err != nil {
		slog.Warn("bridge.call.failed",
			"call_id", callID,
			"session_id", sess.ID,
			"request_id", requestID,
			"class", Classify(err),
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	slog.Debug("bridge.call.completed",
		"call_id", callID,
		"request_id", requestID,
		"has_error", env.Error != nil,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return env, nil
}

// sendAndWait posts the request scoped to the session, then keeps reading the
// already-open stream until a frame with the matching id arrives.
func (c *Client) sendAndWait(ctx context.Context, sess *AgentSession, requestID int64, instruction, userAddress string) (*Envelope, error) {
	payload := rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      requestID,
		Method:  methodToolsCall,
		Params: toolCallParams{
			Name: agentToolName,
			Arguments: toolCallArgs{
				Instruction: instruction,
				UserAddress: userAddress,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rpc request")
	}

	endpoint := c.baseURL + "/messages?sessionId=" + url.QueryEscape(sess.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrConnectFailed, "post message: %v", err)
	}
	ack, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	if err != nil {
		return nil, errors.Wrapf(ErrConnectFailed, "read ack: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrConnectFailed, "post message status %d: %s", resp.StatusCode, strings.TrimSpace(string(ack)))
	}

	if trimmed := strings.TrimSpace(string(ack)); trimmed != ackBody {
		// Some agents answer synchronously in the POST body instead of over
		// the stream.
		slog.Debug("bridge.ack.synchronous", "session_id", sess.ID, "body_length", len(trimmed))
		return synchronousEnvelope(requestID, trimmed), nil
	}

	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-sess.Stream.Lines():
			if !ok {
				return nil, ErrStreamEnded
			}
			if !strings.HasPrefix(line, dataLinePrefix) {
				continue
			}
			data := line[len(dataLinePrefix):]
			if strings.HasPrefix(data, "/messages?sessionId=") {
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				slog.Debug("bridge.frame.unparsable", "session_id", sess.ID, "error", err)
				continue
			}
			if env.ID != requestID {
				slog.Debug("bridge.frame.mismatch", "session_id", sess.ID, "frame_id", env.ID, "request_id", requestID)
				continue
			}
			return &env, nil
		case <-timer.C:
			return nil, ErrResponseTimeout
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "response wait aborted")
		}
	}
}

// synchronousEnvelope wraps a non-Accepted POST body as if it were the
// response frame, so callers see one envelope shape either way.
func synchronousEnvelope(requestID int64, body string) *Envelope {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && (env.Result != nil || env.Error != nil) {
		env.ID = requestID
		return &env
	}
	result, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": body}},
	})
	return &Envelope{JSONRPC: jsonrpcVersion, ID: requestID, Result: result}
}
