// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// Configuration constants for the chat backend.
const (
	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// conversationPath is the completion endpoint.
	conversationPath = "/conversation"

	userAgent = "rigrun-relay/0.1"
)

// Error variables for common backend errors.
var (
	// ErrAuthFailed indicates authentication failed.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyRequest indicates a request without messages.
	ErrEmptyRequest = errors.New("request has no messages")

	// ErrTransport wraps connection-level failures (refused, reset, EOF).
	ErrTransport = errors.New("request failed")
)

// BackendError represents an error response from the chat backend.
type BackendError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("chat backend error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// WireMessage is a message as sent to the backend.
type WireMessage struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []WireMessage `json:"messages"`
	Stream         bool          `json:"stream"`
}

// NewRequest builds a request from conversation messages. Error-role
// messages are local only and are not sent.
func NewRequest(conversationID string, msgs []model.Message) Request {
	wire := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == model.RoleError {
			continue
		}
		content := m.Text()
		if m.Content != nil && m.Content.Kind() != model.KindText {
			if raw, err := m.Content.MarshalContent(); err == nil {
				content = string(raw)
			}
		}
		wire = append(wire, WireMessage{ID: m.ID, Role: m.Role.String(), Content: content})
	}
	return Request{ConversationID: conversationID, Messages: wire}
}

// Response is a completed, non-streamed reply.
type Response struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Citations json.RawMessage `json:"citations,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat backend.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	policy       retry.Policy
	logger       zerolog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey  string
	Timeout time.Duration
	Retry   retry.Policy
	// HTTPClient overrides both the request and the streaming client.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// NewClient creates a chat backend client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultPolicy("cloud")
	}
	if opts.Retry.Name == "" {
		opts.Retry.Name = "cloud"
	}
	opts.Retry.Retryable = isRetryable

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "cloud").Logger()
	}

	httpClient := opts.HTTPClient
	streamClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
		// No timeout for streaming - controlled via context
		streamClient = &http.Client{}
	}

	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:       strings.TrimSpace(opts.APIKey),
		httpClient:   httpClient,
		streamClient: streamClient,
		policy:       opts.Retry,
		logger:       logger,
	}
}

// setHeaders sets the common request headers.
func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) newRequest(ctx context.Context, body Request) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+conversationPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, body.Stream)
	return req, nil
}

// Complete performs a non-streaming completion, retrying transient
// failures.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}
	req.Stream = false

	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		return c.doComplete(ctx, req)
	})
}

func (c *Client) doComplete(ctx context.Context, body Request) (*Response, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("completion response")

	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, data)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to Go errors.
func handleErrorResponse(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return &BackendError{Status: statusCode, Message: msg}
	}
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	// Rate limiting is retryable
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var beErr *BackendError
	if errors.As(err, &beErr) {
		return beErr.Status >= 500 && beErr.Status < 600
	}

	// Never retry cancellation or the caller's deadline
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return errors.Is(err, ErrTransport)
}
