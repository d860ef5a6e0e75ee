// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/cache"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// Client configuration defaults.
const (
	// DefaultTimeout bounds a single history request.
	DefaultTimeout = 30 * time.Second

	// DefaultReadTTL is how long List and Read results are reused.
	DefaultReadTTL = 30 * time.Second

	// MaxResponseSize is the largest response body the client reads.
	MaxResponseSize = 10 * 1024 * 1024

	// maxListPages stops List on a backend that never returns an empty page.
	maxListPages = 100
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is a Backend that talks to a history HTTP service.
//
// Reads go through a RequestCache, so concurrent identical reads share one
// request, and through the retry policy. Mutations invalidate the affected
// cache keys and are retried only on transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   IdentityFunc
	policy     retry.Policy
	readTTL    time.Duration
	logger     zerolog.Logger

	cache *cache.RequestCache
	lists *cache.Typed[[]model.ConversationMeta]
	convs *cache.Typed[*model.Conversation]
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	// Identity resolves the user id per request. Defaults to UserFromContext.
	Identity IdentityFunc
	// Cache is shared by reads. A private cache is created when nil.
	Cache   *cache.RequestCache
	ReadTTL time.Duration
	// Retry is applied to every request. Retryable is forced to IsTransient.
	Retry  retry.Policy
	Logger *zerolog.Logger
}

// NewClient creates a history Client.
func NewClient(opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Identity == nil {
		opts.Identity = UserFromContext
	}
	if opts.ReadTTL == 0 {
		opts.ReadTTL = DefaultReadTTL
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultPolicy("history")
	}
	if opts.Retry.Name == "" {
		opts.Retry.Name = "history"
	}
	opts.Retry.Retryable = IsTransient

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "history").Logger()
	}
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Options{Name: "history", Logger: &logger})
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		identity:   opts.Identity,
		policy:     opts.Retry,
		readTTL:    opts.ReadTTL,
		logger:     logger,
		cache:      opts.Cache,
		lists:      cache.NewTyped[[]model.ConversationMeta](opts.Cache),
		convs:      cache.NewTyped[*model.Conversation](opts.Cache),
	}
}

// Close releases the client's cache.
func (c *Client) Close() error {
	return c.cache.Close()
}

func listKey(user string) string {
	return cache.Fingerprint("history", "list", user)
}

func readKey(user, id string) string {
	return cache.Fingerprint("history", "read", user, id)
}

// =============================================================================
// READS
// =============================================================================

// List returns all of the user's conversations, following pages until the
// backend returns an empty one.
func (c *Client) List(ctx context.Context) ([]model.ConversationMeta, error) {
	user := c.identity(ctx)
	if user == "" {
		return nil, ErrUnauthorized
	}

	convs, err := c.lists.GetOrFetch(ctx, listKey(user), func(ctx context.Context) ([]model.ConversationMeta, error) {
		return c.fetchAll(ctx, user)
	}, c.readTTL)
	if err != nil {
		return nil, err
	}
	return append([]model.ConversationMeta(nil), convs...), nil
}

// ListPage returns one page of conversations starting at offset. Pages are
// not cached.
func (c *Client) ListPage(ctx context.Context, offset int) ([]model.ConversationMeta, error) {
	user := c.identity(ctx)
	if user == "" {
		return nil, ErrUnauthorized
	}
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]model.ConversationMeta, error) {
		return c.fetchPage(ctx, user, offset)
	})
}

func (c *Client) fetchAll(ctx context.Context, user string) ([]model.ConversationMeta, error) {
	var all []model.ConversationMeta
	for page := 0; page < maxListPages; page++ {
		offset := len(all)
		batch, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]model.ConversationMeta, error) {
			return c.fetchPage(ctx, user, offset)
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	if all == nil {
		all = []model.ConversationMeta{}
	}
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, user string, offset int) ([]model.ConversationMeta, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))

	var page []model.ConversationMeta
	if err := c.do(ctx, user, http.MethodGet, "/history/list?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page, nil
}

// Read returns a conversation with its messages.
func (c *Client) Read(ctx context.Context, id string) (*model.Conversation, error) {
	user := c.identity(ctx)
	if user == "" {
		return nil, ErrUnauthorized
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidRequest)
	}

	conv, err := c.convs.GetOrFetch(ctx, readKey(user, id), func(ctx context.Context) (*model.Conversation, error) {
		return retry.DoValue(ctx, c.policy, func(ctx context.Context) (*model.Conversation, error) {
			var conv model.Conversation
			if err := c.do(ctx, user, http.MethodGet, "/history/read/"+url.PathEscape(id), nil, &conv); err != nil {
				return nil, err
			}
			return &conv, nil
		})
	}, c.readTTL)
	if err != nil {
		return nil, err
	}
	// Cached conversations are shared between callers.
	return conv.Clone(), nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

type updateRequest struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type renameRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// Delete removes one conversation.
func (c *Client) Delete(ctx context.Context, id string) error {
	user := c.identity(ctx)
	if user == "" {
		return ErrUnauthorized
	}
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidRequest)
	}

	defer c.invalidate(user, id)
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.do(ctx, user, http.MethodDelete, "/history/delete/"+url.PathEscape(id), nil, nil)
	})
}

// DeleteAll removes every conversation of the user. Cached reads for other
// users are dropped as well.
func (c *Client) DeleteAll(ctx context.Context) error {
	user := c.identity(ctx)
	if user == "" {
		return ErrUnauthorized
	}

	defer c.cache.ClearAll()
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.do(ctx, user, http.MethodDelete, "/history/delete_all", nil, nil)
	})
}

// UpdateMessages merges msgs into the conversation, creating it when id is
// empty or unknown.
func (c *Client) UpdateMessages(ctx context.Context, id string, msgs []model.Message) (*model.Conversation, error) {
	user := c.identity(ctx)
	if user == "" {
		return nil, ErrUnauthorized
	}

	body := updateRequest{ConversationID: id, Messages: msgs}
	conv, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*model.Conversation, error) {
		var conv model.Conversation
		if err := c.do(ctx, user, http.MethodPost, "/history/update", body, &conv); err != nil {
			return nil, err
		}
		return &conv, nil
	})

	c.invalidate(user, id)
	if conv != nil && conv.ID != id {
		c.cache.Clear(readKey(user, conv.ID))
	}
	return conv, err
}

// Rename sets the conversation title.
func (c *Client) Rename(ctx context.Context, id, title string) error {
	user := c.identity(ctx)
	if user == "" {
		return ErrUnauthorized
	}
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidRequest)
	}

	defer c.invalidate(user, id)
	body := renameRequest{ConversationID: id, Title: title}
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.do(ctx, user, http.MethodPost, "/history/rename", body, nil)
	})
}

// invalidate drops the user's list and, when id is set, the conversation.
func (c *Client) invalidate(user, id string) {
	c.cache.Clear(listKey(user))
	if id != "" {
		c.cache.Clear(readKey(user, id))
	}
}

// =============================================================================
// TRANSPORT
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

// do performs one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, user, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(IdentityHeader, user)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return err
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("history request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// readResponse reads the body with a size limit.
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

// statusError maps an HTTP error status to a history error.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
	default:
		return &APIError{Status: status, Message: msg}
	}
}

// IsTransient reports whether a history error is worth retrying: rate
// limiting, 5xx responses and network failures.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
