// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-relay/internal/model"
)

// IdentityHeader carries the caller's user id on every history request.
const IdentityHeader = "X-Ms-Client-Principal-Id"

// Error variables for history operations.
var (
	// ErrNotFound indicates the conversation does not exist for this user.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnauthorized indicates a missing or rejected user identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the backend throttled the caller.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRequest indicates a malformed request (empty id, bad title).
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError is a history backend failure not covered by a sentinel.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("history error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("history error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// BACKEND
// =============================================================================

// Backend stores conversations per user. The user is taken from the
// request context (see WithUser).
type Backend interface {
	// List returns metadata for the user's conversations, newest first.
	List(ctx context.Context) ([]model.ConversationMeta, error)

	// Read returns a conversation with its messages.
	Read(ctx context.Context, id string) (*model.Conversation, error)

	// Delete removes one conversation.
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every conversation of the user.
	DeleteAll(ctx context.Context) error

	// UpdateMessages merges msgs into the conversation by message id,
	// replacing known ids in place and appending new ones. An empty or
	// unknown id creates the conversation. Returns the stored conversation.
	UpdateMessages(ctx context.Context, id string, msgs []model.Message) (*model.Conversation, error)

	// Rename sets the conversation title.
	Rename(ctx context.Context, id, title string) error
}

// =============================================================================
// IDENTITY
// =============================================================================

type userKey struct{}

// WithUser returns a context carrying the user id.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user id carried by ctx, or "".
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

// IdentityFunc resolves the user id for an outgoing request.
type IdentityFunc func(ctx context.Context) string

// StaticIdentity returns an IdentityFunc that always yields user, unless
// the context carries its own.
func StaticIdentity(user string) IdentityFunc {
	return func(ctx context.Context) string {
		if u := UserFromContext(ctx); u != "" {
			return u
		}
		return user
	}
}
