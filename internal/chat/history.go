// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/ratelimit"
)

// DefaultRefreshDelay is the quiet period before a requested refresh runs.
const DefaultRefreshDelay = 300 * time.Millisecond

// =============================================================================
// CONVERSATION LIST
// =============================================================================

// History is the client-side list of conversations, kept in step with a
// history.Backend. Mutations go to the backend first and update the list
// only when the backend accepted them.
type History struct {
	backend history.Backend
	logger  zerolog.Logger

	mu    sync.RWMutex
	items []model.ConversationMeta

	onChange func([]model.ConversationMeta)
	refresh  *ratelimit.Debouncer[context.Context]
}

// HistoryOptions configures a History.
type HistoryOptions struct {
	RefreshDelay time.Duration
	// OnChange receives the list after every change.
	OnChange func([]model.ConversationMeta)
	Logger   *zerolog.Logger
}

// NewHistory creates a conversation list over backend.
func NewHistory(backend history.Backend, opts HistoryOptions) *History {
	if opts.RefreshDelay == 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "history-list").Logger()
	}

	h := &History{
		backend:  backend,
		logger:   logger,
		onChange: opts.OnChange,
	}
	h.refresh = ratelimit.Debounce(func(ctx context.Context) {
		if err := h.Refresh(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("history refresh failed")
		}
	}, opts.RefreshDelay)
	return h
}

// Items returns the conversations, most recently updated first.
func (h *History) Items() []model.ConversationMeta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]model.ConversationMeta(nil), h.items...)
}

// Find returns the metadata for id.
func (h *History) Find(id string) (model.ConversationMeta, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Find(h.items, func(m model.ConversationMeta) bool { return m.ID == id })
}

// Refresh reloads the list from the backend now.
func (h *History) Refresh(ctx context.Context) error {
	items, err := h.backend.List(ctx)
	if err != nil {
		return err
	}
	h.update(func([]model.ConversationMeta) []model.ConversationMeta { return items })
	return nil
}

// RequestRefresh schedules a Refresh. Bursts of requests collapse into one
// refresh using the last ctx.
func (h *History) RequestRefresh(ctx context.Context) {
	h.refresh.Call(ctx)
}

// Open reads a full conversation.
func (h *History) Open(ctx context.Context, id string) (*model.Conversation, error) {
	return h.backend.Read(ctx, id)
}

// Create stores a new conversation holding msgs.
func (h *History) Create(ctx context.Context, msgs ...model.Message) (*model.Conversation, error) {
	conv, err := h.backend.UpdateMessages(ctx, "", msgs)
	if err != nil {
		return nil, err
	}
	h.upsert(conv.GetMeta())
	return conv, nil
}

// AppendMessages adds or updates messages in an existing conversation.
func (h *History) AppendMessages(ctx context.Context, id string, msgs ...model.Message) (*model.Conversation, error) {
	conv, err := h.backend.UpdateMessages(ctx, id, msgs)
	if err != nil {
		return nil, err
	}
	h.upsert(conv.GetMeta())
	return conv, nil
}

// Rename sets a conversation title.
func (h *History) Rename(ctx context.Context, id, title string) error {
	if err := h.backend.Rename(ctx, id, title); err != nil {
		return err
	}
	h.update(func(items []model.ConversationMeta) []model.ConversationMeta {
		return lo.Map(items, func(m model.ConversationMeta, _ int) model.ConversationMeta {
			if m.ID == id {
				m.Title = title
			}
			return m
		})
	})
	return nil
}

// Delete removes one conversation.
func (h *History) Delete(ctx context.Context, id string) error {
	if err := h.backend.Delete(ctx, id); err != nil {
		return err
	}
	h.update(func(items []model.ConversationMeta) []model.ConversationMeta {
		return lo.Reject(items, func(m model.ConversationMeta, _ int) bool { return m.ID == id })
	})
	return nil
}

// DeleteAll removes every conversation.
func (h *History) DeleteAll(ctx context.Context) error {
	if err := h.backend.DeleteAll(ctx); err != nil {
		return err
	}
	h.update(func([]model.ConversationMeta) []model.ConversationMeta { return nil })
	return nil
}

// Close cancels a pending refresh.
func (h *History) Close() error {
	h.refresh.Stop()
	return nil
}

// upsert replaces or adds one conversation's metadata.
func (h *History) upsert(meta model.ConversationMeta) {
	h.update(func(items []model.ConversationMeta) []model.ConversationMeta {
		rest := lo.Reject(items, func(m model.ConversationMeta, _ int) bool { return m.ID == meta.ID })
		return append(rest, meta)
	})
}

// update applies fn to the list, re-sorts it and notifies.
func (h *History) update(fn func([]model.ConversationMeta) []model.ConversationMeta) {
	h.mu.Lock()
	items := fn(append([]model.ConversationMeta(nil), h.items...))
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	h.items = items
	snapshot := append([]model.ConversationMeta(nil), items...)
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(snapshot)
	}
}
