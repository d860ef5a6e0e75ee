// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/ratelimit"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// DefaultNotifyInterval bounds how often streaming updates reach subscribers.
const DefaultNotifyInterval = 50 * time.Millisecond

var (
	// ErrStoreClosed is returned by mutations after Close.
	ErrStoreClosed = errors.New("message store closed")

	// ErrDuplicateID is returned by Append for an id already in the store.
	ErrDuplicateID = errors.New("duplicate message id")
)

// ChangeKind identifies a store mutation.
type ChangeKind string

const (
	ChangeAppended      ChangeKind = "appended"
	ChangeUpdated       ChangeKind = "updated"
	ChangeStreamStarted ChangeKind = "stream_started"
	ChangeStreamEnded   ChangeKind = "stream_ended"
	ChangeCitations     ChangeKind = "citations"
	ChangeReset         ChangeKind = "reset"
)

// Change describes one mutation. MessageID is empty for store-wide changes.
type Change struct {
	Kind      ChangeKind
	MessageID string
}

// =============================================================================
// MESSAGE STORE
// =============================================================================

// Store is the ordered message list of one conversation.
//
// Messages are identified by ID: UpsertByID replaces a message in place,
// which is how streamed partial replies grow. Citations for the current
// reply are held beside the messages and reset when a new stream begins.
type Store struct {
	mu        sync.RWMutex
	conv      *model.Conversation
	streaming bool
	citations string
	closed    bool

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	// Streaming updates are throttled; everything else is delivered directly.
	updates *ratelimit.Throttler[Change]
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Conversation seeds the store. A new conversation is created when nil.
	Conversation *model.Conversation
	// NotifyInterval throttles streaming update notifications.
	NotifyInterval time.Duration
}

// NewStore creates a message store.
func NewStore(opts StoreOptions) *Store {
	conv := opts.Conversation
	if conv == nil {
		conv = model.NewConversation()
	} else {
		conv = conv.Clone()
	}
	if opts.NotifyInterval == 0 {
		opts.NotifyInterval = DefaultNotifyInterval
	}

	s := &Store{
		conv: conv,
		subs: make(map[int]func(Change)),
	}
	s.updates = ratelimit.Throttle(s.publish, opts.NotifyInterval)
	return s
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the mutating goroutine, outside the store lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	fns := lo.Values(s.subs)
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds messages at the end in the order given. Message ids are
// unique: if any id is already present, or repeats within msgs, nothing is
// appended and ErrDuplicateID is returned. Use UpsertByID to replace.
func (s *Store) Append(msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if id, ok := s.duplicateLocked(msgs); ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.conv.AddMessage(msgs...)
	s.mu.Unlock()

	for _, m := range msgs {
		s.publish(Change{Kind: ChangeAppended, MessageID: m.ID})
	}
	return nil
}

// duplicateLocked returns the first id in msgs that is already stored or
// repeated within msgs (must hold lock).
func (s *Store) duplicateLocked(msgs []model.Message) (string, bool) {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			return m.ID, true
		}
		if _, ok := s.conv.GetMessageByID(m.ID); ok {
			return m.ID, true
		}
		seen[m.ID] = struct{}{}
	}
	return "", false
}

// UpsertByID replaces the message with msg.ID in place, keeping its
// position, or appends msg when the id is new. Returns true on replace.
func (s *Store) UpsertByID(msg model.Message) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrStoreClosed
	}
	replaced := s.conv.UpsertMessage(msg)
	streaming := s.streaming
	s.mu.Unlock()

	switch {
	case !replaced:
		s.publish(Change{Kind: ChangeAppended, MessageID: msg.ID})
	case streaming:
		s.updates.Call(Change{Kind: ChangeUpdated, MessageID: msg.ID})
	default:
		s.publish(Change{Kind: ChangeUpdated, MessageID: msg.ID})
	}
	return replaced, nil
}

// SetFeedback records the user's rating on a message.
func (s *Store) SetFeedback(id, feedback string) bool {
	s.mu.Lock()
	msg, ok := s.conv.GetMessageByID(id)
	if ok {
		msg.Feedback = feedback
		s.conv.UpsertMessage(msg)
	}
	s.mu.Unlock()

	if ok {
		s.publish(Change{Kind: ChangeUpdated, MessageID: id})
	}
	return ok
}

// Remove deletes a message by id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	ok := s.conv.RemoveMessage(id)
	s.mu.Unlock()
	if ok {
		s.publish(Change{Kind: ChangeReset})
	}
	return ok
}

// Load replaces the whole conversation, for example after reading it from
// history. Streaming state and citations are reset.
func (s *Store) Load(conv *model.Conversation) {
	s.mu.Lock()
	s.conv = conv.Clone()
	s.streaming = false
	s.citations = ""
	s.mu.Unlock()
	s.updates.Reset()
	s.publish(Change{Kind: ChangeReset})
}

// Reset starts a fresh, empty conversation.
func (s *Store) Reset() {
	s.Load(model.NewConversation())
}

// SetConversationID adopts the id assigned by the history backend.
func (s *Store) SetConversationID(id string) {
	s.mu.Lock()
	s.conv.ID = id
	s.mu.Unlock()
}

// SetTitle sets the conversation title.
func (s *Store) SetTitle(title string) {
	s.mu.Lock()
	s.conv.SetTitle(title)
	s.mu.Unlock()
}

// =============================================================================
// STREAMING
// =============================================================================

// BeginStream marks a reply as streaming and drops citations held for the
// previous reply.
func (s *Store) BeginStream() {
	s.mu.Lock()
	s.streaming = true
	s.citations = ""
	s.mu.Unlock()
	s.updates.Reset()
	s.publish(Change{Kind: ChangeStreamStarted})
}

// EndStream clears the streaming flag. Subscribers always see this change,
// so a final state dropped by the update throttle is still delivered.
func (s *Store) EndStream() {
	s.mu.Lock()
	was := s.streaming
	s.streaming = false
	s.mu.Unlock()
	if was {
		s.publish(Change{Kind: ChangeStreamEnded})
	}
}

// IsStreaming reports whether a reply is streaming.
func (s *Store) IsStreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

// SetCitations holds citations for the current reply.
func (s *Store) SetCitations(citations string) {
	s.mu.Lock()
	s.citations = citations
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeCitations})
}

// Citations returns the citations held for the current reply.
func (s *Store) Citations() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.citations
}

// Fail records a failed assistant turn as an error-role message after any
// partial content already in the store. Cancellation is not a failure:
// Fail returns false and adds nothing.
func (s *Store) Fail(err error) bool {
	if err == nil || retry.IsCanceled(err) {
		return false
	}
	return s.Append(model.NewErrorMessage(err)) == nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Messages returns a copy of the messages in order.
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.conv.Messages...)
}

// Message returns the message with id.
func (s *Store) Message(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.GetMessageByID(id)
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.MessageCount()
}

// Conversation returns a copy of the conversation.
func (s *Store) Conversation() *model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.Clone()
}

// ConversationID returns the conversation id.
func (s *Store) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conv.ID
}

// MessagesByRole returns the messages with role, in order.
func (s *Store) MessagesByRole(role model.Role) []model.Message {
	return lo.Filter(s.Messages(), func(m model.Message, _ int) bool {
		return m.Role == role
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close stops pending notifications and rejects further mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.streaming = false
	s.mu.Unlock()

	s.updates.Stop()
	s.subMu.Lock()
	s.subs = make(map[int]func(Change))
	s.subMu.Unlock()
	return nil
}
