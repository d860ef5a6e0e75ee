// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeStreamer replays chunks, then returns err.
type fakeStreamer struct {
	chunks    []cloud.Chunk
	citations json.RawMessage
	err       error
	requests  []cloud.Request
}

func (f *fakeStreamer) Stream(ctx context.Context, req cloud.Request, fn cloud.StreamCallback) (*cloud.StreamResult, error) {
	f.requests = append(f.requests, req)
	result := &cloud.StreamResult{Citations: f.citations}
	for _, c := range f.chunks {
		if err := ctx.Err(); err != nil {
			return result, &cloud.StreamError{ID: result.ID, Partial: result.Content, Err: err}
		}
		if c.ID != "" {
			result.ID = c.ID
		}
		if c.Delta {
			result.Content += c.Content
		} else {
			result.Content = c.Content
		}
		c.ID = result.ID
		c.Text = result.Content
		result.Chunks++
		if err := fn(c); err != nil {
			return result, err
		}
	}
	if f.err != nil {
		return result, &cloud.StreamError{ID: result.ID, Partial: result.Content, Err: f.err}
	}
	return result, nil
}

// memBackend is an in-memory history.Backend.
type memBackend struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	updates int
	failErr error
}

func newMemBackend() *memBackend {
	return &memBackend{convs: make(map[string]*model.Conversation)}
}

func (b *memBackend) List(ctx context.Context) ([]model.ConversationMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.ConversationMeta
	for _, c := range b.convs {
		out = append(out, c.GetMeta())
	}
	return out, nil
}

func (b *memBackend) Read(ctx context.Context, id string) (*model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	return c.Clone(), nil
}

func (b *memBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.convs[id]; !ok {
		return history.ErrNotFound
	}
	delete(b.convs, id)
	return nil
}

func (b *memBackend) DeleteAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs = make(map[string]*model.Conversation)
	return nil
}

func (b *memBackend) UpdateMessages(ctx context.Context, id string, msgs []model.Message) (*model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}
	b.updates++
	c, ok := b.convs[id]
	if !ok {
		c = model.NewConversation()
		if id != "" {
			c.ID = id
		}
		b.convs[c.ID] = c
	}
	for _, m := range msgs {
		c.UpsertMessage(m)
	}
	return c.Clone(), nil
}

func (b *memBackend) Rename(ctx context.Context, id, title string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok {
		return history.ErrNotFound
	}
	c.SetTitle(title)
	return nil
}

func chunk(id, content string) cloud.Chunk {
	return cloud.Chunk{ID: id, Content: content}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestStore_AppendPreservesOrder(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	a, b := model.NewUserMessage("a"), model.NewUserMessage("b")
	require.NoError(t, s.Append(a, b))
	require.NoError(t, s.Append(model.NewUserMessage("c")))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[0].Text(), msgs[1].Text(), msgs[2].Text()})
}

func TestStore_AppendRejectsDuplicateID(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	m := model.NewUserMessage("once")
	require.NoError(t, s.Append(m))

	err := s.Append(m)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, s.Len())

	other := model.NewUserMessage("other")
	err = s.Append(other, other)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, s.Len(), "a rejected batch appends nothing")

	m.Content = model.TextContent{Body: "edited"}
	replaced, err := s.UpsertByID(m)
	require.NoError(t, err)
	assert.True(t, replaced)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, "edited", s.Messages()[0].Text())
}

func TestStore_LongConversationKeepsEveryMessage(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	first := model.NewUserMessage("first")
	require.NoError(t, s.Append(first))
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Append(model.NewUserMessage(fmt.Sprintf("m%d", i))))
	}

	reply := model.NewAssistantMessage("r1", model.TextContent{Body: "par"})
	_, err := s.UpsertByID(reply)
	require.NoError(t, err)
	before := s.Len() - 1
	require.NoError(t, s.Append(model.NewUserMessage("next")))
	reply.Content = model.TextContent{Body: "partial"}
	_, err = s.UpsertByID(reply)
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1003)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, "r1", msgs[before].ID)
	assert.Equal(t, "partial", msgs[before].Text())
}

func TestStore_UpsertByIDReplacesInPlace(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	require.NoError(t, s.Append(
		model.NewUserMessage("q"),
		model.NewAssistantMessage("x", model.TextContent{Body: "old"}),
		model.NewUserMessage("later"),
	))

	replaced, err := s.UpsertByID(model.NewAssistantMessage("x", model.TextContent{Body: "new"}))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 3, s.Len())

	msgs := s.Messages()
	assert.Equal(t, "x", msgs[1].ID)
	assert.Equal(t, "new", msgs[1].Text())
}

func TestStore_UpsertByIDAppendsNewID(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	require.NoError(t, s.Append(model.NewUserMessage("q")))
	replaced, err := s.UpsertByID(model.NewAssistantMessage("fresh", model.TextContent{Body: "hi"}))
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "fresh", s.Messages()[1].ID)
}

func TestStore_BeginStreamResetsCitations(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	s.SetCitations(`"citations":[1]`)
	assert.False(t, s.IsStreaming())

	s.BeginStream()
	assert.True(t, s.IsStreaming())
	assert.Empty(t, s.Citations())

	s.EndStream()
	assert.False(t, s.IsStreaming())
}

func TestStore_FailAddsErrorMessageButNotForCancel(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	require.NoError(t, s.Append(model.NewAssistantMessage("partial", model.TextContent{Body: "half"})))

	assert.False(t, s.Fail(fmt.Errorf("aborted: %w", context.Canceled)))
	assert.Equal(t, 1, s.Len())

	assert.True(t, s.Fail(errors.New("backend down")))
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "half", msgs[0].Text(), "partial content must survive")
	assert.Equal(t, model.RoleError, msgs[1].Role)
	assert.Equal(t, "backend down", msgs[1].Text())
}

func TestStore_StreamingUpdatesAreThrottled(t *testing.T) {
	s := NewStore(StoreOptions{NotifyInterval: time.Hour})
	defer s.Close()

	var mu sync.Mutex
	counts := map[ChangeKind]int{}
	s.Subscribe(func(c Change) {
		mu.Lock()
		counts[c.Kind]++
		mu.Unlock()
	})

	s.BeginStream()
	for i := 0; i < 10; i++ {
		s.UpsertByID(model.NewAssistantMessage("r", model.TextContent{Body: fmt.Sprint(i)}))
	}
	s.EndStream()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[ChangeAppended], "first chunk appends")
	assert.Equal(t, 1, counts[ChangeUpdated], "one update per interval")
	assert.Equal(t, 1, counts[ChangeStreamEnded])
	assert.Equal(t, "9", mustMessage(t, s, "r").Text())
}

func TestStore_Unsubscribe(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	calls := 0
	unsubscribe := s.Subscribe(func(Change) { calls++ })
	s.Append(model.NewUserMessage("a"))
	unsubscribe()
	s.Append(model.NewUserMessage("b"))
	assert.Equal(t, 1, calls)
}

func TestStore_CloseRejectsMutations(t *testing.T) {
	s := NewStore(StoreOptions{})
	s.BeginStream()
	require.NoError(t, s.Close())

	assert.False(t, s.IsStreaming())
	assert.ErrorIs(t, s.Append(model.NewUserMessage("x")), ErrStoreClosed)
	_, err := s.UpsertByID(model.NewUserMessage("y"))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_SetFeedbackAndLoad(t *testing.T) {
	s := NewStore(StoreOptions{})
	defer s.Close()

	s.Append(model.NewAssistantMessage("a1", model.TextContent{Body: "x"}))
	assert.True(t, s.SetFeedback("a1", "positive"))
	assert.False(t, s.SetFeedback("missing", "negative"))
	assert.Equal(t, "positive", mustMessage(t, s, "a1").Feedback)

	conv := model.NewConversation()
	conv.AddMessage(model.NewUserMessage("loaded"))
	s.Load(conv)
	assert.Equal(t, conv.ID, s.ConversationID())
	assert.Equal(t, 1, s.Len())
}

func mustMessage(t *testing.T, s *Store, id string) model.Message {
	t.Helper()
	m, ok := s.Message(id)
	require.True(t, ok, "message %s not found", id)
	return m
}

// =============================================================================
// RUNNER TESTS
// =============================================================================

func TestRunner_StreamsIntoOneMessage(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	backend := newMemBackend()
	streamer := &fakeStreamer{chunks: []cloud.Chunk{
		chunk("m1", `{"answer": "Hel`),
		chunk("m1", `{"answer": "Hello wor`),
		chunk("m1", `{"answer": "Hello world", "citations": [{"title": "doc"}]}`),
	}}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer, Backend: backend})
	defer runner.Close()

	turn, err := runner.Send(context.Background(), "hi")
	require.NoError(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, "Hello world", msgs[1].Text())
	assert.Equal(t, `"citations":[{"title": "doc"}]`, msgs[1].Citations)
	assert.Equal(t, msgs[1].Citations, store.Citations())
	assert.False(t, store.IsStreaming())

	assert.True(t, turn.Persisted)
	assert.Equal(t, 3, turn.Stats.Chunks)
	persisted, err := backend.Read(context.Background(), turn.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 2, persisted.MessageCount())
}

func TestRunner_SendsHistoryWithoutErrorMessages(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	store.Append(model.NewErrorMessage(errors.New("earlier failure")))

	streamer := &fakeStreamer{chunks: []cloud.Chunk{chunk("m", "ok")}}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer})
	defer runner.Close()

	_, err := runner.Send(context.Background(), "again")
	require.NoError(t, err)
	require.Len(t, streamer.requests, 1)
	require.Len(t, streamer.requests[0].Messages, 1)
	assert.Equal(t, "again", streamer.requests[0].Messages[0].Content)
}

func TestRunner_ChartReply(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	streamer := &fakeStreamer{chunks: []cloud.Chunk{
		chunk("c1", `{"object":{"type":"bar","data":[{"x":1}]}}`),
	}}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer})
	defer runner.Close()

	turn, err := runner.Send(context.Background(), "chart please")
	require.NoError(t, err)
	chart, ok := turn.Reply.Chart()
	require.True(t, ok)
	assert.Equal(t, "bar", chart.Type)
}

func TestRunner_CitationsFromStreamField(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	streamer := &fakeStreamer{
		chunks:    []cloud.Chunk{chunk("m", "plain answer")},
		citations: json.RawMessage(`[{"url":"u"}]`),
	}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer})
	defer runner.Close()

	turn, err := runner.Send(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "plain answer", turn.Reply.Text())
	assert.Equal(t, `"citations":[{"url":"u"}]`, turn.Citations)
}

func TestRunner_FailureKeepsPartialAndAddsError(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	backend := newMemBackend()
	streamer := &fakeStreamer{
		chunks: []cloud.Chunk{chunk("m", `{"answer": "half an ans`)},
		err:    errors.New("connection reset"),
	}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer, Backend: backend})
	defer runner.Close()

	_, err := runner.Send(context.Background(), "q")
	require.Error(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "half an ans", msgs[1].Text())
	assert.Equal(t, model.RoleError, msgs[2].Role)
	assert.False(t, store.IsStreaming())
	assert.Zero(t, backend.updates, "failed turns are not persisted")
}

func TestRunner_CancellationAddsNoErrorMessage(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	streamer := &fakeStreamer{chunks: []cloud.Chunk{chunk("m", "one"), chunk("m", "one two")}}
	runner := NewRunner(RunnerOptions{Store: store, Streamer: streamer})
	defer runner.Close()

	unsubscribe := store.Subscribe(func(c Change) {
		if c.Kind == ChangeAppended && c.MessageID == "m" {
			cancel()
		}
	})
	defer unsubscribe()

	_, err := runner.Send(ctx, "q")
	assert.ErrorIs(t, err, context.Canceled)
	for _, m := range store.Messages() {
		assert.NotEqual(t, model.RoleError, m.Role)
	}
	assert.Equal(t, "one", mustMessage(t, store, "m").Text())
}

func TestRunner_EmptyInputAndEmptyReply(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	runner := NewRunner(RunnerOptions{Store: store, Streamer: &fakeStreamer{}})
	defer runner.Close()

	_, err := runner.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = runner.Send(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmptyReply)
	assert.Equal(t, model.RoleError, store.Messages()[1].Role)
}

func TestRunner_PersistFailureDoesNotFailTurn(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	backend := newMemBackend()
	backend.failErr = errors.New("db locked")
	runner := NewRunner(RunnerOptions{Store: store, Streamer: &fakeStreamer{chunks: []cloud.Chunk{chunk("m", "ok")}}, Backend: backend})
	defer runner.Close()

	turn, err := runner.Send(context.Background(), "q")
	require.NoError(t, err)
	assert.False(t, turn.Persisted)
}

func TestRunner_SubmitIsDebounced(t *testing.T) {
	store := NewStore(StoreOptions{})
	defer store.Close()
	streamer := &fakeStreamer{chunks: []cloud.Chunk{chunk("", "ok")}}

	done := make(chan *Turn, 5)
	runner := NewRunner(RunnerOptions{
		Store:       store,
		Streamer:    streamer,
		SubmitDelay: 30 * time.Millisecond,
		OnTurn:      func(turn *Turn, err error) { done <- turn },
	})
	defer runner.Close()

	runner.Submit("h")
	runner.Submit("he")
	runner.Submit("hello")

	select {
	case turn := <-done:
		assert.Equal(t, "hello", turn.Request.Text())
	case <-time.After(time.Second):
		t.Fatal("submit never fired")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, done, 0)
	assert.Len(t, streamer.requests, 1)
}

// =============================================================================
// HISTORY LIST TESTS
// =============================================================================

func TestHistory_CreateRenameDelete(t *testing.T) {
	backend := newMemBackend()
	var changes int
	h := NewHistory(backend, HistoryOptions{OnChange: func([]model.ConversationMeta) { changes++ }})
	defer h.Close()
	ctx := context.Background()

	conv, err := h.Create(ctx, model.NewUserMessage("first question"))
	require.NoError(t, err)
	require.Len(t, h.Items(), 1)

	require.NoError(t, h.Rename(ctx, conv.ID, "Renamed"))
	meta, ok := h.Find(conv.ID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", meta.Title)

	_, err = h.AppendMessages(ctx, conv.ID, model.NewAssistantMessage("a", model.TextContent{Body: "answer"}))
	require.NoError(t, err)
	assert.Len(t, h.Items(), 1)

	require.NoError(t, h.Delete(ctx, conv.ID))
	assert.Empty(t, h.Items())
	assert.Equal(t, 4, changes)
}

func TestHistory_FailedMutationLeavesList(t *testing.T) {
	h := NewHistory(newMemBackend(), HistoryOptions{})
	defer h.Close()

	err := h.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
	assert.Empty(t, h.Items())
}

func TestHistory_DeleteAllAndRefresh(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	backend.UpdateMessages(ctx, "a", []model.Message{model.NewUserMessage("x")})
	backend.UpdateMessages(ctx, "b", []model.Message{model.NewUserMessage("y")})

	h := NewHistory(backend, HistoryOptions{})
	defer h.Close()
	require.NoError(t, h.Refresh(ctx))
	assert.Len(t, h.Items(), 2)

	require.NoError(t, h.DeleteAll(ctx))
	assert.Empty(t, h.Items())
}

func TestHistory_RequestRefreshIsDebounced(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	backend.UpdateMessages(ctx, "a", []model.Message{model.NewUserMessage("x")})

	refreshed := make(chan int, 5)
	h := NewHistory(backend, HistoryOptions{
		RefreshDelay: 20 * time.Millisecond,
		OnChange:     func(items []model.ConversationMeta) { refreshed <- len(items) },
	})
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.RequestRefresh(ctx)
	}

	select {
	case n := <-refreshed:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("refresh never ran")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, refreshed, 0)
}
