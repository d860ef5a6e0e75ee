// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond}
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(ClientOptions{
		BaseURL:  srv.URL,
		Identity: StaticIdentity("user-1"),
		Retry:    fastPolicy(),
	})
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sampleConversation(id string) *model.Conversation {
	conv := model.NewConversation()
	conv.ID = id
	conv.AddMessage(model.NewUserMessage("hello"))
	return conv
}

// =============================================================================
// READ TESTS
// =============================================================================

func TestClient_StampsIdentityHeader(t *testing.T) {
	var got string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(IdentityHeader)
		writeJSON(w, http.StatusOK, []model.ConversationMeta{})
	}))

	if _, err := c.List(context.Background()); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got != "user-1" {
		t.Errorf("%s = %q, want user-1", IdentityHeader, got)
	}
}

func TestClient_ContextIdentityWins(t *testing.T) {
	var got string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(IdentityHeader)
		writeJSON(w, http.StatusOK, []model.ConversationMeta{})
	}))

	c.List(WithUser(context.Background(), "user-2"))
	if got != "user-2" {
		t.Errorf("identity = %q, want user-2", got)
	}
}

func TestClient_MissingIdentity(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL})
	defer c.Close()

	if _, err := c.List(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if hits.Load() != 0 {
		t.Error("no request should be sent without an identity")
	}
}

func TestClient_ListFollowsPages(t *testing.T) {
	pages := map[string][]model.ConversationMeta{
		"0": {{ID: "a"}, {ID: "b"}},
		"2": {{ID: "c"}},
	}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/list" {
			t.Errorf("path = %s", r.URL.Path)
		}
		page := pages[r.URL.Query().Get("offset")]
		if page == nil {
			page = []model.ConversationMeta{}
		}
		writeJSON(w, http.StatusOK, page)
	}))

	convs, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, m := range convs {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("ids = %v, want a,b,c", ids)
	}
}

func TestClient_ReadIsCachedAndShared(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, sampleConversation("c1"))
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := c.Read(context.Background(), "c1")
			if err != nil || conv.ID != "c1" {
				t.Errorf("Read() = (%v, %v)", conv, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	c.Read(context.Background(), "c1")
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestClient_ReadReturnsIndependentCopies(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sampleConversation("c1"))
	}))

	first, _ := c.Read(context.Background(), "c1")
	first.Messages[0] = model.NewUserMessage("mutated")

	second, _ := c.Read(context.Background(), "c1")
	if second.Messages[0].Text() != "hello" {
		t.Error("callers must not share cached message slices")
	}
}

// =============================================================================
// MUTATION TESTS
// =============================================================================

func TestClient_MutationInvalidatesReads(t *testing.T) {
	var reads atomic.Int32
	var renamed renameRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/history/read/"):
			reads.Add(1)
			writeJSON(w, http.StatusOK, sampleConversation("c1"))
		case r.URL.Path == "/history/rename":
			json.NewDecoder(r.Body).Decode(&renamed)
			writeJSON(w, http.StatusOK, map[string]string{"title": renamed.Title})
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()
	c.Read(ctx, "c1")
	if err := c.Rename(ctx, "c1", "New title"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	c.Read(ctx, "c1")

	if got := reads.Load(); got != 2 {
		t.Errorf("reads = %d, want 2 after invalidation", got)
	}
	if renamed.ConversationID != "c1" || renamed.Title != "New title" {
		t.Errorf("rename body = %+v", renamed)
	}
}

func TestClient_UpdateMessagesSendsBody(t *testing.T) {
	var body updateRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/history/update" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		conv := sampleConversation("created")
		conv.SetMessages(body.Messages)
		writeJSON(w, http.StatusOK, conv)
	}))

	msgs := []model.Message{model.NewUserMessage("q"), model.NewAssistantMessage("a1", model.TextContent{Body: "answer"})}
	conv, err := c.UpdateMessages(context.Background(), "", msgs)
	if err != nil {
		t.Fatalf("UpdateMessages() error = %v", err)
	}
	if conv.ID != "created" {
		t.Errorf("ID = %q", conv.ID)
	}
	if len(body.Messages) != 2 || body.Messages[1].ID != "a1" {
		t.Errorf("sent messages = %+v", body.Messages)
	}
}

func TestClient_DeleteRoutes(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}))

	ctx := context.Background()
	if err := c.Delete(ctx, "c 1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}

	want := []string{"DELETE /history/delete/c 1", "DELETE /history/delete_all"}
	if strings.Join(paths, "|") != strings.Join(want, "|") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"bad request", http.StatusBadRequest, ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, errorResponse{Error: "nope"})
			}))
			_, err := c.Read(context.Background(), "c1")
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestClient_APIError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "down"})
	}))

	_, err := c.Read(context.Background(), "c1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "down" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("5xx should be retried until exhausted, got %v", err)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "flaky"})
			return
		}
		writeJSON(w, http.StatusOK, sampleConversation("c1"))
	}))

	conv, err := c.Read(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if conv.ID != "c1" || hits.Load() != 3 {
		t.Errorf("conv = %v, hits = %d", conv.ID, hits.Load())
	}
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "gone"})
	}))

	c.Read(context.Background(), "c1")
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", ErrRateLimited, true},
		{"server error", &APIError{Status: 500}, true},
		{"teapot", &APIError{Status: 418}, false},
		{"not found", ErrNotFound, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("x"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
