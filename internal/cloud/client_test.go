// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testClient(url string) *Client {
	return NewClient(Options{
		BaseURL: url,
		Retry:   retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
}

func testRequest() Request {
	return NewRequest("conv-1", []model.Message{model.NewUserMessage("hi")})
}

// sseHandler writes each event as an SSE data line and flushes.
func sseHandler(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// =============================================================================
// REQUEST TESTS
// =============================================================================

func TestNewRequest_SkipsErrorMessages(t *testing.T) {
	msgs := []model.Message{
		model.NewUserMessage("q"),
		model.NewErrorMessage(errors.New("boom")),
		model.NewAssistantMessage("a1", model.TextContent{Body: "answer"}),
	}
	req := NewRequest("c", msgs)
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[1].Content != "answer" {
		t.Errorf("Messages[1] = %+v", req.Messages[1])
	}
}

func TestNewRequest_ChartContentIsSentAsJSON(t *testing.T) {
	chart, _ := model.ParseChart([]byte(`{"type":"bar","data":[1]}`))
	req := NewRequest("c", []model.Message{model.NewAssistantMessage("a", model.ChartContent{Chart: *chart})})
	if !strings.Contains(req.Messages[0].Content, `"type":"bar"`) {
		t.Errorf("Content = %q", req.Messages[0].Content)
	}
}

// =============================================================================
// COMPLETE TESTS
// =============================================================================

func TestComplete_Success(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"r1","content":"{\"answer\":\"hello\"}"}`))
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL, APIKey: "secret"})
	resp, err := client.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ID != "r1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if got.Stream {
		t.Error("Complete must not request a stream")
	}
	if got.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q", got.ConversationID)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestComplete_EmptyRequest(t *testing.T) {
	client := testClient("http://127.0.0.1:1")
	if _, err := client.Complete(context.Background(), Request{}); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"busy"}`))
			return
		}
		w.Write([]byte(`{"id":"r1","content":"ok"}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "ok" || hits.Load() != 3 {
		t.Errorf("content = %q, hits = %d", resp.Content, hits.Load())
	}
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  error
		wantHits int32
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthFailed, 1},
		{"rate limited is retried", http.StatusTooManyRequests, ErrRateLimited, 3},
		{"exhausted", http.StatusBadGateway, retry.ErrExhausted, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Complete(context.Background(), testRequest())
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if hits.Load() != tc.wantHits {
				t.Errorf("hits = %d, want %d", hits.Load(), tc.wantHits)
			}
		})
	}
}

func TestComplete_BadRequestIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad input"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), testRequest())
	var beErr *BackendError
	if !errors.As(err, &beErr) || beErr.Status != http.StatusBadRequest || beErr.Message != "bad input" {
		t.Errorf("err = %v, want BackendError 400", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", fmt.Errorf("%w: slow down", ErrRateLimited), true},
		{"server error", &BackendError{Status: 502}, true},
		{"client error", &BackendError{Status: 400}, false},
		{"transport", fmt.Errorf("%w: connection refused", ErrTransport), true},
		{"canceled transport", fmt.Errorf("%w: %w", ErrTransport, context.Canceled), false},
		{"auth", ErrAuthFailed, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadEvent(t *testing.T) {
	input := "event: message\ndata: {\"a\":1}\n\n: comment\ndata: line1\ndata: line2\n\ndata: tail"
	reader := NewSSEReader(strings.NewReader(input))

	typ, data, err := reader.ReadEvent()
	if err != nil || typ != "message" || string(data) != `{"a":1}` {
		t.Errorf("event 1 = (%q, %q, %v)", typ, data, err)
	}
	_, data, err = reader.ReadEvent()
	if err != nil || string(data) != "line1\nline2" {
		t.Errorf("event 2 = (%q, %v)", data, err)
	}
	_, data, err = reader.ReadEvent()
	if err != nil || string(data) != "tail" {
		t.Errorf("event 3 = (%q, %v)", data, err)
	}
	if _, _, err = reader.ReadEvent(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestStream_CumulativeChunks(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"id":"m1","content":"Hel"}`,
		`{"id":"m1","content":"Hello"}`,
		`{"id":"m1","content":"Hello world","done":true,"citations":[{"title":"doc"}]}`,
	))
	defer srv.Close()

	var texts []string
	result, err := testClient(srv.URL).Stream(context.Background(), testRequest(), func(c Chunk) error {
		texts = append(texts, c.Text)
		if c.ID != "m1" {
			t.Errorf("chunk ID = %q", c.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(texts, "|") != "Hel|Hello|Hello world" {
		t.Errorf("texts = %v", texts)
	}
	if result.Content != "Hello world" || result.Chunks != 3 || result.ID != "m1" {
		t.Errorf("result = %+v", result)
	}
	if string(result.Citations) != `[{"title":"doc"}]` {
		t.Errorf("Citations = %s", result.Citations)
	}
}

func TestStream_DeltaChunksAndDoneMarker(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"id":"m2","content":"a","delta":true}`,
		`{"content":"b","delta":true}`,
		`[DONE]`,
		`{"content":"ignored","delta":true}`,
	))
	defer srv.Close()

	result, err := testClient(srv.URL).Stream(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if result.Content != "ab" || result.ID != "m2" {
		t.Errorf("result = %+v", result)
	}
}

func TestStream_ErrorEventKeepsPartial(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"id":"m3","content":"partial"}`,
		`{"error":"model overloaded"}`,
	))
	defer srv.Close()

	_, err := testClient(srv.URL).Stream(context.Background(), testRequest(), nil)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want *StreamError", err)
	}
	if streamErr.Partial != "partial" || streamErr.ID != "m3" {
		t.Errorf("StreamError = %+v", streamErr)
	}
	if !errors.Is(err, ErrStreamFailed) {
		t.Errorf("err should wrap ErrStreamFailed: %v", err)
	}
}

func TestStream_CallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(sseHandler(`{"id":"m","content":"x"}`, `{"id":"m","content":"xy"}`))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	_, err := testClient(srv.URL).Stream(context.Background(), testRequest(), func(Chunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestStream_ConnectIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sseHandler(`{"id":"m","content":"ok","done":true}`)(w, r)
	}))
	defer srv.Close()

	result, err := testClient(srv.URL).Stream(context.Background(), testRequest(), nil)
	if err != nil || result.Content != "ok" {
		t.Errorf("Stream() = (%+v, %v)", result, err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestStream_Cancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"m\",\"content\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := testClient(srv.URL).Stream(ctx, testRequest(), func(Chunk) error {
		cancel()
		return nil
	})
	if !retry.IsCanceled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) && streamErr.Partial != "first" {
		t.Errorf("Partial = %q", streamErr.Partial)
	}
}

func TestAccumulate(t *testing.T) {
	srv := httptest.NewServer(sseHandler(`{"id":"m","content":"a","delta":true}`, `{"content":"b","delta":true,"done":true}`))
	defer srv.Close()

	text, err := testClient(srv.URL).Accumulate(context.Background(), testRequest())
	if err != nil || text != "ab" {
		t.Errorf("Accumulate() = (%q, %v)", text, err)
	}
}
