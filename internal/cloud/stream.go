// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

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

	"github.com/jeranaias/rigrun-relay/internal/metrics"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// =============================================================================
// STREAM TYPES
// =============================================================================

// Chunk is one streamed event. Every chunk of a reply carries the same ID.
type Chunk struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	// Delta marks Content as an increment; otherwise it is the whole reply
	// so far.
	Delta     bool            `json:"delta,omitempty"`
	Done      bool            `json:"done,omitempty"`
	Citations json.RawMessage `json:"citations,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Text is the accumulated reply including this chunk. Set by the client.
	Text string `json:"-"`
}

// StreamCallback is called for each chunk. Returning an error aborts the
// stream with that error.
type StreamCallback func(chunk Chunk) error

// StreamResult summarizes a finished stream.
type StreamResult struct {
	ID        string
	Content   string
	Citations json.RawMessage
	Chunks    int
	// FirstChunk is the time to the first chunk.
	FirstChunk time.Duration
	Duration   time.Duration
}

// StreamError represents an error that occurred during streaming,
// preserving any partial content received before the error.
type StreamError struct {
	ID      string
	Partial string // Content received before error
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// ErrStreamFailed is reported when the backend sends an error event.
var ErrStreamFailed = errors.New("backend reported stream failure")

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// A final event may lack its blank terminator line
				line = bytes.TrimRight(line, "\r\n")
				if bytes.HasPrefix(line, []byte("data:")) {
					dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream performs a streaming completion and calls fn for each chunk.
//
// Connecting is retried on transient failures. Once a chunk has been
// delivered the stream is not retried: a later failure returns a
// *StreamError carrying the partial reply.
func (c *Client) Stream(ctx context.Context, req Request, fn StreamCallback) (*StreamResult, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}
	req.Stream = true

	start := time.Now()
	resp, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (*http.Response, error) {
		return c.connect(ctx, req)
	})
	if err != nil {
		metrics.StreamDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	result, err := c.processStream(ctx, resp.Body, fn, start)
	metrics.StreamDuration.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	return result, err
}

// connect opens the event stream.
func (c *Client) connect(ctx context.Context, body Request) (*http.Response, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := readResponse(resp)
		resp.Body.Close()
		return nil, handleErrorResponse(resp.StatusCode, data)
	}
	return resp, nil
}

// processStream reads events until done, EOF, or failure.
func (c *Client) processStream(ctx context.Context, body io.Reader, fn StreamCallback, start time.Time) (*StreamResult, error) {
	reader := NewSSEReader(body)
	result := &StreamResult{}
	var acc strings.Builder

	fail := func(err error) (*StreamResult, error) {
		result.Content = acc.String()
		result.Duration = time.Since(start)
		if result.Chunks == 0 && acc.Len() == 0 {
			return result, err
		}
		return result, &StreamError{ID: result.ID, Partial: acc.String(), Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		_, data, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A canceled request surfaces as a read error
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(err)
		}
		if string(data) == "[DONE]" {
			break
		}

		var chunk Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed stream event")
			continue
		}
		if chunk.Error != "" {
			return fail(fmt.Errorf("%w: %s", ErrStreamFailed, chunk.Error))
		}

		if chunk.ID != "" {
			result.ID = chunk.ID
		}
		if chunk.Delta {
			acc.WriteString(chunk.Content)
		} else if chunk.Content != "" || !chunk.Done {
			acc.Reset()
			acc.WriteString(chunk.Content)
		}
		if len(chunk.Citations) > 0 {
			result.Citations = chunk.Citations
		}
		chunk.ID = result.ID
		chunk.Text = acc.String()

		if result.Chunks == 0 {
			result.FirstChunk = time.Since(start)
		}
		result.Chunks++
		metrics.StreamChunks.Inc()

		if fn != nil {
			if err := fn(chunk); err != nil {
				return fail(err)
			}
		}
		if chunk.Done {
			break
		}
	}

	result.Content = acc.String()
	result.Duration = time.Since(start)
	return result, nil
}

// outcome labels stream metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case retry.IsCanceled(err):
		return "canceled"
	default:
		return "error"
	}
}

// Accumulate streams a reply and returns its full text. On a mid-stream
// failure it returns the partial text along with the error.
func (c *Client) Accumulate(ctx context.Context, req Request) (string, error) {
	result, err := c.Stream(ctx, req, nil)
	if err != nil {
		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			return streamErr.Partial, err
		}
		return "", err
	}
	return result.Content, nil
}
