// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/history"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/ratelimit"
	"github.com/jeranaias/rigrun-relay/internal/retry"
)

// Errors returned by Send.
var (
	// ErrEmptyInput is returned for blank user input.
	ErrEmptyInput = errors.New("empty input")

	// ErrEmptyReply is returned when the backend streamed nothing.
	ErrEmptyReply = errors.New("backend returned an empty reply")
)

// Streamer produces a streamed reply. *cloud.Client implements it.
type Streamer interface {
	Stream(ctx context.Context, req cloud.Request, fn cloud.StreamCallback) (*cloud.StreamResult, error)
}

// Turn is the outcome of one Send.
type Turn struct {
	Request   model.Message
	Reply     model.Message
	Citations string
	Stats     *model.Statistics
	// ConversationID is the id after persistence.
	ConversationID string
	Persisted      bool
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner drives one conversation: it sends user input to the chat backend,
// merges the streamed reply into the Store and persists the turn.
type Runner struct {
	store    *Store
	streamer Streamer
	backend  history.Backend
	logger   zerolog.Logger

	// turns are serialized
	turnMu sync.Mutex

	submit *ratelimit.Debouncer[string]
	onTurn func(*Turn, error)
	ctx    context.Context
	cancel context.CancelFunc
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Store    *Store
	Streamer Streamer
	// Backend persists completed turns. Optional.
	Backend history.Backend
	Logger  *zerolog.Logger

	// SubmitDelay debounces Submit. Zero sends on the next timer tick.
	SubmitDelay time.Duration
	// OnTurn receives the result of every Submit.
	OnTurn func(*Turn, error)
	// Context bounds turns started by Submit (identity, deadlines).
	Context context.Context
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "chat").Logger()
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	r := &Runner{
		store:    opts.Store,
		streamer: opts.Streamer,
		backend:  opts.Backend,
		logger:   logger,
		onTurn:   opts.OnTurn,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.submit = ratelimit.Debounce(r.runSubmitted, opts.SubmitDelay)
	return r
}

// Store returns the runner's message store.
func (r *Runner) Store() *Store {
	return r.store
}

// Submit queues text for sending. Rapid submissions collapse into one turn
// carrying the last text.
func (r *Runner) Submit(text string) {
	r.submit.Call(text)
}

func (r *Runner) runSubmitted(text string) {
	turn, err := r.Send(r.ctx, text)
	if r.onTurn != nil {
		r.onTurn(turn, err)
	}
}

// Close cancels pending submissions and any turn started by Submit.
func (r *Runner) Close() error {
	r.submit.Stop()
	r.cancel()
	return nil
}

// =============================================================================
// SEND
// =============================================================================

// Send runs one turn.
//
// The user message is appended, the reply is streamed into the store under
// a single message id, and on completion the answer, citations and chart
// content are resolved and the turn is persisted. A failure adds an
// error-role message after whatever partial reply was streamed; a canceled
// turn adds nothing and returns the cancellation error.
func (r *Runner) Send(ctx context.Context, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	r.turnMu.Lock()
	defer r.turnMu.Unlock()

	user := model.NewUserMessage(text)
	if err := r.store.Append(user); err != nil {
		return nil, err
	}
	turn := &Turn{Request: user, Stats: model.NewStatistics()}

	req := cloud.NewRequest(r.store.ConversationID(), r.store.Messages())
	r.store.BeginStream()
	defer r.store.EndStream()

	var reply model.Message
	result, err := r.streamer.Stream(ctx, req, func(chunk cloud.Chunk) error {
		if reply.ID == "" {
			reply = model.NewAssistantMessage(chunk.ID, model.TextContent{})
		}
		turn.Stats.RecordChunk()

		answer, _ := model.ExtractAnswerAndCitations(chunk.Text)
		reply.Content = model.TextContent{Body: answer}
		_, err := r.store.UpsertByID(reply)
		return err
	})
	turn.Stats.Finalize()
	turn.Reply = reply

	if err != nil {
		return turn, r.fail(err)
	}
	if reply.ID == "" && result.Content == "" {
		return turn, r.fail(ErrEmptyReply)
	}
	if reply.ID == "" {
		reply = model.NewAssistantMessage(result.ID, model.TextContent{})
	}

	answer, citations := model.ExtractAnswerAndCitations(result.Content)
	if citations == "" && len(result.Citations) > 0 {
		citations = `"citations":` + string(result.Citations)
	}
	reply.Content = resolveReply(result.Content, answer)
	reply.Citations = citations
	if _, err := r.store.UpsertByID(reply); err != nil {
		return turn, err
	}
	r.store.SetCitations(citations)

	turn.Reply = reply
	turn.Citations = citations
	turn.ConversationID = r.store.ConversationID()
	r.persist(ctx, turn)

	r.logger.Debug().
		Str("reply", reply.ID).
		Int("chunks", turn.Stats.Chunks).
		Dur("ttfc", turn.Stats.TTFC).
		Dur("duration", turn.Stats.TotalDuration).
		Msg("turn complete")
	return turn, nil
}

// fail records a failed turn. Cancellation is returned without a message.
func (r *Runner) fail(err error) error {
	if retry.IsCanceled(err) {
		r.logger.Debug().Msg("turn canceled")
		return err
	}
	r.logger.Warn().Err(err).Msg("turn failed")
	r.store.Fail(err)
	return err
}

// persist saves the turn's messages. Persistence failures are logged; the
// turn itself has succeeded.
func (r *Runner) persist(ctx context.Context, turn *Turn) {
	if r.backend == nil {
		return
	}
	conv, err := r.backend.UpdateMessages(ctx, turn.ConversationID, []model.Message{turn.Request, turn.Reply})
	if err != nil {
		r.logger.Warn().Err(err).Str("conversation", turn.ConversationID).Msg("failed to persist turn")
		return
	}
	if conv.ID != turn.ConversationID {
		r.store.SetConversationID(conv.ID)
		turn.ConversationID = conv.ID
	}
	turn.Persisted = true
}

// resolveReply picks the content variant of a completed reply: a chart when
// the reply (or its answer) is a chart payload, text otherwise.
func resolveReply(blob, answer string) model.Content {
	if chart, ok := model.ParseChart([]byte(blob)); ok {
		return model.ChartContent{Chart: *chart}
	}
	return model.ResolveText(answer)
}
