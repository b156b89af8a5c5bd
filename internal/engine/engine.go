// Package engine assembles the conversation engine: one transcript store,
// one stream controller, one overflow coordinator, one continuation
// manager, and the read-only projections the UI renders from. It is the
// only package a frontend needs to import.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/threadworks/loom/internal/continuation"
	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/overflow"
	"github.com/threadworks/loom/internal/project"
	"github.com/threadworks/loom/internal/recall"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

// ErrEmptyMessage is returned by Send for whitespace-only input.
var ErrEmptyMessage = errors.New("message is empty")

// ErrInvalidDecision is returned by Confirm for non-terminal decisions.
var ErrInvalidDecision = errors.New("invalid confirmation decision")

// Confirmer forwards tool confirmation decisions to the agent.
type Confirmer interface {
	Confirm(ctx context.Context, id string, decision correlate.Decision, principalType string) error
}

// Options wires the engine's collaborators. Transport, Summarizer, and
// Metadata are required; Confirmer and Recall are optional.
type Options struct {
	Transport  stream.Transport
	Confirmer  Confirmer
	Metadata   continuation.MetadataSource
	Summarizer overflow.Summarizer
	Recall     *recall.Store

	SessionID        string
	WorkingDirectory string
}

// Engine is one logical conversation.
type Engine struct {
	store       *transcript.Store
	hub         *correlate.NotificationHub
	ledger      *correlate.ConfirmationLedger
	controller  *stream.Controller
	coordinator *overflow.Coordinator
	sessions    *continuation.Manager
	recall      *recall.Store
	confirmer   Confirmer

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	restoredInput string
	onChange      func()
}

// New assembles an engine. The overflow coordinator observes every store
// change and only fetches while no exchange is streaming.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	store := transcript.NewStore()
	hub := correlate.NewNotificationHub()
	controller := stream.New(store, opts.Transport, hub)
	coordinator := overflow.New(store, opts.Summarizer, func() bool {
		return !controller.IsLoading()
	})
	sessions := continuation.NewManager(store, controller, opts.Metadata, opts.SessionID, opts.WorkingDirectory)
	coordinator.SetOnAccepted(sessions.OnSummaryAccepted)

	e := &Engine{
		store:       store,
		hub:         hub,
		ledger:      correlate.NewConfirmationLedger(),
		controller:  controller,
		coordinator: coordinator,
		sessions:    sessions,
		recall:      opts.Recall,
		confirmer:   opts.Confirmer,
		ctx:         ctx,
		cancel:      cancel,
	}

	controller.SetOnRestoreInput(func(text string) {
		e.mu.Lock()
		e.restoredInput = text
		e.mu.Unlock()
	})
	store.SetOnChange(func() {
		coordinator.Observe(ctx)
		e.mu.Lock()
		fn := e.onChange
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return e
}

// SetOnChange registers the UI's redraw callback, invoked after every
// transcript mutation.
func (e *Engine) SetOnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// SetOnFinish registers a callback fired once per exchange.
func (e *Engine) SetOnFinish(fn func(stream.FinishReason, error)) {
	e.controller.SetOnFinish(fn)
}

// Send submits user text: it lands in the recall store, appends to the
// transcript, and opens an exchange. While an exchange is in flight it
// returns stream.ErrExchangeInFlight without touching anything.
func (e *Engine) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	err := e.controller.Append(ctx, transcript.NewUserMessage(text))
	if errors.Is(err, stream.ErrExchangeInFlight) {
		// Rejected sends never reach the transcript, so they must not
		// reach recall either. A transport failure still records: the text
		// was submitted and is retryable.
		return err
	}
	if e.recall != nil {
		e.recall.Append(text)
	}
	return err
}

// Stop cancels the in-flight exchange and rolls the transcript tail back.
// Text restored by the rollback is available via TakeRestoredInput.
func (e *Engine) Stop() {
	e.controller.Stop()
}

// Retry reopens an exchange after a transport failure, resubmitting the
// last user message unchanged.
func (e *Engine) Retry(ctx context.Context) error {
	return e.controller.RetryLast(ctx)
}

// TakeRestoredInput returns and clears the user text recovered by the last
// cancellation rollback. The UI places it back into the input box.
func (e *Engine) TakeRestoredInput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := e.restoredInput
	e.restoredInput = ""
	return text
}

// IsLoading reports whether an exchange is open.
func (e *Engine) IsLoading() bool { return e.controller.IsLoading() }

// Err returns the last exchange failure, cleared on the next Send.
func (e *Engine) Err() error { return e.controller.Err() }

// Messages returns the render-ready view: ancestors then live, with hidden
// messages and pure tool-relay turns filtered out.
func (e *Engine) Messages() []transcript.Message {
	return project.Filtered(e.store.Ancestors(), e.store.Messages())
}

// Transcript returns the full unfiltered view, ancestors first.
func (e *Engine) Transcript() []transcript.Message {
	return append(e.store.Ancestors(), e.store.Messages()...)
}

// SetMessages replaces the live transcript, used when resuming a saved
// conversation. Sentinels in the loaded history are observed immediately.
func (e *Engine) SetMessages(msgs []transcript.Message) {
	e.store.SetMessages(msgs)
}

// CommandHistory returns prior user inputs, newest first.
func (e *Engine) CommandHistory() []string {
	return project.CommandHistory(e.store.Ancestors(), e.store.Messages())
}

// RecallHistory returns persisted inputs from earlier processes, newest
// first.
func (e *Engine) RecallHistory(limit int) []string {
	if e.recall == nil {
		return nil
	}
	return e.recall.List(limit)
}

// RequestStatus classifies the tool request with the given correlation id
// as completed, loading, or cancelled. Unknown ids report false.
func (e *Engine) RequestStatus(id string) (correlate.RequestState, bool) {
	msgs := e.Transcript()
	boundary := e.store.HistoryIndex()
	for i, m := range msgs {
		for _, req := range m.ToolRequests() {
			if req.ID == id {
				return correlate.StatusOf(msgs, i, id, boundary), true
			}
		}
	}
	return "", false
}

// InteractiveConfirmation returns the correlation id of the confirmation
// dialog the UI should show, if any.
func (e *Engine) InteractiveConfirmation() (string, bool) {
	return correlate.InteractiveConfirmation(e.Transcript(), e.ledger)
}

// Confirm records the user's decision for a confirmation request and
// forwards it to the agent. The local record is authoritative for the UI;
// a delivery failure is logged, not surfaced, and the dialog does not
// reappear.
func (e *Engine) Confirm(ctx context.Context, id string, decision correlate.Decision) error {
	if !decision.Valid() {
		return ErrInvalidDecision
	}
	if !e.ledger.Record(id, decision) {
		return nil
	}
	if e.confirmer != nil {
		if err := e.confirmer.Confirm(ctx, id, decision, "Tool"); err != nil {
			logger.L.Warn("confirmation delivery failed", "id", id, "error", err)
		}
	}
	return nil
}

// Decision returns the recorded confirmation decision for id.
func (e *Engine) Decision(id string) correlate.Decision {
	return e.ledger.Decision(id)
}

// Logs returns the ordered log notifications for a tool request.
func (e *Engine) Logs(requestID string) []correlate.LogPayload {
	return e.hub.Logs(requestID)
}

// Progress returns the per-token monotonic progress display for a tool
// request.
func (e *Engine) Progress(requestID string) []correlate.ProgressPayload {
	return e.hub.ProgressDisplay(requestID)
}

// RequestSummarization inserts a user-requested summarization marker. The
// overflow coordinator picks it up like a context overflow sentinel. The
// marker itself never reaches the model.
func (e *Engine) RequestSummarization() {
	msg := transcript.NewUserMessage("")
	msg.Content = []transcript.Content{
		transcript.SummarizationRequestedContent{Message: "Summarization requested"},
	}
	msg.SendToLLM = false
	e.store.Append(msg)
}

// Summarization returns the latest sentinel id and its lifecycle state.
// With no sentinel observed the id is empty.
func (e *Engine) Summarization() (string, overflow.State) {
	id := e.coordinator.LatestID()
	return id, e.coordinator.StateOf(id)
}

// SummaryText returns the fetched (possibly edited) summary for a sentinel.
func (e *Engine) SummaryText(id string) string {
	return e.coordinator.Summary(id)
}

// SummaryErr returns the last summarization failure for a sentinel.
func (e *Engine) SummaryErr(id string) error {
	return e.coordinator.Err(id)
}

// RetrySummarization re-runs a failed summarization fetch.
func (e *Engine) RetrySummarization(id string) {
	e.coordinator.Retry(e.ctx, id)
}

// EditSummary replaces the pending summary with the user's edit.
func (e *Engine) EditSummary(id, text string) {
	e.coordinator.SetSummary(id, text)
}

// AcceptSummary splices the reviewed summary into the transcript and arms
// the session rollover. Returns false unless the sentinel is ready.
func (e *Engine) AcceptSummary(id string) bool {
	_, ok := e.coordinator.Accept(id)
	return ok
}

// SessionID returns the committed session identity.
func (e *Engine) SessionID() string { return e.sessions.SessionID() }

// RolloverPending reports an armed but uncommitted session rollover.
func (e *Engine) RolloverPending() bool { return e.sessions.RolloverPending() }

// RefreshTokens polls the remote token accounting and folds it into the
// displayed counters, which never decrease.
func (e *Engine) RefreshTokens(ctx context.Context) (continuation.SessionMetadata, error) {
	return e.sessions.RefreshTokens(ctx)
}

// Tokens returns the displayed token counters.
func (e *Engine) Tokens() continuation.SessionMetadata {
	return e.sessions.Tokens()
}

// Close stops the in-flight exchange, cancels background work, and closes
// the recall store.
func (e *Engine) Close() error {
	e.controller.Stop()
	e.cancel()
	if e.recall != nil {
		return e.recall.Close()
	}
	return nil
}
