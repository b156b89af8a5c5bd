// Package overflow reacts to sentinel messages signalling that the model
// context is full (or that the user asked for summarization), drives the
// out-of-band summarization call, and splices the accepted summary into
// the transcript.
package overflow

import (
	"context"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/transcript"
)

// Summarizer condenses a transcript into continuation context.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []transcript.Message) (string, error)
}

// State is the lifecycle of one sentinel message, keyed by its message id.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateExhausted State = "exhausted"
	StateAccepted  State = "accepted"
)

var (
	triggerFetch   stateless.Trigger = "Fetch"
	triggerSucceed stateless.Trigger = "Succeed"
	triggerFail    stateless.Trigger = "Fail"
	triggerRetry   stateless.Trigger = "Retry"
	triggerExhaust stateless.Trigger = "Exhaust"
	triggerAccept  stateless.Trigger = "Accept"
)

// maxManualRetries bounds the failed -> fetching loop before the UI must
// offer "start a new session" instead.
const maxManualRetries = 2

type sentinelRecord struct {
	machine *stateless.StateMachine
	index   int
	summary string
	err     error
	retries int
}

func newSentinelRecord(index int) *sentinelRecord {
	m := stateless.NewStateMachine(StateIdle)
	m.Configure(StateIdle).
		Permit(triggerFetch, StateFetching)
	m.Configure(StateFetching).
		Permit(triggerSucceed, StateReady).
		Permit(triggerFail, StateFailed).
		Permit(triggerExhaust, StateExhausted)
	m.Configure(StateFailed).
		Permit(triggerRetry, StateFetching)
	m.Configure(StateReady).
		Permit(triggerAccept, StateAccepted)
	return &sentinelRecord{machine: m, index: index}
}

func (r *sentinelRecord) state() State {
	return r.machine.MustState().(State)
}

// Coordinator runs the per-sentinel state machine. Only the latest sentinel
// in the transcript ever fetches; superseded sentinels become inert
// historical markers.
type Coordinator struct {
	mu         sync.Mutex
	store      *transcript.Store
	summarizer Summarizer

	// settled reports that no exchange is mutating the transcript tail;
	// fetching waits for it so the two async operations never overlap.
	settled         func() bool
	settlePollEvery time.Duration

	sentinels  map[string]*sentinelRecord
	latestID   string
	onAccepted func(ancestorCount int)
}

// New creates a coordinator. settled is consulted before every fetch.
func New(store *transcript.Store, summarizer Summarizer, settled func() bool) *Coordinator {
	return &Coordinator{
		store:           store,
		summarizer:      summarizer,
		settled:         settled,
		settlePollEvery: 10 * time.Millisecond,
		sentinels:       make(map[string]*sentinelRecord),
	}
}

// SetOnAccepted registers the continuation manager's rollover hook, called
// with the new ancestor count after a summary is spliced in.
func (c *Coordinator) SetOnAccepted(fn func(ancestorCount int)) {
	c.mu.Lock()
	c.onAccepted = fn
	c.mu.Unlock()
}

// Observe scans the transcript for sentinel messages. The latest unseen
// sentinel starts fetching; older ones never re-enter the machine. Call it
// on every store change.
func (c *Coordinator) Observe(ctx context.Context) {
	msgs := c.store.Messages()
	latestID := ""
	latestIndex := -1
	for i, m := range msgs {
		if _, ok := m.Sentinel(); ok {
			latestID = m.ID
			latestIndex = i
		}
	}
	if latestID == "" {
		return
	}

	c.mu.Lock()
	c.latestID = latestID
	rec, seen := c.sentinels[latestID]
	if !seen {
		rec = newSentinelRecord(latestIndex)
		c.sentinels[latestID] = rec
	} else {
		rec.index = latestIndex
	}
	start := rec.state() == StateIdle
	if start {
		c.fire(rec, triggerFetch)
	}
	c.mu.Unlock()

	if start {
		go c.fetch(ctx, latestID)
	}
}

// fetch waits for the live exchange to settle, then calls the summarizer
// with the full transcript.
func (c *Coordinator) fetch(ctx context.Context, id string) {
	for c.settled != nil && !c.settled() {
		select {
		case <-ctx.Done():
			c.recordFailure(id, ctx.Err())
			return
		case <-time.After(c.settlePollEvery):
		}
	}

	summary, err := c.summarizer.Summarize(ctx, c.store.Messages())
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sentinels[id]
	if !ok || rec.state() != StateFetching {
		return
	}
	if err != nil {
		rec.err = err
		c.fire(rec, failureTrigger(rec))
		logger.L.Warn("summarization failed", "sentinel_id", id, "error", err, "retries", rec.retries)
		return
	}
	rec.summary = summary
	rec.err = nil
	c.fire(rec, triggerSucceed)
	logger.L.Debug("summarization ready", "sentinel_id", id)
}

func (c *Coordinator) recordFailure(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.sentinels[id]; ok && rec.state() == StateFetching {
		rec.err = err
		c.fire(rec, failureTrigger(rec))
	}
}

// failureTrigger picks the transition for a failed fetch: once the manual
// retry budget is spent the sentinel exhausts instead of returning to
// failed, so the UI stops offering retry right away.
func failureTrigger(rec *sentinelRecord) stateless.Trigger {
	if rec.retries >= maxManualRetries {
		return triggerExhaust
	}
	return triggerFail
}

// Retry re-runs a failed fetch. A failed sentinel always has retry budget
// left; the second retry's failure lands in exhausted, never back in
// failed.
func (c *Coordinator) Retry(ctx context.Context, id string) {
	c.mu.Lock()
	rec, ok := c.sentinels[id]
	if !ok || rec.state() != StateFailed || id != c.latestID {
		c.mu.Unlock()
		return
	}
	rec.retries++
	c.fire(rec, triggerRetry)
	c.mu.Unlock()

	go c.fetch(ctx, id)
}

// SetSummary replaces the pending summary text with the user's edit.
func (c *Coordinator) SetSummary(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.sentinels[id]; ok && rec.state() == StateReady {
		rec.summary = text
	}
}

// Accept splices the reviewed summary into the transcript: everything
// before the sentinel moves to the ancestor list and the live transcript
// becomes a single summary message. Returns the new ancestor count.
func (c *Coordinator) Accept(id string) (int, bool) {
	c.mu.Lock()
	rec, ok := c.sentinels[id]
	if !ok || rec.state() != StateReady {
		c.mu.Unlock()
		return 0, false
	}
	summaryText := rec.summary
	index := rec.index
	c.fire(rec, triggerAccept)
	onAccepted := c.onAccepted
	c.mu.Unlock()

	summary := transcript.NewAssistantMessage()
	summary.Content = []transcript.Content{transcript.TextContent{Text: summaryText}}
	c.store.CompactAt(index, summary)

	count := len(c.store.Ancestors())
	logger.L.Info("summary accepted", "sentinel_id", id, "ancestors", count)
	if onAccepted != nil {
		onAccepted(count)
	}
	return count, true
}

// StateOf returns the lifecycle state for a sentinel id. Unknown ids are
// idle.
func (c *Coordinator) StateOf(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.sentinels[id]; ok {
		return rec.state()
	}
	return StateIdle
}

// Summary returns the fetched (possibly edited) summary for a sentinel id.
func (c *Coordinator) Summary(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.sentinels[id]; ok {
		return rec.summary
	}
	return ""
}

// Err returns the last fetch failure for a sentinel id.
func (c *Coordinator) Err(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.sentinels[id]; ok {
		return rec.err
	}
	return nil
}

// LatestID returns the id of the most recent sentinel message observed.
func (c *Coordinator) LatestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestID
}

func (c *Coordinator) fire(rec *sentinelRecord, t stateless.Trigger) {
	if err := rec.machine.Fire(t); err != nil {
		logger.L.Warn("overflow state machine", "trigger", t, "error", err)
	}
}
