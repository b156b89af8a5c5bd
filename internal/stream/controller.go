// Package stream owns the live exchange with the remote agent: it sends
// request bodies, consumes incremental replies into the transcript store,
// and implements user-initiated cancellation with its rollback rules.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/transcript"
)

// ErrExchangeInFlight is returned by Append while an exchange is open.
// Only one exchange may mutate the transcript tail at a time; callers
// queue or disable input rather than the controller.
var ErrExchangeInFlight = errors.New("an exchange is already in flight")

// ErrNothingToRetry is returned by RetryLast when no user message was sent.
var ErrNothingToRetry = errors.New("no user message to retry")

// InterruptedByUserMessage is the fixed error text of tool responses
// synthesized on cancellation. The agent protocol requires every tool
// request answered before the next turn.
const InterruptedByUserMessage = "interrupted by the user to make a correction"

// FinishReason tells OnFinish subscribers how the exchange ended.
type FinishReason string

const (
	FinishNatural FinishReason = "natural"
	FinishStopped FinishReason = "stopped"
	FinishFailed  FinishReason = "failed"
)

// Exchange lifecycle states.
var (
	stateIdle      stateless.State = "Idle"
	stateOpening   stateless.State = "Opening"
	stateStreaming stateless.State = "Streaming"
)

var (
	triggerOpen    stateless.Trigger = "Open"
	triggerOpened  stateless.Trigger = "Opened"
	triggerSettled stateless.Trigger = "Settled"
)

// Controller drives exchanges for one conversation.
type Controller struct {
	store     *transcript.Store
	transport Transport
	hub       *correlate.NotificationHub
	machine   *stateless.StateMachine
	guard     cancelGuard

	mu       sync.Mutex
	body     RequestBody
	loading  bool
	stopping bool
	lastErr  error
	lastUser *transcript.Message
	done     chan struct{}

	onFinish       func(FinishReason, error)
	onRestoreInput func(string)
	beforeOpen     func()
}

// New creates a controller over the given store and transport. Notification
// events are published into hub.
func New(store *transcript.Store, transport Transport, hub *correlate.NotificationHub) *Controller {
	c := &Controller{
		store:     store,
		transport: transport,
		hub:       hub,
	}
	m := stateless.NewStateMachine(stateIdle)
	m.Configure(stateIdle).
		Permit(triggerOpen, stateOpening)
	m.Configure(stateOpening).
		Permit(triggerOpened, stateStreaming).
		Permit(triggerSettled, stateIdle)
	m.Configure(stateStreaming).
		Permit(triggerSettled, stateIdle)
	c.machine = m
	return c
}

// SetOnFinish registers the hook fired exactly once per exchange.
func (c *Controller) SetOnFinish(fn func(FinishReason, error)) {
	c.mu.Lock()
	c.onFinish = fn
	c.mu.Unlock()
}

// SetOnRestoreInput registers the hook that receives the undone user
// message's text when cancellation removes it.
func (c *Controller) SetOnRestoreInput(fn func(string)) {
	c.mu.Lock()
	c.onRestoreInput = fn
	c.mu.Unlock()
}

// SetBeforeOpen registers a hook invoked right before each exchange opens.
// The continuation manager commits deferred session rollovers here, so an
// abandoned rollover never touches the request body.
func (c *Controller) SetBeforeOpen(fn func()) {
	c.mu.Lock()
	c.beforeOpen = fn
	c.mu.Unlock()
}

// UpdateRequestBody replaces the outgoing request body fields. Intended to
// be called between exchanges.
func (c *Controller) UpdateRequestBody(body RequestBody) {
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
}

// Body returns the current request body.
func (c *Controller) Body() RequestBody {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

// IsLoading reports whether an exchange is open or awaiting deltas.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last exchange failure. Cleared on the next Append.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Append adds a user-authored message to the transcript and opens an
// exchange. While an exchange is open it returns ErrExchangeInFlight; the
// transcript is not touched in that case.
func (c *Controller) Append(ctx context.Context, msg transcript.Message) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	c.lastErr = nil
	if msg.Role == transcript.RoleUser {
		keep := msg.Clone()
		c.lastUser = &keep
	}
	c.mu.Unlock()

	c.store.Append(msg)
	return c.open(ctx)
}

// RetryLast reopens an exchange after a transport failure, resubmitting the
// last user message unchanged. The failed exchange left the transcript
// intact, so no message is appended.
func (c *Controller) RetryLast(ctx context.Context) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	if c.lastUser == nil {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	c.lastErr = nil
	c.mu.Unlock()
	return c.open(ctx)
}

// Stop requests cooperative cancellation, waits for the exchange to drain,
// and performs the rollback appropriate to the tail message shape. The
// rollback runs synchronously with the cancellation acknowledgment: by the
// time Stop returns, no in-flight delta can land after it.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.loading {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	done := c.done
	c.mu.Unlock()

	c.guard.fire()
	if done != nil {
		<-done
	}
}

func (c *Controller) open(ctx context.Context) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrExchangeInFlight
	}
	c.loading = true
	c.stopping = false
	done := make(chan struct{})
	c.done = done
	beforeOpen := c.beforeOpen
	// The guard must hold the cancel func before loading becomes visible,
	// or a racing Stop fires an empty guard and waits out the exchange.
	exCtx, cancel := context.WithCancel(ctx)
	c.guard.set(cancel)
	c.mu.Unlock()
	c.fire(triggerOpen)

	if beforeOpen != nil {
		beforeOpen()
	}
	c.mu.Lock()
	body := c.body
	c.mu.Unlock()

	ex, err := c.transport.Open(exCtx, body, sendable(c.store.Messages()))
	if err != nil {
		c.guard.fire()
		c.mu.Lock()
		stopped := c.stopping
		c.mu.Unlock()
		if stopped {
			c.rollback()
			c.settle(FinishStopped, nil, done)
			return nil
		}
		c.settle(FinishFailed, err, done)
		return err
	}
	c.fire(triggerOpened)
	logger.L.Debug("exchange opened", "session_id", body.SessionID)

	go c.consume(ex, done)
	return nil
}

// consume applies exchange events strictly in arrival order. It is the
// only goroutine mutating the transcript tail while streaming.
func (c *Controller) consume(ex Exchange, done chan struct{}) {
	var exchangeErr error
	for ev := range ex.Events() {
		switch ev.Kind {
		case EventMessage:
			if ev.Message != nil {
				c.store.Append(*ev.Message)
			}
		case EventTextDelta:
			c.store.AppendToLast(ev.Delta)
		case EventContent:
			if ev.Content != nil {
				c.store.AppendContentToLast(ev.Content)
			}
		case EventNotification:
			if ev.Notification != nil {
				c.hub.Publish(*ev.Notification)
			}
		case EventError:
			exchangeErr = ev.Err
		}
	}
	if err := ex.Close(); err != nil {
		logger.L.Warn("exchange close", "error", err)
	}
	c.guard.fire()

	c.mu.Lock()
	stopped := c.stopping
	c.mu.Unlock()

	switch {
	case stopped:
		c.rollback()
		c.settle(FinishStopped, nil, done)
	case exchangeErr != nil:
		c.settle(FinishFailed, exchangeErr, done)
	default:
		c.settle(FinishNatural, nil, done)
	}
}

// settle closes out the exchange and fires OnFinish exactly once.
func (c *Controller) settle(reason FinishReason, err error, done chan struct{}) {
	c.mu.Lock()
	c.loading = false
	c.stopping = false
	if err != nil {
		c.lastErr = err
	}
	onFinish := c.onFinish
	c.mu.Unlock()
	c.fire(triggerSettled)

	if err != nil {
		logger.L.Warn("exchange failed", "error", err)
	}
	close(done)
	if onFinish != nil {
		onFinish(reason, err)
	}
}

func (c *Controller) fire(t stateless.Trigger) {
	if err := c.machine.Fire(t); err != nil {
		logger.L.Warn("exchange state machine", "trigger", t, "error", err)
	}
}

// sendable filters the snapshot down to what the agent should see.
func sendable(msgs []transcript.Message) []transcript.Message {
	out := make([]transcript.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.SendToLLM {
			out = append(out, m)
		}
	}
	return out
}
