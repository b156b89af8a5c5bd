// Package continuation rolls the logical conversation over to a new
// session identity once a summary is accepted, so the remote agent starts
// from a smaller effective history while the UI keeps showing one
// continuous transcript.
package continuation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

// SessionMetadata is the remote session's authoritative token accounting.
type SessionMetadata struct {
	TotalTokens             int64 `json:"totalTokens"`
	AccumulatedInputTokens  int64 `json:"accumulatedInputTokens"`
	AccumulatedOutputTokens int64 `json:"accumulatedOutputTokens"`
}

// MetadataSource fetches session metadata; pollable after each exchange.
type MetadataSource interface {
	FetchSessionMetadata(ctx context.Context, sessionID string) (SessionMetadata, error)
}

// Manager owns the session identity of one conversation.
type Manager struct {
	store      *transcript.Store
	controller *stream.Controller
	source     MetadataSource

	mu               sync.Mutex
	sessionID        string
	workingDirectory string
	pendingSessionID string
	displayed        SessionMetadata
}

// NewManager creates a manager and seeds the controller's request body with
// the initial identity.
func NewManager(store *transcript.Store, controller *stream.Controller, source MetadataSource, sessionID, workingDirectory string) *Manager {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m := &Manager{
		store:            store,
		controller:       controller,
		source:           source,
		sessionID:        sessionID,
		workingDirectory: workingDirectory,
	}
	controller.UpdateRequestBody(stream.RequestBody{
		SessionID:        sessionID,
		WorkingDirectory: workingDirectory,
	})
	controller.SetBeforeOpen(m.commitPending)
	return m
}

// OnSummaryAccepted is the rollover edge: allocate the next session
// identity and pin the correlator's history boundary to the frozen
// ancestor count. The request-body swap is deferred until the next message
// is actually sent, so an abandoned rollover leaves the old session
// resumable.
func (m *Manager) OnSummaryAccepted(ancestorCount int) {
	m.store.SetHistoryIndex(ancestorCount)

	m.mu.Lock()
	m.pendingSessionID = uuid.NewString()
	pending := m.pendingSessionID
	m.mu.Unlock()
	logger.L.Info("session rollover armed",
		"next_session_id", pending, "history_index", ancestorCount)
}

// commitPending applies an armed rollover. Wired as the controller's
// before-open hook: the swap happens only when a message is actually sent.
func (m *Manager) commitPending() {
	m.mu.Lock()
	if m.pendingSessionID == "" {
		m.mu.Unlock()
		return
	}
	m.sessionID = m.pendingSessionID
	m.pendingSessionID = ""
	sessionID := m.sessionID
	workingDirectory := m.workingDirectory
	m.mu.Unlock()

	m.controller.UpdateRequestBody(stream.RequestBody{
		SessionID:        sessionID,
		WorkingDirectory: workingDirectory,
	})
	logger.L.Info("session rollover committed", "session_id", sessionID)
}

// SessionID returns the committed session identity.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// RolloverPending reports whether a rollover is armed but not yet
// committed.
func (m *Manager) RolloverPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingSessionID != ""
}

// RefreshTokens polls the metadata source and folds the result into the
// displayed counters. Counters are restored from the remote session rather
// than reset, and never decrease below values already shown in this UI
// session, so cost display does not visibly drop after a rollover.
func (m *Manager) RefreshTokens(ctx context.Context) (SessionMetadata, error) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	meta, err := m.source.FetchSessionMetadata(ctx, sessionID)
	if err != nil {
		logger.L.Warn("session metadata fetch failed", "session_id", sessionID, "error", err)
		return m.Tokens(), err
	}

	m.mu.Lock()
	m.displayed.TotalTokens = max64(m.displayed.TotalTokens, meta.TotalTokens)
	m.displayed.AccumulatedInputTokens = max64(m.displayed.AccumulatedInputTokens, meta.AccumulatedInputTokens)
	m.displayed.AccumulatedOutputTokens = max64(m.displayed.AccumulatedOutputTokens, meta.AccumulatedOutputTokens)
	out := m.displayed
	m.mu.Unlock()
	return out, nil
}

// Tokens returns the currently displayed counters.
func (m *Manager) Tokens() SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayed
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
