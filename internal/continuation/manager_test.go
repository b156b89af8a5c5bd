package continuation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

type nullExchange struct{ ch chan stream.Event }

func (e *nullExchange) Events() <-chan stream.Event { return e.ch }
func (e *nullExchange) Close() error                { return nil }

type fakeTransport struct {
	bodies []stream.RequestBody
}

func (f *fakeTransport) Open(ctx context.Context, body stream.RequestBody, history []transcript.Message) (stream.Exchange, error) {
	f.bodies = append(f.bodies, body)
	ch := make(chan stream.Event)
	close(ch)
	return &nullExchange{ch: ch}, nil
}

type fakeMetadata struct {
	FetchFunc func(ctx context.Context, sessionID string) (SessionMetadata, error)
}

func (f *fakeMetadata) FetchSessionMetadata(ctx context.Context, sessionID string) (SessionMetadata, error) {
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, sessionID)
	}
	return SessionMetadata{}, nil
}

func newFixture() (*Manager, *transcript.Store, *stream.Controller, *fakeTransport, chan struct{}) {
	store := transcript.NewStore()
	tr := &fakeTransport{}
	controller := stream.New(store, tr, correlate.NewNotificationHub())
	finished := make(chan struct{}, 4)
	controller.SetOnFinish(func(stream.FinishReason, error) { finished <- struct{}{} })
	m := NewManager(store, controller, &fakeMetadata{}, "session-1", "/work")
	return m, store, controller, tr, finished
}

func TestRolloverDefersUntilNextSend(t *testing.T) {
	m, store, controller, tr, finished := newFixture()

	m.OnSummaryAccepted(5)
	require.True(t, m.RolloverPending())
	require.Equal(t, "session-1", m.SessionID(), "identity swaps only on send")
	require.Equal(t, "session-1", controller.Body().SessionID)
	require.Equal(t, 5, store.HistoryIndex())

	require.NoError(t, controller.Append(context.Background(), transcript.NewUserMessage("next")))
	<-finished

	require.False(t, m.RolloverPending())
	require.NotEqual(t, "session-1", m.SessionID())
	require.Len(t, tr.bodies, 1)
	require.Equal(t, m.SessionID(), tr.bodies[0].SessionID)
	require.Equal(t, "/work", tr.bodies[0].WorkingDirectory)
}

func TestAbandonedRolloverLeavesOldSessionUntouched(t *testing.T) {
	m, _, controller, _, _ := newFixture()

	m.OnSummaryAccepted(3)

	// No further message is ever sent: the outgoing body still names the
	// old, resumable session.
	require.Equal(t, "session-1", controller.Body().SessionID)
	require.Equal(t, "session-1", m.SessionID())
}

func TestHistoryBoundaryPinnedAtRolloverCommit(t *testing.T) {
	m, store, controller, _, finished := newFixture()

	// 4 ancestors frozen by compaction; boundary must equal that count
	// before the next exchange opens, so resumed-history requests render
	// cancelled and new ones render loading.
	m.OnSummaryAccepted(4)
	require.Equal(t, 4, store.HistoryIndex())

	require.NoError(t, controller.Append(context.Background(), transcript.NewUserMessage("go")))
	<-finished
	require.Equal(t, 4, store.HistoryIndex(), "commit must not move the boundary")
}

func TestDisplayedTokensNeverDecrease(t *testing.T) {
	store := transcript.NewStore()
	controller := stream.New(store, &fakeTransport{}, correlate.NewNotificationHub())

	replies := []SessionMetadata{
		{TotalTokens: 900, AccumulatedInputTokens: 600, AccumulatedOutputTokens: 300},
		// Fresh session after rollover reports lower numbers.
		{TotalTokens: 120, AccumulatedInputTokens: 80, AccumulatedOutputTokens: 40},
		{TotalTokens: 1400, AccumulatedInputTokens: 900, AccumulatedOutputTokens: 500},
	}
	i := 0
	source := &fakeMetadata{FetchFunc: func(ctx context.Context, sessionID string) (SessionMetadata, error) {
		meta := replies[i]
		i++
		return meta, nil
	}}
	m := NewManager(store, controller, source, "session-1", "/work")

	first, err := m.RefreshTokens(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(900), first.TotalTokens)

	m.OnSummaryAccepted(10)
	second, err := m.RefreshTokens(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(900), second.TotalTokens, "display must not drop after rollover")
	require.Equal(t, int64(600), second.AccumulatedInputTokens)

	third, err := m.RefreshTokens(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1400), third.TotalTokens)
}

func TestRefreshTokensKeepsDisplayOnError(t *testing.T) {
	store := transcript.NewStore()
	controller := stream.New(store, &fakeTransport{}, correlate.NewNotificationHub())

	calls := 0
	source := &fakeMetadata{FetchFunc: func(ctx context.Context, sessionID string) (SessionMetadata, error) {
		calls++
		if calls == 1 {
			return SessionMetadata{TotalTokens: 500}, nil
		}
		return SessionMetadata{}, errors.New("daemon unavailable")
	}}
	m := NewManager(store, controller, source, "session-1", "/work")

	_, err := m.RefreshTokens(context.Background())
	require.NoError(t, err)

	got, err := m.RefreshTokens(context.Background())
	require.Error(t, err)
	require.Equal(t, int64(500), got.TotalTokens)
}
