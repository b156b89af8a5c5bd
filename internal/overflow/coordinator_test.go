package overflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadworks/loom/internal/transcript"
)

type fakeSummarizer struct {
	SummarizeFunc func(ctx context.Context, msgs []transcript.Message) (string, error)
	calls         int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, msgs []transcript.Message) (string, error) {
	f.calls++
	if f.SummarizeFunc != nil {
		return f.SummarizeFunc(ctx, msgs)
	}
	return "short summary", nil
}

func sentinelMessage(id string) transcript.Message {
	return transcript.Message{
		ID:        id,
		Role:      transcript.RoleAssistant,
		Display:   true,
		SendToLLM: true,
		Content:   []transcript.Content{transcript.ContextLengthExceededContent{}},
	}
}

func waitForState(t *testing.T, c *Coordinator, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.StateOf(id) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sentinel %s never reached %s (now %s)", id, want, c.StateOf(id))
}

func TestObserveFetchesLatestSentinel(t *testing.T) {
	store := transcript.NewStore()
	sum := &fakeSummarizer{}
	c := New(store, sum, func() bool { return true })

	store.Append(transcript.NewUserMessage("hello"))
	store.Append(sentinelMessage("sent-1"))

	c.Observe(context.Background())
	waitForState(t, c, "sent-1", StateReady)
	require.Equal(t, "short summary", c.Summary("sent-1"))
	require.Equal(t, 1, sum.calls)

	// Re-observing must not re-trigger the fetch.
	c.Observe(context.Background())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sum.calls)
}

func TestFetchWaitsForExchangeToSettle(t *testing.T) {
	store := transcript.NewStore()
	sum := &fakeSummarizer{}
	var loading atomic.Bool
	loading.Store(true)
	c := New(store, sum, func() bool { return !loading.Load() })

	store.Append(sentinelMessage("sent-1"))
	c.Observe(context.Background())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateFetching, c.StateOf("sent-1"))
	require.Equal(t, 0, sum.calls, "fetch must not start while streaming")

	loading.Store(false)
	waitForState(t, c, "sent-1", StateReady)
}

func TestFailureRetryThenExhausted(t *testing.T) {
	store := transcript.NewStore()
	sum := &fakeSummarizer{
		SummarizeFunc: func(ctx context.Context, msgs []transcript.Message) (string, error) {
			return "", errors.New("summarizer unavailable")
		},
	}
	c := New(store, sum, func() bool { return true })

	store.Append(sentinelMessage("sent-1"))
	c.Observe(context.Background())
	waitForState(t, c, "sent-1", StateFailed)
	require.Error(t, c.Err("sent-1"))

	// The first manual retry fails back into failed, the second lands in
	// exhausted directly so the UI stops offering retry.
	c.Retry(context.Background(), "sent-1")
	waitForState(t, c, "sent-1", StateFailed)
	c.Retry(context.Background(), "sent-1")
	waitForState(t, c, "sent-1", StateExhausted)
	require.Equal(t, 3, sum.calls)

	// Exhausted is terminal; further retries never fetch again.
	c.Retry(context.Background(), "sent-1")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateExhausted, c.StateOf("sent-1"))
	require.Equal(t, 3, sum.calls)
}

func TestAcceptSplicesSummaryAndPreservesAncestors(t *testing.T) {
	store := transcript.NewStore()
	c := New(store, &fakeSummarizer{}, func() bool { return true })

	for i := 0; i < 37; i++ {
		store.Append(transcript.NewUserMessage("turn"))
	}
	store.Append(sentinelMessage("sent-1")) // index 37, latest
	store.Append(transcript.NewUserMessage("late"))
	store.Append(transcript.NewUserMessage("later"))

	c.Observe(context.Background())
	waitForState(t, c, "sent-1", StateReady)

	var rolledOver int
	c.SetOnAccepted(func(ancestors int) { rolledOver = ancestors })

	count, ok := c.Accept("sent-1")
	require.True(t, ok)
	require.Equal(t, 37, count)
	require.Equal(t, 37, rolledOver)
	require.Equal(t, StateAccepted, c.StateOf("sent-1"))

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "short summary", msgs[0].Text())
	require.Len(t, store.Ancestors(), 37)
}

func TestAcceptUsesEditedSummary(t *testing.T) {
	store := transcript.NewStore()
	c := New(store, &fakeSummarizer{}, func() bool { return true })

	store.Append(transcript.NewUserMessage("hello"))
	store.Append(sentinelMessage("sent-1"))
	c.Observe(context.Background())
	waitForState(t, c, "sent-1", StateReady)

	c.SetSummary("sent-1", "edited summary")
	_, ok := c.Accept("sent-1")
	require.True(t, ok)

	msgs := store.Messages()
	require.Equal(t, "edited summary", msgs[0].Text())
}

func TestOlderSentinelNeverRefetches(t *testing.T) {
	store := transcript.NewStore()
	sum := &fakeSummarizer{}
	c := New(store, sum, func() bool { return true })

	store.Append(sentinelMessage("old"))
	c.Observe(context.Background())
	waitForState(t, c, "old", StateReady)

	store.Append(sentinelMessage("new"))
	c.Observe(context.Background())
	waitForState(t, c, "new", StateReady)
	require.Equal(t, "new", c.LatestID())

	// The superseded sentinel keeps its state and never fetches again;
	// retries against it are ignored.
	c.Retry(context.Background(), "old")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, sum.calls)
}

func TestAcceptRequiresReadyState(t *testing.T) {
	store := transcript.NewStore()
	c := New(store, &fakeSummarizer{}, func() bool { return true })

	_, ok := c.Accept("missing")
	require.False(t, ok)
}
