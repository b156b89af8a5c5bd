// Package transcript holds the ordered message list for one logical
// conversation. The store is the single shared mutable resource of the
// engine: every read hands out copies and every mutation replaces state
// atomically under one lock.
package transcript

import "sync"

// Store is the source of truth for a conversation. Live messages belong to
// the current session identity; ancestors were frozen at the last rollover
// and are kept for display only.
type Store struct {
	mu           sync.Mutex
	live         []Message
	ancestors    []Message
	historyIndex int
	onChange     func()
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// SetOnChange registers a callback invoked after every mutation, outside
// the lock. At most one subscriber; the engine fans out from there.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Append adds a message to the live tail.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	s.live = append(s.live, msg)
	s.mu.Unlock()
	s.notify()
}

// Messages returns a deep-copied snapshot of the live messages.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.live)
}

// Ancestors returns a deep-copied snapshot of the frozen ancestor messages.
func (s *Store) Ancestors() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.ancestors)
}

// Len returns the number of live messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Last returns a copy of the most recent live message.
func (s *Store) Last() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) == 0 {
		return Message{}, false
	}
	return s.live[len(s.live)-1].Clone(), true
}

// SetMessages atomically replaces the whole live collection.
func (s *Store) SetMessages(msgs []Message) {
	s.mu.Lock()
	s.live = cloneAll(msgs)
	s.mu.Unlock()
	s.notify()
}

// RemoveLast removes and returns the most recent live message. Used by the
// stream controller's user-turn rollback.
func (s *Store) RemoveLast() (Message, bool) {
	s.mu.Lock()
	if len(s.live) == 0 {
		s.mu.Unlock()
		return Message{}, false
	}
	removed := s.live[len(s.live)-1]
	s.live = s.live[:len(s.live)-1]
	s.mu.Unlock()
	s.notify()
	return removed, true
}

// AppendToLast applies a streaming delta to the tail. When the tail is not
// an assistant message a fresh one is created, so deltas always mutate only
// the most recent assistant message.
func (s *Store) AppendToLast(delta string) {
	s.mu.Lock()
	if len(s.live) == 0 || s.live[len(s.live)-1].Role != RoleAssistant {
		s.live = append(s.live, NewAssistantMessage())
	}
	last := &s.live[len(s.live)-1]
	if n := len(last.Content); n > 0 {
		if t, ok := last.Content[n-1].(TextContent); ok {
			t.Text += delta
			last.Content[n-1] = t
			s.mu.Unlock()
			s.notify()
			return
		}
	}
	last.Content = append(last.Content, TextContent{Text: delta})
	s.mu.Unlock()
	s.notify()
}

// AppendContentToLast adds a structured part to the tail assistant message,
// creating one if needed.
func (s *Store) AppendContentToLast(c Content) {
	s.mu.Lock()
	if len(s.live) == 0 || s.live[len(s.live)-1].Role != RoleAssistant {
		s.live = append(s.live, NewAssistantMessage())
	}
	last := &s.live[len(s.live)-1]
	last.Content = append(last.Content, c)
	s.mu.Unlock()
	s.notify()
}

// CompactAt performs the atomic suffix-replace used when a summary is
// accepted: live messages before index move to the ancestor list, the
// sentinel and anything after it are dropped, and the live transcript
// becomes exactly the summary message. Returns the messages preserved as
// ancestors by this call.
func (s *Store) CompactAt(index int, summary Message) []Message {
	s.mu.Lock()
	if index < 0 {
		index = 0
	}
	if index > len(s.live) {
		index = len(s.live)
	}
	preserved := cloneAll(s.live[:index])
	s.ancestors = append(s.ancestors, preserved...)
	s.live = []Message{summary}
	s.mu.Unlock()
	s.notify()
	return preserved
}

// HistoryIndex returns the boundary separating historical tool requests
// (unmatched means cancelled) from current ones (unmatched means loading).
func (s *Store) HistoryIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyIndex
}

// SetHistoryIndex pins the correlator boundary. The continuation manager
// sets it at rollover commit.
func (s *Store) SetHistoryIndex(i int) {
	s.mu.Lock()
	s.historyIndex = i
	s.mu.Unlock()
}

func cloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}
