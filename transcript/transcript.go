// Package transcript holds the ordered transcript of a session: an
// append-only list of finalized utterances plus at most one in-progress
// partial entry.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SpeakerUser  = "user"
	SpeakerModel = "model"

	// PartialID is shared by every in-progress item so repeated partial
	// updates replace the same display slot instead of appending.
	PartialID = "partial"
)

// Item is one utterance or utterance-fragment.
type Item struct {
	ID        string
	Text      string
	IsPartial bool
	Timestamp time.Time
	Speaker   string
}

// NewPartial returns an in-progress item carrying the full accumulated
// text so far, not a delta.
func NewPartial(text string) Item {
	return Item{
		ID:        PartialID,
		Text:      text,
		IsPartial: true,
		Timestamp: time.Now(),
		Speaker:   SpeakerUser,
	}
}

// NewFinal returns a finalized item with a unique ID.
func NewFinal(text string) Item {
	return Item{
		ID:        uuid.NewString(),
		Text:      text,
		IsPartial: false,
		Timestamp: time.Now(),
		Speaker:   SpeakerUser,
	}
}

// Store merges live and batch transcript updates. A partial update
// replaces the displayed in-progress text; a final update appends to the
// list and clears the in-progress text.
type Store struct {
	mu         sync.Mutex
	finals     []Item
	partial    string
	hasPartial bool
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Apply(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.IsPartial {
		s.partial = item.Text
		s.hasPartial = true
		return
	}

	s.finals = append(s.finals, item)
	s.partial = ""
	s.hasPartial = false
}

// Partial returns the in-progress text and whether one exists.
func (s *Store) Partial() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial, s.hasPartial
}

// Items returns a copy of the finalized list.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Item, len(s.finals))
	copy(items, s.finals)
	return items
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

// Clear empties the finalized list. While a live session is connected the
// in-progress text stays, since the session keeps emitting into it; once
// disconnected it is dropped too.
func (s *Store) Clear(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finals = nil
	if !connected {
		s.partial = ""
		s.hasPartial = false
	}
}

// DropPartial discards the in-progress text, used when a session ends
// without finalizing it.
func (s *Store) DropPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = ""
	s.hasPartial = false
}

// Render returns the finalized transcript as plain text, one utterance
// per line.
func (s *Store) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	for _, item := range s.finals {
		sb.WriteString(item.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
