package session

import (
	"slices"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// Snapshot is an immutable copy of the session state handed to display
// collaborators. Mutating it has no effect on the session.
type Snapshot struct {
	Messages            []domain.Message
	InitialPrompt       string
	Background          *domain.BackgroundProfile
	LastFormattedPrompt *domain.FormattedPrompt
	Generating          bool
	ClientID            string
	Connected           bool
	// Version increases by one on every state change.
	Version uint64
}

// store is the session's single source of truth. It does no I/O and is only
// touched from the controller loop, so it carries no locks. Every mutator
// completes in one step and then notifies onChange.
type store struct {
	messages      []domain.Message
	initialPrompt string
	background    *domain.BackgroundProfile
	lastFormatted *domain.FormattedPrompt
	generating    bool
	clientID      string
	connected     bool
	version       uint64

	now      func() time.Time
	onChange func(Snapshot)
}

func newStore(now func() time.Time, onChange func(Snapshot)) *store {
	if now == nil {
		now = time.Now
	}
	return &store{now: now, onChange: onChange}
}

func (s *store) appendMessage(content string, sender domain.Sender) domain.Message {
	msg := domain.NewMessage(content, sender, s.now())
	s.messages = append(s.messages, msg)
	s.changed()
	return msg
}

// clear empties the transcript only.
func (s *store) clear() {
	s.messages = nil
	s.changed()
}

func (s *store) setGenerating(v bool) {
	if s.generating == v {
		return
	}
	s.generating = v
	s.changed()
}

func (s *store) setBackground(p domain.BackgroundProfile) {
	cp := p.Clone()
	s.background = &cp
	s.changed()
}

func (s *store) setLastFormattedPrompt(fp domain.FormattedPrompt) {
	cp := fp.Clone()
	s.lastFormatted = &cp
	s.changed()
}

func (s *store) setInitialPrompt(p string) {
	s.initialPrompt = p
	s.changed()
}

func (s *store) setClientID(id string) {
	s.clientID = id
	s.changed()
}

func (s *store) setConnected(v bool) {
	if s.connected == v {
		return
	}
	s.connected = v
	s.changed()
}

func (s *store) snapshot() Snapshot {
	snap := Snapshot{
		Messages:      slices.Clone(s.messages),
		InitialPrompt: s.initialPrompt,
		Generating:    s.generating,
		ClientID:      s.clientID,
		Connected:     s.connected,
		Version:       s.version,
	}
	if s.background != nil {
		bg := s.background.Clone()
		snap.Background = &bg
	}
	if s.lastFormatted != nil {
		fp := s.lastFormatted.Clone()
		snap.LastFormattedPrompt = &fp
	}
	return snap
}

func (s *store) changed() {
	s.version++
	if s.onChange != nil {
		s.onChange(s.snapshot())
	}
}

func (s Snapshot) clone() Snapshot {
	s.Messages = slices.Clone(s.Messages)
	if s.Background != nil {
		bg := s.Background.Clone()
		s.Background = &bg
	}
	if s.LastFormattedPrompt != nil {
		fp := s.LastFormattedPrompt.Clone()
		s.LastFormattedPrompt = &fp
	}
	return s
}
