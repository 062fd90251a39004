package tools

import (
	"sync"

	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// SessionState is the per-session mutable tool context. kb_ls, kb_head, and
// knowledge_base_search share a single call counter per knowledge base.
type SessionState struct {
	mu           sync.Mutex
	kbCalls      map[string]int
	loadedSkills []string
}

var _ tooltypes.State = (*SessionState)(nil)

// NewSessionState creates an empty session state.
func NewSessionState() *SessionState {
	return &SessionState{kbCalls: make(map[string]int)}
}

// IncrementKBCalls bumps the shared exploration counter for a knowledge base.
func (s *SessionState) IncrementKBCalls(kbID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kbCalls[kbID]++
	return s.kbCalls[kbID]
}

// KBCalls returns the current exploration count for a knowledge base.
func (s *SessionState) KBCalls(kbID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kbCalls[kbID]
}

// RecordLoadedSkill remembers a skill loaded during this session, once.
func (s *SessionState) RecordLoadedSkill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.loadedSkills {
		if existing == name {
			return
		}
	}
	s.loadedSkills = append(s.loadedSkills, name)
}

// LoadedSkills lists skills loaded during this session, in load order.
func (s *SessionState) LoadedSkills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loadedSkills...)
}
