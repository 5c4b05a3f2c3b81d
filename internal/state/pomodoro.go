package state

import "sort"

// PutPomodoro inserts or replaces a chat's pomodoro session.
func (s *Store) PutPomodoro(p PomodoroSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.StartedAt.IsZero() {
		p.StartedAt = s.now()
	}
	s.poms[p.ChatID] = &p
	s.saveLocked("pomodoro.put")
}

func (s *Store) GetPomodoro(chatID int64) (PomodoroSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.poms[chatID]
	if !ok {
		return PomodoroSession{}, false
	}
	return *p, true
}

// Pomodoros returns every running session ordered by chat id.
func (s *Store) Pomodoros() []PomodoroSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PomodoroSession, 0, len(s.poms))
	for _, p := range s.poms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// MutatePomodoro applies fn to the stored session under the lock. Returns
// false when the chat has none.
func (s *Store) MutatePomodoro(chatID int64, fn func(*PomodoroSession)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.poms[chatID]
	if !ok {
		return false
	}
	fn(p)
	s.saveLocked("pomodoro.mutate")
	return true
}

// DeletePomodoro ends a chat's session.
func (s *Store) DeletePomodoro(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.poms[chatID]; !ok {
		return false
	}
	delete(s.poms, chatID)
	s.saveLocked("pomodoro.delete")
	return true
}
