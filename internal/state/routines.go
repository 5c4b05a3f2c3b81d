package state

import "sort"

// PutRoutine inserts or replaces a routine record.
func (s *Store) PutRoutine(r Routine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.routines[r.ID] = &r
	s.saveLocked("routine.put")
}

func (s *Store) GetRoutine(id string) (Routine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return Routine{}, false
	}
	return *r, true
}

// Routines returns all routines ordered by id.
func (s *Store) Routines() []Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MutateRoutine applies fn to the stored record under the lock. Returns
// false when the routine does not exist.
func (s *Store) MutateRoutine(id string, fn func(*Routine)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return false
	}
	fn(r)
	s.saveLocked("routine.mutate")
	return true
}

// DeleteRoutine removes the routine, all of its subscriptions and their
// notice items.
func (s *Store) DeleteRoutine(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routines[id]; !ok {
		return false
	}
	delete(s.routines, id)
	for key, sub := range s.subs {
		if sub.RoutineID != id {
			continue
		}
		delete(s.subs, key)
		delete(s.items, itemKey{Owner: sub.MemberID, ID: NoticeItemID(id)})
	}
	s.saveLocked("routine.delete")
	return true
}

// NoticeItemID is the scheduled-item id of a member's notice for a routine.
func NoticeItemID(routineID string) string { return "routine:" + routineID }

// HabitItemID is the scheduled-item id of a habit's nudge.
func HabitItemID(habitID string) string { return "habit:" + habitID }

// PutSub inserts or replaces a subscription.
func (s *Store) PutSub(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.JoinedAt.IsZero() {
		sub.JoinedAt = s.now()
	}
	if sub.Phase == "" {
		sub.Phase = PhaseIdle
	}
	s.subs[SubKey{RoutineID: sub.RoutineID, MemberID: sub.MemberID}] = &sub
	s.saveLocked("sub.put")
}

func (s *Store) GetSub(routineID string, memberID int64) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[SubKey{RoutineID: routineID, MemberID: memberID}]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// SubsOfRoutine returns the routine's subscriptions ordered by member id.
func (s *Store) SubsOfRoutine(routineID string) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, 8)
	for _, sub := range s.subs {
		if sub.RoutineID == routineID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// SubsOfMember returns the member's subscriptions ordered by routine id.
func (s *Store) SubsOfMember(memberID int64) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, 4)
	for _, sub := range s.subs {
		if sub.MemberID == memberID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoutineID < out[j].RoutineID })
	return out
}

// AllSubs returns every subscription (rollover scan).
func (s *Store) AllSubs() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoutineID != out[j].RoutineID {
			return out[i].RoutineID < out[j].RoutineID
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

// MutateSub applies fn to the stored subscription under the lock. Returns
// false when it does not exist.
func (s *Store) MutateSub(routineID string, memberID int64, fn func(*Subscription)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[SubKey{RoutineID: routineID, MemberID: memberID}]
	if !ok {
		return false
	}
	fn(sub)
	s.saveLocked("sub.mutate")
	return true
}

// DeleteSub removes a subscription and its notice item.
func (s *Store) DeleteSub(routineID string, memberID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := SubKey{RoutineID: routineID, MemberID: memberID}
	if _, ok := s.subs[key]; !ok {
		return false
	}
	delete(s.subs, key)
	delete(s.items, itemKey{Owner: memberID, ID: NoticeItemID(routineID)})
	s.saveLocked("sub.delete")
	return true
}
