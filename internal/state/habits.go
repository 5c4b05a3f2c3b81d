package state

import (
	"sort"
	"strconv"
)

// PutHabit inserts or replaces a habit. An empty ID gets the owner's next
// habit sequence number.
func (s *Store) PutHabit(h Habit) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		s.habitSeq[h.OwnerID]++
		h.ID = strconv.FormatInt(s.habitSeq[h.OwnerID], 10)
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	s.habits[HabitKey{OwnerID: h.OwnerID, ID: h.ID}] = &h
	s.saveLocked("habit.put")
	return h.ID
}

func (s *Store) GetHabit(ownerID int64, id string) (Habit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.habits[HabitKey{OwnerID: ownerID, ID: id}]
	if !ok {
		return Habit{}, false
	}
	return *h, true
}

// HabitsOf returns the owner's habits ordered by id.
func (s *Store) HabitsOf(ownerID int64) []Habit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Habit, 0, 4)
	for key, h := range s.habits {
		if key.OwnerID == ownerID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		// Numeric ids sort numerically, anything else lexically.
		a, ea := strconv.Atoi(out[i].ID)
		b, eb := strconv.Atoi(out[j].ID)
		if ea == nil && eb == nil {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllHabits returns every habit (rollover scan).
func (s *Store) AllHabits() []Habit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Habit, 0, len(s.habits))
	for _, h := range s.habits {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MutateHabit applies fn to the stored habit under the lock. Returns false
// when it does not exist.
func (s *Store) MutateHabit(ownerID int64, id string, fn func(*Habit)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.habits[HabitKey{OwnerID: ownerID, ID: id}]
	if !ok {
		return false
	}
	fn(h)
	s.saveLocked("habit.mutate")
	return true
}

// DeleteHabit removes a habit and its nudge item.
func (s *Store) DeleteHabit(ownerID int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := HabitKey{OwnerID: ownerID, ID: id}
	if _, ok := s.habits[key]; !ok {
		return false
	}
	delete(s.habits, key)
	delete(s.items, itemKey{Owner: ownerID, ID: HabitItemID(id)})
	s.saveLocked("habit.delete")
	return true
}
