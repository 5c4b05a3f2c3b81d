package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	logx "cerebroso/pkg/logx"
)

const fileVersion = 1

// fileState is the on-disk envelope (data/pomodoro_state.json).
type fileState struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Timezone string    `json:"timezone,omitempty"`

	OwnerSeq map[int64]int64 `json:"owner_seq,omitempty"`
	HabitSeq map[int64]int64 `json:"habit_seq,omitempty"`

	// LastRollover is the most recent day key the routine/habit rollover
	// processed, so a restart can catch up on missed day boundaries.
	LastRollover string `json:"last_rollover,omitempty"`

	Items         []ScheduledItem   `json:"items,omitempty"`
	Routines      []Routine         `json:"routines,omitempty"`
	Subscriptions []Subscription    `json:"subscriptions,omitempty"`
	Habits        []Habit           `json:"habits,omitempty"`
	Pomodoros     []PomodoroSession `json:"pomodoros,omitempty"`
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("state load: %w", err)
	}

	var fs fileState
	if err := json.Unmarshal(b, &fs); err != nil {
		return fmt.Errorf("state decode %s: %w", s.path, err)
	}
	if fs.Version > fileVersion {
		return fmt.Errorf("state file %s has version %d, newer than supported %d", s.path, fs.Version, fileVersion)
	}

	for o, n := range fs.OwnerSeq {
		s.ownerSeq[o] = n
	}
	for o, n := range fs.HabitSeq {
		s.habitSeq[o] = n
	}
	s.lastRollover = fs.LastRollover
	for i := range fs.Items {
		it := fs.Items[i]
		it.Seq = s.nextSeqLocked()
		s.items[itemKey{Owner: it.OwnerID, ID: it.ID}] = &it
	}
	for i := range fs.Routines {
		r := fs.Routines[i]
		s.routines[r.ID] = &r
	}
	for i := range fs.Subscriptions {
		sub := fs.Subscriptions[i]
		s.subs[SubKey{RoutineID: sub.RoutineID, MemberID: sub.MemberID}] = &sub
	}
	for i := range fs.Habits {
		h := fs.Habits[i]
		s.habits[HabitKey{OwnerID: h.OwnerID, ID: h.ID}] = &h
	}
	for i := range fs.Pomodoros {
		p := fs.Pomodoros[i]
		s.poms[p.ChatID] = &p
	}

	if !s.log.IsZero() {
		s.log.Info("state loaded",
			logx.String("path", s.path),
			logx.Int("items", len(s.items)),
			logx.Int("routines", len(s.routines)),
			logx.Int("subscriptions", len(s.subs)),
			logx.Int("habits", len(s.habits)),
			logx.Int("pomodoros", len(s.poms)),
		)
	}
	return nil
}

// saveLocked persists the state after a mutation. Persistence failures are
// logged, not propagated: the in-memory state is already mutated and the
// next successful save catches up.
func (s *Store) saveLocked(op string) {
	if err := s.writeFile(); err != nil && !s.log.IsZero() {
		s.log.Error("state save failed", logx.String("op", op), logx.Err(err))
	}
}

// writeFile marshals the whole state and replaces the file atomically
// (temp file, fsync, rename).
func (s *Store) writeFile() error {
	fs := fileState{
		Version:      fileVersion,
		SavedAt:      s.now(),
		Timezone:     s.loc.String(),
		OwnerSeq:     s.ownerSeq,
		HabitSeq:     s.habitSeq,
		LastRollover: s.lastRollover,
	}

	fs.Items = make([]ScheduledItem, 0, len(s.items))
	for _, it := range s.items {
		fs.Items = append(fs.Items, *it)
	}
	sort.Slice(fs.Items, func(i, j int) bool {
		if fs.Items[i].OwnerID != fs.Items[j].OwnerID {
			return fs.Items[i].OwnerID < fs.Items[j].OwnerID
		}
		return fs.Items[i].ID < fs.Items[j].ID
	})

	fs.Routines = make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		fs.Routines = append(fs.Routines, *r)
	}
	sort.Slice(fs.Routines, func(i, j int) bool { return fs.Routines[i].ID < fs.Routines[j].ID })

	fs.Subscriptions = make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		fs.Subscriptions = append(fs.Subscriptions, *sub)
	}
	sort.Slice(fs.Subscriptions, func(i, j int) bool {
		if fs.Subscriptions[i].RoutineID != fs.Subscriptions[j].RoutineID {
			return fs.Subscriptions[i].RoutineID < fs.Subscriptions[j].RoutineID
		}
		return fs.Subscriptions[i].MemberID < fs.Subscriptions[j].MemberID
	})

	fs.Habits = make([]Habit, 0, len(s.habits))
	for _, h := range s.habits {
		fs.Habits = append(fs.Habits, *h)
	}
	sort.Slice(fs.Habits, func(i, j int) bool {
		if fs.Habits[i].OwnerID != fs.Habits[j].OwnerID {
			return fs.Habits[i].OwnerID < fs.Habits[j].OwnerID
		}
		return fs.Habits[i].ID < fs.Habits[j].ID
	})

	fs.Pomodoros = make([]PomodoroSession, 0, len(s.poms))
	for _, p := range s.poms {
		fs.Pomodoros = append(fs.Pomodoros, *p)
	}
	sort.Slice(fs.Pomodoros, func(i, j int) bool { return fs.Pomodoros[i].ChatID < fs.Pomodoros[j].ChatID })

	b, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}
