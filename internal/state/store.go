package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	logx "cerebroso/pkg/logx"
)

var (
	// ErrDuplicate reports a create that violates the one-active-item-per-id
	// invariant.
	ErrDuplicate = errors.New("item already exists")
	// ErrNotFound reports an operation on a missing or not-owned record.
	ErrNotFound = errors.New("not found")
)

type itemKey struct {
	Owner int64
	ID    string
}

func (k itemKey) String() string { return fmt.Sprintf("%d/%s", k.Owner, k.ID) }

// Store is the in-memory scheduling state with synchronous file persistence.
// One mutex serializes every mutation, which is the per-entity serialization
// the rest of the system relies on.
type Store struct {
	mu   sync.Mutex
	path string
	log  logx.Logger
	loc  *time.Location
	now  func() time.Time

	items    map[itemKey]*ScheduledItem
	ownerSeq map[int64]int64

	routines map[string]*Routine
	subs     map[SubKey]*Subscription

	habits   map[HabitKey]*Habit
	habitSeq map[int64]int64

	poms map[int64]*PomodoroSession

	lastRollover string

	seqGen uint64
}

type SubKey struct {
	RoutineID string
	MemberID  int64
}

type HabitKey struct {
	OwnerID int64
	ID      string
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithLocation sets the timezone used for day keys and rollover boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithNowFunc overrides the clock (tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the store from path, starting empty when the file does not
// exist yet.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		log:      logx.Nop(),
		loc:      time.Local,
		now:      time.Now,
		items:    make(map[itemKey]*ScheduledItem),
		ownerSeq: make(map[int64]int64),
		routines: make(map[string]*Routine),
		subs:     make(map[SubKey]*Subscription),
		habits:   make(map[HabitKey]*Habit),
		habitSeq: make(map[int64]int64),
		poms:     make(map[int64]*PomodoroSession),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Location returns the store's timezone.
func (s *Store) Location() *time.Location { return s.loc }

// DayKey formats t as a calendar day in the store's timezone.
func (s *Store) DayKey(t time.Time) string { return t.In(s.loc).Format(DayLayout) }

// Today returns the current day key.
func (s *Store) Today() string { return s.DayKey(s.now()) }

// Close performs a final save.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile()
}

// LastRollover returns the day key of the most recent completed rollover,
// empty before the first one.
func (s *Store) LastRollover() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRollover
}

// SetLastRollover records the day key the rollover just processed.
func (s *Store) SetLastRollover(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRollover == day {
		return
	}
	s.lastRollover = day
	s.saveLocked("rollover.mark")
}

// Counts is an operational snapshot for health logging.
type Counts struct {
	Items         int `json:"items"`
	ActiveItems   int `json:"active_items"`
	Routines      int `json:"routines"`
	Subscriptions int `json:"subscriptions"`
	Habits        int `json:"habits"`
	Pomodoros     int `json:"pomodoros"`
}

func (s *Store) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{
		Items:         len(s.items),
		Routines:      len(s.routines),
		Subscriptions: len(s.subs),
		Habits:        len(s.habits),
		Pomodoros:     len(s.poms),
	}
	for _, it := range s.items {
		if it.Active {
			c.ActiveItems++
		}
	}
	return c
}

// Create stores a new scheduled item and returns its id. An empty ID gets
// the owner's next sequence number. Returns ErrDuplicate when an item with
// the same (owner, id) already exists.
func (s *Store) Create(item ScheduledItem) (string, error) {
	if item.Kind == "" {
		return "", fmt.Errorf("create: kind is empty")
	}
	if item.NextFire.IsZero() {
		return "", fmt.Errorf("create: next fire time is zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		s.ownerSeq[item.OwnerID]++
		item.ID = strconv.FormatInt(s.ownerSeq[item.OwnerID], 10)
	}
	key := itemKey{Owner: item.OwnerID, ID: item.ID}
	if _, ok := s.items[key]; ok {
		return "", fmt.Errorf("item %s: %w", key, ErrDuplicate)
	}

	item.Active = true
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.Seq = s.nextSeqLocked()
	s.items[key] = &item
	s.saveLocked("item.create")
	return item.ID, nil
}

// Cancel removes the owner's item. Returns false when the item does not
// exist (or belongs to someone else). A dispatch already in flight for the
// removed item loses the completion handshake and cannot resurrect it.
func (s *Store) Cancel(ownerID int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{Owner: ownerID, ID: id}
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	s.saveLocked("item.cancel")
	return true
}

// Get returns a copy of the owner's item.
func (s *Store) Get(ownerID int64, id string) (ScheduledItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemKey{Owner: ownerID, ID: id}]
	if !ok {
		return ScheduledItem{}, false
	}
	return *it, true
}

// ListUpcoming returns the owner's active items ordered by ascending fire
// time. A non-positive limit defaults to 10.
func (s *Store) ListUpcoming(ownerID int64, limit int) []ScheduledItem {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledItem, 0, 8)
	for key, it := range s.items {
		if key.Owner != ownerID || !it.Active {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ItemsOf returns copies of all the owner's active items, unordered.
func (s *Store) ItemsOf(ownerID int64) []ScheduledItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledItem, 0, 8)
	for key, it := range s.items {
		if key.Owner != ownerID || !it.Active {
			continue
		}
		out = append(out, *it)
	}
	return out
}

// Due returns copies of every active item with NextFire <= now, ordered by
// ascending fire time. The copies carry the Seq used by the dispatch
// handshake.
func (s *Store) Due(now time.Time) []ScheduledItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledItem, 0, 8)
	for _, it := range s.items {
		if !it.Active || it.NextFire.After(now) {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].NextFire.Before(out[j].NextFire)
		}
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StillCurrent reports whether the dispatched copy still matches the stored
// item. A cancel or reschedule since the scan makes it stale.
func (s *Store) StillCurrent(it ScheduledItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[itemKey{Owner: it.OwnerID, ID: it.ID}]
	return ok && cur.Active && cur.Seq == it.Seq
}

// RetireAfterDispatch destroys a delivered one-shot. It applies only when
// the stored item still matches the dispatched copy; a cancel that landed
// in between wins and the call reports false.
func (s *Store) RetireAfterDispatch(it ScheduledItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{Owner: it.OwnerID, ID: it.ID}
	cur, ok := s.items[key]
	if !ok || !cur.Active || cur.Seq != it.Seq {
		return false
	}
	delete(s.items, key)
	s.saveLocked("item.retire")
	return true
}

// RescheduleAfterDispatch moves a dispatched item to its next fire time,
// with the same staleness rule as RetireAfterDispatch.
func (s *Store) RescheduleAfterDispatch(it ScheduledItem, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[itemKey{Owner: it.OwnerID, ID: it.ID}]
	if !ok || !cur.Active || cur.Seq != it.Seq {
		return false
	}
	cur.NextFire = at
	cur.Seq = s.nextSeqLocked()
	s.saveLocked("item.reschedule")
	return true
}

// Reschedule moves an item to a new fire time outside the dispatch
// handshake (preference changes). Returns false when missing.
func (s *Store) Reschedule(ownerID int64, id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[itemKey{Owner: ownerID, ID: id}]
	if !ok {
		return false
	}
	cur.NextFire = at
	cur.Active = true
	cur.Seq = s.nextSeqLocked()
	s.saveLocked("item.reschedule")
	return true
}

// Deactivate parks an item (pause) without destroying it.
func (s *Store) Deactivate(ownerID int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[itemKey{Owner: ownerID, ID: id}]
	if !ok {
		return false
	}
	cur.Active = false
	cur.Seq = s.nextSeqLocked()
	s.saveLocked("item.deactivate")
	return true
}

// Activate resumes a parked item at the given fire time.
func (s *Store) Activate(ownerID int64, id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[itemKey{Owner: ownerID, ID: id}]
	if !ok {
		return false
	}
	cur.Active = true
	cur.NextFire = at
	cur.Seq = s.nextSeqLocked()
	s.saveLocked("item.activate")
	return true
}

// Remove destroys an item unconditionally (engine-side cascades).
func (s *Store) Remove(ownerID int64, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey{Owner: ownerID, ID: id}
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	s.saveLocked("item.remove")
	return true
}

func (s *Store) nextSeqLocked() uint64 {
	s.seqGen++
	return s.seqGen
}
