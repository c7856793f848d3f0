// Package storagetest provides an in-memory storage.Store for tests.
//
// It mirrors the sqlite store's contract: ErrNotFound on lookup misses,
// ErrConstraint on duplicate natural keys, and active-fingerprint
// deduplication on bulk lesson insert.
package storagetest

import (
	"context"
	"sync"
	"time"

	"schedsync/internal/schedule"
	"schedsync/internal/storage"
)

type Store struct {
	mu sync.Mutex

	groups     map[int64]schedule.Group
	teachers   map[string]schedule.Teacher
	classrooms map[string]schedule.Classroom
	subjects   map[string]schedule.Subject
	slots      map[string]schedule.TimeSlot
	lessons    []storage.ActiveLesson

	nextID int64

	// Calls counts invocations per operation name, for asserting that the
	// cache-aside layer actually short-circuits storage.
	Calls map[string]int
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		groups:     map[int64]schedule.Group{},
		teachers:   map[string]schedule.Teacher{},
		classrooms: map[string]schedule.Classroom{},
		subjects:   map[string]schedule.Subject{},
		slots:      map[string]schedule.TimeSlot{},
		Calls:      map[string]int{},
	}
}

func (s *Store) count(op string) {
	s.Calls[op]++
}

func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[op]
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ---- Groups ----

func (s *Store) AddGroup(g schedule.Group) schedule.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.id()
	}
	s.groups[g.ID] = g
	return g
}

func (s *Store) ActiveGroups(ctx context.Context) ([]schedule.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ActiveGroups")
	var out []schedule.Group
	for _, g := range s.groups {
		if g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) GroupByID(ctx context.Context, id int64) (schedule.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return schedule.Group{}, storage.ErrNotFound
	}
	return g, nil
}

func (s *Store) UpsertGroup(ctx context.Context, g schedule.Group) (schedule.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, have := range s.groups {
		if have.Title == g.Title {
			g.ID = id
			s.groups[id] = g
			return g, nil
		}
	}
	g.ID = s.id()
	s.groups[g.ID] = g
	return g, nil
}

// ---- Dimensions ----

func (s *Store) FindTeacher(ctx context.Context, fullName string) (schedule.Teacher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FindTeacher")
	t, ok := s.teachers[fullName]
	if !ok {
		return schedule.Teacher{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) CreateTeacher(ctx context.Context, t schedule.Teacher) (schedule.Teacher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateTeacher")
	if _, ok := s.teachers[t.FullName]; ok {
		return schedule.Teacher{}, storage.ErrConstraint
	}
	t.ID = s.id()
	s.teachers[t.FullName] = t
	return t, nil
}

func (s *Store) FindClassroom(ctx context.Context, title string) (schedule.Classroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FindClassroom")
	c, ok := s.classrooms[title]
	if !ok {
		return schedule.Classroom{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) CreateClassroom(ctx context.Context, c schedule.Classroom) (schedule.Classroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateClassroom")
	if _, ok := s.classrooms[c.Title]; ok {
		return schedule.Classroom{}, storage.ErrConstraint
	}
	c.ID = s.id()
	s.classrooms[c.Title] = c
	return c, nil
}

func (s *Store) FindSubject(ctx context.Context, title string) (schedule.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FindSubject")
	sub, ok := s.subjects[title]
	if !ok {
		return schedule.Subject{}, storage.ErrNotFound
	}
	return sub, nil
}

func (s *Store) CreateSubject(ctx context.Context, sub schedule.Subject) (schedule.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateSubject")
	if _, ok := s.subjects[sub.Title]; ok {
		return schedule.Subject{}, storage.ErrConstraint
	}
	sub.ID = s.id()
	s.subjects[sub.Title] = sub
	return sub, nil
}

// ---- Time slots ----

func (s *Store) FindTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) (map[string]schedule.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("FindTimeSlots")
	out := map[string]schedule.TimeSlot{}
	for _, k := range keys {
		if ts, ok := s.slots[k.String()]; ok {
			out[k.String()] = ts
		}
	}
	return out, nil
}

func (s *Store) CreateTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateTimeSlots")
	for _, k := range keys {
		if _, ok := s.slots[k.String()]; ok {
			continue
		}
		s.slots[k.String()] = schedule.TimeSlot{ID: s.id(), Date: k.Date, LessonNumber: k.LessonNumber}
	}
	return nil
}

// ---- Lessons ----

func (s *Store) CreateLessons(ctx context.Context, lessons []schedule.Lesson) ([]schedule.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateLessons")
	var inserted []schedule.Lesson
	for _, l := range lessons {
		if s.activeExistsLocked(l) {
			continue
		}
		l.ID = s.id()
		l.Active = true
		s.lessons = append(s.lessons, storage.ActiveLesson{Lesson: l, Date: s.slotDateLocked(l.TimeSlotID)})
		inserted = append(inserted, l)
	}
	return inserted, nil
}

func (s *Store) activeExistsLocked(l schedule.Lesson) bool {
	fp := l.Fingerprint()
	for _, have := range s.lessons {
		if have.Active && have.Lesson.Fingerprint() == fp {
			return true
		}
	}
	return false
}

func (s *Store) slotDateLocked(id int64) time.Time {
	for _, ts := range s.slots {
		if ts.ID == id {
			return ts.Date
		}
	}
	return time.Time{}
}

func (s *Store) ActiveLessonsFrom(ctx context.Context, groupID int64, from time.Time) ([]storage.ActiveLesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ActiveLessonsFrom")
	var out []storage.ActiveLesson
	for _, l := range s.lessons {
		if l.GroupID == groupID && l.Active && !l.Date.Before(from) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) DeactivateLessons(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeactivateLessons")
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.lessons {
		if want[s.lessons[i].ID] {
			s.lessons[i].Active = false
		}
	}
	return nil
}

// Lessons returns a snapshot of all persisted lessons.
func (s *Store) Lessons() []storage.ActiveLesson {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ActiveLesson, len(s.lessons))
	copy(out, s.lessons)
	return out
}

func (s *Store) Close() error { return nil }
