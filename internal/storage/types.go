package storage

import (
	"context"
	"errors"
	"time"

	"schedsync/internal/schedule"
)

var (
	// ErrNotFound is returned by Find* operations when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrConstraint is returned by Create* operations when a uniqueness
	// constraint fired. Callers treat it as "already exists" and re-read;
	// it is the contract that makes concurrent get-or-create idempotent.
	ErrConstraint = errors.New("constraint violation")
)

// Config configures storage.
//
// Driver values: only "sqlite" is supported.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence collaborator of the sync core.
//
// Uniqueness of every dimension natural key is enforced here (unique
// indexes), not in callers.
type Store interface {
	// Groups.
	ActiveGroups(ctx context.Context) ([]schedule.Group, error)
	GroupByID(ctx context.Context, id int64) (schedule.Group, error)
	UpsertGroup(ctx context.Context, g schedule.Group) (schedule.Group, error)

	// Dimension lookups by natural key. Find returns ErrNotFound on miss;
	// Create returns ErrConstraint when the key already exists.
	FindTeacher(ctx context.Context, fullName string) (schedule.Teacher, error)
	CreateTeacher(ctx context.Context, t schedule.Teacher) (schedule.Teacher, error)
	FindClassroom(ctx context.Context, title string) (schedule.Classroom, error)
	CreateClassroom(ctx context.Context, c schedule.Classroom) (schedule.Classroom, error)
	FindSubject(ctx context.Context, title string) (schedule.Subject, error)
	CreateSubject(ctx context.Context, s schedule.Subject) (schedule.Subject, error)

	// Bulk time-slot resolution: one query for the existing keys, one
	// conflict-tolerant bulk insert for the rest.
	FindTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) (map[string]schedule.TimeSlot, error)
	CreateTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) error

	// Lessons. CreateLessons returns the subset actually inserted: a
	// candidate colliding with an already-active fingerprint is skipped,
	// and callers must not report it as a change.
	CreateLessons(ctx context.Context, lessons []schedule.Lesson) ([]schedule.Lesson, error)
	ActiveLessonsFrom(ctx context.Context, groupID int64, from time.Time) ([]ActiveLesson, error)
	DeactivateLessons(ctx context.Context, ids []int64) error

	Close() error
}

// ActiveLesson is a lesson joined with its time-slot date, as the sweep
// phase needs both the fingerprint fields and the date in one pass.
type ActiveLesson struct {
	schedule.Lesson
	Date time.Time
}
