package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestGroupUpsertAndActive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	g, err := st.UpsertGroup(ctx, schedule.Group{Title: "ИС-21", Link: "grp1", Active: true})
	if err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("group got no ID")
	}

	// Upsert under the same title keeps the ID and updates the link.
	g2, err := st.UpsertGroup(ctx, schedule.Group{Title: "ИС-21", Link: "grp1-new", Active: true})
	if err != nil {
		t.Fatalf("UpsertGroup again: %v", err)
	}
	if g2.ID != g.ID {
		t.Fatalf("upsert changed ID: %d -> %d", g.ID, g2.ID)
	}

	if _, err := st.UpsertGroup(ctx, schedule.Group{Title: "АРХ-19", Link: "grp2", Active: false}); err != nil {
		t.Fatalf("UpsertGroup inactive: %v", err)
	}

	active, err := st.ActiveGroups(ctx)
	if err != nil {
		t.Fatalf("ActiveGroups: %v", err)
	}
	if len(active) != 1 || active[0].Title != "ИС-21" || active[0].Link != "grp1-new" {
		t.Fatalf("unexpected active groups: %+v", active)
	}

	got, err := st.GroupByID(ctx, g.ID)
	if err != nil || got.Title != "ИС-21" {
		t.Fatalf("GroupByID: %+v, %v", got, err)
	}
	if _, err := st.GroupByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GroupByID(missing) = %v, want ErrNotFound", err)
	}
}

func TestDimensionCreateIsConstrained(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.FindTeacher(ctx, "Иванов Иван Иванович"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindTeacher on empty store = %v, want ErrNotFound", err)
	}

	created, err := st.CreateTeacher(ctx, schedule.Teacher{FullName: "Иванов Иван Иванович", ShortName: "Иванов И.И."})
	if err != nil {
		t.Fatalf("CreateTeacher: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("teacher got no ID")
	}

	// Second create hits the unique index.
	if _, err := st.CreateTeacher(ctx, schedule.Teacher{FullName: "Иванов Иван Иванович", ShortName: "x"}); !errors.Is(err, ErrConstraint) {
		t.Fatalf("duplicate CreateTeacher = %v, want ErrConstraint", err)
	}

	found, err := st.FindTeacher(ctx, "Иванов Иван Иванович")
	if err != nil || found.ID != created.ID {
		t.Fatalf("FindTeacher after create: %+v, %v", found, err)
	}

	if _, err := st.CreateSubject(ctx, schedule.Subject{Title: "Математика"}); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	if _, err := st.CreateSubject(ctx, schedule.Subject{Title: "Математика"}); !errors.Is(err, ErrConstraint) {
		t.Fatalf("duplicate CreateSubject = %v, want ErrConstraint", err)
	}
	if _, err := st.CreateClassroom(ctx, schedule.Classroom{Title: "201"}); err != nil {
		t.Fatalf("CreateClassroom: %v", err)
	}
	if _, err := st.CreateClassroom(ctx, schedule.Classroom{Title: "201"}); !errors.Is(err, ErrConstraint) {
		t.Fatalf("duplicate CreateClassroom = %v, want ErrConstraint", err)
	}
}

func TestTimeSlotBulk(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	d1 := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	keys := []schedule.TimeSlotKey{
		{Date: d1, LessonNumber: "1"},
		{Date: d1, LessonNumber: "2"},
		{Date: d2, LessonNumber: "1"},
	}

	found, err := st.FindTimeSlots(ctx, keys)
	if err != nil {
		t.Fatalf("FindTimeSlots: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("found %d slots in empty store", len(found))
	}

	if err := st.CreateTimeSlots(ctx, keys); err != nil {
		t.Fatalf("CreateTimeSlots: %v", err)
	}
	// Re-creating overlapping keys must not fail or duplicate.
	if err := st.CreateTimeSlots(ctx, keys[:2]); err != nil {
		t.Fatalf("CreateTimeSlots overlap: %v", err)
	}

	found, err = st.FindTimeSlots(ctx, keys)
	if err != nil {
		t.Fatalf("FindTimeSlots after create: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("got %d slots, want 3", len(found))
	}
	for _, k := range keys {
		ts, ok := found[k.String()]
		if !ok {
			t.Fatalf("key %s missing from result", k)
		}
		if !ts.Date.Equal(k.Date) || ts.LessonNumber != k.LessonNumber {
			t.Fatalf("slot mismatch for %s: %+v", k, ts)
		}
	}
}

func TestLessonLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	g, _ := st.UpsertGroup(ctx, schedule.Group{Title: "ИС-21", Link: "grp1", Active: true})
	teach, _ := st.CreateTeacher(ctx, schedule.Teacher{FullName: "Иванов", ShortName: "Иванов"})
	subj, _ := st.CreateSubject(ctx, schedule.Subject{Title: "Математика"})
	room, _ := st.CreateClassroom(ctx, schedule.Classroom{Title: "201"})

	past := time.Date(2024, 8, 30, 0, 0, 0, 0, time.UTC)
	future := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	keys := []schedule.TimeSlotKey{{Date: past, LessonNumber: "1"}, {Date: future, LessonNumber: "1"}}
	if err := st.CreateTimeSlots(ctx, keys); err != nil {
		t.Fatalf("CreateTimeSlots: %v", err)
	}
	slots, _ := st.FindTimeSlots(ctx, keys)

	mk := func(key schedule.TimeSlotKey) schedule.Lesson {
		return schedule.Lesson{
			GroupID: g.ID, TimeSlotID: slots[key.String()].ID,
			SubjectID: subj.ID, TeacherID: teach.ID, ClassroomID: room.ID,
			Subgroup: "0", Active: true,
		}
	}

	inserted, err := st.CreateLessons(ctx, []schedule.Lesson{mk(keys[0]), mk(keys[1])})
	if err != nil {
		t.Fatalf("CreateLessons: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("created %d lessons, want 2", len(inserted))
	}
	for _, l := range inserted {
		if l.ID == 0 {
			t.Fatalf("inserted lesson carries no id: %+v", l)
		}
	}

	// Re-inserting the same active fingerprints is a no-op and must not be
	// reported as inserted.
	inserted, err = st.CreateLessons(ctx, []schedule.Lesson{mk(keys[1])})
	if err != nil {
		t.Fatalf("CreateLessons duplicate: %v", err)
	}
	if len(inserted) != 0 {
		t.Fatalf("duplicate insert reported %d lessons, want 0", len(inserted))
	}

	active, err := st.ActiveLessonsFrom(ctx, g.ID, future)
	if err != nil {
		t.Fatalf("ActiveLessonsFrom: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d future lessons, want 1 (past one filtered)", len(active))
	}
	if !active[0].Date.Equal(future) {
		t.Fatalf("joined date = %v, want %v", active[0].Date, future)
	}

	if err := st.DeactivateLessons(ctx, []int64{active[0].ID}); err != nil {
		t.Fatalf("DeactivateLessons: %v", err)
	}
	active, err = st.ActiveLessonsFrom(ctx, g.ID, past)
	if err != nil {
		t.Fatalf("ActiveLessonsFrom after deactivate: %v", err)
	}
	if len(active) != 1 || !active[0].Date.Equal(past) {
		t.Fatalf("unexpected active set after deactivate: %+v", active)
	}
}
