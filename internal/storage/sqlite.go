package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dateWire is how time_slot dates are stored; lexicographic order matches
// chronological order, which the date-range queries rely on.
const dateWire = "2006-01-02"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isConstraint reports whether err is a sqlite uniqueness/constraint failure.
// The modernc driver exposes these as plain errors, so match on the message.
func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

// ---- Groups ----

func (s *sqliteStore) ActiveGroups(ctx context.Context) ([]schedule.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, link, is_active FROM groups WHERE is_active = 1 ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Group
	for rows.Next() {
		var g schedule.Group
		if err := rows.Scan(&g.ID, &g.Title, &g.Link, &g.Active); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GroupByID(ctx context.Context, id int64) (schedule.Group, error) {
	var g schedule.Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, link, is_active FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Title, &g.Link, &g.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Group{}, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, g schedule.Group) (schedule.Group, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(title, link, is_active) VALUES(?,?,?)
		 ON CONFLICT(title) DO UPDATE SET link = excluded.link, is_active = excluded.is_active`,
		g.Title, g.Link, g.Active)
	if err != nil {
		return schedule.Group{}, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT id FROM groups WHERE title = ?`, g.Title).Scan(&g.ID)
	return g, err
}

// ---- Dimensions ----

func (s *sqliteStore) FindTeacher(ctx context.Context, fullName string) (schedule.Teacher, error) {
	var t schedule.Teacher
	err := s.db.QueryRowContext(ctx,
		`SELECT id, full_name, short_name FROM teachers WHERE full_name = ?`, fullName).
		Scan(&t.ID, &t.FullName, &t.ShortName)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Teacher{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) CreateTeacher(ctx context.Context, t schedule.Teacher) (schedule.Teacher, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO teachers(full_name, short_name) VALUES(?,?)`, t.FullName, t.ShortName)
	if err != nil {
		if isConstraint(err) {
			return schedule.Teacher{}, ErrConstraint
		}
		return schedule.Teacher{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (s *sqliteStore) FindClassroom(ctx context.Context, title string) (schedule.Classroom, error) {
	var c schedule.Classroom
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title FROM classrooms WHERE title = ?`, title).Scan(&c.ID, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Classroom{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) CreateClassroom(ctx context.Context, c schedule.Classroom) (schedule.Classroom, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO classrooms(title) VALUES(?)`, c.Title)
	if err != nil {
		if isConstraint(err) {
			return schedule.Classroom{}, ErrConstraint
		}
		return schedule.Classroom{}, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func (s *sqliteStore) FindSubject(ctx context.Context, title string) (schedule.Subject, error) {
	var sub schedule.Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title FROM subjects WHERE title = ?`, title).Scan(&sub.ID, &sub.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Subject{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) CreateSubject(ctx context.Context, sub schedule.Subject) (schedule.Subject, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO subjects(title) VALUES(?)`, sub.Title)
	if err != nil {
		if isConstraint(err) {
			return schedule.Subject{}, ErrConstraint
		}
		return schedule.Subject{}, err
	}
	sub.ID, err = res.LastInsertId()
	return sub, err
}

// ---- Time slots ----

func (s *sqliteStore) FindTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) (map[string]schedule.TimeSlot, error) {
	out := make(map[string]schedule.TimeSlot, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var (
		where strings.Builder
		args  []any
	)
	for i, k := range keys {
		if i > 0 {
			where.WriteString(" OR ")
		}
		where.WriteString("(date = ? AND lesson_number = ?)")
		args = append(args, k.Date.Format(dateWire), k.LessonNumber)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, lesson_number FROM time_slots WHERE `+where.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts  schedule.TimeSlot
			raw string
		)
		if err := rows.Scan(&ts.ID, &raw, &ts.LessonNumber); err != nil {
			return nil, err
		}
		ts.Date, err = time.Parse(dateWire, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt time_slot date %q: %w", raw, err)
		}
		out[schedule.TimeSlotKey{Date: ts.Date, LessonNumber: ts.LessonNumber}.String()] = ts
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateTimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) error {
	if len(keys) == 0 {
		return nil
	}

	var (
		values strings.Builder
		args   []any
	)
	for i, k := range keys {
		if i > 0 {
			values.WriteString(",")
		}
		values.WriteString("(?,?)")
		args = append(args, k.Date.Format(dateWire), k.LessonNumber)
	}

	// Losing the conflict race to a concurrent cycle is fine: the caller
	// re-reads IDs afterwards either way.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO time_slots(date, lesson_number) VALUES `+values.String()+
			` ON CONFLICT(date, lesson_number) DO NOTHING`, args...)
	return err
}

// ---- Lessons ----

func (s *sqliteStore) CreateLessons(ctx context.Context, lessons []schedule.Lesson) ([]schedule.Lesson, error) {
	if len(lessons) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The partial unique index on active fingerprints makes re-inserting an
	// already-active lesson a no-op instead of a duplicate. Inserting one
	// row at a time keeps RowsAffected per candidate, so the caller learns
	// which ones were genuinely new.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO lessons(group_id, time_slot_id, subject_id, teacher_id, classroom_id, subgroup, is_active)
		 VALUES (?,?,?,?,?,?,1) ON CONFLICT DO NOTHING`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var inserted []schedule.Lesson
	for _, l := range lessons {
		res, err := stmt.ExecContext(ctx, l.GroupID, l.TimeSlotID, l.SubjectID, l.TeacherID, l.ClassroomID, l.Subgroup)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		l.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		l.Active = true
		inserted = append(inserted, l)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *sqliteStore) ActiveLessonsFrom(ctx context.Context, groupID int64, from time.Time) ([]ActiveLesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.group_id, l.time_slot_id, l.subject_id, l.teacher_id, l.classroom_id, l.subgroup, l.is_active, ts.date
		   FROM lessons l JOIN time_slots ts ON ts.id = l.time_slot_id
		  WHERE l.group_id = ? AND l.is_active = 1 AND ts.date >= ?`,
		groupID, from.Format(dateWire))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveLesson
	for rows.Next() {
		var (
			l   ActiveLesson
			raw string
		)
		if err := rows.Scan(&l.ID, &l.GroupID, &l.TimeSlotID, &l.SubjectID, &l.TeacherID, &l.ClassroomID, &l.Subgroup, &l.Active, &raw); err != nil {
			return nil, err
		}
		l.Date, err = time.Parse(dateWire, raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt time_slot date %q: %w", raw, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateLessons(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	ph := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		ph[i] = "?"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE lessons SET is_active = 0 WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	return err
}
