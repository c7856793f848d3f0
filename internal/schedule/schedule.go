package schedule

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// Sentinel values substituted for empty cells in the upstream document.
// They are stable natural keys and must never change once data exists.
const (
	UnspecifiedTeacher = "не указано"
	UnspecifiedSubject = "не указано"
	RemoteClassroom    = "(дист)"
	DefaultSubgroup    = "0"
)

// DateFormat is the wire format of dates in section rows ("02.09.2024 - Понедельник").
const DateFormat = "02.01.2006"

// Epoch identifies one synchronization cycle. It is allocated once per cycle
// by the orchestrator (cycle start, UnixNano) and threaded as a value into
// every group job, never stored globally.
type Epoch int64

func NewEpoch(t time.Time) Epoch { return Epoch(t.UnixNano()) }

// Group is a student group whose schedule page is tracked.
type Group struct {
	ID     int64
	Title  string
	Link   string // relative path under the source base URL
	Active bool
}

// Entry is one parsed lesson row. Entries live for a single sync job and are
// never persisted as-is.
//
// A zero Date marks the "schedule reachable but empty" sentinel: the document
// was fetched and parsed fine, it just contains no lessons. The reconciler
// skips such entries in the create phase but still runs the sweep.
type Entry struct {
	GroupID      int64
	Date         time.Time
	LessonNumber string
	Subject      string
	Classroom    string
	Teacher      string
	Subgroup     string
}

// Sentinel reports whether the entry is the empty-schedule marker.
func (e Entry) Sentinel() bool { return e.Date.IsZero() }

// Dimension entities. Each is identified by a natural key and gets a
// canonical numeric ID on first creation; rows are never deleted here.

type Teacher struct {
	ID        int64
	FullName  string // natural key
	ShortName string // derived, e.g. "Иванов И.И."
}

type Classroom struct {
	ID    int64
	Title string // natural key
}

type Subject struct {
	ID    int64
	Title string // natural key
}

// TimeSlot pins a lesson to a (date, lesson number) pair.
type TimeSlot struct {
	ID           int64
	Date         time.Time
	LessonNumber string
}

// TimeSlotKey is the natural key of a TimeSlot.
type TimeSlotKey struct {
	Date         time.Time
	LessonNumber string
}

func (k TimeSlotKey) String() string {
	return k.Date.Format("2006-01-02") + "#" + k.LessonNumber
}

// Lesson is the persisted schedule fact. At most one active lesson may exist
// per fingerprint at any time.
type Lesson struct {
	ID          int64
	GroupID     int64
	TimeSlotID  int64
	SubjectID   int64
	TeacherID   int64
	ClassroomID int64
	Subgroup    string
	Active      bool
}

// Fingerprint identifies a unique lesson instance across sync cycles.
// It is stable as long as the canonical dimension IDs are: the same upstream
// row always resolves to the same fingerprint.
func (l Lesson) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "g%d|sg%s|ts%d|s%d|t%d|c%d",
		l.GroupID, l.Subgroup, l.TimeSlotID, l.SubjectID, l.TeacherID, l.ClassroomID)
	return fmt.Sprintf("lesson:%016x", h.Sum64())
}

// ShortTeacherName derives the display form of a teacher's full name:
// family name plus initials ("Иванов Иван Иванович" -> "Иванов И.И.").
// The unspecified-teacher sentinel is passed through unchanged.
func ShortTeacherName(fullName string) string {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" || fullName == UnspecifiedTeacher {
		return UnspecifiedTeacher
	}

	names := strings.Fields(fullName)
	short := names[0]
	if len(names) > 1 {
		short += " " + firstRune(names[1]) + "."
	}
	if len(names) > 2 {
		short += firstRune(names[2]) + "."
	}
	return short
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// Day truncates t to its calendar date in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateSet accumulates the dates touched by a reconciliation run.
type DateSet map[time.Time]struct{}

func (s DateSet) Add(t time.Time) { s[Day(t)] = struct{}{} }

func (s DateSet) Has(t time.Time) bool {
	_, ok := s[Day(t)]
	return ok
}

// Sorted returns the dates in chronological order.
func (s DateSet) Sorted() []time.Time {
	out := make([]time.Time, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
