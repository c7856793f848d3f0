// Package reconcile diffs a group's freshly parsed entries against its
// persisted lessons using epoch-based mark-and-sweep.
//
// The create phase stamps a fingerprint mark for every observed entry and
// bulk-inserts lessons whose fingerprint had no mark. The sweep phase then
// deactivates every still-active future lesson whose mark is missing or
// stamped with an older epoch — absence of a mark rewrite in the current
// epoch is the only "deleted upstream" signal the source gives us.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"schedsync/internal/cache"
	"schedsync/internal/resolve"
	"schedsync/internal/schedule"
	"schedsync/internal/storage"
	"schedsync/pkg/logx"
)

// MarkTTL bounds how long a fingerprint mark survives without being
// observed. It must exceed the sync interval by a wide margin, otherwise
// marks of perfectly healthy lessons would expire between cycles and the
// create phase would queue duplicates (the storage index would catch them,
// but every cycle would look like a schedule change).
const MarkTTL = 24 * time.Hour

// Result reports what one group's reconciliation changed.
type Result struct {
	Created     int
	Deactivated int
	Affected    schedule.DateSet
}

func (r Result) Changed() bool { return len(r.Affected) > 0 }

type Reconciler struct {
	store    storage.Store
	marks    cache.Cache
	resolver *resolve.Resolver
	log      logx.Logger
	markTTL  time.Duration

	// now is swappable for tests; sweep never touches lessons before today.
	now func() time.Time
}

func New(store storage.Store, marks cache.Cache, resolver *resolve.Resolver, log logx.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		marks:    marks,
		resolver: resolver,
		log:      log,
		markTTL:  MarkTTL,
		now:      time.Now,
	}
}

// SetMarkTTL overrides the default mark lifetime. Keep it well above the
// sync interval.
func (r *Reconciler) SetMarkTTL(d time.Duration) {
	if d > 0 {
		r.markTTL = d
	}
}

// SetClock overrides the reconciler's notion of "today". Tests only.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Reconcile runs both phases for one group. The create phase commits before
// the sweep reads marks, which is what keeps a lesson observed this cycle
// from being swept in the same cycle.
func (r *Reconciler) Reconcile(ctx context.Context, epoch schedule.Epoch, groupID int64, entries []schedule.Entry) (Result, error) {
	res := Result{Affected: schedule.DateSet{}}

	if err := r.create(ctx, epoch, groupID, entries, &res); err != nil {
		return res, fmt.Errorf("create phase (group %d): %w", groupID, err)
	}
	if err := r.sweep(ctx, epoch, groupID, &res); err != nil {
		return res, fmt.Errorf("sweep phase (group %d): %w", groupID, err)
	}

	if res.Changed() {
		r.log.Info("schedule changed",
			logx.Int64("group_id", groupID),
			logx.Int("created", res.Created),
			logx.Int("deactivated", res.Deactivated),
			logx.Int("affected_dates", len(res.Affected)),
		)
	}
	return res, nil
}

func (r *Reconciler) create(ctx context.Context, epoch schedule.Epoch, groupID int64, entries []schedule.Entry, res *Result) error {
	// Resolve all time slots for the group in one round-trip.
	var slotKeys []schedule.TimeSlotKey
	for _, e := range entries {
		if e.Sentinel() {
			continue
		}
		slotKeys = append(slotKeys, schedule.TimeSlotKey{Date: e.Date, LessonNumber: e.LessonNumber})
	}
	slots, err := r.resolver.TimeSlots(ctx, slotKeys)
	if err != nil {
		return err
	}

	var (
		toCreate  []schedule.Lesson
		slotDates = map[int64]time.Time{}
	)
	for _, e := range entries {
		if e.Sentinel() {
			// "Reachable but empty": nothing to create, the sweep will
			// clear whatever is still active.
			continue
		}

		teacherID, err := r.resolver.Teacher(ctx, e.Teacher)
		if err != nil {
			return err
		}
		classroomID, err := r.resolver.Classroom(ctx, e.Classroom)
		if err != nil {
			return err
		}
		subjectID, err := r.resolver.Subject(ctx, e.Subject)
		if err != nil {
			return err
		}

		lesson := schedule.Lesson{
			GroupID:     groupID,
			TimeSlotID:  slots[schedule.TimeSlotKey{Date: e.Date, LessonNumber: e.LessonNumber}.String()],
			SubjectID:   subjectID,
			TeacherID:   teacherID,
			ClassroomID: classroomID,
			Subgroup:    e.Subgroup,
			Active:      true,
		}

		fp := lesson.Fingerprint()
		if _, seen := r.marks.Get(fp); !seen {
			toCreate = append(toCreate, lesson)
			slotDates[lesson.TimeSlotID] = e.Date
		}
		// Rewrite the mark whether or not the lesson is new; the current
		// epoch stamp is what tells the sweep "still present".
		r.marks.Set(fp, epoch, r.markTTL)
	}

	inserted, err := r.store.CreateLessons(ctx, toCreate)
	if err != nil {
		return err
	}
	// Only rows that actually landed count as changes. A candidate whose
	// mark merely expired collapses into the active-fingerprint index and
	// must not resurface as a "schedule changed" date.
	for _, l := range inserted {
		if d, ok := slotDates[l.TimeSlotID]; ok {
			res.Affected.Add(d)
		}
	}
	res.Created = len(inserted)
	return nil
}

func (r *Reconciler) sweep(ctx context.Context, epoch schedule.Epoch, groupID int64, res *Result) error {
	today := schedule.Day(r.now().UTC())
	active, err := r.store.ActiveLessonsFrom(ctx, groupID, today)
	if err != nil {
		return err
	}

	var gone []int64
	for _, l := range active {
		fp := l.Lesson.Fingerprint()
		v, ok := r.marks.Get(fp)
		if ok {
			if stamped, isEpoch := v.(schedule.Epoch); isEpoch && stamped == epoch {
				continue // observed this cycle
			}
		}
		gone = append(gone, l.ID)
		res.Affected.Add(l.Date)
		r.marks.Delete(fp)
	}

	if len(gone) == 0 {
		return nil
	}
	if err := r.store.DeactivateLessons(ctx, gone); err != nil {
		return err
	}
	res.Deactivated = len(gone)
	return nil
}
