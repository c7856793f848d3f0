// Package resolve maps dimension natural keys (teacher name, classroom and
// subject titles, time-slot date/number pairs) to canonical IDs.
//
// It is a cache-aside get-or-create: cache, then storage lookup, then
// creation. Creation races settle at the storage layer — a uniqueness
// violation means someone else won, so the canonical row is re-read and
// returned. Concurrent resolutions of the same unseen key are additionally
// collapsed into a single storage round-trip with singleflight.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"schedsync/internal/cache"
	"schedsync/internal/schedule"
	"schedsync/internal/storage"
	"schedsync/pkg/logx"
)

// DefaultTTL is how long resolved dimension IDs stay cached. Natural keys
// are stable, so this is deliberately much longer than a sync interval.
const DefaultTTL = 30 * time.Hour

type Resolver struct {
	store storage.Store
	cache cache.Cache
	log   logx.Logger
	ttl   time.Duration
	sf    singleflight.Group
}

func New(store storage.Store, c cache.Cache, log logx.Logger, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{store: store, cache: c, log: log, ttl: ttl}
}

// Teacher resolves a teacher's full name to its canonical ID, deriving the
// short display name on first creation.
func (r *Resolver) Teacher(ctx context.Context, fullName string) (int64, error) {
	return r.resolve(ctx, "teacher:"+fullName,
		func(ctx context.Context) (int64, error) {
			t, err := r.store.FindTeacher(ctx, fullName)
			return t.ID, err
		},
		func(ctx context.Context) (int64, error) {
			t, err := r.store.CreateTeacher(ctx, schedule.Teacher{
				FullName:  fullName,
				ShortName: schedule.ShortTeacherName(fullName),
			})
			return t.ID, err
		},
	)
}

func (r *Resolver) Classroom(ctx context.Context, title string) (int64, error) {
	return r.resolve(ctx, "classroom:"+title,
		func(ctx context.Context) (int64, error) {
			c, err := r.store.FindClassroom(ctx, title)
			return c.ID, err
		},
		func(ctx context.Context) (int64, error) {
			c, err := r.store.CreateClassroom(ctx, schedule.Classroom{Title: title})
			return c.ID, err
		},
	)
}

func (r *Resolver) Subject(ctx context.Context, title string) (int64, error) {
	return r.resolve(ctx, "subject:"+title,
		func(ctx context.Context) (int64, error) {
			s, err := r.store.FindSubject(ctx, title)
			return s.ID, err
		},
		func(ctx context.Context) (int64, error) {
			s, err := r.store.CreateSubject(ctx, schedule.Subject{Title: title})
			return s.ID, err
		},
	)
}

// resolve is the shared cache-aside path. find must return
// storage.ErrNotFound on miss; create must return storage.ErrConstraint
// when it lost a creation race.
func (r *Resolver) resolve(ctx context.Context, key string,
	find, create func(ctx context.Context) (int64, error)) (int64, error) {

	if v, ok := r.cache.Get(key); ok {
		if id, ok := v.(int64); ok {
			return id, nil
		}
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		id, err := find(ctx)
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}

		id, err = create(ctx)
		if errors.Is(err, storage.ErrConstraint) {
			// Lost the race: the canonical row exists now.
			r.log.Debug("dimension create raced; re-reading", logx.String("key", key))
			id, err = find(ctx)
		}
		if err != nil {
			return nil, err
		}
		r.log.Debug("dimension created", logx.String("key", key), logx.Int64("id", id))
		return id, nil
	})
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", key, err)
	}

	id := v.(int64)
	r.cache.Set(key, id, r.ttl)
	return id, nil
}

// TimeSlots is the bulk variant used when a group job resolves all its
// time slots at once: one storage query for the existing keys, one bulk
// create for the remainder, merged into a single key→ID mapping.
func (r *Resolver) TimeSlots(ctx context.Context, keys []schedule.TimeSlotKey) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))

	var missing []schedule.TimeSlotKey
	seen := map[string]bool{}
	for _, k := range keys {
		ck := "timeslot:" + k.String()
		if seen[k.String()] {
			continue
		}
		seen[k.String()] = true
		if v, ok := r.cache.Get(ck); ok {
			if id, ok := v.(int64); ok {
				out[k.String()] = id
				continue
			}
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out, nil
	}

	found, err := r.store.FindTimeSlots(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve time slots: %w", err)
	}

	var toCreate []schedule.TimeSlotKey
	for _, k := range missing {
		if _, ok := found[k.String()]; !ok {
			toCreate = append(toCreate, k)
		}
	}
	if len(toCreate) > 0 {
		if err := r.store.CreateTimeSlots(ctx, toCreate); err != nil {
			return nil, fmt.Errorf("create time slots: %w", err)
		}
		created, err := r.store.FindTimeSlots(ctx, toCreate)
		if err != nil {
			return nil, fmt.Errorf("re-read created time slots: %w", err)
		}
		for k, ts := range created {
			found[k] = ts
		}
		r.log.Debug("time slots created", logx.Int("count", len(toCreate)))
	}

	for k, ts := range found {
		out[k] = ts.ID
		r.cache.Set("timeslot:"+k, ts.ID, r.ttl)
	}
	return out, nil
}
