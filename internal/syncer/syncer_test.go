package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"schedsync/internal/eventbus"
	"schedsync/internal/fetch"
	"schedsync/internal/reconcile"
	"schedsync/internal/schedule"
	"schedsync/internal/storage/storagetest"
	"schedsync/pkg/logx"
)

type fakeFetcher struct {
	mu       sync.Mutex
	probeErr error
	docs     map[string][]byte
	failing  map[string]error
	fetched  []string
	delay    time.Duration
	inflight int
	peak     int
}

func (f *fakeFetcher) Probe(ctx context.Context) error { return f.probeErr }

func (f *fakeFetcher) Fetch(ctx context.Context, link string) ([]byte, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, link)
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	err := f.failing[link]
	doc := f.docs[link]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func (f *fakeFetcher) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// fakeParser emits one entry per group, dated via the document body.
type fakeParser struct {
	err error
}

func (p *fakeParser) Parse(groupID int64, doc []byte) ([]schedule.Entry, error) {
	if p.err != nil {
		return nil, p.err
	}
	date, err := time.Parse(schedule.DateFormat, string(doc))
	if err != nil {
		return []schedule.Entry{{GroupID: groupID}}, nil
	}
	return []schedule.Entry{{
		GroupID:      groupID,
		Date:         date,
		LessonNumber: "1",
		Subject:      "Физика",
		Teacher:      "Иванов Иван Иванович",
		Classroom:    "101",
		Subgroup:     schedule.DefaultSubgroup,
	}}, nil
}

type reconcileCall struct {
	epoch   schedule.Epoch
	groupID int64
	entries []schedule.Entry
}

type fakeReconciler struct {
	mu      sync.Mutex
	calls   []reconcileCall
	results map[int64]reconcile.Result
	errs    map[int64]error
	panics  map[int64]bool
}

func (r *fakeReconciler) Reconcile(ctx context.Context, epoch schedule.Epoch, groupID int64, entries []schedule.Entry) (reconcile.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, reconcileCall{epoch: epoch, groupID: groupID, entries: entries})
	r.mu.Unlock()
	if r.panics[groupID] {
		panic("reconciler blew up")
	}
	if err := r.errs[groupID]; err != nil {
		return reconcile.Result{}, err
	}
	return r.results[groupID], nil
}

func (r *fakeReconciler) callsFor(groupID int64) []reconcileCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reconcileCall
	for _, c := range r.calls {
		if c.groupID == groupID {
			out = append(out, c)
		}
	}
	return out
}

type notifyCall struct {
	group schedule.Group
	dates []time.Time
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) ScheduleChanged(ctx context.Context, group schedule.Group, dates []time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{group: group, dates: dates})
	return nil
}

type fixture struct {
	store    *storagetest.Store
	fetcher  *fakeFetcher
	parser   *fakeParser
	rec      *fakeReconciler
	notifier *fakeNotifier
	bus      eventbus.Bus
	svc      *Service
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	f := &fixture{
		store: storagetest.New(),
		fetcher: &fakeFetcher{
			docs:    map[string][]byte{},
			failing: map[string]error{},
		},
		parser: &fakeParser{},
		rec: &fakeReconciler{
			results: map[int64]reconcile.Result{},
			errs:    map[int64]error{},
			panics:  map[int64]bool{},
		},
		notifier: &fakeNotifier{},
		bus:      eventbus.New(),
	}
	f.svc = New(Config{Workers: workers}, f.fetcher, f.parser, f.rec, f.store, f.notifier, f.bus, logx.Nop())
	return f
}

func (f *fixture) addGroup(title, link string) schedule.Group {
	g := f.store.AddGroup(schedule.Group{Title: title, Link: link, Active: true})
	f.fetcher.docs[link] = []byte("02.09.2024")
	return g
}

func TestRunProbeFailureAbortsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.addGroup("ИС-21", "view.php?id=1")
	f.fetcher.probeErr = &fetch.Error{URL: "http://source/", Status: 502, Err: fetch.ErrStatus}

	_, err := f.svc.Run(context.Background())
	if !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("Run() error = %v, want ErrProbeFailed", err)
	}
	// The probe's own cause stays unwrappable alongside ErrProbeFailed.
	if !errors.Is(err, fetch.ErrStatus) {
		t.Fatalf("Run() error = %v, fetch cause lost", err)
	}
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Status != 502 {
		t.Fatalf("Run() error = %v, want wrapped *fetch.Error with status 502", err)
	}
	if n := f.fetcher.fetchCount(); n != 0 {
		t.Fatalf("fetched %d documents after failed probe, want 0", n)
	}
	if n := len(f.rec.callsFor(1)); n != 0 {
		t.Fatalf("reconciler called %d times after failed probe, want 0", n)
	}
}

func TestRunFetchFailureIsolatedToGroup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ok := f.addGroup("ИС-21", "view.php?id=1")
	bad := f.addGroup("ПК-22", "view.php?id=2")
	f.fetcher.failing[bad.Link] = errors.New("503 from source")

	report, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report.Failed = %d, want 1", report.Failed)
	}
	if calls := f.rec.callsFor(ok.ID); len(calls) != 1 {
		t.Fatalf("healthy group reconciled %d times, want 1", len(calls))
	}
	// The failed group must not reach the reconciler at all: no creates
	// and, critically, no sweep on stale input.
	if calls := f.rec.callsFor(bad.ID); len(calls) != 0 {
		t.Fatalf("failed group reconciled %d times, want 0", len(calls))
	}
	for _, gr := range report.Groups {
		if gr.Group.ID == bad.ID && gr.Err == nil {
			t.Fatalf("failed group's report carries no error")
		}
	}
}

func TestRunForwardsAffectedDatesToNotifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	changed := f.addGroup("ИС-21", "view.php?id=1")
	f.addGroup("ПК-22", "view.php?id=2")

	d1 := time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	affected := schedule.DateSet{}
	affected.Add(d2)
	affected.Add(d1)
	f.rec.results[changed.ID] = reconcile.Result{Created: 2, Affected: affected}

	report, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Changed != 1 {
		t.Fatalf("report.Changed = %d, want 1", report.Changed)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.calls) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(f.notifier.calls))
	}
	call := f.notifier.calls[0]
	if call.group.ID != changed.ID {
		t.Fatalf("notified group %d, want %d", call.group.ID, changed.ID)
	}
	if len(call.dates) != 2 || !call.dates[0].Equal(d1) || !call.dates[1].Equal(d2) {
		t.Fatalf("notified dates %v, want sorted [%v %v]", call.dates, d1, d2)
	}
}

func TestRunSharesOneEpochAcrossGroups(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	for i := 1; i <= 5; i++ {
		f.addGroup(fmt.Sprintf("ИС-2%d", i), fmt.Sprintf("view.php?id=%d", i))
	}

	report, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.calls) != 5 {
		t.Fatalf("reconciler called %d times, want 5", len(f.rec.calls))
	}
	for _, c := range f.rec.calls {
		if c.epoch != report.Epoch {
			t.Fatalf("group %d reconciled under epoch %d, cycle epoch is %d", c.groupID, c.epoch, report.Epoch)
		}
	}
}

func TestRunOverlapSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.addGroup("ИС-21", "view.php?id=1")

	if !f.svc.state.tryAcquire() {
		t.Fatalf("could not acquire fresh run state")
	}
	defer f.svc.state.release()

	_, err := f.svc.Run(context.Background())
	if !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("Run() error = %v, want ErrCycleRunning", err)
	}
	if n := f.fetcher.fetchCount(); n != 0 {
		t.Fatalf("overlapping cycle fetched %d documents, want 0", n)
	}
}

func TestSetWorkersAppliesNextCycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 4)
	for i := 1; i <= 4; i++ {
		f.addGroup(fmt.Sprintf("ИС-2%d", i), fmt.Sprintf("view.php?id=%d", i))
	}
	f.fetcher.delay = 20 * time.Millisecond

	f.svc.SetWorkers(1)
	if _, err := f.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.fetcher.maxConcurrent(); got != 1 {
		t.Fatalf("max concurrent fetches = %d, want 1 after SetWorkers(1)", got)
	}
}

func TestRunPanicContainedToJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	boom := f.addGroup("ИС-21", "view.php?id=1")
	ok := f.addGroup("ПК-22", "view.php?id=2")
	f.rec.panics[boom.ID] = true

	report, err := f.svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report.Failed = %d, want 1", report.Failed)
	}
	var boomErr error
	for _, gr := range report.Groups {
		if gr.Group.ID == boom.ID {
			boomErr = gr.Err
		}
		if gr.Group.ID == ok.ID && gr.Err != nil {
			t.Fatalf("healthy group failed: %v", gr.Err)
		}
	}
	if boomErr == nil {
		t.Fatalf("panicking group's report carries no error")
	}
}

func TestRunPublishesCycleEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.addGroup("ИС-21", "view.php?id=1")

	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	if _, err := f.svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var types []string
drain:
	for {
		select {
		case e := <-events:
			types = append(types, e.Type)
		default:
			break drain
		}
	}

	want := []string{EventCycleStarted, EventGroupSynced, EventCycleFinished}
	if len(types) != len(want) {
		t.Fatalf("published events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}
