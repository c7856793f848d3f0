// Package syncer runs the periodic synchronization cycle: probe the
// source, enumerate active groups, and fan one job per group out over a
// bounded worker pool. Each job fetches the group's document, parses it
// into candidate entries and hands them to the reconciler. A fetch or
// parse failure poisons only that group's job; the reconciler is not
// invoked for it at all, so neither creates nor deactivations happen on
// stale input.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"schedsync/internal/eventbus"
	"schedsync/internal/notify"
	"schedsync/internal/schedule"
	"schedsync/internal/storage"
	"schedsync/pkg/logx"
)

const defaultWorkers = 4

type Service struct {
	mu  sync.Mutex
	cfg Config

	fetcher  Fetcher
	parser   Parser
	rec      Reconciler
	store    storage.Store
	notifier notify.Notifier
	bus      eventbus.Bus
	log      logx.Logger

	state runState
}

func New(cfg Config, fetcher Fetcher, parser Parser, rec Reconciler, store storage.Store, notifier notify.Notifier, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Service{
		cfg:      cfg,
		fetcher:  fetcher,
		parser:   parser,
		rec:      rec,
		store:    store,
		notifier: notifier,
		bus:      bus,
		log:      log,
	}
}

// SetWorkers adjusts the fan-out width. It applies from the next cycle;
// a cycle already running keeps the width it started with.
func (s *Service) SetWorkers(n int) {
	if n <= 0 {
		n = defaultWorkers
	}
	s.mu.Lock()
	s.cfg.Workers = n
	s.mu.Unlock()
}

func (s *Service) workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Workers
}

// Run executes one full cycle and returns its report. A cycle triggered
// while the previous one is still running returns ErrCycleRunning
// without side effects.
func (s *Service) Run(ctx context.Context) (CycleReport, error) {
	if !s.state.tryAcquire() {
		s.log.Warn("cycle skipped: previous still running")
		return CycleReport{}, ErrCycleRunning
	}
	defer s.state.release()

	started := time.Now()
	report := CycleReport{Started: started}

	if err := s.fetcher.Probe(ctx); err != nil {
		s.log.Warn("cycle aborted", logx.Err(err))
		return report, fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}

	epoch := schedule.NewEpoch(started)
	report.Epoch = epoch

	groups, err := s.store.ActiveGroups(ctx)
	if err != nil {
		return report, fmt.Errorf("list groups: %w", err)
	}

	s.bus.Publish(eventbus.Event{Type: EventCycleStarted, Data: CycleEvent{
		Epoch:  int64(epoch),
		Groups: len(groups),
	}})
	workers := s.workers()
	s.log.Info("cycle started",
		logx.Int64("epoch", int64(epoch)),
		logx.Int("groups", len(groups)),
		logx.Int("workers", workers))

	report.Groups = s.fanOut(ctx, epoch, groups, workers)

	for _, gr := range report.Groups {
		if gr.Err != nil {
			report.Failed++
			continue
		}
		if gr.Changed() {
			report.Changed++
		}
	}
	report.Took = time.Since(started)

	s.announce(ctx, report)

	s.bus.Publish(eventbus.Event{Type: EventCycleFinished, Data: CycleEvent{
		Epoch:   int64(epoch),
		Groups:  len(groups),
		Failed:  report.Failed,
		Changed: report.Changed,
		Took:    report.Took,
	}})
	s.log.Info("cycle finished",
		logx.Int64("epoch", int64(epoch)),
		logx.Int("groups", len(groups)),
		logx.Int("failed", report.Failed),
		logx.Int("changed", report.Changed),
		logx.Duration("took", report.Took))

	return report, nil
}

// fanOut dispatches one job per group over the given number of worker
// goroutines and collects the reports in group order.
func (s *Service) fanOut(ctx context.Context, epoch schedule.Epoch, groups []schedule.Group, workers int) []GroupReport {
	if len(groups) == 0 {
		return nil
	}

	type indexed struct {
		idx    int
		report GroupReport
	}

	jobs := make(chan int)
	results := make(chan indexed, len(groups))

	var wg sync.WaitGroup
	if workers > len(groups) {
		workers = len(groups)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results <- indexed{idx: idx, report: s.syncGroup(ctx, epoch, groups[idx])}
			}
		}()
	}

	for i := range groups {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]GroupReport, len(groups))
	for r := range results {
		out[r.idx] = r.report
	}
	return out
}

// syncGroup runs one group's job. A panic inside the pipeline is
// contained to the job and surfaces as its error.
func (s *Service) syncGroup(ctx context.Context, epoch schedule.Epoch, g schedule.Group) (report GroupReport) {
	report.Group = g
	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("panic in group job: %v", r)
			s.log.Error("group job panicked",
				logx.Int64("group_id", g.ID),
				logx.Any("panic", r))
		}
	}()

	doc, err := s.fetcher.Fetch(ctx, g.Link)
	if err != nil {
		report.Err = fmt.Errorf("fetch: %w", err)
		s.log.Warn("group fetch failed",
			logx.Int64("group_id", g.ID),
			logx.String("group", g.Title),
			logx.Err(err))
		return report
	}

	entries, err := s.parser.Parse(g.ID, doc)
	if err != nil {
		report.Err = fmt.Errorf("parse: %w", err)
		s.log.Warn("group parse failed",
			logx.Int64("group_id", g.ID),
			logx.String("group", g.Title),
			logx.Err(err))
		return report
	}

	res, err := s.rec.Reconcile(ctx, epoch, g.ID, entries)
	if err != nil {
		report.Err = fmt.Errorf("reconcile: %w", err)
		s.log.Error("group reconcile failed",
			logx.Int64("group_id", g.ID),
			logx.String("group", g.Title),
			logx.Err(err))
		return report
	}

	report.Created = res.Created
	report.Deactivated = res.Deactivated
	report.Affected = res.Affected.Sorted()
	return report
}

// announce notifies subscribers about every group whose schedule
// changed and publishes per-group events. Notification failures are
// logged and do not fail the cycle.
func (s *Service) announce(ctx context.Context, report CycleReport) {
	for _, gr := range report.Groups {
		ev := GroupEvent{
			GroupID:     gr.Group.ID,
			Group:       gr.Group.Title,
			Created:     gr.Created,
			Deactivated: gr.Deactivated,
			Started:     report.Started,
		}
		if gr.Err != nil {
			ev.Error = gr.Err.Error()
		}
		for _, d := range gr.Affected {
			ev.Dates = append(ev.Dates, d.Format(schedule.DateFormat))
		}
		s.bus.Publish(eventbus.Event{Type: EventGroupSynced, Data: ev})

		if !gr.Changed() || s.notifier == nil {
			continue
		}
		if err := s.notifier.ScheduleChanged(ctx, gr.Group, gr.Affected); err != nil {
			s.log.Warn("notify failed",
				logx.Int64("group_id", gr.Group.ID),
				logx.Err(err))
		}
	}
}
