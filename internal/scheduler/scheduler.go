// Package scheduler runs the fetch, diff, route and dispatch pipeline for
// every configured feed and advances checkpoints.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"scoparia/internal/differ"
	"scoparia/internal/dispatch"
	"scoparia/internal/mention"
	"scoparia/internal/model"
	"scoparia/internal/storage"
)

// Fetcher loads the items of a site feed, newest first.
type Fetcher interface {
	Fetch(ctx context.Context, siteURL string) ([]model.FeedItem, error)
}

// Router turns the mentions of an item into payloads.
type Router interface {
	Route(ctx context.Context, item model.FeedItem, mentions []model.Mention) ([]model.NotificationPayload, error)
}

// ReplyDetector finds the users an item answers. Reset is called at the
// start of every run.
type ReplyDetector interface {
	Targets(ctx context.Context, item model.FeedItem) ([]model.Mention, error)
	Reset()
}

// Dispatcher sends payloads and reports one result per payload.
type Dispatcher interface {
	Dispatch(ctx context.Context, payloads []model.NotificationPayload) []dispatch.Result
}

// Failure is one payload that was not delivered.
type Failure struct {
	ItemID   string
	Username string
	Channel  model.Channel
	Kind     dispatch.Kind
	Err      error
}

// FeedReport summarises one feed of a run.
type FeedReport struct {
	FeedID    string
	Items     int
	Payloads  int
	Sent      int
	Failures  []Failure
	Gap       bool
	Committed *model.FeedCheckpoint
	Err       error
}

// Summary is the outcome of one run.
type Summary struct {
	RunID    string
	Feeds    []FeedReport
	Duration time.Duration
}

// Failed counts undelivered payloads across feeds.
func (s Summary) Failed() int {
	n := 0
	for _, f := range s.Feeds {
		n += len(f.Failures)
	}
	return n
}

// Scheduler checks feeds and sends notifications.
type Scheduler struct {
	store      storage.Storage
	fetcher    Fetcher
	router     Router
	dispatcher Dispatcher
	sites      []string
	workers    int
	log        *slog.Logger
	prepare    func(ctx context.Context) error
	replies    ReplyDetector

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Scheduler for sites. At most workers feeds are processed
// at once.
func New(store storage.Storage, f Fetcher, r Router, d Dispatcher, sites []string, workers int, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:      store,
		fetcher:    f,
		router:     r,
		dispatcher: d,
		sites:      sites,
		workers:    workers,
		log:        log,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetPrepare registers a hook that runs at the start of every run, before
// any feed is fetched. A failing hook is logged and the run continues.
func (s *Scheduler) SetPrepare(fn func(ctx context.Context) error) {
	s.prepare = fn
}

// SetReplyDetector enables reply notifications. Reply targets are routed
// together with the mentions of each item.
func (s *Scheduler) SetReplyDetector(d ReplyDetector) {
	s.replies = d
}

// Run calls RunOnce immediately and then on every tick of the cron
// schedule, blocking until ctx is cancelled. Overlapping ticks are skipped.
func (s *Scheduler) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	s.RunOnce(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce processes every feed once.
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	start := time.Now()
	sum := Summary{RunID: uuid.NewString(), Feeds: make([]FeedReport, len(s.sites))}
	log := s.log.With("run_id", sum.RunID)
	log.Info("run started", "feeds", len(s.sites))

	if s.prepare != nil {
		if err := s.prepare(ctx); err != nil {
			log.Error("prepare run", "error", err)
		}
	}
	if s.replies != nil {
		s.replies.Reset()
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, site := range s.sites {
		g.Go(func() error {
			sum.Feeds[i] = s.processFeed(ctx, site, log.With("feed", site))
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = time.Since(start)
	s.logSummary(log, sum)
	return sum
}

func (s *Scheduler) processFeed(ctx context.Context, feedID string, log *slog.Logger) FeedReport {
	report := FeedReport{FeedID: feedID}

	lock := s.feedLock(feedID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, feedID)
	if err != nil {
		log.Error("load checkpoint", "error", err)
		report.Err = fmt.Errorf("load checkpoint: %w", err)
		return report
	}

	items, err := s.fetcher.Fetch(ctx, feedID)
	if err != nil {
		log.Error("fetch feed", "error", err)
		report.Err = err
		return report
	}

	diff := differ.Diff(items, cp)
	report.Gap = diff.Gap
	report.Items = len(diff.Items)
	if diff.Gap {
		log.Warn("checkpoint item missing from feed, selecting by timestamp",
			"last_item_id", cp.LastItemID, "last_seen_at", cp.LastSeenAt)
	}
	if len(diff.Items) == 0 {
		log.Debug("no new items")
		return report
	}

	// advance is the newest item of the prefix without transient failures.
	var advance *model.FeedCheckpoint
	blocked := false
	for _, item := range diff.Items {
		if ctx.Err() != nil {
			break
		}
		if !s.processItem(ctx, item, &report, log) {
			blocked = true
		}
		if !blocked {
			next := item.Checkpoint()
			advance = &next
		}
	}

	if ctx.Err() != nil {
		log.Warn("run cancelled, checkpoint not committed")
		return report
	}
	if advance == nil {
		log.Warn("first new item failed transiently, checkpoint not advanced")
		return report
	}
	if err := s.store.CommitCheckpoint(ctx, *advance); err != nil {
		log.Error("commit checkpoint", "error", err)
		report.Err = fmt.Errorf("commit checkpoint: %w", err)
		return report
	}
	report.Committed = advance
	log.Debug("checkpoint committed", "last_item_id", advance.LastItemID)
	return report
}

// processItem routes and dispatches one item. It reports false when the
// item must be retried by a later run.
func (s *Scheduler) processItem(ctx context.Context, item model.FeedItem, report *FeedReport, log *slog.Logger) bool {
	ok := true
	mentions := mention.Extract(item)
	if s.replies != nil {
		targets, err := s.replies.Targets(ctx, item)
		if err != nil {
			log.Warn("detect replies", "item", item.ItemID, "error", err)
			ok = false
		}
		mentions = append(mentions, targets...)
	}
	if len(mentions) == 0 {
		return ok
	}

	payloads, err := s.router.Route(ctx, item, mentions)
	if err != nil {
		log.Warn("route item", "item", item.ItemID, "error", err)
		ok = false
	}
	report.Payloads += len(payloads)
	if len(payloads) == 0 {
		return ok
	}

	for _, res := range s.dispatcher.Dispatch(ctx, payloads) {
		if res.OK() {
			report.Sent++
			continue
		}
		kind := res.Kind()
		report.Failures = append(report.Failures, Failure{
			ItemID:   item.ItemID,
			Username: res.Payload.Username,
			Channel:  res.Payload.Channel,
			Kind:     kind,
			Err:      res.Err,
		})
		if kind == dispatch.KindTransient {
			ok = false
		}
	}
	return ok
}

func (s *Scheduler) feedLock(feedID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[feedID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[feedID] = l
	}
	return l
}

func (s *Scheduler) logSummary(log *slog.Logger, sum Summary) {
	var items, payloads, sent, errs int
	for _, f := range sum.Feeds {
		items += f.Items
		payloads += f.Payloads
		sent += f.Sent
		if f.Err != nil {
			errs++
		}
		for _, fl := range f.Failures {
			log.Warn("undelivered notification",
				"feed", f.FeedID,
				"item", fl.ItemID,
				"user", fl.Username,
				"channel", fl.Channel.String(),
				"kind", fl.Kind.String(),
				"error", fl.Err,
			)
		}
	}
	log.Info("run finished",
		"feeds", len(sum.Feeds),
		"feed_errors", errs,
		"items", items,
		"payloads", payloads,
		"sent", sent,
		"failed", sum.Failed(),
		"duration", sum.Duration,
	)
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}

