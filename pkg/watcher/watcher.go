// Package watcher keeps a set of targets synchronized over time. Each round
// asks every target whether it is still consistent with its bound (a cheap
// question most of the time, thanks to check intervals) and synchronizes the
// stale ones.
package watcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bpineau/gitbound/pkg/event"
	"github.com/bpineau/gitbound/pkg/recorder"
	"github.com/bpineau/gitbound/pkg/synchronizer"
)

// DefaultInterval is the duration between rounds when none is given
const DefaultInterval = 60 * time.Second

// Syncer checks and synchronizes targets
type Syncer interface {
	IsConsistent(ctx context.Context, t *synchronizer.Target, now time.Time) (bool, error)
	Check(ctx context.Context, t *synchronizer.Target, now time.Time) (bool, error)
	SynchronizeLocked(ctx context.Context, t *synchronizer.Target, now time.Time) (*synchronizer.Result, error)
}

type logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Watcher polls targets and synchronizes them when they go stale
type Watcher struct {
	sync.Mutex  // protect synced
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	logger      logger
	syncer      Syncer
	notifier    event.Notifier
	targets     []*synchronizer.Target
	interval    time.Duration
	concurrency int
	dryRun      bool
	synced      map[string]bool
	now         func() time.Time
}

// New returns a Watcher. notifier may be nil when nobody listens for
// summaries. In dry-run mode, stale targets are reported but left alone.
func New(log logger, syncer Syncer, notifier event.Notifier, targets []*synchronizer.Target,
	interval time.Duration, concurrency int, dryRun bool) *Watcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Watcher{
		logger:      log,
		syncer:      syncer,
		notifier:    notifier,
		targets:     targets,
		interval:    interval,
		concurrency: concurrency,
		dryRun:      dryRun,
		synced:      make(map[string]bool),
		now:         time.Now,
	}
}

// Start runs rounds in a detached goroutine
func (w *Watcher) Start() *Watcher {
	w.logger.Infof("Starting watcher on %d targets", len(w.targets))

	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		defer close(w.doneCh)

		for {
			if err := w.Round(ctx); err != nil {
				w.logger.Errorf("Round failed: %v", err)
			}

			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()

	return w
}

// Stop halts the watcher, interrupting ongoing git commands
func (w *Watcher) Stop() {
	w.logger.Infof("Stopping watcher")
	w.cancel()
	close(w.stopCh)
	<-w.doneCh
}

// Round checks every target once, synchronizing the stale ones. All the
// targets of a round share the same time reference. It returns the first
// failure, once all targets were processed.
func (w *Watcher) Round(ctx context.Context) error {
	now := w.now()

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for _, t := range w.targets {
		t := t
		g.Go(func() error {
			return w.refresh(ctx, t, now)
		})
	}

	return g.Wait()
}

func (w *Watcher) refresh(ctx context.Context, t *synchronizer.Target, now time.Time) error {
	w.Lock()
	first := !w.synced[t.Directory]
	w.Unlock()

	if !first || w.dryRun {
		check := w.syncer.IsConsistent
		if w.dryRun {
			check = w.syncer.Check
		}

		ok, err := check(ctx, t, now)
		if err != nil {
			w.logger.Errorf("Consistency check of %s failed: %v", t.Directory, err)
			w.withdraw(t)
			return err
		}
		if ok {
			return nil
		}
		if w.dryRun {
			w.logger.Warnf("%s is stale (dry-run, not synchronizing)", t.Directory)
			return nil
		}
	}

	res, err := w.syncer.SynchronizeLocked(ctx, t, now)
	if err != nil {
		w.logger.Errorf("Synchronization of %s failed: %v", t.Directory, err)
		w.withdraw(t)
		return err
	}

	w.Lock()
	w.synced[t.Directory] = true
	w.Unlock()

	w.publish(res, now)
	return nil
}

func (w *Watcher) publish(res *synchronizer.Result, now time.Time) {
	if w.notifier == nil {
		return
	}

	data, err := recorder.NewSummary(res, now).YAML()
	if err != nil {
		w.logger.Errorf("failed to serialize %s summary: %v", res.Directory, err)
		return
	}

	w.notifier.Send(&event.Notification{
		Action: event.Upsert,
		Key:    recorder.Key(res.Directory),
		Kind:   recorder.Kind,
		Object: data,
	})
}

// withdraw removes the summary of a failed target, so consumers don't use
// outputs that may not match the bound anymore.
func (w *Watcher) withdraw(t *synchronizer.Target) {
	w.Lock()
	delete(w.synced, t.Directory)
	w.Unlock()

	if w.notifier == nil {
		return
	}

	w.notifier.Send(&event.Notification{
		Action: event.Delete,
		Key:    recorder.Key(t.Directory),
		Kind:   recorder.Kind,
	})
}
