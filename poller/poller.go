// Package poller stands in for the "background polling scheduler" external
// collaborator named as out-of-scope in spec.md §1: a ticker-driven loop
// that periodically calls the Caller API's FetchMultipleSubredditPosts
// operation and keeps a mutex-guarded snapshot of the outcome, the same
// concurrency shape as the teacher's stats.Collector.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/likeminded/reddit-core/apicore"
	"github.com/likeminded/reddit-core/client"
)

// SubredditSnapshot is the last observed outcome for one subreddit.
type SubredditSnapshot struct {
	PostCount   int
	Err         string
	LastFetched time.Time
}

// Snapshot is the poller's current view across all configured subreddits.
type Snapshot struct {
	Subreddits  map[string]SubredditSnapshot
	LastRunAt   time.Time
	RunCount    int
}

// Poller periodically fetches posts for a fixed set of subreddits through
// the Caller API, demonstrating how an external scheduler would drive it.
type Poller struct {
	core       *apicore.ApiCore
	subreddits []string
	interval   time.Duration
	log        *logrus.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

// New builds a Poller against an already-wired ApiCore.
func New(core *apicore.ApiCore, subreddits []string, interval time.Duration, log *logrus.Logger) *Poller {
	return &Poller{
		core:       core,
		subreddits: subreddits,
		interval:   interval,
		log:        log,
		snapshot:   Snapshot{Subreddits: make(map[string]SubredditSnapshot)},
	}
}

// Run ticks until ctx is cancelled, fetching all configured subreddits on
// every tick and logging the outcome the way the teacher's collector did.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.poll(ctx); err != nil {
		p.log.WithError(err).Error("initial poll failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.log.WithError(err).Error("poll failed")
			}
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.interval/2)
	defer cancel()

	results, err := p.core.FetchMultipleSubredditPosts(fetchCtx, p.subreddits, client.SubredditPostsOptions{Sort: "hot", Limit: 25})
	if err != nil {
		return err
	}

	snapshot := Snapshot{Subreddits: make(map[string]SubredditSnapshot, len(results)), LastRunAt: time.Now()}
	for _, result := range results {
		entry := SubredditSnapshot{LastFetched: time.Now()}
		if result.Err != nil {
			entry.Err = result.Err.Error()
			p.log.WithError(result.Err).WithField("subreddit", result.Subreddit).Warn("subreddit fetch failed")
		} else {
			entry.PostCount = len(result.Listing.Data.Children)
		}
		snapshot.Subreddits[result.Subreddit] = entry
	}

	p.mu.Lock()
	snapshot.RunCount = p.snapshot.RunCount + 1
	p.snapshot = snapshot
	p.mu.Unlock()

	p.log.WithField("subreddit_count", len(p.subreddits)).WithField("run_count", snapshot.RunCount).Info("poll cycle complete")
	return nil
}

// GetSnapshot returns a copy of the poller's last observed state.
func (p *Poller) GetSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}
