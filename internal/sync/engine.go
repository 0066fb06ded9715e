// Package sync owns the background synchronization of workspace queries
// into the cache and store.
//
// The strategy is incremental: each workspace keeps an updated-at cursor,
// and the effective query restricts to issues updated strictly after it.
// A failed round leaves the cursor untouched, so the next tick re-covers
// the same window.
package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/issuefs/issuefs/internal/cache"
	"github.com/issuefs/issuefs/internal/render"
	"github.com/issuefs/issuefs/internal/store"
	"github.com/issuefs/issuefs/internal/tracker"
)

// TrackerClient is the remote surface the engine consumes.
type TrackerClient interface {
	SearchPage(ctx context.Context, query, cursor string, limit int) (tracker.SearchPage, error)
	GetIssue(ctx context.Context, key string) (*tracker.Issue, error)
}

type msgKind int

const (
	msgTick msgKind = iota
	msgManual
	msgFull
)

// Config holds the engine's tunables.
type Config struct {
	Interval             time.Duration
	Budget               int
	MaxConcurrentFetches int
	PageSize             int
	CommentsInlineLimit  int
}

// Engine drives per-workspace sync rounds off a message channel. One
// worker goroutine owns the channel; a timer goroutine posts ticks.
type Engine struct {
	client     TrackerClient
	cache      *cache.Cache
	store      *store.Store
	cfg        Config
	workspaces map[string]string // name -> query
	meta       *Meta

	msgCh  chan msgKind
	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
	log    *logrus.Entry
}

// New creates an engine over the given workspaces (name -> query).
func New(client TrackerClient, c *cache.Cache, st *store.Store, workspaces map[string]string, cfg Config) *Engine {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxConcurrentFetches == 0 {
		cfg.MaxConcurrentFetches = 4
	}
	if cfg.Budget == 0 {
		cfg.Budget = 200
	}
	return &Engine{
		client:     client,
		cache:      c,
		store:      st,
		cfg:        cfg,
		workspaces: workspaces,
		meta:       NewMeta(),
		msgCh:      make(chan msgKind, 8),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
		log:        logrus.WithField("component", "sync"),
	}
}

// Meta exposes the sync-meta scalars for the filesystem and control layers.
func (e *Engine) Meta() *Meta {
	return e.meta
}

// SetClock overrides the clock (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start hydrates warm-start state from the store and launches the worker
// and timer goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.warmStart(ctx)
	e.meta.setState(Running)
	e.meta.setNextSyncAt(e.now().Add(e.cfg.Interval))
	go e.run(ctx)
	go e.tick(ctx)
}

// Stop shuts the engine down and waits for the worker to drain.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
		return
	default:
	}
	close(e.stopCh)
	<-e.doneCh
}

// TriggerManual posts a manual resync. The message channel is buffered;
// when full the trigger coalesces with one already pending.
func (e *Engine) TriggerManual() {
	select {
	case e.msgCh <- msgManual:
	default:
	}
}

// TriggerFull posts a full resync (cursors ignored for the round).
func (e *Engine) TriggerFull() {
	select {
	case e.msgCh <- msgFull:
	default:
	}
}

// RequestRefresh is the filesystem's miss signal; it behaves like a manual
// trigger.
func (e *Engine) RequestRefresh() {
	e.TriggerManual()
}

// warmStart hydrates listings and cursors for all configured workspaces.
// Issue artifacts load lazily on first access.
func (e *Engine) warmStart(ctx context.Context) {
	for name := range e.workspaces {
		entries, cachedAt, err := e.store.GetListing(ctx, name)
		if err != nil {
			if err != store.ErrNotFound {
				e.log.WithField("workspace", name).Warnf("warm start listing failed: %v", err)
			}
			continue
		}
		cursor, err := e.store.GetCursor(ctx, name)
		if err != nil && err != store.ErrNotFound {
			e.log.WithField("workspace", name).Warnf("warm start cursor failed: %v", err)
		}
		e.cache.SeedListing(name, entries, cachedAt, cursor)
	}
}

func (e *Engine) tick(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			select {
			case e.msgCh <- msgTick:
			default:
			}
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.meta.setState(Stopped)
		close(e.doneCh)
	}()

	// Initial round before the first tick.
	e.round(ctx, msgTick)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case msg := <-e.msgCh:
			e.round(ctx, msg)
		}
	}
}

// round performs one sync pass over all workspaces, in name order, and
// settles the sync-meta scalars at the end.
func (e *Engine) round(ctx context.Context, msg msgKind) {
	full := msg == msgFull
	roundID := uuid.NewString()[:8]
	log := e.log.WithField("round", roundID)
	start := e.now()

	e.meta.BeginSync()

	names := make([]string, 0, len(e.workspaces))
	for name := range e.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)

	budget := e.cfg.Budget
	degraded := false
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if err := e.syncWorkspace(ctx, log, name, e.workspaces[name], full, &budget); err != nil {
			log.WithField("workspace", name).Warnf("workspace sync failed: %v", err)
			e.meta.RecordError(name, err, e.now())
			degraded = true
		}
	}

	end := e.now()
	e.meta.EndSync(end, full, degraded, end.Add(e.cfg.Interval))
	log.WithFields(logrus.Fields{
		"full":     full,
		"degraded": degraded,
		"duration": end.Sub(start).Round(time.Millisecond).String(),
	}).Info("sync round complete")
}

// syncWorkspace runs one round for a single workspace: list, merge, fetch
// changed artifacts, advance the cursor.
func (e *Engine) syncWorkspace(ctx context.Context, log *logrus.Entry, name, query string, full bool, budget *int) error {
	var cursor time.Time
	if !full {
		if l, ok := e.cache.GetListing(name); ok {
			cursor = l.Cursor
		}
	}

	refs, listTruncated, err := e.listAll(ctx, composeQuery(query, cursor), *budget)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	merged := mergeListing(e.cache, name, refs, cursor, full)

	// Listing replacement happens before any artifact fetches from this
	// round. The cursor is only advanced after the fetches succeed.
	if err := e.cache.PutListing(ctx, name, merged, cursor); err != nil {
		return fmt.Errorf("put listing: %w", err)
	}

	toFetch := e.changedRefs(ctx, refs)
	truncated := listTruncated
	if len(toFetch) > *budget {
		log.WithField("workspace", name).Infof("fetch budget exhausted, deferring %d issues", len(toFetch)-*budget)
		toFetch = toFetch[:*budget]
		truncated = true
	}
	*budget -= len(toFetch)

	if err := e.fetchArtifacts(ctx, toFetch); err != nil {
		return err
	}

	// A budget-truncated round leaves the cursor alone so the deferred
	// issues are re-covered by the next tick.
	if len(refs) > 0 && !truncated {
		next := maxUpdated(refs)
		if err := e.store.UpsertCursor(ctx, name, next); err != nil {
			e.log.WithField("workspace", name).Warnf("cursor upsert skipped: %v", err)
		}
		if err := e.cache.PutListing(ctx, name, merged, next); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	return nil
}

// listAll paginates the search until the stream ends or the remaining
// fetch budget is covered. truncated reports an early stop.
func (e *Engine) listAll(ctx context.Context, query string, budget int) (refs []tracker.IssueRef, truncated bool, err error) {
	cursor := ""
	for {
		page, err := e.client.SearchPage(ctx, query, cursor, e.cfg.PageSize)
		if err != nil {
			return nil, false, err
		}
		refs = append(refs, page.Issues...)
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		if len(refs) >= budget {
			return refs, true, nil
		}
		cursor = page.NextCursor
	}
	return refs, false, nil
}

// mergeListing applies the round's returned refs over the prior listing.
// The returned set is authoritative for entries at or above the cursor;
// older entries are retained so incremental sync does not lose history.
func mergeListing(c *cache.Cache, workspace string, refs []tracker.IssueRef, cursor time.Time, full bool) []tracker.IssueRef {
	byKey := make(map[string]tracker.IssueRef, len(refs))
	for _, r := range refs {
		byKey[r.Key] = r
	}

	if !full {
		if prior, ok := c.GetListing(workspace); ok {
			for _, old := range prior.Entries {
				if _, replaced := byKey[old.Key]; replaced {
					continue
				}
				if !cursor.IsZero() && !old.Updated.Before(cursor) {
					continue
				}
				byKey[old.Key] = old
			}
		}
	}

	merged := make([]tracker.IssueRef, 0, len(byKey))
	for _, r := range byKey {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Updated.Equal(merged[j].Updated) {
			return merged[i].Updated.After(merged[j].Updated)
		}
		return merged[i].Key < merged[j].Key
	})
	return merged
}

// changedRefs filters to refs whose updated stamp is newer than the cached
// artifact, or that have no artifact at all.
func (e *Engine) changedRefs(ctx context.Context, refs []tracker.IssueRef) []tracker.IssueRef {
	var out []tracker.IssueRef
	for _, r := range refs {
		if a, ok := e.cache.GetOrHydrateArtifact(ctx, r.Key); ok && !r.Updated.After(a.Updated) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// fetchArtifacts fans out artifact fetches bounded by
// max_concurrent_fetches. A stale-served result counts as a failure for
// cursor purposes: the remote did not answer, so the window re-syncs.
func (e *Engine) fetchArtifacts(ctx context.Context, refs []tracker.IssueRef) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentFetches)
	for _, ref := range refs {
		key := ref.Key
		g.Go(func() error {
			_, stale, err := e.cache.FetchArtifact(gctx, key, func(fctx context.Context) (cache.Artifact, error) {
				return e.fetchAndRender(fctx, key)
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key, err)
			}
			if stale {
				return fmt.Errorf("fetch %s: served stale after remote failure", key)
			}
			return nil
		})
	}
	return g.Wait()
}

// fetchAndRender pulls one issue and renders its artifact.
func (e *Engine) fetchAndRender(ctx context.Context, key string) (cache.Artifact, error) {
	issue, err := e.client.GetIssue(ctx, key)
	if err != nil {
		return cache.Artifact{}, err
	}
	art, err := render.Render(issue, render.Options{CommentsInlineLimit: e.cfg.CommentsInlineLimit})
	if err != nil {
		return cache.Artifact{}, err
	}
	return cache.Artifact{Main: art.Main, Sidecar: art.Sidecar, Updated: issue.UpdatedAt}, nil
}

// composeQuery builds the effective tracker query. Strict inequality on
// the cursor keeps exact-boundary entries from re-emitting.
func composeQuery(query string, cursor time.Time) string {
	if cursor.IsZero() {
		return fmt.Sprintf("(%s) ORDER BY updated DESC", query)
	}
	return fmt.Sprintf("(%s) AND updated > %q ORDER BY updated DESC", query, cursor.UTC().Format(time.RFC3339))
}

func maxUpdated(refs []tracker.IssueRef) time.Time {
	var max time.Time
	for _, r := range refs {
		if r.Updated.After(max) {
			max = r.Updated
		}
	}
	return max
}
