package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/issuefs/issuefs/internal/cache"
	"github.com/issuefs/issuefs/internal/store"
	"github.com/issuefs/issuefs/internal/testutil"
	"github.com/issuefs/issuefs/internal/tracker"
)

var (
	t0 = testutil.BaseTime
	t1 = testutil.BaseTime.Add(time.Hour)
	t2 = testutil.BaseTime.Add(2 * time.Hour)
)

type testRig struct {
	mock   *testutil.MockTracker
	client *tracker.Client
	cache  *cache.Cache
	store  *store.Store
	engine *Engine
}

func newTestRig(t *testing.T, workspaces map[string]string, cfg Config) *testRig {
	t.Helper()
	mock := testutil.NewMockTracker()
	t.Cleanup(mock.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	client := tracker.NewClient(mock.URL(), "tok")
	client.SetMaxRetries(0)

	c := cache.New(st, time.Minute)
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	e := New(client, c, st, workspaces, cfg)
	return &testRig{mock: mock, client: client, cache: c, store: st, engine: e}
}

func defaultWorkspace() map[string]string {
	return map[string]string{"default": "project = PROJ"}
}

func TestColdSync(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))
	rig.mock.AddIssue(testutil.NewIssue("PROJ-2", t1))

	rig.engine.round(context.Background(), msgTick)

	listing, ok := rig.cache.GetListing("default")
	if !ok {
		t.Fatal("listing missing after cold sync")
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(listing.Entries))
	}
	// Descending by updated.
	if listing.Entries[0].Key != "PROJ-2" || listing.Entries[1].Key != "PROJ-1" {
		t.Errorf("order = %s, %s", listing.Entries[0].Key, listing.Entries[1].Key)
	}

	for _, key := range []string{"PROJ-1", "PROJ-2"} {
		a, ok := rig.cache.Artifact(key)
		if !ok {
			t.Fatalf("artifact %s missing", key)
		}
		if !strings.Contains(string(a.Main), "id: "+key) {
			t.Errorf("artifact %s not rendered", key)
		}
	}

	cursor, err := rig.store.GetCursor(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if !cursor.Equal(t1) {
		t.Errorf("cursor = %v, want %v", cursor, t1)
	}

	meta := rig.engine.Meta()
	if meta.State() != Running {
		t.Errorf("state = %v, want Running", meta.State())
	}
	if meta.LastSync().IsZero() {
		t.Error("last_sync not set")
	}
	if meta.InProgress() {
		t.Error("sync_in_progress stuck on")
	}
}

func TestIncrementalSyncFetchesOnlyChanged(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))
	rig.mock.AddIssue(testutil.NewIssue("PROJ-2", t1))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)

	beforeMain, _ := rig.cache.Artifact("PROJ-1")

	// PROJ-2 changes remotely; PROJ-1 stays put.
	rig.mock.AddIssue(testutil.NewIssue("PROJ-2", t2))
	rig.engine.round(ctx, msgTick)

	if got := rig.mock.GetCalls("PROJ-1"); got != 1 {
		t.Errorf("PROJ-1 fetched %d times, want 1 (unchanged)", got)
	}
	if got := rig.mock.GetCalls("PROJ-2"); got != 2 {
		t.Errorf("PROJ-2 fetched %d times, want 2", got)
	}

	// Incremental query carries the strict cursor clause.
	if q := rig.mock.LastSearchQuery(); !strings.Contains(q, `updated > "`+t1.Format(time.RFC3339)+`"`) {
		t.Errorf("incremental query = %q", q)
	}

	afterMain, _ := rig.cache.Artifact("PROJ-1")
	if string(beforeMain.Main) != string(afterMain.Main) {
		t.Error("unchanged artifact bytes were replaced")
	}

	cursor, _ := rig.store.GetCursor(context.Background(), "default")
	if !cursor.Equal(t2) {
		t.Errorf("cursor = %v, want %v", cursor, t2)
	}

	// The merged listing still holds the older entry.
	listing, _ := rig.cache.GetListing("default")
	if len(listing.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (history retained)", len(listing.Entries))
	}
}

func TestFailedSyncLeavesCursor(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)
	before, err := rig.store.GetCursor(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}

	rig.mock.FailSearches(10)
	rig.engine.round(ctx, msgTick)

	after, err := rig.store.GetCursor(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if !after.Equal(before) {
		t.Errorf("cursor moved across failed sync: %v -> %v", before, after)
	}
	if rig.engine.Meta().State() != Degraded {
		t.Errorf("state = %v, want Degraded", rig.engine.Meta().State())
	}
	if len(rig.engine.Meta().Errors()) == 0 {
		t.Error("workspace error not recorded")
	}
}

func TestDegradedClearsOnSuccess(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))

	ctx := context.Background()
	rig.mock.FailSearches(1)
	rig.engine.round(ctx, msgTick)
	if rig.engine.Meta().State() != Degraded {
		t.Fatalf("state = %v, want Degraded", rig.engine.Meta().State())
	}

	rig.engine.round(ctx, msgTick)
	if rig.engine.Meta().State() != Running {
		t.Errorf("state = %v, want Running after clean tick", rig.engine.Meta().State())
	}
	if len(rig.engine.Meta().Errors()) != 0 {
		t.Error("errors should clear on a fully successful tick")
	}
}

func TestFetchFailureServesStaleAndDegrades(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)
	before, _ := rig.store.GetCursor(ctx, "default")

	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t1))
	rig.mock.FailGets(10)
	rig.engine.round(ctx, msgTick)

	// Prior bytes still serve.
	a, ok := rig.cache.Artifact("PROJ-1")
	if !ok {
		t.Fatal("stale artifact evicted")
	}
	if !a.Updated.Equal(t0) {
		t.Errorf("artifact updated = %v, want stale %v", a.Updated, t0)
	}
	if rig.cache.StaleServed() == 0 {
		t.Error("stale-served counter not bumped")
	}
	if rig.engine.Meta().State() != Degraded {
		t.Errorf("state = %v, want Degraded", rig.engine.Meta().State())
	}
	after, _ := rig.store.GetCursor(ctx, "default")
	if !after.Equal(before) {
		t.Error("cursor advanced despite fetch failure")
	}
}

func TestFullResync(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))
	rig.mock.AddIssue(testutil.NewIssue("PROJ-2", t1))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)

	rig.engine.round(ctx, msgFull)

	// A full round composes the query without a cursor clause.
	if q := rig.mock.LastSearchQuery(); strings.Contains(q, "updated >") {
		t.Errorf("full resync query carries cursor: %q", q)
	}
	if rig.engine.Meta().LastFullSync().IsZero() {
		t.Error("last_full_sync not set")
	}
	// Cursor restored to the max at tick end.
	cursor, _ := rig.store.GetCursor(ctx, "default")
	if !cursor.Equal(t1) {
		t.Errorf("cursor = %v, want %v", cursor, t1)
	}
}

func TestZeroResultsLeavesCursorUnset(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)

	listing, ok := rig.cache.GetListing("default")
	if !ok {
		t.Fatal("listing should exist even when empty")
	}
	if len(listing.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(listing.Entries))
	}
	if _, err := rig.store.GetCursor(ctx, "default"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cursor = %v, want unset", err)
	}
}

func TestBudgetDefersFetches(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{Budget: 1})
	rig.mock.AddIssue(testutil.NewIssue("PROJ-1", t0))
	rig.mock.AddIssue(testutil.NewIssue("PROJ-2", t1))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)

	fetched := 0
	for _, key := range []string{"PROJ-1", "PROJ-2"} {
		if _, ok := rig.cache.Artifact(key); ok {
			fetched++
		}
	}
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1 (budget)", fetched)
	}
	// Cursor stays put so the deferred issue is re-covered next tick.
	if _, err := rig.store.GetCursor(ctx, "default"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cursor = %v, want unset after truncated round", err)
	}

	rig.engine.round(ctx, msgTick)
	for _, key := range []string{"PROJ-1", "PROJ-2"} {
		if _, ok := rig.cache.Artifact(key); !ok {
			t.Errorf("artifact %s still missing after second tick", key)
		}
	}
}

func TestOverlappingWorkspacesShareArtifact(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, map[string]string{
		"a": "project = X",
		"b": "assignee = me AND project = X",
	}, Config{})
	rig.mock.AddIssue(testutil.NewIssue("X-7", t0))

	ctx := context.Background()
	rig.engine.round(ctx, msgTick)

	for _, ws := range []string{"a", "b"} {
		listing, ok := rig.cache.GetListing(ws)
		if !ok || len(listing.Entries) != 1 || listing.Entries[0].Key != "X-7" {
			t.Errorf("workspace %s listing = %+v", ws, listing)
		}
	}
	// One artifact fetch total: the second workspace found it unchanged.
	if got := rig.mock.GetCalls("X-7"); got != 1 {
		t.Errorf("X-7 fetched %d times, want 1", got)
	}
}

func TestWarmStart(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	ctx := context.Background()

	entries := []tracker.IssueRef{{Key: "PROJ-1", Updated: t0}}
	if err := rig.store.UpsertListing(ctx, "default", entries, t0); err != nil {
		t.Fatal(err)
	}
	if err := rig.store.UpsertCursor(ctx, "default", t0); err != nil {
		t.Fatal(err)
	}

	rig.engine.warmStart(ctx)

	listing, ok := rig.cache.GetListing("default")
	if !ok {
		t.Fatal("warm start did not hydrate listing")
	}
	if len(listing.Entries) != 1 || !listing.Cursor.Equal(t0) {
		t.Errorf("listing = %+v", listing)
	}
}

func TestTriggersNonBlocking(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, defaultWorkspace(), Config{})
	// No worker is draining the channel; posts must still not block.
	for i := 0; i < 50; i++ {
		rig.engine.TriggerManual()
		rig.engine.TriggerFull()
	}
}

func TestComposeQuery(t *testing.T) {
	t.Parallel()
	if q := composeQuery("project = PROJ", time.Time{}); q != "(project = PROJ) ORDER BY updated DESC" {
		t.Errorf("full query = %q", q)
	}
	want := `(project = PROJ) AND updated > "2024-06-01T12:00:00Z" ORDER BY updated DESC`
	if q := composeQuery("project = PROJ", t0); q != want {
		t.Errorf("incremental query = %q, want %q", q, want)
	}
}

func TestSecondsToNextSync(t *testing.T) {
	t.Parallel()
	m := NewMeta()
	m.setNextSyncAt(t0.Add(90 * time.Second))
	if got := m.SecondsToNextSync(t0); got != 90 {
		t.Errorf("seconds = %d, want 90", got)
	}
	// Never negative.
	if got := m.SecondsToNextSync(t0.Add(5 * time.Minute)); got != 0 {
		t.Errorf("seconds = %d, want 0", got)
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		Stopped:  "stopped",
		Running:  "running",
		Syncing:  "syncing",
		Degraded: "degraded",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}
