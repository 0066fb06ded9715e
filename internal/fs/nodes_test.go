package fs

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/issuefs/issuefs/internal/cache"
	"github.com/issuefs/issuefs/internal/store"
	syncpkg "github.com/issuefs/issuefs/internal/sync"
	"github.com/issuefs/issuefs/internal/tracker"
)

var (
	t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
)

// stubEngine satisfies Refresher without a live sync loop.
type stubEngine struct {
	meta    *syncpkg.Meta
	manual  atomic.Int32
	full    atomic.Int32
	refresh atomic.Int32
}

func newStubEngine() *stubEngine {
	return &stubEngine{meta: syncpkg.NewMeta()}
}

func (s *stubEngine) TriggerManual()      { s.manual.Add(1) }
func (s *stubEngine) TriggerFull()        { s.full.Add(1) }
func (s *stubEngine) RequestRefresh()     { s.refresh.Add(1) }
func (s *stubEngine) Meta() *syncpkg.Meta { return s.meta }

func newTestFS(t *testing.T) (*IssueFS, *cache.Cache, *stubEngine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	c := cache.New(st, time.Minute)
	engine := newStubEngine()
	ifs := New(c, engine, []string{"default", "other"})
	return ifs, c, engine
}

func drainDirStream(t *testing.T, ds gofusefs.DirStream) []string {
	t.Helper()
	var names []string
	for ds.HasNext() {
		entry, errno := ds.Next()
		if errno != 0 {
			t.Fatalf("DirStream.Next errno = %d", errno)
		}
		names = append(names, entry.Name)
	}
	return names
}

func TestRootReaddir(t *testing.T) {
	t.Parallel()
	ifs, _, _ := newTestFS(t)
	root := &RootNode{BaseNode: BaseNode{ifs: ifs}}

	ds, errno := root.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %d", errno)
	}
	names := drainDirStream(t, ds)
	if len(names) != 2 || names[0] != ".sync_meta" || names[1] != "workspaces" {
		t.Errorf("root entries = %v", names)
	}
}

func TestWorkspacesReaddirSorted(t *testing.T) {
	t.Parallel()
	ifs, _, _ := newTestFS(t)
	node := &WorkspacesDirNode{BaseNode: BaseNode{ifs: ifs}}

	ds, errno := node.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %d", errno)
	}
	names := drainDirStream(t, ds)
	if len(names) != 2 || names[0] != "default" || names[1] != "other" {
		t.Errorf("workspace entries = %v", names)
	}
}

func TestWorkspaceReaddirFromListing(t *testing.T) {
	t.Parallel()
	ifs, c, _ := newTestFS(t)
	ctx := context.Background()

	entries := []tracker.IssueRef{
		{Key: "PROJ-2", Updated: t1},
		{Key: "PROJ-1", Updated: t0},
	}
	if err := c.PutListing(ctx, "default", entries, t1); err != nil {
		t.Fatal(err)
	}
	if err := c.PutArtifact(ctx, "PROJ-2", []byte("main"), []byte("side"), t1); err != nil {
		t.Fatal(err)
	}

	node := &WorkspaceNode{BaseNode: BaseNode{ifs: ifs}, name: "default"}
	ds, errno := node.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir errno = %d", errno)
	}
	names := drainDirStream(t, ds)

	// Lexicographic, sidecar listed for the artifact that has one.
	want := []string{"PROJ-1.md", "PROJ-2.comments.md", "PROJ-2.md"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestWorkspaceReaddirMissingListingSchedulesRefresh(t *testing.T) {
	t.Parallel()
	ifs, _, engine := newTestFS(t)

	node := &WorkspaceNode{BaseNode: BaseNode{ifs: ifs}, name: "default"}
	ds, errno := node.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %d", errno)
	}
	if names := drainDirStream(t, ds); len(names) != 0 {
		t.Errorf("entries = %v, want empty", names)
	}
	if engine.refresh.Load() == 0 {
		t.Error("missing listing should signal the sync engine")
	}
}

func TestSyncMetaReaddirFixedSet(t *testing.T) {
	t.Parallel()
	ifs, _, _ := newTestFS(t)
	node := &SyncMetaDirNode{BaseNode: BaseNode{ifs: ifs}}

	ds, errno := node.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %d", errno)
	}
	names := drainDirStream(t, ds)
	if len(names) != 6 {
		t.Errorf("sync_meta entries = %v", names)
	}
}

func TestSyncMetaContents(t *testing.T) {
	t.Parallel()
	ifs, _, engine := newTestFS(t)
	ifs.SetClock(func() time.Time { return t0 })

	lastSync := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaLastSync}
	if got := string(lastSync.content()); got != "never\n" {
		t.Errorf("last_sync before first sync = %q, want never", got)
	}

	inProgress := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaSyncInProgress}
	if got := string(inProgress.content()); got != "0\n" {
		t.Errorf("sync_in_progress = %q, want 0", got)
	}

	engine.meta.BeginSync()
	if got := string(inProgress.content()); got != "1\n" {
		t.Errorf("sync_in_progress during sync = %q, want 1", got)
	}
	engine.meta.EndSync(t0, true, false, t0.Add(90*time.Second))

	if got := string(lastSync.content()); got != "2024-06-01T12:00:00Z\n" {
		t.Errorf("last_sync = %q", got)
	}
	lastFull := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaLastFullSync}
	if got := string(lastFull.content()); got != "2024-06-01T12:00:00Z\n" {
		t.Errorf("last_full_sync = %q", got)
	}
	seconds := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaSecondsToNextSync}
	if got := string(seconds.content()); got != "90\n" {
		t.Errorf("seconds_to_next_sync = %q, want 90", got)
	}
}

func TestTriggerWritesPostMessages(t *testing.T) {
	t.Parallel()
	ifs, _, engine := newTestFS(t)
	ctx := context.Background()

	manual := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaManualRefresh}
	n, errno := manual.Write(ctx, nil, []byte("1\n"), 0)
	if errno != 0 {
		t.Fatalf("manual write errno = %d", errno)
	}
	if n != 2 {
		t.Errorf("acknowledged %d bytes, want full write length 2", n)
	}
	if engine.manual.Load() != 1 {
		t.Error("manual trigger not posted")
	}

	full := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaFullRefresh}
	if _, errno := full.Write(ctx, nil, []byte("x"), 0); errno != 0 {
		t.Fatalf("full write errno = %d", errno)
	}
	if engine.full.Load() != 1 {
		t.Error("full trigger not posted")
	}
}

func TestOpenModes(t *testing.T) {
	t.Parallel()
	ifs, c, _ := newTestFS(t)
	ctx := context.Background()

	if err := c.PutArtifact(ctx, "PROJ-1", []byte("doc"), nil, t0); err != nil {
		t.Fatal(err)
	}

	issue := &IssueFileNode{BaseNode: BaseNode{ifs: ifs}, workspace: "default", key: "PROJ-1"}
	if _, _, errno := issue.Open(ctx, syscall.O_WRONLY); errno != syscall.EROFS {
		t.Errorf("issue write open errno = %d, want EROFS", errno)
	}
	if _, _, errno := issue.Open(ctx, syscall.O_RDONLY); errno != 0 {
		t.Errorf("issue read open errno = %d", errno)
	}

	trigger := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaManualRefresh}
	if _, _, errno := trigger.Open(ctx, syscall.O_RDONLY); errno != syscall.EACCES {
		t.Errorf("trigger read open errno = %d, want EACCES", errno)
	}
	if _, _, errno := trigger.Open(ctx, syscall.O_WRONLY); errno != 0 {
		t.Errorf("trigger write open errno = %d", errno)
	}

	scalar := &SyncMetaFileNode{BaseNode: BaseNode{ifs: ifs}, name: metaLastSync}
	if _, _, errno := scalar.Open(ctx, syscall.O_RDWR); errno != syscall.EROFS {
		t.Errorf("scalar rdwr open errno = %d, want EROFS", errno)
	}
}

func TestIssueReadSlicing(t *testing.T) {
	t.Parallel()
	ifs, c, _ := newTestFS(t)
	ctx := context.Background()

	content := []byte("0123456789")
	if err := c.PutArtifact(ctx, "PROJ-1", content, nil, t0); err != nil {
		t.Fatal(err)
	}

	node := &IssueFileNode{BaseNode: BaseNode{ifs: ifs}, workspace: "default", key: "PROJ-1"}
	fh, _, errno := node.Open(ctx, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("open errno = %d", errno)
	}

	cases := []struct {
		off  int64
		size int
		want string
	}{
		{0, 4, "0123"},
		{4, 4, "4567"},
		{8, 10, "89"},
		{20, 4, ""},
	}
	for _, tc := range cases {
		dest := make([]byte, tc.size)
		res, errno := node.Read(ctx, fh, dest, tc.off)
		if errno != 0 {
			t.Fatalf("read at %d errno = %d", tc.off, errno)
		}
		buf, _ := res.Bytes(nil)
		if string(buf) != tc.want {
			t.Errorf("read(off=%d, size=%d) = %q, want %q", tc.off, tc.size, buf, tc.want)
		}
	}
}

func TestIssueReadMissSchedulesRefresh(t *testing.T) {
	t.Parallel()
	ifs, _, engine := newTestFS(t)
	ctx := context.Background()

	node := &IssueFileNode{BaseNode: BaseNode{ifs: ifs}, workspace: "default", key: "PROJ-404"}
	if _, _, errno := node.Open(ctx, syscall.O_RDONLY); errno != syscall.EIO {
		t.Errorf("open miss errno = %d, want EIO", errno)
	}
	if engine.refresh.Load() == 0 {
		t.Error("read miss should schedule a refresh")
	}
}

func TestIssueGetattr(t *testing.T) {
	t.Parallel()
	ifs, c, _ := newTestFS(t)
	ctx := context.Background()

	if err := c.PutArtifact(ctx, "PROJ-1", []byte("hello"), nil, t1); err != nil {
		t.Fatal(err)
	}

	node := &IssueFileNode{BaseNode: BaseNode{ifs: ifs}, workspace: "default", key: "PROJ-1"}
	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 {
		t.Fatalf("Getattr errno = %d", errno)
	}
	if out.Size != 5 {
		t.Errorf("size = %d, want 5", out.Size)
	}
	if out.Mode&0777 != 0444 {
		t.Errorf("mode = %o, want 0444", out.Mode&0777)
	}
	if int64(out.Mtime) != t1.Unix() {
		t.Errorf("mtime = %d, want issue updated_at %d", out.Mtime, t1.Unix())
	}
}

func TestReadOnlyOperationsRejected(t *testing.T) {
	t.Parallel()
	ifs, _, _ := newTestFS(t)
	ctx := context.Background()

	ws := &WorkspaceNode{BaseNode: BaseNode{ifs: ifs}, name: "default"}
	if _, _, _, errno := ws.Create(ctx, "NEW-1.md", 0, 0644, &fuse.EntryOut{}); errno != syscall.EROFS {
		t.Errorf("create errno = %d, want EROFS", errno)
	}
	if errno := ws.Unlink(ctx, "PROJ-1.md"); errno != syscall.EROFS {
		t.Errorf("unlink errno = %d, want EROFS", errno)
	}

	root := &RootNode{BaseNode: BaseNode{ifs: ifs}}
	if _, errno := root.Mkdir(ctx, "newdir", 0755, &fuse.EntryOut{}); errno != syscall.EROFS {
		t.Errorf("mkdir errno = %d, want EROFS", errno)
	}

	issue := &IssueFileNode{BaseNode: BaseNode{ifs: ifs}, workspace: "default", key: "PROJ-1"}
	if _, errno := issue.Write(ctx, nil, []byte("x"), 0); errno != syscall.EROFS {
		t.Errorf("issue write errno = %d, want EROFS", errno)
	}
	if errno := issue.Setattr(ctx, nil, &fuse.SetAttrIn{}, &fuse.AttrOut{}); errno != syscall.EROFS {
		t.Errorf("issue setattr errno = %d, want EROFS", errno)
	}
}
