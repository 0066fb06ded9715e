// Package fs implements the FUSE surface: a read-only projection of
// workspace listings and rendered issue artifacts, plus the .sync_meta
// status and trigger files.
//
// VFS callbacks never perform remote I/O. The only blocking operation on
// the VFS path is a bounded read from the persistent store; a miss returns
// an error to the caller and signals the sync engine.
package fs

import (
	"os"
	"regexp"
	"sort"
	"syscall"
	"time"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/issuefs/issuefs/internal/cache"
	syncpkg "github.com/issuefs/issuefs/internal/sync"
)

// issueKeyRe matches the issue-key grammar of the mounted surface.
var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-[0-9]+$`)

// Refresher is the sync engine surface the filesystem needs: trigger
// posting and the sync-meta scalars.
type Refresher interface {
	TriggerManual()
	TriggerFull()
	RequestRefresh()
	Meta() *syncpkg.Meta
}

// IssueFS holds the process-wide state shared by all nodes.
type IssueFS struct {
	cache      *cache.Cache
	engine     Refresher
	inodes     *InodeTable
	workspaces []string // sorted names
	uid        uint32
	gid        uint32
	clock      func() time.Time
	log        *logrus.Entry
}

// New creates the filesystem state. workspaces is the configured name set;
// the namespace only ever exposes configured workspaces.
func New(c *cache.Cache, engine Refresher, workspaces []string) *IssueFS {
	sorted := append([]string(nil), workspaces...)
	sort.Strings(sorted)
	return &IssueFS{
		cache:      c,
		engine:     engine,
		inodes:     NewInodeTable(),
		workspaces: sorted,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
		clock:      time.Now,
		log:        logrus.WithField("component", "fs"),
	}
}

// SetClock overrides the clock (for testing).
func (ifs *IssueFS) SetClock(now func() time.Time) {
	ifs.clock = now
}

// Inodes exposes the inode table (for tests and diagnostics).
func (ifs *IssueFS) Inodes() *InodeTable {
	return ifs.inodes
}

// BaseNode provides the shared owner/uid plumbing for all nodes.
type BaseNode struct {
	gofusefs.Inode
	ifs *IssueFS
}

// SetOwner stamps the mounting process's uid/gid on an AttrOut.
func (b *BaseNode) SetOwner(out *fuse.AttrOut) {
	if b.ifs != nil {
		out.Uid = b.ifs.uid
		out.Gid = b.ifs.gid
	}
}

// Mount mounts the filesystem and returns the server handle.
func Mount(mountpoint string, ifs *IssueFS, debug bool) (*fuse.Server, error) {
	root := &RootNode{BaseNode: BaseNode{ifs: ifs}}

	attrTimeout := 5 * time.Second
	entryTimeout := 5 * time.Second
	opts := &gofusefs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			Name:   "issuefs",
			FsName: "issuefs",
			Debug:  debug,
		},
	}

	server, err := gofusefs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// bytesFileHandle pins a content snapshot for the lifetime of one open
// handle, so reads slice a consistent byte sequence.
type bytesFileHandle struct {
	content []byte
}

func (h *bytesFileHandle) read(dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	return fuse.ReadResultData(h.content[off:end]), 0
}

// accessMode extracts the open access mode from flags.
func accessMode(flags uint32) int {
	return int(flags) & syscall.O_ACCMODE
}
