package fs

import (
	"context"
	"fmt"
	"syscall"
	"time"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Sync-meta file names. The read scalars are 0444; the triggers are 0200
// write-only.
const (
	metaLastSync          = "last_sync"
	metaLastFullSync      = "last_full_sync"
	metaSecondsToNextSync = "seconds_to_next_sync"
	metaSyncInProgress    = "sync_in_progress"
	metaManualRefresh     = "manual_refresh"
	metaFullRefresh       = "full_refresh"
)

var syncMetaFiles = []string{
	metaLastSync,
	metaLastFullSync,
	metaSecondsToNextSync,
	metaSyncInProgress,
	metaManualRefresh,
	metaFullRefresh,
}

func isTriggerFile(name string) bool {
	return name == metaManualRefresh || name == metaFullRefresh
}

// SyncMetaDirNode is the .sync_meta directory. Its content set is fixed.
type SyncMetaDirNode struct {
	BaseNode
}

var _ gofusefs.NodeGetattrer = (*SyncMetaDirNode)(nil)
var _ gofusefs.NodeReaddirer = (*SyncMetaDirNode)(nil)
var _ gofusefs.NodeLookuper = (*SyncMetaDirNode)(nil)
var _ gofusefs.NodeCreater = (*SyncMetaDirNode)(nil)
var _ gofusefs.NodeMkdirer = (*SyncMetaDirNode)(nil)
var _ gofusefs.NodeUnlinker = (*SyncMetaDirNode)(nil)

func (n *SyncMetaDirNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mtime := n.ifs.engine.Meta().LastSync()
	if mtime.IsZero() {
		mtime = n.ifs.clock()
	}
	out.Mode = 0555 | syscall.S_IFDIR
	out.Nlink = 2
	n.SetOwner(out)
	out.SetTimes(&mtime, &mtime, &mtime)
	return 0
}

func (n *SyncMetaDirNode) Readdir(ctx context.Context) (gofusefs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, len(syncMetaFiles))
	for i, name := range syncMetaFiles {
		entries[i] = fuse.DirEntry{Name: name, Mode: syscall.S_IFREG}
	}
	return gofusefs.NewListDirStream(entries), 0
}

func (n *SyncMetaDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	found := false
	for _, f := range syncMetaFiles {
		if f == name {
			found = true
			break
		}
	}
	if !found {
		return nil, syscall.ENOENT
	}

	node := &SyncMetaFileNode{BaseNode: BaseNode{ifs: n.ifs}, name: name}
	node.fillAttr(&out.Attr)
	return n.NewInode(ctx, node, gofusefs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  n.ifs.inodes.Ino(NodeID{Kind: KindSyncMetaFile, Name: name}),
	}), 0
}

func (n *SyncMetaDirNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, gofusefs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *SyncMetaDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *SyncMetaDirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

// SyncMetaFileNode serves one scalar or trigger file.
type SyncMetaFileNode struct {
	BaseNode
	name string
}

var _ gofusefs.NodeGetattrer = (*SyncMetaFileNode)(nil)
var _ gofusefs.NodeOpener = (*SyncMetaFileNode)(nil)
var _ gofusefs.NodeReader = (*SyncMetaFileNode)(nil)
var _ gofusefs.NodeWriter = (*SyncMetaFileNode)(nil)
var _ gofusefs.NodeSetattrer = (*SyncMetaFileNode)(nil)

// content renders the scalar file body. Trigger files read as empty.
func (n *SyncMetaFileNode) content() []byte {
	meta := n.ifs.engine.Meta()
	switch n.name {
	case metaLastSync:
		return formatTimestamp(meta.LastSync())
	case metaLastFullSync:
		return formatTimestamp(meta.LastFullSync())
	case metaSecondsToNextSync:
		return []byte(fmt.Sprintf("%d\n", meta.SecondsToNextSync(n.ifs.clock())))
	case metaSyncInProgress:
		if meta.InProgress() {
			return []byte("1\n")
		}
		return []byte("0\n")
	}
	return nil
}

// formatTimestamp renders a sync-meta timestamp: ISO-8601 UTC, or the
// "never" sentinel before the first sync.
func formatTimestamp(t time.Time) []byte {
	if t.IsZero() {
		return []byte("never\n")
	}
	return []byte(t.UTC().Format(time.RFC3339) + "\n")
}

func (n *SyncMetaFileNode) fillAttr(attr *fuse.Attr) {
	if isTriggerFile(n.name) {
		attr.Mode = 0200 | syscall.S_IFREG
		attr.Size = 0
	} else {
		attr.Mode = 0444 | syscall.S_IFREG
		attr.Size = uint64(len(n.content()))
	}
	attr.Uid = n.ifs.uid
	attr.Gid = n.ifs.gid
	mtime := n.ifs.engine.Meta().LastSync()
	if mtime.IsZero() {
		mtime = n.ifs.clock()
	}
	attr.SetTimes(&mtime, &mtime, &mtime)
}

func (n *SyncMetaFileNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	return 0
}

func (n *SyncMetaFileNode) Open(ctx context.Context, flags uint32) (gofusefs.FileHandle, uint32, syscall.Errno) {
	if isTriggerFile(n.name) {
		if accessMode(flags) == syscall.O_RDONLY {
			return nil, 0, syscall.EACCES
		}
		return nil, fuse.FOPEN_DIRECT_IO, 0
	}
	if accessMode(flags) != syscall.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	// Snapshot at open so later reads slice a consistent value.
	return &bytesFileHandle{content: n.content()}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *SyncMetaFileNode) Read(ctx context.Context, fh gofusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*bytesFileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return h.read(dest, off)
}

// Write on a trigger file posts the matching resync message. The payload
// is ignored and the full length is acknowledged.
func (n *SyncMetaFileNode) Write(ctx context.Context, fh gofusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	switch n.name {
	case metaManualRefresh:
		n.ifs.engine.TriggerManual()
		return uint32(len(data)), 0
	case metaFullRefresh:
		n.ifs.engine.TriggerFull()
		return uint32(len(data)), 0
	}
	return 0, syscall.EROFS
}

func (n *SyncMetaFileNode) Setattr(ctx context.Context, fh gofusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	// Allow truncate on the triggers so shell redirection works.
	if isTriggerFile(n.name) && in.Valid&fuse.FATTR_SIZE != 0 {
		n.fillAttr(&out.Attr)
		return 0
	}
	return syscall.EROFS
}
