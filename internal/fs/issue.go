package fs

import (
	"context"
	"syscall"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// IssueFileNode serves one rendered issue file (main document or comments
// sidecar). Content is looked up from the cache at open time; reads on a
// handle slice the pinned snapshot.
type IssueFileNode struct {
	BaseNode
	workspace string
	key       string
	sidecar   bool
}

var _ gofusefs.NodeGetattrer = (*IssueFileNode)(nil)
var _ gofusefs.NodeOpener = (*IssueFileNode)(nil)
var _ gofusefs.NodeReader = (*IssueFileNode)(nil)
var _ gofusefs.NodeWriter = (*IssueFileNode)(nil)
var _ gofusefs.NodeSetattrer = (*IssueFileNode)(nil)

// load returns the current artifact bytes for this file, hydrating from
// the store when memory misses. Never touches the remote.
func (n *IssueFileNode) load(ctx context.Context) ([]byte, syscall.Errno) {
	art, ok := n.ifs.cache.GetOrHydrateArtifact(ctx, n.key)
	if !ok {
		n.ifs.engine.RequestRefresh()
		return nil, syscall.EIO
	}
	if n.sidecar {
		if art.Sidecar == nil {
			return nil, syscall.ENOENT
		}
		return art.Sidecar, 0
	}
	return art.Main, 0
}

func (n *IssueFileNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	art, ok := n.ifs.cache.GetOrHydrateArtifact(ctx, n.key)
	if !ok {
		n.ifs.engine.RequestRefresh()
		return syscall.EIO
	}
	content := art.Main
	if n.sidecar {
		content = art.Sidecar
	}
	out.Mode = 0444 | syscall.S_IFREG
	out.Size = uint64(len(content))
	n.SetOwner(out)
	out.SetTimes(&art.Updated, &art.Updated, &art.Updated)
	return 0
}

func (n *IssueFileNode) Open(ctx context.Context, flags uint32) (gofusefs.FileHandle, uint32, syscall.Errno) {
	if accessMode(flags) != syscall.O_RDONLY {
		return nil, 0, syscall.EROFS
	}
	content, errno := n.load(ctx)
	if errno != 0 {
		return nil, 0, errno
	}
	return &bytesFileHandle{content: content}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *IssueFileNode) Read(ctx context.Context, fh gofusefs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h, ok := fh.(*bytesFileHandle); ok {
		return h.read(dest, off)
	}
	// Handleless read: slice the current cache state.
	content, errno := n.load(ctx)
	if errno != 0 {
		return nil, errno
	}
	h := &bytesFileHandle{content: content}
	return h.read(dest, off)
}

func (n *IssueFileNode) Write(ctx context.Context, fh gofusefs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, syscall.EROFS
}

func (n *IssueFileNode) Setattr(ctx context.Context, fh gofusefs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}
