package fs

import (
	"context"
	"sort"
	"strings"
	"syscall"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// WorkspacesDirNode lists the configured workspaces.
type WorkspacesDirNode struct {
	BaseNode
}

var _ gofusefs.NodeGetattrer = (*WorkspacesDirNode)(nil)
var _ gofusefs.NodeReaddirer = (*WorkspacesDirNode)(nil)
var _ gofusefs.NodeLookuper = (*WorkspacesDirNode)(nil)
var _ gofusefs.NodeMkdirer = (*WorkspacesDirNode)(nil)
var _ gofusefs.NodeRmdirer = (*WorkspacesDirNode)(nil)
var _ gofusefs.NodeRenamer = (*WorkspacesDirNode)(nil)

func (n *WorkspacesDirNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := n.ifs.clock()
	out.Mode = 0555 | syscall.S_IFDIR
	out.Nlink = 2
	n.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (n *WorkspacesDirNode) Readdir(ctx context.Context) (gofusefs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, len(n.ifs.workspaces))
	for i, name := range n.ifs.workspaces {
		entries[i] = fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR}
	}
	return gofusefs.NewListDirStream(entries), 0
}

func (n *WorkspacesDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	found := false
	for _, ws := range n.ifs.workspaces {
		if ws == name {
			found = true
			break
		}
	}
	if !found {
		return nil, syscall.ENOENT
	}

	node := &WorkspaceNode{BaseNode: BaseNode{ifs: n.ifs}, name: name}
	out.Attr.Mode = 0555 | syscall.S_IFDIR
	out.Attr.Uid = n.ifs.uid
	out.Attr.Gid = n.ifs.gid
	return n.NewInode(ctx, node, gofusefs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  n.ifs.inodes.Ino(NodeID{Kind: KindWorkspace, Workspace: name}),
	}), 0
}

func (n *WorkspacesDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *WorkspacesDirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *WorkspacesDirNode) Rename(ctx context.Context, name string, newParent gofusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// WorkspaceNode is one workspace directory of issue markdown files.
type WorkspaceNode struct {
	BaseNode
	name string
}

var _ gofusefs.NodeGetattrer = (*WorkspaceNode)(nil)
var _ gofusefs.NodeReaddirer = (*WorkspaceNode)(nil)
var _ gofusefs.NodeLookuper = (*WorkspaceNode)(nil)
var _ gofusefs.NodeCreater = (*WorkspaceNode)(nil)
var _ gofusefs.NodeUnlinker = (*WorkspaceNode)(nil)
var _ gofusefs.NodeRenamer = (*WorkspaceNode)(nil)

func (n *WorkspaceNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	mtime := n.ifs.clock()
	if l, ok := n.ifs.cache.GetListing(n.name); ok {
		mtime = l.CachedAt
	}
	out.Mode = 0555 | syscall.S_IFDIR
	out.Nlink = 2
	n.SetOwner(out)
	out.SetTimes(&mtime, &mtime, &mtime)
	return 0
}

// Readdir synthesizes entries from the current listing snapshot. A missing
// listing lists empty and signals the sync engine. Ordering is
// lexicographic by filename.
func (n *WorkspaceNode) Readdir(ctx context.Context) (gofusefs.DirStream, syscall.Errno) {
	listing, ok := n.ifs.cache.GetListing(n.name)
	if !ok {
		n.ifs.engine.RequestRefresh()
		return gofusefs.NewListDirStream(nil), 0
	}

	var names []string
	for _, ref := range listing.Entries {
		names = append(names, ref.Key+".md")
		if art, ok := n.ifs.cache.Artifact(ref.Key); ok && art.Sidecar != nil {
			names = append(names, ref.Key+".comments.md")
		}
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = fuse.DirEntry{Name: name, Mode: syscall.S_IFREG}
	}
	return gofusefs.NewListDirStream(entries), 0
}

func (n *WorkspaceNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	key, sidecar, ok := parseIssueFilename(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	listing, haveListing := n.ifs.cache.GetListing(n.name)
	if !haveListing {
		n.ifs.engine.RequestRefresh()
		return nil, syscall.ENOENT
	}
	inListing := false
	for _, ref := range listing.Entries {
		if ref.Key == key {
			inListing = true
			break
		}
	}
	if !inListing {
		n.ifs.engine.RequestRefresh()
		return nil, syscall.ENOENT
	}

	// Memory or a bounded store read; never remote.
	art, ok := n.ifs.cache.GetOrHydrateArtifact(ctx, key)
	if !ok {
		n.ifs.engine.RequestRefresh()
		return nil, syscall.ENOENT
	}

	content := art.Main
	kind := KindIssueMain
	if sidecar {
		if art.Sidecar == nil {
			return nil, syscall.ENOENT
		}
		content = art.Sidecar
		kind = KindIssueComments
	}

	node := &IssueFileNode{
		BaseNode:  BaseNode{ifs: n.ifs},
		workspace: n.name,
		key:       key,
		sidecar:   sidecar,
	}
	out.Attr.Mode = 0444 | syscall.S_IFREG
	out.Attr.Uid = n.ifs.uid
	out.Attr.Gid = n.ifs.gid
	out.Attr.Size = uint64(len(content))
	out.Attr.SetTimes(&art.Updated, &art.Updated, &art.Updated)
	return n.NewInode(ctx, node, gofusefs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  n.ifs.inodes.Ino(NodeID{Kind: kind, Workspace: n.name, Name: key}),
	}), 0
}

func (n *WorkspaceNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, gofusefs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *WorkspaceNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *WorkspaceNode) Rename(ctx context.Context, name string, newParent gofusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}

// parseIssueFilename splits "KEY.md" / "KEY.comments.md" into the issue
// key and a sidecar flag. Names outside the issue-key grammar are
// rejected before any cache work.
func parseIssueFilename(name string) (key string, sidecar bool, ok bool) {
	switch {
	case strings.HasSuffix(name, ".comments.md"):
		key = strings.TrimSuffix(name, ".comments.md")
		sidecar = true
	case strings.HasSuffix(name, ".md"):
		key = strings.TrimSuffix(name, ".md")
	default:
		return "", false, false
	}
	if !issueKeyRe.MatchString(key) {
		return "", false, false
	}
	return key, sidecar, true
}
