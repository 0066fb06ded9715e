package fs

import (
	"context"
	"syscall"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootNode is the filesystem root: .sync_meta/ and workspaces/.
type RootNode struct {
	BaseNode
}

var _ gofusefs.NodeGetattrer = (*RootNode)(nil)
var _ gofusefs.NodeReaddirer = (*RootNode)(nil)
var _ gofusefs.NodeLookuper = (*RootNode)(nil)
var _ gofusefs.NodeMkdirer = (*RootNode)(nil)
var _ gofusefs.NodeCreater = (*RootNode)(nil)
var _ gofusefs.NodeUnlinker = (*RootNode)(nil)
var _ gofusefs.NodeRmdirer = (*RootNode)(nil)
var _ gofusefs.NodeRenamer = (*RootNode)(nil)

func (n *RootNode) Getattr(ctx context.Context, fh gofusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := n.ifs.clock()
	out.Mode = 0555 | syscall.S_IFDIR
	out.Nlink = 2
	n.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (n *RootNode) Readdir(ctx context.Context) (gofusefs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: ".sync_meta", Mode: syscall.S_IFDIR},
		{Name: "workspaces", Mode: syscall.S_IFDIR},
	}
	return gofusefs.NewListDirStream(entries), 0
}

func (n *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	switch name {
	case ".sync_meta":
		node := &SyncMetaDirNode{BaseNode: BaseNode{ifs: n.ifs}}
		out.Attr.Mode = 0555 | syscall.S_IFDIR
		out.Attr.Uid = n.ifs.uid
		out.Attr.Gid = n.ifs.gid
		return n.NewInode(ctx, node, gofusefs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  n.ifs.inodes.Ino(NodeID{Kind: KindSyncMetaDir}),
		}), 0
	case "workspaces":
		node := &WorkspacesDirNode{BaseNode: BaseNode{ifs: n.ifs}}
		out.Attr.Mode = 0555 | syscall.S_IFDIR
		out.Attr.Uid = n.ifs.uid
		out.Attr.Gid = n.ifs.gid
		return n.NewInode(ctx, node, gofusefs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  n.ifs.inodes.Ino(NodeID{Kind: KindWorkspacesDir}),
		}), 0
	}
	return nil, syscall.ENOENT
}

func (n *RootNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *RootNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*gofusefs.Inode, gofusefs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *RootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *RootNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *RootNode) Rename(ctx context.Context, name string, newParent gofusefs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}
