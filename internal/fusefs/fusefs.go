// Package fusefs exposes the vault namespace as a read-only FUSE mount.
// Directory listings come from the current namespace snapshot; file reads
// go through the range streamer, so only the bytes the kernel asks for
// are fetched.
package fusefs

import (
	"context"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/televault/televault/internal/index"
	"github.com/televault/televault/internal/logging"
	"github.com/televault/televault/internal/namespace"
	"github.com/televault/televault/internal/vault"
)

// VaultFS is the FUSE filesystem over a vault.
type VaultFS struct {
	vault *vault.Vault
}

// New builds the filesystem.
func New(v *vault.Vault) *VaultFS {
	return &VaultFS{vault: v}
}

// Mount mounts the filesystem read-only at mountPoint and returns the
// running server. The caller unmounts via server.Unmount.
func (f *VaultFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, err
	}

	root := &vaultNode{fsys: f, path: ""}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "televault",
			Name:       "televault",
			Options:    []string{"ro"},
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, err
	}
	logging.Info("fuse mounted", zap.String("mountpoint", mountPoint))
	return server, nil
}

// vaultNode is one path in the mounted tree. Nodes hold only their path;
// every operation resolves against the snapshot current at call time, so a
// namespace refresh is visible without remounting.
type vaultNode struct {
	fs.Inode

	fsys *VaultFS
	path string
}

var _ fs.InodeEmbedder = (*vaultNode)(nil)
var _ fs.NodeGetattrer = (*vaultNode)(nil)
var _ fs.NodeLookuper = (*vaultNode)(nil)
var _ fs.NodeReaddirer = (*vaultNode)(nil)
var _ fs.NodeOpener = (*vaultNode)(nil)
var _ fs.NodeReader = (*vaultNode)(nil)
var _ fs.NodeGetxattrer = (*vaultNode)(nil)

func (n *vaultNode) resolve() (*namespace.Node, bool) {
	return n.fsys.vault.Namespace().Lookup(n.path)
}

func fillAttr(node *namespace.Node, builtAt time.Time, attr *gofuse.Attr) {
	if node.IsDir {
		attr.Mode = 0o555 | syscall.S_IFDIR
	} else {
		attr.Mode = 0o444 | syscall.S_IFREG
		attr.Size = uint64(node.Asset.ByteSize)
	}
	var when time.Time
	if node.Asset != nil && !node.Asset.CreatedAt.IsZero() {
		when = node.Asset.CreatedAt
	} else {
		when = builtAt
	}
	attr.Mtime = uint64(when.Unix())
	attr.Atime = attr.Mtime
	attr.Ctime = attr.Mtime
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}

// Getattr never touches remote content.
func (n *vaultNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	node, ok := n.resolve()
	if !ok {
		return syscall.ENOENT
	}
	fillAttr(node, n.fsys.vault.Namespace().BuiltAt, &out.Attr)
	return 0
}

func (n *vaultNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, ok := n.resolve()
	if !ok || !node.IsDir {
		return nil, syscall.ENOENT
	}
	child, ok := node.Children[name]
	if !ok {
		return nil, syscall.ENOENT
	}

	childPath := name
	if n.path != "" {
		childPath = n.path + "/" + name
	}
	fillAttr(child, n.fsys.vault.Namespace().BuiltAt, &out.Attr)

	childNode := &vaultNode{fsys: n.fsys, path: childPath}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: out.Attr.Mode}), 0
}

func (n *vaultNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, ok := n.fsys.vault.Namespace().List(n.path)
	if !ok {
		return nil, syscall.ENOTDIR
	}

	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: child.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Open rejects writes; the mount is read-only.
func (n *vaultNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	node, ok := n.resolve()
	if !ok {
		return nil, 0, syscall.ENOENT
	}
	if node.IsDir {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return &assetHandle{asset: node.Asset}, gofuse.FOPEN_KEEP_CACHE, 0
}

func (n *vaultNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*assetHandle)
	if !ok {
		return nil, syscall.EIO
	}
	asset := handle.asset

	if off >= asset.ByteSize {
		return gofuse.ReadResultData(nil), 0
	}
	length := int64(len(dest))
	if off+length > asset.ByteSize {
		length = asset.ByteSize - off
	}

	reader, _, err := n.fsys.vault.ReadAssetRange(ctx, asset, off, length)
	if err != nil {
		logging.Error("fuse read failed",
			zap.Int64("asset", asset.ID),
			zap.Int64("offset", off),
			zap.Error(err))
		return nil, syscall.EIO
	}
	defer reader.Close()

	read, err := io.ReadFull(reader, dest[:length])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:read]), 0
}

// Getxattr exposes vault identity of a file.
func (n *vaultNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	node, ok := n.resolve()
	if !ok || node.Asset == nil {
		return 0, syscall.ENODATA
	}

	var value string
	switch attr {
	case "user.televault.id":
		value = strconv.FormatInt(node.Asset.ID, 10)
	case "user.televault.hash":
		value = node.Asset.ContentHash
	case "user.televault.mime":
		value = node.Asset.MIMEType
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

type assetHandle struct {
	asset *index.Asset
}

var _ fs.FileHandle = (*assetHandle)(nil)
