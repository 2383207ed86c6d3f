// Package bridge adapts the filesystem core to the kernel's lowlevel FUSE
// protocol. Each request gets a context carrying the process logger and a
// fresh request ID, the caller's credentials are lifted off the request
// header, and core errors are translated back to kernel status codes.
package bridge

import (
	"context"
	"log/slog"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/service"
	"github.com/noahdesu/ramfuse/pkg/logging"
)

type RawBridge struct {
	fuse.RawFileSystem

	service service.FileSystemService
	logger  *slog.Logger
}

// New wraps the core in a raw FUSE server implementation. Operations not
// overridden here answer ENOSYS via the embedded default.
func New(svc service.FileSystemService, logger *slog.Logger) *RawBridge {
	return &RawBridge{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		service:       svc,
		logger:        logger,
	}
}

func (b *RawBridge) String() string {
	return "ramfuse"
}

// requestContext builds the per-request context the service logs against.
func (b *RawBridge) requestContext() context.Context {
	ctx := logging.MakeContextWithLogger(context.Background(), b.logger)
	return logging.MakeContextWithNewRequestID(ctx)
}

func callerOf(h *fuse.InHeader) models.Credentials {
	return models.Credentials{UID: h.Uid, GID: h.Gid}
}

func (b *RawBridge) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	st, err := b.service.Lookup(b.requestContext(), header.NodeId, name, callerOf(header))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Forget(nodeid, nlookup uint64) {
	b.service.Forget(b.requestContext(), nodeid, nlookup)
}

func (b *RawBridge) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	st, err := b.service.GetAttr(b.requestContext(), input.NodeId)
	if err != nil {
		return errToStatus(err)
	}

	fillAttrOut(out, st)
	return fuse.OK
}

func (b *RawBridge) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	req, fh := setAttrRequest(input)

	st, err := b.service.SetAttr(b.requestContext(), input.NodeId, fh, req, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	fillAttrOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, err := b.service.ReadLink(b.requestContext(), header.NodeId)
	if err != nil {
		return nil, errToStatus(err)
	}
	return target, fuse.OK
}

func (b *RawBridge) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	st, err := b.service.MkNod(b.requestContext(), input.NodeId, name, input.Mode, input.Rdev, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	st, err := b.service.MkDir(b.requestContext(), input.NodeId, name, input.Mode, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errToStatus(b.service.Unlink(b.requestContext(), header.NodeId, name, callerOf(header)))
}

func (b *RawBridge) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return errToStatus(b.service.RmDir(b.requestContext(), header.NodeId, name, callerOf(header)))
}

func (b *RawBridge) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	st, err := b.service.Symlink(b.requestContext(), pointedTo, header.NodeId, linkName, callerOf(header))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return errToStatus(b.service.Rename(
		b.requestContext(), input.NodeId, oldName, input.Newdir, newName, callerOf(&input.InHeader)))
}

func (b *RawBridge) Link(cancel <-chan struct{}, input *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	st, err := b.service.Link(b.requestContext(), input.Oldnodeid, input.NodeId, filename, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(out, st)
	return fuse.OK
}

func (b *RawBridge) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	return errToStatus(b.service.Access(b.requestContext(), input.NodeId, input.Mask, callerOf(&input.InHeader)))
}

func (b *RawBridge) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	st, fh, err := b.service.Create(
		b.requestContext(), input.NodeId, name, input.Mode, input.Flags, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	fillEntryOut(&out.EntryOut, st)
	out.Fh = fh.ID
	return fuse.OK
}

func (b *RawBridge) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fh, err := b.service.Open(b.requestContext(), input.NodeId, input.Flags, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	out.Fh = fh.ID
	return fuse.OK
}

func (b *RawBridge) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	data, err := b.service.Read(b.requestContext(), input.Fh, input.Offset, input.Size)
	if err != nil {
		return nil, errToStatus(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (b *RawBridge) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := b.service.Write(b.requestContext(), input.Fh, data, input.Offset)
	if err != nil {
		return 0, errToStatus(err)
	}
	return n, fuse.OK
}

func (b *RawBridge) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	b.service.Release(b.requestContext(), input.NodeId, input.Fh)
}

func (b *RawBridge) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (b *RawBridge) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return errToStatus(b.service.Fsync(b.requestContext(), input.NodeId))
}

func (b *RawBridge) Fallocate(cancel <-chan struct{}, input *fuse.FallocateIn) fuse.Status {
	return errToStatus(b.service.Fallocate(
		b.requestContext(), input.NodeId, input.Offset, input.Length, input.Mode))
}

func (b *RawBridge) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	err := b.service.OpenDir(b.requestContext(), input.NodeId, input.Flags, callerOf(&input.InHeader))
	if err != nil {
		return errToStatus(err)
	}

	out.Fh = input.NodeId
	return fuse.OK
}

func (b *RawBridge) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := b.service.ReadDir(b.requestContext(), input.NodeId, input.Offset)
	if err != nil {
		return errToStatus(err)
	}

	for _, e := range entries {
		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode}) {
			break
		}
	}
	return fuse.OK
}

func (b *RawBridge) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := b.requestContext()

	entries, err := b.service.ReadDir(ctx, input.NodeId, input.Offset)
	if err != nil {
		return errToStatus(err)
	}

	for _, e := range entries {
		entryOut := out.AddDirLookupEntry(fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode})
		if entryOut == nil {
			break
		}

		// "." and ".." never carry a lookup reply; everything else counts
		// as a lookup and must bump the kernel reference.
		if e.Name == "." || e.Name == ".." {
			continue
		}

		st, err := b.service.Lookup(ctx, input.NodeId, e.Name, models.Credentials{UID: input.Uid, GID: input.Gid})
		if err != nil {
			continue
		}
		fillEntryOut(entryOut, st)
	}
	return fuse.OK
}

func (b *RawBridge) ReleaseDir(input *fuse.ReleaseIn) {
	b.service.ReleaseDir(b.requestContext(), input.NodeId)
}

func (b *RawBridge) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (b *RawBridge) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st, err := b.service.StatFS(b.requestContext(), input.NodeId)
	if err != nil {
		return errToStatus(err)
	}

	out.Blocks = st.Blocks
	out.Bfree = st.BlocksFree
	out.Bavail = st.BlocksFree
	out.Files = st.Inodes
	out.Ffree = st.InodesFree
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.NameLen = st.NameMax
	return fuse.OK
}
