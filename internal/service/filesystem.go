package service

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
	"github.com/noahdesu/ramfuse/internal/storage"
	"github.com/noahdesu/ramfuse/pkg/clock"
	"github.com/noahdesu/ramfuse/pkg/logging"
)

// maxInodes bounds the advertised inode count in statfs. The table itself is
// only limited by memory; the bound exists so statfs can report something
// finite.
const maxInodes = 1 << 20

type FileSystemService interface {
	Lookup(ctx context.Context, parent uint64, name string, creds models.Credentials) (*models.Stat, error)
	Forget(ctx context.Context, ino uint64, n uint64)
	GetAttr(ctx context.Context, ino uint64) (*models.Stat, error)
	SetAttr(ctx context.Context, ino uint64, fh uint64, req models.SetAttrRequest, creds models.Credentials) (*models.Stat, error)
	ReadLink(ctx context.Context, ino uint64) ([]byte, error)
	MkNod(ctx context.Context, parent uint64, name string, mode uint32, rdev uint32, creds models.Credentials) (*models.Stat, error)
	MkDir(ctx context.Context, parent uint64, name string, mode uint32, creds models.Credentials) (*models.Stat, error)
	Create(ctx context.Context, parent uint64, name string, mode uint32, flags uint32, creds models.Credentials) (*models.Stat, *FileHandle, error)
	Symlink(ctx context.Context, target string, parent uint64, name string, creds models.Credentials) (*models.Stat, error)
	Link(ctx context.Context, ino uint64, newParent uint64, newName string, creds models.Credentials) (*models.Stat, error)
	Unlink(ctx context.Context, parent uint64, name string, creds models.Credentials) error
	RmDir(ctx context.Context, parent uint64, name string, creds models.Credentials) error
	Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, creds models.Credentials) error
	Open(ctx context.Context, ino uint64, flags uint32, creds models.Credentials) (*FileHandle, error)
	Read(ctx context.Context, fh uint64, off uint64, size uint32) ([]byte, error)
	Write(ctx context.Context, fh uint64, data []byte, off uint64) (uint32, error)
	Release(ctx context.Context, ino uint64, fh uint64)
	OpenDir(ctx context.Context, ino uint64, flags uint32, creds models.Credentials) error
	ReadDir(ctx context.Context, ino uint64, off uint64) ([]models.Dirent, error)
	ReleaseDir(ctx context.Context, ino uint64)
	StatFS(ctx context.Context, ino uint64) (*models.StatFS, error)
	Access(ctx context.Context, ino uint64, mask uint32, creds models.Credentials) error
	Fsync(ctx context.Context, ino uint64) error
	Fallocate(ctx context.Context, ino uint64, off uint64, length uint64, mode uint32) error
	Destroy(ctx context.Context)
}

// fileSystemService is the request-handling core. One mutex guards the whole
// inode graph: the table, every directory index, every extent map and every
// stat block. Operations are short; block allocation, both the store's
// reserve and fulfill steps, runs with it held.
type fileSystemService struct {
	store storage.BlockStore
	clock clock.Clock

	mu        sync.Mutex
	table     *inodeTable
	handles   map[uint64]*FileHandle
	nextFh    uint64
	destroyed bool
}

// NewFileSystemService builds the core with an empty root directory owned by
// the given credentials.
func NewFileSystemService(store storage.BlockStore, clk clock.Clock, rootCreds models.Credentials) FileSystemService {
	s := &fileSystemService{
		store:   store,
		clock:   clk,
		table:   newInodeTable(),
		handles: make(map[uint64]*FileHandle),
	}

	now := clk.Now()
	root := &dirNode{
		inode: inode{
			ino:   RootIno,
			mode:  syscall.S_IFDIR | 0o755,
			uid:   rootCreds.UID,
			gid:   rootCreds.GID,
			nlink: 2,
			atime: now,
			mtime: now,
			ctime: now,
		},
		parent:  RootIno,
		entries: dirIndex{},
	}
	s.table.add(root)

	return s
}

func (s *fileSystemService) Lookup(ctx context.Context, parent uint64, name string, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.Lookup"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lookup", slog.Uint64("parent", parent), slog.String("name", name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	dir, err := s.getDir(parent)
	if err != nil {
		return nil, err
	}

	if err := checkAccess(&dir.inode, maskExec, creds); err != nil {
		return nil, err
	}

	child, err := s.resolveChild(dir, name)
	if err != nil {
		logger.Debug("Entry not found", slog.Uint64("parent", parent), slog.String("name", name))
		return nil, err
	}

	child.base().krefs++

	st := statOf(child, storage.BlockSize)
	logger.Debug("Lookup successful", slog.Uint64("ino", st.Ino), slog.Uint64("size", st.Size))
	return st, nil
}

func (s *fileSystemService) Forget(ctx context.Context, ino uint64, n uint64) {
	const op = "service.fileSystemService.Forget"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Forget", slog.Uint64("ino", ino), slog.Uint64("n", n))

	s.mu.Lock()
	defer s.mu.Unlock()

	nd, ok := s.table.get(ino)
	if !ok {
		return
	}

	i := nd.base()
	if i.krefs < n {
		i.krefs = 0
	} else {
		i.krefs -= n
	}

	s.reap(nd)
}

func (s *fileSystemService) GetAttr(ctx context.Context, ino uint64) (*models.Stat, error) {
	const op = "service.fileSystemService.GetAttr"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("GetAttr", slog.Uint64("ino", ino))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	nd, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}

	return statOf(nd, storage.BlockSize), nil
}

func (s *fileSystemService) ReadLink(ctx context.Context, ino uint64) ([]byte, error) {
	const op = "service.fileSystemService.ReadLink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("ReadLink", slog.Uint64("ino", ino))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	nd, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}

	link, ok := nd.(*symlinkNode)
	if !ok {
		return nil, &ServiceError{Code: kerrors.EINVAL, Message: "not a symlink"}
	}

	target := make([]byte, len(link.target))
	copy(target, link.target)
	return target, nil
}

func (s *fileSystemService) Access(ctx context.Context, ino uint64, mask uint32, creds models.Credentials) error {
	const op = "service.fileSystemService.Access"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Access", slog.Uint64("ino", ino), slog.Uint64("mask", uint64(mask)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return err
	}

	nd, err := s.getNode(ino)
	if err != nil {
		return err
	}

	return checkAccess(nd.base(), mask&0o7, creds)
}

func (s *fileSystemService) StatFS(ctx context.Context, ino uint64) (*models.StatFS, error) {
	const op = "service.fileSystemService.StatFS"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("StatFS", slog.Uint64("ino", ino))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	st := s.store.Stats()
	inodes := uint64(s.table.len())

	return &models.StatFS{
		BlockSize:  storage.BlockSize,
		Blocks:     st.TotalBlocks,
		BlocksFree: st.FreeBlocks,
		Inodes:     maxInodes,
		InodesFree: maxInodes - inodes,
		NameMax:    255,
	}, nil
}

func (s *fileSystemService) Fsync(ctx context.Context, ino uint64) error {
	// Data is volatile; there is nothing to sync.
	return nil
}

func (s *fileSystemService) Fallocate(ctx context.Context, ino uint64, off uint64, length uint64, mode uint32) error {
	// Allocation is on demand; reservation is not tracked.
	return nil
}

func (s *fileSystemService) Destroy(ctx context.Context) {
	const op = "service.fileSystemService.Destroy"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Destroy")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.destroyed = true

	// Tear down regardless of reference counts: handles are gone, extents
	// go back to the store, the table empties.
	s.handles = make(map[uint64]*FileHandle)

	for ino, nd := range s.table.nodes {
		if reg, ok := nd.(*regNode); ok && reg.extents != nil {
			reg.extents.Release()
			reg.extents = nil
		}
		s.table.remove(ino)
	}

	logger.Debug("Filesystem destroyed")
}

// ---- internal helpers, called with the lock held ----

func (s *fileSystemService) alive() error {
	if s.destroyed {
		return &ServiceError{Code: kerrors.EIO, Message: "filesystem destroyed"}
	}
	return nil
}

func (s *fileSystemService) getNode(ino uint64) (node, error) {
	nd, ok := s.table.get(ino)
	if !ok {
		return nil, &ServiceError{Code: kerrors.ENOENT, Message: "no such inode"}
	}
	return nd, nil
}

func (s *fileSystemService) getDir(ino uint64) (*dirNode, error) {
	nd, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}

	dir, ok := nd.(*dirNode)
	if !ok {
		return nil, &ServiceError{Code: kerrors.ENOTDIR, Message: "not a directory"}
	}
	return dir, nil
}

// resolveChild resolves a name within dir, handling the synthetic "." and
// ".." entries. The root's ".." is the root itself.
func (s *fileSystemService) resolveChild(dir *dirNode, name string) (node, error) {
	switch name {
	case "":
		return nil, &ServiceError{Code: kerrors.EINVAL, Message: "invalid name"}
	case ".":
		return dir, nil
	case "..":
		return s.getNode(dir.parent)
	}

	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return nil, &ServiceError{Code: kerrors.EINVAL, Message: "invalid name"}
		}
	}

	ino, ok := dir.entries.lookup(name)
	if !ok {
		return nil, &ServiceError{Code: kerrors.ENOENT, Message: "no such entry"}
	}
	return s.getNode(ino)
}

// reap frees whatever an inode no longer needs. File data lives while the
// inode has a name or an open handle; the table entry additionally lives
// while the kernel remembers the inode.
func (s *fileSystemService) reap(nd node) {
	i := nd.base()

	if i.nlink != 0 || i.opens != 0 {
		return
	}

	if reg, ok := nd.(*regNode); ok && reg.extents != nil {
		reg.extents.Release()
		reg.extents = nil
	}

	if i.krefs == 0 {
		s.table.remove(i.ino)
	}
}

// newInode fills the shared metadata for a freshly minted inode. The group
// comes from the parent when the parent directory has setgid, otherwise from
// the caller.
func (s *fileSystemService) newInode(mode uint32, rdev uint32, parent *dirNode, creds models.Credentials) inode {
	gid := creds.GID
	if parent.mode&syscall.S_ISGID != 0 {
		gid = parent.gid
	}

	now := s.clock.Now()
	return inode{
		ino:   s.table.mint(),
		mode:  mode,
		uid:   creds.UID,
		gid:   gid,
		rdev:  rdev,
		nlink: 1,
		atime: now,
		mtime: now,
		ctime: now,
	}
}

// prepareEntry runs the shared validation for creating name under parent:
// parent must be a directory the caller may write and search, the name must
// be legal and absent, and the table must have room.
func (s *fileSystemService) prepareEntry(parent uint64, name string, creds models.Credentials) (*dirNode, error) {
	dir, err := s.getDir(parent)
	if err != nil {
		return nil, err
	}

	if err := validName(name); err != nil {
		return nil, err
	}

	if err := checkAccess(&dir.inode, maskWrite|maskExec, creds); err != nil {
		return nil, err
	}

	if _, ok := dir.entries.lookup(name); ok {
		return nil, &ServiceError{Code: kerrors.EEXIST, Message: "name already exists"}
	}

	if s.table.len() >= maxInodes {
		return nil, &ServiceError{Code: kerrors.ENOSPC, Message: "inode table full"}
	}

	return dir, nil
}

// touchDir stamps a directory after its index changed.
func (s *fileSystemService) touchDir(dir *dirNode) {
	now := s.clock.Now()
	dir.mtime = now
	dir.ctime = now
}

type ServiceError struct {
	Code    syscall.Errno
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) GetCode() syscall.Errno {
	return e.Code
}

// asServiceError converts storage-layer errnos into service errors.
func asServiceError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return &ServiceError{Code: errno, Message: msg}
	}
	return &ServiceError{Code: kerrors.EIO, Message: msg}
}
