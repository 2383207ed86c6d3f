package service

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
	"github.com/noahdesu/ramfuse/internal/storage"
	"github.com/noahdesu/ramfuse/pkg/logging"
)

func (s *fileSystemService) Open(ctx context.Context, ino uint64, flags uint32, creds models.Credentials) (*FileHandle, error) {
	const op = "service.fileSystemService.Open"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Open", slog.Uint64("ino", ino), slog.Uint64("flags", uint64(flags)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	nd, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}

	if nd.base().isDir() {
		return nil, &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	reg, ok := nd.(*regNode)
	if !ok || !reg.isRegular() {
		return nil, &ServiceError{Code: kerrors.EINVAL, Message: "not a regular file"}
	}

	var mask uint32
	accMode := flags & syscall.O_ACCMODE
	if accMode == syscall.O_RDONLY || accMode == syscall.O_RDWR {
		mask |= maskRead
	}
	if accMode == syscall.O_WRONLY || accMode == syscall.O_RDWR {
		mask |= maskWrite
	}

	if err := checkAccess(&reg.inode, mask, creds); err != nil {
		return nil, err
	}

	fh := s.newHandle(reg, flags)

	if flags&syscall.O_TRUNC != 0 && fh.writable && reg.extents != nil {
		reg.extents.Truncate(0)
		now := s.clock.Now()
		reg.mtime = now
		reg.ctime = now
	}

	logger.Debug("Opened", slog.Uint64("ino", ino), slog.Uint64("fh", fh.ID))
	return fh, nil
}

// newHandle snapshots the access an open was granted and registers the
// handle. Caller holds the lock and has already checked permissions.
func (s *fileSystemService) newHandle(reg *regNode, flags uint32) *FileHandle {
	s.nextFh++

	accMode := flags & syscall.O_ACCMODE
	fh := &FileHandle{
		ID:         s.nextFh,
		Ino:        reg.ino,
		Flags:      flags,
		readable:   accMode == syscall.O_RDONLY || accMode == syscall.O_RDWR,
		writable:   accMode == syscall.O_WRONLY || accMode == syscall.O_RDWR,
		appendMode: flags&syscall.O_APPEND != 0,
	}

	s.handles[fh.ID] = fh
	reg.opens++

	return fh
}

// getHandle resolves a handle ID to the handle and its regular inode.
func (s *fileSystemService) getHandle(fh uint64) (*FileHandle, *regNode, error) {
	handle, ok := s.handles[fh]
	if !ok {
		return nil, nil, &ServiceError{Code: kerrors.EBADF, Message: "bad file handle"}
	}

	nd, ok := s.table.get(handle.Ino)
	if !ok {
		return nil, nil, &ServiceError{Code: kerrors.EBADF, Message: "handle references missing inode"}
	}

	reg, ok := nd.(*regNode)
	if !ok {
		return nil, nil, &ServiceError{Code: kerrors.EBADF, Message: "handle references non-file"}
	}

	return handle, reg, nil
}

func (s *fileSystemService) Read(ctx context.Context, fh uint64, off uint64, size uint32) ([]byte, error) {
	const op = "service.fileSystemService.Read"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Read", slog.Uint64("fh", fh), slog.Uint64("offset", off), slog.Uint64("size", uint64(size)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	handle, reg, err := s.getHandle(fh)
	if err != nil {
		return nil, err
	}

	if !handle.readable {
		return nil, &ServiceError{Code: kerrors.EBADF, Message: "handle not open for reading"}
	}

	if reg.extents == nil {
		return nil, nil
	}

	buf := make([]byte, size)
	n := reg.extents.ReadAt(buf, off)

	reg.atime = s.clock.Now()

	logger.Debug("Read successful", slog.Int("bytes", n))
	return buf[:n], nil
}

func (s *fileSystemService) Write(ctx context.Context, fh uint64, data []byte, off uint64) (uint32, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Write", slog.Uint64("fh", fh), slog.Uint64("offset", off), slog.Int("len", len(data)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return 0, err
	}

	handle, reg, err := s.getHandle(fh)
	if err != nil {
		return 0, err
	}

	if !handle.writable {
		return 0, &ServiceError{Code: kerrors.EBADF, Message: "handle not open for writing"}
	}

	if reg.extents == nil {
		return 0, &ServiceError{Code: kerrors.EBADF, Message: "file data released"}
	}

	// O_APPEND resolves the offset under the same critical section as the
	// write, so concurrent appenders never clobber each other.
	if handle.appendMode {
		off = reg.extents.Size()
	}

	n, err := reg.extents.WriteAt(data, off)
	if err != nil {
		logger.Debug("Write failed", slog.Uint64("offset", off), slog.Int("len", len(data)))
		return 0, asServiceError(err, "allocation failed")
	}

	now := s.clock.Now()
	reg.mtime = now
	reg.ctime = now

	logger.Debug("Write successful", slog.Int("bytes", n), slog.Uint64("size", reg.extents.Size()))
	return uint32(n), nil
}

func (s *fileSystemService) Release(ctx context.Context, ino uint64, fh uint64) {
	const op = "service.fileSystemService.Release"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Release", slog.Uint64("ino", ino), slog.Uint64("fh", fh))

	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[fh]
	if !ok {
		return
	}
	delete(s.handles, fh)

	nd, ok := s.table.get(handle.Ino)
	if !ok {
		return
	}

	i := nd.base()
	if i.opens > 0 {
		i.opens--
	}

	s.reap(nd)
}

func (s *fileSystemService) SetAttr(ctx context.Context, ino uint64, fh uint64, req models.SetAttrRequest, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.SetAttr"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("SetAttr",
		slog.Uint64("ino", ino),
		slog.Uint64("fh", fh),
		slog.Uint64("mask", uint64(req.Mask)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	nd, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}
	i := nd.base()

	var handle *FileHandle
	if fh != 0 {
		h, _, err := s.getHandle(fh)
		if err != nil {
			return nil, err
		}
		if h.Ino != ino {
			return nil, &ServiceError{Code: kerrors.EBADF, Message: "handle does not match inode"}
		}
		handle = h
	}

	owner := creds.Root() || creds.UID == i.uid

	// Validate every requested change before mutating anything.
	if req.Mask&models.SetMode != 0 && !owner {
		return nil, &ServiceError{Code: kerrors.EPERM, Message: "operation not permitted"}
	}

	if req.Mask&models.SetUID != 0 && req.UID != i.uid && !creds.Root() {
		return nil, &ServiceError{Code: kerrors.EPERM, Message: "operation not permitted"}
	}

	if req.Mask&models.SetGID != 0 && !owner {
		return nil, &ServiceError{Code: kerrors.EPERM, Message: "operation not permitted"}
	}

	var reg *regNode
	if req.Mask&models.SetSize != 0 {
		var ok bool
		reg, ok = nd.(*regNode)
		if !ok || !reg.isRegular() || reg.extents == nil {
			return nil, &ServiceError{Code: kerrors.EINVAL, Message: "cannot truncate non-file"}
		}

		if handle != nil {
			if !handle.writable {
				return nil, &ServiceError{Code: kerrors.EACCES, Message: "handle not open for writing"}
			}
		} else if err := checkAccess(i, maskWrite, creds); err != nil {
			return nil, err
		}
	}

	if req.Mask&(models.SetAtime|models.SetMtime) != 0 && !owner {
		return nil, &ServiceError{Code: kerrors.EPERM, Message: "operation not permitted"}
	}

	if req.Mask&(models.SetAtimeNow|models.SetMtimeNow) != 0 && !owner {
		if err := checkAccess(i, maskWrite, creds); err != nil {
			return nil, err
		}
	}

	// Apply.
	now := s.clock.Now()

	if req.Mask&models.SetMode != 0 {
		i.mode = i.mode&syscall.S_IFMT | req.Mode&^uint32(syscall.S_IFMT)
	}
	if req.Mask&models.SetUID != 0 {
		i.uid = req.UID
	}
	if req.Mask&models.SetGID != 0 {
		i.gid = req.GID
	}
	if req.Mask&models.SetSize != 0 {
		reg.extents.Truncate(req.Size)
		i.mtime = now
	}
	if req.Mask&models.SetAtime != 0 {
		i.atime = req.Atime
	}
	if req.Mask&models.SetMtime != 0 {
		i.mtime = req.Mtime
	}
	if req.Mask&models.SetAtimeNow != 0 {
		i.atime = now
	}
	if req.Mask&models.SetMtimeNow != 0 {
		i.mtime = now
	}

	i.ctime = now

	st := statOf(nd, storage.BlockSize)
	logger.Debug("SetAttr successful", slog.Uint64("ino", ino), slog.Uint64("size", st.Size))
	return st, nil
}
