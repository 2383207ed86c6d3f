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

func (s *fileSystemService) MkDir(ctx context.Context, parent uint64, name string, mode uint32, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.MkDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("MkDir",
		slog.Uint64("parent", parent),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	dir, err := s.prepareEntry(parent, name, creds)
	if err != nil {
		return nil, err
	}

	dirMode := syscall.S_IFDIR | mode&0o7777
	if dir.mode&syscall.S_ISGID != 0 {
		// New directories inherit setgid from their parent.
		dirMode |= syscall.S_ISGID
	}

	child := &dirNode{
		inode:   s.newInode(dirMode, 0, dir, creds),
		parent:  dir.ino,
		entries: dirIndex{},
	}
	child.nlink = 2

	s.table.add(child)
	dir.entries.insert(name, child.ino)
	dir.nlink++
	s.touchDir(dir)

	child.krefs++

	st := statOf(child, storage.BlockSize)
	logger.Debug("Directory created", slog.Uint64("ino", st.Ino), slog.Uint64("parent_nlink", uint64(dir.nlink)))
	return st, nil
}

func (s *fileSystemService) MkNod(ctx context.Context, parent uint64, name string, mode uint32, rdev uint32, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.MkNod"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("MkNod",
		slog.Uint64("parent", parent),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
		slog.Uint64("rdev", uint64(rdev)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	if mode&syscall.S_IFMT == syscall.S_IFDIR {
		return nil, &ServiceError{Code: kerrors.EINVAL, Message: "mknod cannot create directories"}
	}
	if mode&syscall.S_IFMT == 0 {
		mode |= syscall.S_IFREG
	}

	dir, err := s.prepareEntry(parent, name, creds)
	if err != nil {
		return nil, err
	}

	child := &regNode{inode: s.newInode(mode, rdev, dir, creds)}
	if child.isRegular() {
		child.extents = storage.NewExtentMap(s.store)
	}

	s.table.add(child)
	dir.entries.insert(name, child.ino)
	s.touchDir(dir)

	child.krefs++

	st := statOf(child, storage.BlockSize)
	logger.Debug("Node created", slog.Uint64("ino", st.Ino))
	return st, nil
}

func (s *fileSystemService) Create(ctx context.Context, parent uint64, name string, mode uint32, flags uint32, creds models.Credentials) (*models.Stat, *FileHandle, error) {
	const op = "service.fileSystemService.Create"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Create",
		slog.Uint64("parent", parent),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
		slog.Uint64("flags", uint64(flags)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, nil, err
	}

	dir, err := s.prepareEntry(parent, name, creds)
	if err != nil {
		return nil, nil, err
	}

	child := &regNode{inode: s.newInode(syscall.S_IFREG|mode&0o7777, 0, dir, creds)}
	child.extents = storage.NewExtentMap(s.store)

	s.table.add(child)
	dir.entries.insert(name, child.ino)
	s.touchDir(dir)

	child.krefs++

	fh := s.newHandle(child, flags)
	st := statOf(child, storage.BlockSize)

	logger.Debug("File created", slog.Uint64("ino", st.Ino), slog.Uint64("fh", fh.ID))
	return st, fh, nil
}

func (s *fileSystemService) Symlink(ctx context.Context, target string, parent uint64, name string, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.Symlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Symlink",
		slog.String("target", target),
		slog.Uint64("parent", parent),
		slog.String("name", name),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	dir, err := s.prepareEntry(parent, name, creds)
	if err != nil {
		return nil, err
	}

	child := &symlinkNode{
		inode:  s.newInode(syscall.S_IFLNK|0o777, 0, dir, creds),
		target: []byte(target),
	}

	s.table.add(child)
	dir.entries.insert(name, child.ino)
	s.touchDir(dir)

	child.krefs++

	st := statOf(child, storage.BlockSize)
	logger.Debug("Symlink created", slog.Uint64("ino", st.Ino))
	return st, nil
}

func (s *fileSystemService) Link(ctx context.Context, ino uint64, newParent uint64, newName string, creds models.Credentials) (*models.Stat, error) {
	const op = "service.fileSystemService.Link"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Link",
		slog.Uint64("ino", ino),
		slog.Uint64("new_parent", newParent),
		slog.String("new_name", newName),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	target, err := s.getNode(ino)
	if err != nil {
		return nil, err
	}

	if target.base().isDir() {
		return nil, &ServiceError{Code: kerrors.EPERM, Message: "cannot link directory"}
	}

	dir, err := s.prepareEntry(newParent, newName, creds)
	if err != nil {
		return nil, err
	}

	dir.entries.insert(newName, ino)
	target.base().nlink++
	target.base().ctime = s.clock.Now()
	s.touchDir(dir)

	target.base().krefs++

	st := statOf(target, storage.BlockSize)
	logger.Debug("Hard link created", slog.Uint64("ino", ino), slog.Uint64("nlink", uint64(st.Nlink)))
	return st, nil
}

func (s *fileSystemService) Unlink(ctx context.Context, parent uint64, name string, creds models.Credentials) error {
	const op = "service.fileSystemService.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink", slog.Uint64("parent", parent), slog.String("name", name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return err
	}

	dir, err := s.getDir(parent)
	if err != nil {
		return err
	}

	if err := validName(name); err != nil {
		return err
	}

	if err := checkAccess(&dir.inode, maskWrite|maskExec, creds); err != nil {
		return err
	}

	ino, ok := dir.entries.lookup(name)
	if !ok {
		return &ServiceError{Code: kerrors.ENOENT, Message: "no such entry"}
	}

	child, err := s.getNode(ino)
	if err != nil {
		return err
	}

	if child.base().isDir() {
		return &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	if err := checkSticky(&dir.inode, child.base(), creds); err != nil {
		return err
	}

	dir.entries.remove(name)
	child.base().nlink--
	child.base().ctime = s.clock.Now()
	s.touchDir(dir)

	s.reap(child)

	logger.Debug("Unlinked",
		slog.Uint64("ino", ino),
		slog.Uint64("nlink", uint64(child.base().nlink)),
		slog.Uint64("opens", uint64(child.base().opens)),
	)
	return nil
}

func (s *fileSystemService) RmDir(ctx context.Context, parent uint64, name string, creds models.Credentials) error {
	const op = "service.fileSystemService.RmDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("RmDir", slog.Uint64("parent", parent), slog.String("name", name))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return err
	}

	dir, err := s.getDir(parent)
	if err != nil {
		return err
	}

	if err := validName(name); err != nil {
		return err
	}

	if err := checkAccess(&dir.inode, maskWrite|maskExec, creds); err != nil {
		return err
	}

	ino, ok := dir.entries.lookup(name)
	if !ok {
		return &ServiceError{Code: kerrors.ENOENT, Message: "no such entry"}
	}

	child, err := s.getNode(ino)
	if err != nil {
		return err
	}

	childDir, ok := child.(*dirNode)
	if !ok {
		return &ServiceError{Code: kerrors.ENOTDIR, Message: "not a directory"}
	}

	if !childDir.entries.empty() {
		return &ServiceError{Code: kerrors.ENOTEMPTY, Message: "directory not empty"}
	}

	if err := checkSticky(&dir.inode, &childDir.inode, creds); err != nil {
		return err
	}

	dir.entries.remove(name)
	dir.nlink--
	s.touchDir(dir)

	childDir.nlink = 0
	childDir.ctime = s.clock.Now()
	s.reap(childDir)

	logger.Debug("Directory removed", slog.Uint64("ino", ino), slog.Uint64("parent_nlink", uint64(dir.nlink)))
	return nil
}

func (s *fileSystemService) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string, creds models.Credentials) error {
	const op = "service.fileSystemService.Rename"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rename",
		slog.Uint64("parent", parent),
		slog.String("name", name),
		slog.Uint64("new_parent", newParent),
		slog.String("new_name", newName),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return err
	}

	srcDir, err := s.getDir(parent)
	if err != nil {
		return err
	}
	dstDir, err := s.getDir(newParent)
	if err != nil {
		return err
	}

	if err := validName(name); err != nil {
		return err
	}
	if err := validName(newName); err != nil {
		return err
	}

	if err := checkAccess(&srcDir.inode, maskWrite|maskExec, creds); err != nil {
		return err
	}
	if err := checkAccess(&dstDir.inode, maskWrite|maskExec, creds); err != nil {
		return err
	}

	srcIno, ok := srcDir.entries.lookup(name)
	if !ok {
		return &ServiceError{Code: kerrors.ENOENT, Message: "no such entry"}
	}

	src, err := s.getNode(srcIno)
	if err != nil {
		return err
	}

	if err := checkSticky(&srcDir.inode, src.base(), creds); err != nil {
		return err
	}

	dstIno, dstExists := dstDir.entries.lookup(newName)
	if dstExists && dstIno == srcIno {
		// Both names already refer to the same inode; POSIX says do nothing.
		return nil
	}

	if srcMoved, ok := src.(*dirNode); ok {
		if err := s.checkNotDescendant(srcMoved.ino, dstDir); err != nil {
			return err
		}
	}

	var dst node
	if dstExists {
		dst, err = s.getNode(dstIno)
		if err != nil {
			return err
		}

		if err := checkSticky(&dstDir.inode, dst.base(), creds); err != nil {
			return err
		}

		if src.base().isDir() {
			dstAsDir, ok := dst.(*dirNode)
			if !ok {
				return &ServiceError{Code: kerrors.ENOTDIR, Message: "not a directory"}
			}
			if !dstAsDir.entries.empty() {
				return &ServiceError{Code: kerrors.ENOTEMPTY, Message: "directory not empty"}
			}
		} else if dst.base().isDir() {
			return &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
		}
	}

	// All checks passed; mutate.
	now := s.clock.Now()

	srcDir.entries.remove(name)

	if dstExists {
		dstDir.entries.remove(newName)
		if dstAsDir, ok := dst.(*dirNode); ok {
			dstAsDir.nlink = 0
			dstDir.nlink--
		} else {
			dst.base().nlink--
		}
		dst.base().ctime = now
		s.reap(dst)
	}

	dstDir.entries.insert(newName, srcIno)

	if srcMoved, ok := src.(*dirNode); ok && srcDir.ino != dstDir.ino {
		srcMoved.parent = dstDir.ino
		srcDir.nlink--
		dstDir.nlink++
	}

	src.base().ctime = now
	s.touchDir(srcDir)
	if dstDir != srcDir {
		s.touchDir(dstDir)
	}

	logger.Debug("Renamed", slog.Uint64("ino", srcIno), slog.Bool("replaced", dstExists))
	return nil
}

// checkNotDescendant walks from dir to the root and fails when it passes
// through ino, which would make a renamed directory its own ancestor.
func (s *fileSystemService) checkNotDescendant(ino uint64, dir *dirNode) error {
	for {
		if dir.ino == ino {
			return &ServiceError{Code: kerrors.EINVAL, Message: "destination is a descendant of source"}
		}
		if dir.ino == dir.parent {
			return nil
		}

		parent, err := s.getDir(dir.parent)
		if err != nil {
			return err
		}
		dir = parent
	}
}

func (s *fileSystemService) OpenDir(ctx context.Context, ino uint64, flags uint32, creds models.Credentials) error {
	const op = "service.fileSystemService.OpenDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("OpenDir", slog.Uint64("ino", ino), slog.Uint64("flags", uint64(flags)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return err
	}

	dir, err := s.getDir(ino)
	if err != nil {
		return err
	}

	return checkAccess(&dir.inode, maskRead, creds)
}

func (s *fileSystemService) ReadDir(ctx context.Context, ino uint64, off uint64) ([]models.Dirent, error) {
	const op = "service.fileSystemService.ReadDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("ReadDir", slog.Uint64("ino", ino), slog.Uint64("offset", off))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.alive(); err != nil {
		return nil, err
	}

	dir, err := s.getDir(ino)
	if err != nil {
		return nil, err
	}

	// "." and ".." first, then the index in sorted order. Offsets are entry
	// positions, so the same directory state resumes identically.
	var entries []models.Dirent

	emit := func(pos uint64, name string, childIno uint64, mode uint32) {
		if pos < off {
			return
		}
		entries = append(entries, models.Dirent{
			Name: name,
			Ino:  childIno,
			Mode: mode,
			Off:  pos + 1,
		})
	}

	emit(0, ".", dir.ino, dir.mode)

	parent, err := s.getDir(dir.parent)
	if err != nil {
		return nil, err
	}
	emit(1, "..", parent.ino, parent.mode)

	for i, name := range dir.entries.sortedNames() {
		childIno := dir.entries[name]
		child, err := s.getNode(childIno)
		if err != nil {
			return nil, err
		}
		emit(uint64(i)+2, name, childIno, child.base().mode)
	}

	dir.atime = s.clock.Now()

	logger.Debug("ReadDir successful", slog.Int("entries", len(entries)))
	return entries, nil
}

func (s *fileSystemService) ReleaseDir(ctx context.Context, ino uint64) {
	// Directory handles carry no state.
}
