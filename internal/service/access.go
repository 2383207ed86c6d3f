package service

import (
	"syscall"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
)

// Access request mask bits, as in access(2).
const (
	maskRead  = 4
	maskWrite = 2
	maskExec  = 1
)

// checkAccess applies the POSIX mode check for the requested mask. Root
// bypasses everything except execute on a regular file, which still requires
// at least one execute bit somewhere in the mode.
func checkAccess(i *inode, mask uint32, creds models.Credentials) error {
	if mask == 0 {
		return nil
	}

	if creds.Root() {
		if mask&maskExec != 0 && i.isRegular() && i.mode&0o111 == 0 {
			return &ServiceError{Code: kerrors.EACCES, Message: "permission denied"}
		}
		return nil
	}

	var granted uint32
	switch {
	case creds.UID == i.uid:
		granted = (i.mode >> 6) & 0o7
	case creds.GID == i.gid:
		granted = (i.mode >> 3) & 0o7
	default:
		granted = i.mode & 0o7
	}

	if granted&mask != mask {
		return &ServiceError{Code: kerrors.EACCES, Message: "permission denied"}
	}

	return nil
}

// checkSticky enforces the sticky-bit deletion rule: when the parent
// directory has S_ISVTX set, only root, the directory's owner, or the
// victim's owner may remove or replace the entry.
func checkSticky(parent, victim *inode, creds models.Credentials) error {
	if parent.mode&syscall.S_ISVTX == 0 {
		return nil
	}

	if creds.Root() || creds.UID == parent.uid || creds.UID == victim.uid {
		return nil
	}

	return &ServiceError{Code: kerrors.EPERM, Message: "operation not permitted"}
}

// validName rejects names the directory index cannot hold.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return &ServiceError{Code: kerrors.EINVAL, Message: "invalid name"}
	}
	if len(name) > 255 {
		return &ServiceError{Code: kerrors.ENAMETOOLONG, Message: "name too long"}
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return &ServiceError{Code: kerrors.EINVAL, Message: "invalid name"}
		}
	}
	return nil
}
