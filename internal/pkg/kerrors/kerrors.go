package kerrors

import "syscall"

// POSIX errno values returned by the filesystem core. The bridge hands them
// to go-fuse as positive status codes and the library negates them onto the
// kernel protocol, so the core always deals in positive codes.
const (
	EPERM        = syscall.EPERM        // Operation not permitted
	ENOENT       = syscall.ENOENT       // No such file or directory
	EIO          = syscall.EIO          // I/O error
	EBADF        = syscall.EBADF        // Bad file descriptor
	EACCES       = syscall.EACCES       // Permission denied
	EFAULT       = syscall.EFAULT       // Bad address
	EEXIST       = syscall.EEXIST       // File exists
	ENOTDIR      = syscall.ENOTDIR      // Not a directory
	EISDIR       = syscall.EISDIR       // Is a directory
	EINVAL       = syscall.EINVAL       // Invalid argument
	ENOSPC       = syscall.ENOSPC       // No space left on device
	ENAMETOOLONG = syscall.ENAMETOOLONG // File name too long
	ENOTEMPTY    = syscall.ENOTEMPTY    // Directory not empty
)
