package bridge

import (
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/service"
)

// entryTimeout is how long the kernel may cache a lookup reply.
const entryTimeout = time.Second

// errToStatus maps core errors onto kernel status codes. Service errors
// carry their errno; anything else is an internal failure.
func errToStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}

	if serviceErr, ok := err.(*service.ServiceError); ok {
		return fuse.Status(serviceErr.GetCode())
	}

	if errno, ok := err.(syscall.Errno); ok {
		return fuse.Status(errno)
	}

	return fuse.EIO
}

func fillAttr(a *fuse.Attr, st *models.Stat) {
	a.Ino = st.Ino
	a.Size = st.Size
	a.Blocks = st.Blocks
	a.Mode = st.Mode
	a.Nlink = st.Nlink
	a.Owner = fuse.Owner{Uid: st.UID, Gid: st.GID}
	a.Rdev = st.Rdev
	a.Blksize = 4096

	a.Atime = uint64(st.Atime.Unix())
	a.Atimensec = uint32(st.Atime.Nanosecond())
	a.Mtime = uint64(st.Mtime.Unix())
	a.Mtimensec = uint32(st.Mtime.Nanosecond())
	a.Ctime = uint64(st.Ctime.Unix())
	a.Ctimensec = uint32(st.Ctime.Nanosecond())
}

func fillEntryOut(out *fuse.EntryOut, st *models.Stat) {
	out.NodeId = st.Ino
	out.Generation = 0
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(entryTimeout)
}

func fillAttrOut(out *fuse.AttrOut, st *models.Stat) {
	fillAttr(&out.Attr, st)
	out.SetTimeout(entryTimeout)
}

// setAttrRequest translates the kernel's setattr valid-mask and payload into
// the core's request form. Returns the file handle the kernel named, or 0.
func setAttrRequest(input *fuse.SetAttrIn) (models.SetAttrRequest, uint64) {
	var req models.SetAttrRequest

	if mode, ok := input.GetMode(); ok {
		req.Mask |= models.SetMode
		req.Mode = mode
	}
	if uid, ok := input.GetUID(); ok {
		req.Mask |= models.SetUID
		req.UID = uid
	}
	if gid, ok := input.GetGID(); ok {
		req.Mask |= models.SetGID
		req.GID = gid
	}
	if size, ok := input.GetSize(); ok {
		req.Mask |= models.SetSize
		req.Size = size
	}

	if input.Valid&fuse.FATTR_ATIME != 0 {
		if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
			req.Mask |= models.SetAtimeNow
		} else if atime, ok := input.GetATime(); ok {
			req.Mask |= models.SetAtime
			req.Atime = atime
		}
	}
	if input.Valid&fuse.FATTR_MTIME != 0 {
		if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
			req.Mask |= models.SetMtimeNow
		} else if mtime, ok := input.GetMTime(); ok {
			req.Mask |= models.SetMtime
			req.Mtime = mtime
		}
	}

	var fh uint64
	if f, ok := input.GetFh(); ok {
		fh = f
	}

	return req, fh
}
