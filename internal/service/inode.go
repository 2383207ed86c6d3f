package service

import (
	"sort"
	"syscall"
	"time"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/storage"
)

// RootIno is the inode number of the mount root, fixed by the kernel
// protocol.
const RootIno = 1

// inode carries the metadata common to every node variant plus the two
// lifetime counters. krefs counts lookups the kernel has not yet forgotten;
// opens counts live file handles. Name entries are tracked through nlink.
type inode struct {
	ino   uint64
	mode  uint32
	uid   uint32
	gid   uint32
	rdev  uint32
	nlink uint32
	atime time.Time
	mtime time.Time
	ctime time.Time

	krefs uint64
	opens uint32
}

func (i *inode) isDir() bool {
	return i.mode&syscall.S_IFMT == syscall.S_IFDIR
}

func (i *inode) isRegular() bool {
	return i.mode&syscall.S_IFMT == syscall.S_IFREG
}

func (i *inode) isSymlink() bool {
	return i.mode&syscall.S_IFMT == syscall.S_IFLNK
}

// node is one inode in the table; base exposes the shared metadata.
type node interface {
	base() *inode
}

// regNode is a regular file (and the metadata-only carrier for mknod'd
// special files, which never get data). extents is nil once the file's data
// has been reaped or when the node is not S_IFREG.
type regNode struct {
	inode
	extents *storage.ExtentMap
}

func (n *regNode) base() *inode { return &n.inode }

// dirNode is a directory: an index of child names plus the parent inode
// number. The root's parent is itself.
type dirNode struct {
	inode
	parent  uint64
	entries dirIndex
}

func (n *dirNode) base() *inode { return &n.inode }

// symlinkNode stores the target path as bytes, no terminator.
type symlinkNode struct {
	inode
	target []byte
}

func (n *symlinkNode) base() *inode { return &n.inode }

// dirIndex is the name → inode number mapping of one directory. "." and ".."
// are never stored; enumeration synthesises them. Enumeration order is
// lexicographic so the same directory state always yields the same sequence.
type dirIndex map[string]uint64

func (d dirIndex) lookup(name string) (uint64, bool) {
	ino, ok := d[name]
	return ino, ok
}

func (d dirIndex) insert(name string, ino uint64) {
	d[name] = ino
}

func (d dirIndex) remove(name string) {
	delete(d, name)
}

func (d dirIndex) empty() bool {
	return len(d) == 0
}

func (d dirIndex) sortedNames() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inodeTable is the process-wide ino → inode mapping and the source of fresh
// inode numbers. Numbers are never reused within a process lifetime.
type inodeTable struct {
	nodes   map[uint64]node
	nextIno uint64
}

func newInodeTable() *inodeTable {
	return &inodeTable{
		nodes:   make(map[uint64]node),
		nextIno: RootIno + 1,
	}
}

func (t *inodeTable) get(ino uint64) (node, bool) {
	n, ok := t.nodes[ino]
	return n, ok
}

func (t *inodeTable) mint() uint64 {
	ino := t.nextIno
	t.nextIno++
	return ino
}

func (t *inodeTable) add(n node) {
	t.nodes[n.base().ino] = n
}

func (t *inodeTable) remove(ino uint64) {
	delete(t.nodes, ino)
}

func (t *inodeTable) len() int {
	return len(t.nodes)
}

// FileHandle is the per-open state for a regular file: the owning inode and
// a snapshot of the access the open was granted.
type FileHandle struct {
	ID    uint64
	Ino   uint64
	Flags uint32

	readable   bool
	writable   bool
	appendMode bool
}

// statOf renders a node's attribute block.
func statOf(n node, blkSize uint64) *models.Stat {
	i := n.base()

	st := &models.Stat{
		Ino:   i.ino,
		Mode:  i.mode,
		Nlink: i.nlink,
		UID:   i.uid,
		GID:   i.gid,
		Rdev:  i.rdev,
		Atime: i.atime,
		Mtime: i.mtime,
		Ctime: i.ctime,
	}

	switch v := n.(type) {
	case *regNode:
		if v.extents != nil {
			st.Size = v.extents.Size()
			st.Blocks = v.extents.Blocks()
		}
	case *symlinkNode:
		st.Size = uint64(len(v.target))
	case *dirNode:
		st.Size = blkSize
	}

	return st
}
