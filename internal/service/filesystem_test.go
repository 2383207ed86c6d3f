package service

import (
	"bytes"
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/noahdesu/ramfuse/internal/models"
	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
	"github.com/noahdesu/ramfuse/internal/storage"
)

// fakeClock ticks forward on every reading so timestamp ordering is
// observable.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

var (
	alice = models.Credentials{UID: 1000, GID: 1000}
	bob   = models.Credentials{UID: 1001, GID: 1001}
	root  = models.Credentials{UID: 0, GID: 0}
)

func newTestFS(t *testing.T, blocks uint64) (*fileSystemService, *storage.HeapStore) {
	t.Helper()

	store := storage.NewHeapStore(blocks * storage.BlockSize)
	svc := NewFileSystemService(store, newFakeClock(), alice)
	return svc.(*fileSystemService), store
}

func errnoOf(t *testing.T, err error) syscall.Errno {
	t.Helper()

	if err == nil {
		t.Fatal("expected an error")
	}
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	return serviceErr.GetCode()
}

func mustMkDir(t *testing.T, fs *fileSystemService, parent uint64, name string, mode uint32, creds models.Credentials) *models.Stat {
	t.Helper()

	st, err := fs.MkDir(context.Background(), parent, name, mode, creds)
	if err != nil {
		t.Fatalf("mkdir %q: %v", name, err)
	}
	return st
}

func mustCreate(t *testing.T, fs *fileSystemService, parent uint64, name string, mode uint32, creds models.Credentials) (*models.Stat, *FileHandle) {
	t.Helper()

	st, fh, err := fs.Create(context.Background(), parent, name, mode, syscall.O_RDWR, creds)
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return st, fh
}

func TestMkDirAttributesAndNlink(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st := mustMkDir(t, fs, RootIno, "d", 0o755, alice)

	if st.Mode != syscall.S_IFDIR|0o755 {
		t.Errorf("mode = %o", st.Mode)
	}
	if st.Nlink != 2 {
		t.Errorf("nlink = %d, want 2", st.Nlink)
	}
	if st.UID != 1000 || st.GID != 1000 {
		t.Errorf("owner = %d:%d", st.UID, st.GID)
	}

	rootSt, err := fs.GetAttr(ctx, RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if rootSt.Nlink != 3 {
		t.Errorf("root nlink = %d, want 3", rootSt.Nlink)
	}
}

func TestCreateWriteGetAttr(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "d", 0o755, alice)
	st, fh := mustCreate(t, fs, d.Ino, "f", 0o644, alice)

	if st.Mode != syscall.S_IFREG|0o644 {
		t.Errorf("mode = %o", st.Mode)
	}

	n, err := fs.Write(ctx, fh.ID, []byte("hello"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("wrote %d bytes", n)
	}

	got, err := fs.GetAttr(ctx, st.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 5 {
		t.Errorf("size = %d, want 5", got.Size)
	}
	if got.Blocks != 8 {
		t.Errorf("blocks = %d, want 8", got.Blocks)
	}

	data, err := fs.Read(ctx, fh.ID, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("read %q", data)
	}
}

func TestTruncateViaSetAttr(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetSize,
		Size: 1,
	}, alice); err != nil {
		t.Fatal(err)
	}

	data, err := fs.Read(ctx, fh.ID, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "h" {
		t.Errorf("read %q after truncate, want \"h\"", data)
	}
}

func TestSparseFile(t *testing.T) {
	fs, _ := newTestFS(t, 512)
	ctx := context.Background()

	const holeEnd = 1 << 20

	st, fh := mustCreate(t, fs, RootIno, "sparse", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, []byte{0xaa}, holeEnd); err != nil {
		t.Fatal(err)
	}

	got, err := fs.GetAttr(ctx, st.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != holeEnd+1 {
		t.Errorf("size = %d, want %d", got.Size, holeEnd+1)
	}
	if got.Blocks != 8 {
		t.Errorf("blocks = %d, want a single tail block (8)", got.Blocks)
	}

	data, err := fs.Read(ctx, fh.ID, 0, holeEnd)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != holeEnd {
		t.Fatalf("read %d bytes", len(data))
	}
	if !bytes.Equal(data, make([]byte, holeEnd)) {
		t.Error("hole did not read as zeros")
	}
}

func TestSymlinkReadLink(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "d", 0o755, alice)

	st, err := fs.Symlink(ctx, "f", d.Ino, "s", alice)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != syscall.S_IFLNK|0o777 {
		t.Errorf("mode = %o", st.Mode)
	}
	if st.Size != 1 {
		t.Errorf("size = %d, want 1", st.Size)
	}

	target, err := fs.ReadLink(ctx, st.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if string(target) != "f" {
		t.Errorf("readlink = %q", target)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "d", 0o755, alice)
	st, fh := mustCreate(t, fs, d.Ino, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	fs.Release(ctx, st.Ino, fh.ID)

	linked, err := fs.Link(ctx, st.Ino, d.Ino, "f2", alice)
	if err != nil {
		t.Fatal(err)
	}
	if linked.Nlink != 2 {
		t.Errorf("nlink after link = %d", linked.Nlink)
	}

	if err := fs.Unlink(ctx, d.Ino, "f", alice); err != nil {
		t.Fatal(err)
	}

	got, err := fs.GetAttr(ctx, st.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nlink != 1 {
		t.Errorf("nlink after unlink = %d", got.Nlink)
	}

	fh2, err := fs.Open(ctx, st.Ino, syscall.O_RDONLY, alice)
	if err != nil {
		t.Fatal(err)
	}
	data, err := fs.Read(ctx, fh2.ID, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("data via second link = %q", data)
	}

	// /d still holds f2, so removing it must fail.
	if got := errnoOf(t, fs.RmDir(ctx, RootIno, "d", alice)); got != kerrors.ENOTEMPTY {
		t.Errorf("rmdir non-empty = %v, want ENOTEMPTY", got)
	}
}

func TestUnlinkWhileOpen(t *testing.T) {
	fs, store := newTestFS(t, 16)
	ctx := context.Background()

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)

	if err := fs.Unlink(ctx, RootIno, "f", alice); err != nil {
		t.Fatal(err)
	}

	// The handle keeps data alive.
	if _, err := fs.Write(ctx, fh.ID, []byte("still here"), 0); err != nil {
		t.Fatal(err)
	}
	data, err := fs.Read(ctx, fh.ID, 0, 32)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "still here" {
		t.Fatalf("read %q", data)
	}

	used := store.Stats()
	if used.FreeBlocks == used.TotalBlocks {
		t.Fatal("expected live blocks while the orphan is open")
	}

	fs.Release(ctx, st.Ino, fh.ID)

	// Last close frees the data; the name is gone, and the inode lingers
	// only as a metadata stub for the kref Create handed out.
	if after := store.Stats(); after.FreeBlocks != after.TotalBlocks {
		t.Errorf("blocks leaked after release: %+v", after)
	}

	if _, err := fs.Lookup(ctx, RootIno, "f", alice); errnoOf(t, err) != kerrors.ENOENT {
		t.Error("lookup after release should be ENOENT")
	}
}

func TestOrphanWithKrefsKeepsMetadataStub(t *testing.T) {
	fs, store := newTestFS(t, 16)
	ctx := context.Background()

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, []byte("data"), 0); err != nil {
		t.Fatal(err)
	}
	fs.Release(ctx, st.Ino, fh.ID)

	// Create bumped krefs once; the kernel still remembers the inode.
	if err := fs.Unlink(ctx, RootIno, "f", alice); err != nil {
		t.Fatal(err)
	}

	// Data is gone but the metadata stub survives until forget.
	if after := store.Stats(); after.FreeBlocks != after.TotalBlocks {
		t.Errorf("orphan data not freed: %+v", after)
	}
	if _, err := fs.GetAttr(ctx, st.Ino); err != nil {
		t.Errorf("metadata stub unavailable: %v", err)
	}

	fs.Forget(ctx, st.Ino, 1)

	if _, err := fs.GetAttr(ctx, st.Ino); errnoOf(t, err) != kerrors.ENOENT {
		t.Error("inode should be gone after forget")
	}
}

func TestForgetDecrements(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st := mustMkDir(t, fs, RootIno, "d", 0o755, alice)

	const extra = 5
	for i := 0; i < extra; i++ {
		if _, err := fs.Lookup(ctx, RootIno, "d", alice); err != nil {
			t.Fatal(err)
		}
	}

	nd, ok := fs.table.get(st.Ino)
	if !ok {
		t.Fatal("inode missing")
	}
	if nd.base().krefs != extra+1 {
		t.Fatalf("krefs = %d, want %d", nd.base().krefs, extra+1)
	}

	fs.Forget(ctx, st.Ino, extra)

	if nd.base().krefs != 1 {
		t.Fatalf("krefs after forget = %d, want 1", nd.base().krefs)
	}
}

func TestRenameBasic(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "a", 0o644, alice)

	if err := fs.Rename(ctx, RootIno, "a", RootIno, "b", alice); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Lookup(ctx, RootIno, "a", alice); errnoOf(t, err) != kerrors.ENOENT {
		t.Error("old name still resolves")
	}

	got, err := fs.Lookup(ctx, RootIno, "b", alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ino != st.Ino {
		t.Errorf("renamed ino = %d, want %d", got.Ino, st.Ino)
	}
}

func TestRenameReplacesExistingFile(t *testing.T) {
	fs, store := newTestFS(t, 16)
	ctx := context.Background()

	src, srcFh := mustCreate(t, fs, RootIno, "a", 0o644, alice)
	if _, err := fs.Write(ctx, srcFh.ID, []byte("source"), 0); err != nil {
		t.Fatal(err)
	}
	fs.Release(ctx, src.Ino, srcFh.ID)

	dst, dstFh := mustCreate(t, fs, RootIno, "b", 0o644, alice)
	if _, err := fs.Write(ctx, dstFh.ID, []byte("victim"), 0); err != nil {
		t.Fatal(err)
	}
	fs.Release(ctx, dst.Ino, dstFh.ID)
	fs.Forget(ctx, dst.Ino, 1)

	before := store.Stats()

	if err := fs.Rename(ctx, RootIno, "a", RootIno, "b", alice); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Lookup(ctx, RootIno, "b", alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ino != src.Ino {
		t.Errorf("b resolves to %d, want %d", got.Ino, src.Ino)
	}

	// The replaced inode was fully unreferenced, so its block came back.
	after := store.Stats()
	if after.FreeBlocks != before.FreeBlocks+1 {
		t.Errorf("replaced file's block not freed: before %+v after %+v", before, after)
	}
}

func TestRenameSameInodeIsNoOp(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "a", 0o644, alice)
	if _, err := fs.Link(ctx, st.Ino, RootIno, "b", alice); err != nil {
		t.Fatal(err)
	}

	if err := fs.Rename(ctx, RootIno, "a", RootIno, "b", alice); err != nil {
		t.Fatal(err)
	}

	// POSIX: both names survive.
	if _, err := fs.Lookup(ctx, RootIno, "a", alice); err != nil {
		t.Error("source name removed by no-op rename")
	}
	if _, err := fs.Lookup(ctx, RootIno, "b", alice); err != nil {
		t.Error("destination name missing")
	}
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	a := mustMkDir(t, fs, RootIno, "a", 0o755, alice)
	b := mustMkDir(t, fs, a.Ino, "b", 0o755, alice)

	err := fs.Rename(ctx, RootIno, "a", b.Ino, "c", alice)
	if errnoOf(t, err) != kerrors.EINVAL {
		t.Errorf("rename into own subtree = %v, want EINVAL", err)
	}
}

func TestRenameDirectoryUpdatesParentAndNlink(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	src := mustMkDir(t, fs, RootIno, "src", 0o755, alice)
	dst := mustMkDir(t, fs, RootIno, "dst", 0o755, alice)
	moved := mustMkDir(t, fs, src.Ino, "child", 0o755, alice)

	if err := fs.Rename(ctx, src.Ino, "child", dst.Ino, "child", alice); err != nil {
		t.Fatal(err)
	}

	srcSt, _ := fs.GetAttr(ctx, src.Ino)
	dstSt, _ := fs.GetAttr(ctx, dst.Ino)
	if srcSt.Nlink != 2 {
		t.Errorf("src nlink = %d, want 2", srcSt.Nlink)
	}
	if dstSt.Nlink != 3 {
		t.Errorf("dst nlink = %d, want 3", dstSt.Nlink)
	}

	// ".." of the moved directory now resolves to dst.
	up, err := fs.Lookup(ctx, moved.Ino, "..", alice)
	if err != nil {
		t.Fatal(err)
	}
	if up.Ino != dst.Ino {
		t.Errorf("moved dir's parent = %d, want %d", up.Ino, dst.Ino)
	}
}

func TestDirectoryNlinkInvariant(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	ctx := context.Background()

	// Random-ish sequence of mkdir/rmdir/rename, then verify the invariant
	// over every directory.
	a := mustMkDir(t, fs, RootIno, "a", 0o755, alice)
	a1 := mustMkDir(t, fs, a.Ino, "a1", 0o755, alice)
	mustMkDir(t, fs, a.Ino, "a2", 0o755, alice)
	b := mustMkDir(t, fs, RootIno, "b", 0o755, alice)
	mustCreate(t, fs, b.Ino, "f", 0o644, alice)

	if err := fs.Rename(ctx, a.Ino, "a2", b.Ino, "b1", alice); err != nil {
		t.Fatal(err)
	}
	if err := fs.RmDir(ctx, a.Ino, "a1", alice); err != nil {
		t.Fatal(err)
	}
	// The removed directory stays in the table as a stub until the kernel
	// drops the reference mkdir handed out.
	fs.Forget(ctx, a1.Ino, 1)

	for ino, nd := range fs.table.nodes {
		dir, ok := nd.(*dirNode)
		if !ok {
			continue
		}

		subdirs := uint32(0)
		for _, childIno := range dir.entries {
			child, _ := fs.table.get(childIno)
			if child != nil && child.base().isDir() {
				subdirs++
			}
		}

		if dir.nlink != 2+subdirs {
			t.Errorf("dir %d nlink = %d, want %d", ino, dir.nlink, 2+subdirs)
		}
	}
}

func TestStickyBit(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	tmp := mustMkDir(t, fs, RootIno, "tmp", 0o777, root)
	if _, err := fs.SetAttr(ctx, tmp.Ino, 0, models.SetAttrRequest{
		Mask: models.SetMode,
		Mode: 0o1777,
	}, root); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, fs, tmp.Ino, "af", 0o666, alice)

	if got := errnoOf(t, fs.Unlink(ctx, tmp.Ino, "af", bob)); got != kerrors.EPERM {
		t.Errorf("foreign unlink in sticky dir = %v, want EPERM", got)
	}

	if err := fs.Unlink(ctx, tmp.Ino, "af", alice); err != nil {
		t.Errorf("owner unlink in sticky dir: %v", err)
	}

	mustCreate(t, fs, tmp.Ino, "af2", 0o666, alice)
	if err := fs.Unlink(ctx, tmp.Ino, "af2", root); err != nil {
		t.Errorf("root unlink in sticky dir: %v", err)
	}
}

func TestAccess(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "f", 0o640, alice)

	tests := []struct {
		name  string
		creds models.Credentials
		mask  uint32
		want  syscall.Errno
	}{
		{name: "owner read", creds: alice, mask: 4, want: 0},
		{name: "owner write", creds: alice, mask: 6, want: 0},
		{name: "owner exec denied", creds: alice, mask: 1, want: kerrors.EACCES},
		{name: "group read", creds: models.Credentials{UID: 1002, GID: 1000}, mask: 4, want: 0},
		{name: "group write denied", creds: models.Credentials{UID: 1002, GID: 1000}, mask: 2, want: kerrors.EACCES},
		{name: "other read denied", creds: bob, mask: 4, want: kerrors.EACCES},
		{name: "root read", creds: root, mask: 6, want: 0},
		{name: "root exec without any x bit", creds: root, mask: 1, want: kerrors.EACCES},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fs.Access(ctx, st.Ino, tt.mask, tt.creds)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("access: %v", err)
				}
				return
			}
			if got := errnoOf(t, err); got != tt.want {
				t.Fatalf("access = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadDir(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "d", 0o755, alice)
	mustCreate(t, fs, d.Ino, "zebra", 0o644, alice)
	mustCreate(t, fs, d.Ino, "apple", 0o644, alice)
	mustMkDir(t, fs, d.Ino, "mango", 0o755, alice)

	entries, err := fs.ReadDir(ctx, d.Ino, 0)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}

	want := []string{".", "..", "apple", "mango", "zebra"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}

	// Resuming from an entry's offset continues after it.
	resumed, err := fs.ReadDir(ctx, d.Ino, entries[2].Off)
	if err != nil {
		t.Fatal(err)
	}
	names = names[:0]
	for _, e := range resumed {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"mango", "zebra"}, names); diff != "" {
		t.Errorf("resume mismatch (-want +got):\n%s", diff)
	}

	// Same state, same sequence.
	again, err := fs.ReadDir(ctx, d.Ino, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(entries, again); diff != "" {
		t.Errorf("enumeration not deterministic (-first +second):\n%s", diff)
	}
}

func TestOAppendConcurrentOffsets(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "log", 0o644, alice)

	fh1, err := fs.Open(ctx, st.Ino, syscall.O_WRONLY|syscall.O_APPEND, alice)
	if err != nil {
		t.Fatal(err)
	}
	fh2, err := fs.Open(ctx, st.Ino, syscall.O_WRONLY|syscall.O_APPEND, alice)
	if err != nil {
		t.Fatal(err)
	}

	// Both handles pass offset 0; appends must not clobber each other.
	if _, err := fs.Write(ctx, fh1.ID, []byte("one"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(ctx, fh2.ID, []byte("two"), 0); err != nil {
		t.Fatal(err)
	}

	rd, err := fs.Open(ctx, st.Ino, syscall.O_RDONLY, alice)
	if err != nil {
		t.Fatal(err)
	}
	data, err := fs.Read(ctx, rd.ID, 0, 16)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "onetwo" {
		t.Errorf("appended data = %q, want \"onetwo\"", data)
	}
}

func TestOpenTrunc(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, []byte("content"), 0); err != nil {
		t.Fatal(err)
	}
	fs.Release(ctx, st.Ino, fh.ID)

	if _, err := fs.Open(ctx, st.Ino, syscall.O_WRONLY|syscall.O_TRUNC, alice); err != nil {
		t.Fatal(err)
	}

	got, err := fs.GetAttr(ctx, st.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 0 {
		t.Errorf("size after O_TRUNC = %d", got.Size)
	}
}

func TestOpenPermissionDenied(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "private", 0o600, alice)

	if _, err := fs.Open(ctx, st.Ino, syscall.O_RDONLY, bob); errnoOf(t, err) != kerrors.EACCES {
		t.Error("foreign open should be EACCES")
	}
	if _, err := fs.Open(ctx, st.Ino, syscall.O_RDWR, alice); err != nil {
		t.Errorf("owner open: %v", err)
	}
}

func TestStatFSAccounting(t *testing.T) {
	fs, _ := newTestFS(t, 8)
	ctx := context.Background()

	before, err := fs.StatFS(ctx, RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if before.Blocks != 8 || before.BlocksFree != 8 {
		t.Fatalf("fresh statfs: %+v", before)
	}

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, make([]byte, 2*storage.BlockSize), 0); err != nil {
		t.Fatal(err)
	}

	during, _ := fs.StatFS(ctx, RootIno)
	if during.BlocksFree != 6 {
		t.Errorf("free blocks while file live = %d, want 6", during.BlocksFree)
	}

	fs.Release(ctx, st.Ino, fh.ID)
	if err := fs.Unlink(ctx, RootIno, "f", alice); err != nil {
		t.Fatal(err)
	}

	after, _ := fs.StatFS(ctx, RootIno)
	if after.BlocksFree != 8 {
		t.Errorf("free blocks after unlink = %d, want 8", after.BlocksFree)
	}
}

func TestWriteENOSPC(t *testing.T) {
	fs, _ := newTestFS(t, 2)
	ctx := context.Background()

	_, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)

	if _, err := fs.Write(ctx, fh.ID, make([]byte, 4*storage.BlockSize), 0); errnoOf(t, err) != kerrors.ENOSPC {
		t.Error("oversized write should be ENOSPC")
	}
}

func TestMkDirErrors(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	mustMkDir(t, fs, RootIno, "d", 0o755, alice)

	tests := []struct {
		name    string
		parent  uint64
		dirName string
		creds   models.Credentials
		want    syscall.Errno
	}{
		{name: "exists", parent: RootIno, dirName: "d", creds: alice, want: kerrors.EEXIST},
		{name: "missing parent", parent: 4242, dirName: "x", creds: alice, want: kerrors.ENOENT},
		{name: "dot", parent: RootIno, dirName: ".", creds: alice, want: kerrors.EINVAL},
		{name: "dotdot", parent: RootIno, dirName: "..", creds: alice, want: kerrors.EINVAL},
		{name: "slash", parent: RootIno, dirName: "a/b", creds: alice, want: kerrors.EINVAL},
		{name: "nul", parent: RootIno, dirName: "a\x00b", creds: alice, want: kerrors.EINVAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.MkDir(ctx, tt.parent, tt.dirName, 0o755, tt.creds)
			if got := errnoOf(t, err); got != tt.want {
				t.Fatalf("mkdir = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMkDirDeniedWithoutParentWrite(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "ro", 0o555, alice)

	if _, err := fs.MkDir(ctx, d.Ino, "x", 0o755, alice); errnoOf(t, err) != kerrors.EACCES {
		t.Error("mkdir in read-only dir should be EACCES")
	}
}

func TestSetAttrPermissions(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, _ := mustCreate(t, fs, RootIno, "f", 0o644, alice)

	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetMode, Mode: 0o600,
	}, bob); errnoOf(t, err) != kerrors.EPERM {
		t.Error("foreign chmod should be EPERM")
	}

	// Without write access, nobody else may even set times to now.
	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetMtimeNow,
	}, bob); errnoOf(t, err) != kerrors.EACCES {
		t.Error("utime-now without write access should be EACCES")
	}

	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetUID, UID: 1001,
	}, alice); errnoOf(t, err) != kerrors.EPERM {
		t.Error("non-root chown to another uid should be EPERM")
	}

	got, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetMode, Mode: 0o666,
	}, alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != syscall.S_IFREG|0o666 {
		t.Errorf("mode = %o", got.Mode)
	}

	// World-writable now, so a stranger may touch it.
	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetMtimeNow,
	}, bob); err != nil {
		t.Errorf("utime-now with write access: %v", err)
	}

	if _, err := fs.SetAttr(ctx, st.Ino, 0, models.SetAttrRequest{
		Mask: models.SetUID, UID: 1001,
	}, root); err != nil {
		t.Errorf("root chown: %v", err)
	}
}

func TestSetGidInheritance(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "shared", 0o2777, alice)

	st, err := fs.MkNod(ctx, d.Ino, "f", syscall.S_IFREG|0o644, 0, models.Credentials{UID: 1001, GID: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if st.GID != 1000 {
		t.Errorf("gid = %d, want parent's 1000", st.GID)
	}
	if st.UID != 1001 {
		t.Errorf("uid = %d, want caller's 1001", st.UID)
	}
}

func TestDestroy(t *testing.T) {
	fs, store := newTestFS(t, 16)
	ctx := context.Background()

	_, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	if _, err := fs.Write(ctx, fh.ID, make([]byte, 2*storage.BlockSize), 0); err != nil {
		t.Fatal(err)
	}

	fs.Destroy(ctx)

	if st := store.Stats(); st.FreeBlocks != st.TotalBlocks {
		t.Errorf("destroy leaked blocks: %+v", st)
	}

	if _, err := fs.GetAttr(ctx, RootIno); errnoOf(t, err) != kerrors.EIO {
		t.Error("requests after destroy should fail EIO")
	}
}

func TestLookupDotAndDotDot(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	d := mustMkDir(t, fs, RootIno, "d", 0o755, alice)

	self, err := fs.Lookup(ctx, d.Ino, ".", alice)
	if err != nil {
		t.Fatal(err)
	}
	if self.Ino != d.Ino {
		t.Errorf("\".\" = %d, want %d", self.Ino, d.Ino)
	}

	up, err := fs.Lookup(ctx, d.Ino, "..", alice)
	if err != nil {
		t.Fatal(err)
	}
	if up.Ino != RootIno {
		t.Errorf("\"..\" = %d, want root", up.Ino)
	}

	// The root's ".." is the root itself.
	rootUp, err := fs.Lookup(ctx, RootIno, "..", alice)
	if err != nil {
		t.Fatal(err)
	}
	if rootUp.Ino != RootIno {
		t.Errorf("root \"..\" = %d, want root", rootUp.Ino)
	}
}

func TestInodeNumbersNeverReused(t *testing.T) {
	fs, _ := newTestFS(t, 16)
	ctx := context.Background()

	st, fh := mustCreate(t, fs, RootIno, "f", 0o644, alice)
	fs.Release(ctx, st.Ino, fh.ID)
	if err := fs.Unlink(ctx, RootIno, "f", alice); err != nil {
		t.Fatal(err)
	}
	fs.Forget(ctx, st.Ino, 1)

	st2, _ := mustCreate(t, fs, RootIno, "g", 0o644, alice)
	if st2.Ino <= st.Ino {
		t.Errorf("inode number reused: %d after %d", st2.Ino, st.Ino)
	}
}
