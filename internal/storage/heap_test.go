package storage

import (
	"testing"

	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
)

func TestHeapStoreCapacity(t *testing.T) {
	s := NewHeapStore(4 * BlockSize)

	st := s.Stats()
	if st.TotalBlocks != 4 || st.FreeBlocks != 4 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	var extents []Extent
	for i := 0; i < 4; i++ {
		ext, err := Alloc(s, BlockSize)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		extents = append(extents, ext)
	}

	if st := s.Stats(); st.FreeBlocks != 0 {
		t.Fatalf("expected exhausted store, got %+v", st)
	}

	if _, err := Alloc(s, BlockSize); err != kerrors.ENOSPC {
		t.Fatalf("expected ENOSPC, got %v", err)
	}

	s.Free(extents[0])
	if st := s.Stats(); st.FreeBlocks != 1 {
		t.Fatalf("expected one free block after free, got %+v", st)
	}

	if _, err := Alloc(s, BlockSize); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

func TestHeapStoreReserveAbort(t *testing.T) {
	s := NewHeapStore(BlockSize)

	res, err := s.Reserve(BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	// Capacity is claimed at reserve time.
	if _, err := s.Reserve(BlockSize); err != kerrors.ENOSPC {
		t.Fatalf("expected ENOSPC while reserved, got %v", err)
	}

	res.Abort()

	if st := s.Stats(); st.FreeBlocks != 1 {
		t.Fatalf("abort did not return the block: %+v", st)
	}
}

func TestHeapStoreReserveBounds(t *testing.T) {
	s := NewHeapStore(BlockSize)

	for _, size := range []uint64{0, BlockSize + 1} {
		if _, err := s.Reserve(size); err != kerrors.EINVAL {
			t.Errorf("Reserve(%d): expected EINVAL, got %v", size, err)
		}
	}
}

func TestHeapStoreRecycledBlocksAreZero(t *testing.T) {
	s := NewHeapStore(BlockSize)

	ext, err := Alloc(s, BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	dirty := make([]byte, BlockSize)
	for i := range dirty {
		dirty[i] = 0xff
	}
	s.WriteAt(ext, dirty, 0)

	s.Free(ext)

	ext, err = Alloc(s, 16)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, BlockSize)
	s.ReadAt(ext, buf, 0)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("recycled block not zeroed at %d", i)
		}
	}
}

func TestHeapStoreMultipleHeaps(t *testing.T) {
	s := NewHeapStore(2*BlockSize, 3*BlockSize)

	if st := s.Stats(); st.TotalBlocks != 5 {
		t.Fatalf("expected 5 blocks across heaps, got %+v", st)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		ext, err := Alloc(s, BlockSize)
		if err != nil {
			t.Fatal(err)
		}
		seen[ext.Node] = true
	}

	if !seen[0] || !seen[1] {
		t.Fatalf("expected extents from both heaps, got %v", seen)
	}
}
