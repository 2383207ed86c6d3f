package storage

import (
	"sync"

	"github.com/noahdesu/ramfuse/internal/pkg/kerrors"
)

// HeapStore is the RAM baseline BlockStore: one or more process-memory heaps
// carved into BlockSize blocks with a free list. Every allocation occupies a
// whole block regardless of the requested tail size, which keeps extent
// growth within a block free of reallocation and makes space accounting
// block-exact.
type HeapStore struct {
	mu    sync.Mutex
	heaps [][]byte
	free  []blockRef
	total uint64
}

type blockRef struct {
	node  uint32
	block uint64
}

// NewHeapStore builds a store from one heap per size given. Sizes are rounded
// down to whole blocks.
func NewHeapStore(heapSizes ...uint64) *HeapStore {
	s := &HeapStore{}

	for node, size := range heapSizes {
		nblocks := size / BlockSize
		s.heaps = append(s.heaps, make([]byte, nblocks*BlockSize))
		for b := uint64(0); b < nblocks; b++ {
			s.free = append(s.free, blockRef{node: uint32(node), block: b})
		}
		s.total += nblocks
	}

	return s
}

type heapReservation struct {
	store *HeapStore
	size  uint64
	ref   blockRef
	done  bool
}

func (s *HeapStore) Reserve(size uint64) (Reservation, error) {
	if size == 0 || size > BlockSize {
		return nil, kerrors.EINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) == 0 {
		return nil, kerrors.ENOSPC
	}

	ref := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	return &heapReservation{store: s, size: size, ref: ref}, nil
}

func (r *heapReservation) Fulfill() (Extent, error) {
	if r.done {
		return Extent{}, kerrors.EINVAL
	}
	r.done = true

	ext := Extent{
		Node: r.ref.node,
		Addr: r.ref.block * BlockSize,
		Size: r.size,
	}

	// Blocks are recycled, so scrub before handing out. Sparse reads and
	// in-block extent growth rely on the backing block being zero.
	r.store.Zero(ext, 0, BlockSize)

	return ext, nil
}

func (r *heapReservation) Abort() {
	if r.done {
		return
	}
	r.done = true

	r.store.mu.Lock()
	r.store.free = append(r.store.free, r.ref)
	r.store.mu.Unlock()
}

func (s *HeapStore) Free(ext Extent) {
	s.mu.Lock()
	s.free = append(s.free, blockRef{node: ext.Node, block: ext.Addr / BlockSize})
	s.mu.Unlock()
}

func (s *HeapStore) ReadAt(ext Extent, p []byte, off uint64) {
	copy(p, s.heaps[ext.Node][ext.Addr+off:ext.Addr+BlockSize])
}

func (s *HeapStore) WriteAt(ext Extent, p []byte, off uint64) {
	copy(s.heaps[ext.Node][ext.Addr+off:ext.Addr+BlockSize], p)
}

func (s *HeapStore) Zero(ext Extent, off, n uint64) {
	end := off + n
	if end > BlockSize {
		end = BlockSize
	}
	b := s.heaps[ext.Node][ext.Addr+off : ext.Addr+end]
	for i := range b {
		b[i] = 0
	}
}

func (s *HeapStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		TotalBlocks: s.total,
		FreeBlocks:  uint64(len(s.free)),
	}
}
