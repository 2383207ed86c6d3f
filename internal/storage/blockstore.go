package storage

// BlockSize is the allocation unit for file data.
const BlockSize = 4096

// Extent is a contiguous range of file bytes backed by a single allocated
// block. Node names the heap the block lives on, Addr is the byte address
// within that heap, and Size is the number of bytes of the block the owner
// currently covers (BlockSize for interior blocks, possibly less for a
// file's tail).
type Extent struct {
	Node uint32
	Addr uint64
	Size uint64
}

// Reservation is the first half of a two-phase allocation. Reserve is called
// with the filesystem lock held and only claims capacity; Fulfill produces
// the extent and is allowed to block, so backends that talk to remote memory
// can complete it with the lock dropped. Abort returns the claimed capacity.
//
// The RAM store fulfills immediately, but callers must still follow the
// reserve/fulfill protocol so a remote backend can be substituted.
type Reservation interface {
	Fulfill() (Extent, error)
	Abort()
}

// BlockStore allocates fixed-size blocks from one or more memory heaps and
// gives extent-granular access to their bytes. Implementations must be safe
// for concurrent use.
type BlockStore interface {
	// Reserve claims capacity for one block; size must be in (0, BlockSize].
	// Returns ENOSPC when no block is available.
	Reserve(size uint64) (Reservation, error)

	// Free returns an extent's block to the store.
	Free(ext Extent)

	// ReadAt copies len(p) bytes from the extent starting at off.
	ReadAt(ext Extent, p []byte, off uint64)

	// WriteAt copies p into the extent starting at off. The write may extend
	// past ext.Size but not past the block boundary.
	WriteAt(ext Extent, p []byte, off uint64)

	// Zero clears n bytes of the extent's block starting at off.
	Zero(ext Extent, off, n uint64)

	// Stats reports block-granular usage.
	Stats() Stats
}

// Stats summarizes a store's capacity in whole blocks.
type Stats struct {
	TotalBlocks uint64
	FreeBlocks  uint64
}

// Alloc runs the reserve/fulfill cycle in one step for callers that cannot
// benefit from the split.
func Alloc(s BlockStore, size uint64) (Extent, error) {
	res, err := s.Reserve(size)
	if err != nil {
		return Extent{}, err
	}

	ext, err := res.Fulfill()
	if err != nil {
		res.Abort()
		return Extent{}, err
	}

	return ext, nil
}
