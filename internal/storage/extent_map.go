package storage

// ExtentMap maps block-aligned file offsets to the extent backing that block.
// Ranges with no extent are sparse and read as zeros. Extents always begin at
// a block boundary and cover a prefix of their block, so a partial write into
// an unallocated region zero-fills the bytes in front of it for free (blocks
// come out of the store zeroed).
//
// Not safe for concurrent use; the owning inode's filesystem lock guards it.
type ExtentMap struct {
	store   BlockStore
	extents map[uint64]Extent
	size    uint64
}

func NewExtentMap(store BlockStore) *ExtentMap {
	return &ExtentMap{
		store:   store,
		extents: make(map[uint64]Extent),
	}
}

// Size is the current file size in bytes.
func (m *ExtentMap) Size() uint64 {
	return m.size
}

// Blocks is the st_blocks value: every live extent occupies one whole block,
// counted in 512-byte units.
func (m *ExtentMap) Blocks() uint64 {
	return uint64(len(m.extents)) * (BlockSize / 512)
}

// WriteAt copies p into the file at off, allocating extents for any blocks
// the write touches that have none. All needed capacity is reserved up front
// so an exhausted store leaves the file untouched.
func (m *ExtentMap) WriteAt(p []byte, off uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	end := off + uint64(len(p))

	// Pass 1: reserve an extent for every uncovered block in the range.
	type pending struct {
		blockOff uint64
		res      Reservation
		size     uint64
	}
	var reserved []pending

	for blockOff := off - off%BlockSize; blockOff < end; blockOff += BlockSize {
		if _, ok := m.extents[blockOff]; ok {
			continue
		}

		// The extent covers the block from its start through the end of the
		// write within it, so the leading gap reads as zeros.
		extSize := end - blockOff
		if extSize > BlockSize {
			extSize = BlockSize
		}

		res, err := m.store.Reserve(extSize)
		if err != nil {
			for _, pd := range reserved {
				pd.res.Abort()
			}
			return 0, err
		}
		reserved = append(reserved, pending{blockOff: blockOff, res: res, size: extSize})
	}

	// Pass 2: fulfill reservations and install the extents.
	for _, pd := range reserved {
		ext, err := pd.res.Fulfill()
		if err != nil {
			return 0, err
		}
		m.extents[pd.blockOff] = ext
	}

	// Pass 3: copy data and grow tail extents that the write runs past.
	for blockOff := off - off%BlockSize; blockOff < end; blockOff += BlockSize {
		segStart := blockOff
		if off > segStart {
			segStart = off
		}
		segEnd := blockOff + BlockSize
		if end < segEnd {
			segEnd = end
		}

		ext := m.extents[blockOff]
		if covered := segEnd - blockOff; covered > ext.Size {
			ext.Size = covered
			m.extents[blockOff] = ext
		}

		m.store.WriteAt(ext, p[segStart-off:segEnd-off], segStart-blockOff)
	}

	if end > m.size {
		m.size = end
	}

	return len(p), nil
}

// ReadAt fills p from the file starting at off and returns the number of
// bytes produced: min(len(p), size-off), zero at or past EOF. Sparse ranges
// read as zeros.
func (m *ExtentMap) ReadAt(p []byte, off uint64) int {
	if off >= m.size {
		return 0
	}

	n := uint64(len(p))
	if off+n > m.size {
		n = m.size - off
	}
	end := off + n

	for i := range p[:n] {
		p[i] = 0
	}

	for blockOff := off - off%BlockSize; blockOff < end; blockOff += BlockSize {
		ext, ok := m.extents[blockOff]
		if !ok {
			continue
		}

		segStart := blockOff
		if off > segStart {
			segStart = off
		}
		segEnd := blockOff + ext.Size
		if end < segEnd {
			segEnd = end
		}
		if segEnd <= segStart {
			continue
		}

		m.store.ReadAt(ext, p[segStart-off:segEnd-off], segStart-blockOff)
	}

	return int(n)
}

// Truncate changes the file size. Shrinking frees every extent past the new
// size and zero-pads the straddling extent's dropped tail so a later size
// extension reads zeros. Growing only raises the size; the new range is
// sparse.
func (m *ExtentMap) Truncate(newSize uint64) {
	if newSize < m.size {
		for blockOff, ext := range m.extents {
			if blockOff >= newSize {
				m.store.Free(ext)
				delete(m.extents, blockOff)
				continue
			}

			if keep := newSize - blockOff; keep < ext.Size {
				m.store.Zero(ext, keep, ext.Size-keep)
				ext.Size = keep
				m.extents[blockOff] = ext
			}
		}
	}

	m.size = newSize
}

// Release frees every extent. The map must not be used afterwards.
func (m *ExtentMap) Release() {
	for _, ext := range m.extents {
		m.store.Free(ext)
	}
	m.extents = nil
	m.size = 0
}
