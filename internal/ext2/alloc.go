package ext2

import "kernelcore/internal/kerr"

// findZeroBit scans bitmap (one bit per entity, LSB first within each
// byte) for the first clear bit among the first n bits, returning its
// index and true, or false if none is clear.
func findZeroBit(bitmap []byte, n uint32) (uint32, bool) {
	for i := uint32(0); i < n; i++ {
		byteIdx := i / 8
		bit := byte(1) << (i % 8)
		if bitmap[byteIdx]&bit == 0 {
			return i, true
		}
	}
	return 0, false
}

func setBit(bitmap []byte, i uint32) { bitmap[i/8] |= 1 << (i % 8) }
func clearBit(bitmap []byte, i uint32) { bitmap[i/8] &^= 1 << (i % 8) }

// AllocBlock scans the block-group bitmaps in order, flips the first
// zero bit it finds, and decrements the free-block counters in the
// superblock and that group's descriptor (spec §4.7 alloc_block():
// "Allocation fairness is not required").
func (v *Volume) AllocBlock() (uint32, kerr.Errno) {
	v.inodeLock.Lock()
	defer v.inodeLock.Unlock()

	for g := range v.groups {
		bitmap := make([]byte, v.blockSize)
		if err := v.readBlock(v.groups[g].blockBitmap, bitmap); err != kerr.OK {
			return 0, err
		}
		n := v.sb.blocksPerGroup
		if remaining := v.sb.blocksCount - uint32(g)*v.sb.blocksPerGroup; remaining < n {
			n = remaining
		}
		idx, ok := findZeroBit(bitmap, n)
		if !ok {
			continue
		}
		setBit(bitmap, idx)
		if err := v.writeBlock(v.groups[g].blockBitmap, bitmap); err != kerr.OK {
			return 0, err
		}
		v.groups[g].freeBlocksCount--
		v.sb.freeBlocksCount--
		v.lock.Lock()
		v.groupsDirty[g] = true
		v.sbDirty = true
		v.lock.Unlock()

		blk := v.sb.firstDataBlock + uint32(g)*v.sb.blocksPerGroup + idx
		return blk, kerr.OK
	}
	return 0, kerr.OutOfBlocks
}

// FreeBlock clears blk's bit in its group's bitmap and restores the
// free-block counters.
func (v *Volume) FreeBlock(blk uint32) kerr.Errno {
	v.inodeLock.Lock()
	defer v.inodeLock.Unlock()

	rel := blk - v.sb.firstDataBlock
	g := rel / v.sb.blocksPerGroup
	idx := rel % v.sb.blocksPerGroup
	if int(g) >= len(v.groups) {
		return kerr.Invalid
	}
	bitmap := make([]byte, v.blockSize)
	if err := v.readBlock(v.groups[g].blockBitmap, bitmap); err != kerr.OK {
		return err
	}
	clearBit(bitmap, idx)
	if err := v.writeBlock(v.groups[g].blockBitmap, bitmap); err != kerr.OK {
		return err
	}
	v.groups[g].freeBlocksCount++
	v.sb.freeBlocksCount++
	v.lock.Lock()
	v.groupsDirty[int(g)] = true
	v.sbDirty = true
	v.lock.Unlock()
	return kerr.OK
}

// AllocInode scans the inode-bitmap group by group, same shape as
// AllocBlock, and marks the group's used-directory count when isDir
// is set (spec §4.7 alloc_inode(is_dir)).
func (v *Volume) AllocInode(isDir bool) (uint32, kerr.Errno) {
	v.inodeLock.Lock()
	defer v.inodeLock.Unlock()

	for g := range v.groups {
		bitmap := make([]byte, v.blockSize)
		if err := v.readBlock(v.groups[g].inodeBitmap, bitmap); err != kerr.OK {
			return 0, err
		}
		idx, ok := findZeroBit(bitmap, v.sb.inodesPerGroup)
		if !ok {
			continue
		}
		setBit(bitmap, idx)
		if err := v.writeBlock(v.groups[g].inodeBitmap, bitmap); err != kerr.OK {
			return 0, err
		}
		v.groups[g].freeInodesCount--
		v.sb.freeInodesCount--
		if isDir {
			v.groups[g].usedDirsCount++
		}
		v.lock.Lock()
		v.groupsDirty[g] = true
		v.sbDirty = true
		v.lock.Unlock()

		ino := uint32(g)*v.sb.inodesPerGroup + idx + 1
		return ino, kerr.OK
	}
	return 0, kerr.OutOfInodes
}

// FreeInode clears ino's bit in its group's inode bitmap.
func (v *Volume) FreeInode(ino uint32, isDir bool) kerr.Errno {
	v.inodeLock.Lock()
	defer v.inodeLock.Unlock()

	idx := ino - 1
	g := idx / v.sb.inodesPerGroup
	local := idx % v.sb.inodesPerGroup
	if int(g) >= len(v.groups) {
		return kerr.Invalid
	}
	bitmap := make([]byte, v.blockSize)
	if err := v.readBlock(v.groups[g].inodeBitmap, bitmap); err != kerr.OK {
		return err
	}
	clearBit(bitmap, local)
	if err := v.writeBlock(v.groups[g].inodeBitmap, bitmap); err != kerr.OK {
		return err
	}
	v.groups[g].freeInodesCount++
	v.sb.freeInodesCount++
	if isDir && v.groups[g].usedDirsCount > 0 {
		v.groups[g].usedDirsCount--
	}
	v.lock.Lock()
	v.groupsDirty[int(g)] = true
	v.sbDirty = true
	v.lock.Unlock()
	return kerr.OK
}
