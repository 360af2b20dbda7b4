package ext2

import "kernelcore/internal/kerr"

func (v *Volume) pointersPerBlock() uint32 { return v.blockSize / 4 }

// GetBlock resolves logical into a physical block number, following
// direct (0..11), single-indirect (12), double-indirect (13), or
// triple-indirect (14) pointers as needed (spec §4.7 get_block()). A
// nil pointer anywhere along the path is a hole: ok is false and err
// is kerr.OK.
func (v *Volume) GetBlock(in *Inode, logical uint32) (phys uint32, ok bool, err kerr.Errno) {
	ppb := v.pointersPerBlock()
	if logical < direct {
		b := in.Block[logical]
		return b, b != 0, kerr.OK
	}
	logical -= direct
	if logical < ppb {
		return v.walkIndirect(in.Block[singIndirect], []uint32{logical})
	}
	logical -= ppb
	if logical < ppb*ppb {
		return v.walkIndirect(in.Block[doubIndirect], []uint32{logical / ppb, logical % ppb})
	}
	logical -= ppb * ppb
	if logical < ppb*ppb*ppb {
		return v.walkIndirect(in.Block[tripIndirect], []uint32{
			logical / (ppb * ppb), (logical / ppb) % ppb, logical % ppb,
		})
	}
	return 0, false, kerr.FileTooLarge
}

func (v *Volume) walkIndirect(root uint32, idxs []uint32) (uint32, bool, kerr.Errno) {
	if root == 0 {
		return 0, false, kerr.OK
	}
	cur := root
	for i, idx := range idxs {
		buf := make([]byte, v.blockSize)
		if err := v.readBlock(cur, buf); err != kerr.OK {
			return 0, false, err
		}
		entry := le32(buf, int(idx)*4)
		if i == len(idxs)-1 {
			return entry, entry != 0, kerr.OK
		}
		if entry == 0 {
			return 0, false, kerr.OK
		}
		cur = entry
	}
	return 0, false, kerr.OK
}

// SetBlock walks (allocating intermediate indirect blocks as needed)
// to logical's slot and stores phys there. Triple-indirect writes
// return FileTooLarge rather than being implemented (spec §4.7
// set_block(): "triple-indirect writes are permitted to return
// FileTooLarge").
func (v *Volume) SetBlock(in *Inode, logical uint32, phys uint32) kerr.Errno {
	ppb := v.pointersPerBlock()
	if logical < direct {
		in.Block[logical] = phys
		return kerr.OK
	}
	logical -= direct
	if logical < ppb {
		return v.setIndirect(&in.Block[singIndirect], []uint32{logical}, phys)
	}
	logical -= ppb
	if logical < ppb*ppb {
		return v.setIndirect(&in.Block[doubIndirect], []uint32{logical / ppb, logical % ppb}, phys)
	}
	return kerr.FileTooLarge
}

func (v *Volume) setIndirect(rootPtr *uint32, idxs []uint32, phys uint32) kerr.Errno {
	if *rootPtr == 0 {
		nb, err := v.AllocBlock()
		if err != kerr.OK {
			return err
		}
		if err := v.zeroBlock(nb); err != kerr.OK {
			return err
		}
		*rootPtr = nb
	}
	cur := *rootPtr
	for i, idx := range idxs {
		buf := make([]byte, v.blockSize)
		if err := v.readBlock(cur, buf); err != kerr.OK {
			return err
		}
		if i == len(idxs)-1 {
			putLE32(buf, int(idx)*4, phys)
			return v.writeBlock(cur, buf)
		}
		entry := le32(buf, int(idx)*4)
		if entry == 0 {
			nb, err := v.AllocBlock()
			if err != kerr.OK {
				return err
			}
			if err := v.zeroBlock(nb); err != kerr.OK {
				return err
			}
			putLE32(buf, int(idx)*4, nb)
			if err := v.writeBlock(cur, buf); err != kerr.OK {
				return err
			}
			entry = nb
		}
		cur = entry
	}
	return kerr.OK
}

// freeIndirectChain recursively frees an indirect block and every block
// it points to: at level 1 its children are data blocks, freed
// directly; at higher levels each child is itself an indirect block of
// level-1, freed recursively (spec §4.7 truncate(): "frees all data and
// indirect blocks recursively").
func (v *Volume) freeIndirectChain(blk uint32, level int) kerr.Errno {
	buf := make([]byte, v.blockSize)
	if err := v.readBlock(blk, buf); err != kerr.OK {
		return err
	}
	ppb := v.pointersPerBlock()
	for i := uint32(0); i < ppb; i++ {
		child := le32(buf, int(i)*4)
		if child == 0 {
			continue
		}
		var err kerr.Errno
		if level > 1 {
			err = v.freeIndirectChain(child, level-1)
		} else {
			err = v.FreeBlock(child)
		}
		if err != kerr.OK {
			return err
		}
	}
	return v.FreeBlock(blk)
}

// sectorsPerBlockUnit is how many i_blocks units (512-byte sectors,
// per spec §9's open-question decision) one filesystem block costs.
func (v *Volume) sectorsPerBlockUnit() uint32 { return v.blockSize / 512 }

// ReadData reads into buf starting at offset, zero-filling holes and
// stopping at i_size (spec §4.7: "read_data fills holes with zeros").
func (v *Volume) ReadData(ino uint32, offset uint32, buf []byte) (int, kerr.Errno) {
	in, err := v.ReadInode(ino)
	if err != kerr.OK {
		return 0, err
	}
	n := 0
	for n < len(buf) {
		pos := offset + uint32(n)
		if pos >= in.Size {
			break
		}
		logical := pos / v.blockSize
		within := pos % v.blockSize
		take := v.blockSize - within
		if take > uint32(len(buf)-n) {
			take = uint32(len(buf) - n)
		}
		if pos+take > in.Size {
			take = in.Size - pos
		}
		phys, has, err := v.GetBlock(&in, logical)
		if err != kerr.OK {
			return n, err
		}
		if !has {
			for i := uint32(0); i < take; i++ {
				buf[uint32(n)+i] = 0
			}
		} else {
			blockBuf := make([]byte, v.blockSize)
			if err := v.readBlock(phys, blockBuf); err != kerr.OK {
				return n, err
			}
			copy(buf[n:uint32(n)+take], blockBuf[within:within+take])
		}
		n += int(take)
	}
	return n, kerr.OK
}

// WriteData writes data at offset, allocating blocks on demand and
// extending i_size/i_blocks as needed (spec §4.7 write_data()).
func (v *Volume) WriteData(ino uint32, offset uint32, data []byte) kerr.Errno {
	in, err := v.ReadInode(ino)
	if err != kerr.OK {
		return err
	}
	n := 0
	for n < len(data) {
		pos := offset + uint32(n)
		logical := pos / v.blockSize
		within := pos % v.blockSize
		take := v.blockSize - within
		if take > uint32(len(data)-n) {
			take = uint32(len(data) - n)
		}
		phys, has, err := v.GetBlock(&in, logical)
		if err != kerr.OK {
			return err
		}
		if !has {
			nb, err := v.AllocBlock()
			if err != kerr.OK {
				return err
			}
			if err := v.zeroBlock(nb); err != kerr.OK {
				return err
			}
			if err := v.SetBlock(&in, logical, nb); err != kerr.OK {
				return err
			}
			phys = nb
			in.Blocks += v.sectorsPerBlockUnit()
		}
		blockBuf := make([]byte, v.blockSize)
		if err := v.readBlock(phys, blockBuf); err != kerr.OK {
			return err
		}
		copy(blockBuf[within:within+take], data[n:uint32(n)+take])
		if err := v.writeBlock(phys, blockBuf); err != kerr.OK {
			return err
		}
		n += int(take)
	}
	if end := offset + uint32(len(data)); end > in.Size {
		in.Size = end
	}
	return v.WriteInode(ino, &in)
}

// Truncate frees every data and indirect block reachable from ino and
// zeroes its size (spec §4.7 truncate(ino)).
func (v *Volume) Truncate(ino uint32) kerr.Errno {
	in, err := v.ReadInode(ino)
	if err != kerr.OK {
		return err
	}
	for i := 0; i < direct; i++ {
		if in.Block[i] != 0 {
			if err := v.FreeBlock(in.Block[i]); err != kerr.OK {
				return err
			}
			in.Block[i] = 0
		}
	}
	indirectLevels := map[int]int{singIndirect: 1, doubIndirect: 2, tripIndirect: 3}
	for ptrIdx, level := range indirectLevels {
		if in.Block[ptrIdx] != 0 {
			if err := v.freeIndirectChain(in.Block[ptrIdx], level); err != kerr.OK {
				return err
			}
			in.Block[ptrIdx] = 0
		}
	}
	in.Size = 0
	in.Blocks = 0
	return v.WriteInode(ino, &in)
}
