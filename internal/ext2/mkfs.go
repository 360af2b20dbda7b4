package ext2

import (
	"kernelcore/internal/blockdev"
	"kernelcore/internal/kerr"
)

// Format writes a minimal single-block-group ext2 filesystem directly
// to dev: superblock, one-block group-descriptor table, block/inode
// bitmaps, an inode table sized for inodesCount legacy-size (128-byte)
// inodes, and a root directory (inode 2) containing '.' and '..'.
// Grounded on mkfs/mkfs.go's role (building a filesystem image ahead
// of mounting it), reworked from biscuit's own on-disk format to
// produce the bit-exact ext2 layout spec §6 requires.
func Format(dev blockdev.Device, totalBlocks uint32, blockSize uint32, inodesCount uint32) kerr.Errno {
	if blockSize < 1024 || blockSize%1024 != 0 {
		return kerr.Invalid
	}
	sectorsPerBlock := blockSize / 512

	firstDataBlock := uint32(1)
	logBlockSize := log2(blockSize / 1024)

	sbBlock := firstDataBlock
	gdtBlock := sbBlock + 1
	blockBitmapBlk := gdtBlock + 1
	inodeBitmapBlk := blockBitmapBlk + 1
	inodeTableBlk := inodeBitmapBlk + 1
	inodeTableBlocks := (inodesCount*uint32(legacyInodeSize) + blockSize - 1) / blockSize
	rootDataBlk := inodeTableBlk + inodeTableBlocks

	metaBlocks := rootDataBlk - firstDataBlock + 1 // through the root directory's own data block
	blocksPerGroup := totalBlocks - firstDataBlock
	if metaBlocks >= blocksPerGroup {
		return kerr.OutOfBlocks
	}
	freeBlocks := blocksPerGroup - metaBlocks

	sb := superblock{
		inodesCount:     inodesCount,
		blocksCount:      totalBlocks,
		freeBlocksCount:  freeBlocks,
		freeInodesCount:  inodesCount - 2,
		firstDataBlock:   firstDataBlock,
		logBlockSize:     logBlockSize,
		blocksPerGroup:   blocksPerGroup,
		inodesPerGroup:   inodesCount,
		magic:            Magic,
		revLevel:         0,
		firstIno:         firstNonReservedInodeRev0,
		inodeSize:        legacyInodeSize,
	}
	sbBytes := make([]byte, superblockSize)
	sb.encodeInto(sbBytes)
	if err := writeDeviceBytes(dev, SuperblockOffset, sbBytes); err != kerr.OK {
		return err
	}

	gd := groupDesc{
		blockBitmap:     blockBitmapBlk,
		inodeBitmap:     inodeBitmapBlk,
		inodeTable:      inodeTableBlk,
		freeBlocksCount: uint16(freeBlocks),
		freeInodesCount: uint16(inodesCount - 2),
		usedDirsCount:   1,
	}
	gdBytes := make([]byte, groupDescSize)
	gd.encodeInto(gdBytes)
	if err := writeDeviceBytes(dev, uint64(gdtBlock)*uint64(blockSize), gdBytes); err != kerr.OK {
		return err
	}

	blockBitmap := make([]byte, blockSize)
	for i := uint32(0); i < metaBlocks; i++ {
		setBit(blockBitmap, i)
	}
	if err := writeDeviceBytes(dev, uint64(blockBitmapBlk)*uint64(blockSize), blockBitmap); err != kerr.OK {
		return err
	}

	inodeBitmap := make([]byte, blockSize)
	setBit(inodeBitmap, 0) // inode 1, reserved
	setBit(inodeBitmap, 1) // inode 2, root
	if err := writeDeviceBytes(dev, uint64(inodeBitmapBlk)*uint64(blockSize), inodeBitmap); err != kerr.OK {
		return err
	}

	rootIn := Inode{Mode: ModeDir | 0755, LinksCount: 2, Size: blockSize, Blocks: sectorsPerBlock}
	rootIn.Block[0] = rootDataBlk
	inodeBuf := make([]byte, legacyInodeSize)
	rootIn.encodeInto(inodeBuf)
	rootOff := uint64(inodeTableBlk)*uint64(blockSize) + uint64(rootInode-1)*uint64(legacyInodeSize)
	if err := writeDeviceBytes(dev, rootOff, inodeBuf); err != kerr.OK {
		return err
	}

	dirBuf := make([]byte, blockSize)
	dotSpan := direntSpan(1)
	dot := dirent{Inode: rootInode, RecLen: dotSpan, NameLen: 1, FileType: FileTypeDir, Name: "."}
	dot.encodeInto(dirBuf)
	dotdot := dirent{Inode: rootInode, RecLen: uint16(blockSize) - dotSpan, NameLen: 2, FileType: FileTypeDir, Name: ".."}
	dotdot.encodeInto(dirBuf[dotSpan:])
	return writeDeviceBytes(dev, uint64(rootDataBlk)*uint64(blockSize), dirBuf)
}

func log2(x uint32) uint32 {
	n := uint32(0)
	for x > 1 {
		x >>= 1
		n++
	}
	return n
}

// writeDeviceBytes writes data at byte offset off directly through
// dev's sector interface, read-modify-writing the boundary sectors so
// partial-sector writes don't clobber neighboring bytes. Used only by
// Format, which runs before any bcache.Cache exists for the volume.
func writeDeviceBytes(dev blockdev.Device, off uint64, data []byte) kerr.Errno {
	lba := off / 512
	skip := int(off % 512)
	n := 0
	for n < len(data) {
		var sector [512]byte
		put := len(data) - n
		avail := 512 - skip
		if put > avail {
			put = avail
		}
		if skip != 0 || put < 512 {
			if err := dev.ReadBlock(lba, sector[:]); err != kerr.OK {
				return err
			}
		}
		copy(sector[skip:skip+put], data[n:n+put])
		if err := dev.WriteBlock(lba, sector[:]); err != kerr.OK {
			return err
		}
		n += put
		skip = 0
		lba++
	}
	return kerr.OK
}
