package ext2

import (
	"sync"

	"kernelcore/internal/bcache"
	"kernelcore/internal/kerr"
	"kernelcore/internal/ksync"
)

// Volume is a mounted ext2 filesystem (spec §3 "Ext2 volume", §4.7).
// Grounded on ufs/ufs.go's Ufs_t (a single struct owning the
// superblock plus the block-layer handle it reads through), with the
// teacher's Blockish driver abstraction replaced by *bcache.Cache.
type Volume struct {
	lock ksync.Spinlock

	cache *bcache.Cache
	dev   uint32

	sb        superblock
	groups    []groupDesc
	blockSize uint32

	sbDirty     bool
	groupsDirty map[int]bool

	inodeLock sync.Mutex // serializes block/inode bitmap allocate and free
}

// Mount reads the superblock and group-descriptor table from dev
// (already registered with cache) and returns a ready-to-use Volume
// (spec §4.7 "Logical model").
func Mount(cache *bcache.Cache, dev uint32) (*Volume, kerr.Errno) {
	v := &Volume{cache: cache, dev: dev, groupsDirty: make(map[int]bool)}

	raw := make([]byte, superblockSize)
	if err := v.readBytes(SuperblockOffset, raw); err != kerr.OK {
		return nil, err
	}
	v.sb = decodeSuperblock(raw)
	if v.sb.magic != Magic {
		return nil, kerr.Invalid
	}
	v.blockSize = v.sb.blockSize()

	ngroups := (v.sb.blocksCount + v.sb.blocksPerGroup - 1) / v.sb.blocksPerGroup
	gdtBlock := v.sb.firstDataBlock + 1
	gdtBytes := make([]byte, ngroups*groupDescSize)
	if err := v.readBytes(uint64(gdtBlock)*uint64(v.blockSize), gdtBytes); err != kerr.OK {
		return nil, err
	}
	v.groups = make([]groupDesc, ngroups)
	for i := range v.groups {
		v.groups[i] = decodeGroupDesc(gdtBytes[i*groupDescSize:])
	}
	return v, kerr.OK
}

// BlockSize returns the filesystem's block size in bytes.
func (v *Volume) BlockSize() uint32 { return v.blockSize }

// SectorsPerBlock reports how many 512-byte bcache buffers back one
// filesystem block.
func (v *Volume) SectorsPerBlock() uint64 { return uint64(v.blockSize) / 512 }

// readBytes fills out from the volume's linear byte address off,
// spanning as many 512-byte bcache buffers as needed.
func (v *Volume) readBytes(off uint64, out []byte) kerr.Errno {
	lba := off / 512
	skip := int(off % 512)
	n := 0
	for n < len(out) {
		b, err := v.cache.Get(v.dev, lba)
		if err != kerr.OK {
			return err
		}
		avail := 512 - skip
		take := len(out) - n
		if take > avail {
			take = avail
		}
		copy(out[n:n+take], b.Data[skip:skip+take])
		v.cache.Release(b)
		n += take
		skip = 0
		lba++
	}
	return kerr.OK
}

// writeBytes writes data to the volume's linear byte address off,
// marking every touched buffer dirty (spec §4.7 "Persistence").
func (v *Volume) writeBytes(off uint64, data []byte) kerr.Errno {
	lba := off / 512
	skip := int(off % 512)
	n := 0
	for n < len(data) {
		b, err := v.cache.Get(v.dev, lba)
		if err != kerr.OK {
			return err
		}
		avail := 512 - skip
		put := len(data) - n
		if put > avail {
			put = avail
		}
		copy(b.Data[skip:skip+put], data[n:n+put])
		v.cache.MarkDirty(b)
		v.cache.Release(b)
		n += put
		skip = 0
		lba++
	}
	return kerr.OK
}

func (v *Volume) readBlock(blk uint32, out []byte) kerr.Errno {
	return v.readBytes(uint64(blk)*uint64(v.blockSize), out)
}

func (v *Volume) writeBlock(blk uint32, data []byte) kerr.Errno {
	return v.writeBytes(uint64(blk)*uint64(v.blockSize), data)
}

func (v *Volume) zeroBlock(blk uint32) kerr.Errno {
	return v.writeBlock(blk, make([]byte, v.blockSize))
}

// Sync flushes the superblock, group descriptors, and the entire
// block cache (spec §4.7 "sync flushes superblock, group descriptors,
// and the entire bcache").
func (v *Volume) Sync() kerr.Errno {
	v.lock.Lock()
	sbDirty := v.sbDirty
	groupsDirty := v.groupsDirty
	v.groupsDirty = make(map[int]bool)
	v.sbDirty = false
	v.lock.Unlock()

	if sbDirty {
		raw := make([]byte, superblockSize)
		if err := v.readBytes(SuperblockOffset, raw); err != kerr.OK {
			return err
		}
		v.sb.encodeInto(raw)
		if err := v.writeBytes(SuperblockOffset, raw); err != kerr.OK {
			return err
		}
	}
	gdtBlock := v.sb.firstDataBlock + 1
	for idx := range groupsDirty {
		buf := make([]byte, groupDescSize)
		v.groups[idx].encodeInto(buf)
		off := uint64(gdtBlock)*uint64(v.blockSize) + uint64(idx)*groupDescSize
		if err := v.writeBytes(off, buf); err != kerr.OK {
			return err
		}
	}
	return v.cache.SyncAll()
}

func (v *Volume) inodesPerBlock() uint32 {
	return v.blockSize / uint32(v.sb.inodeSize)
}

func (v *Volume) inodeLocation(ino uint32) (group uint32, block uint32, offInBlock uint32) {
	idx := ino - 1
	group = idx / v.sb.inodesPerGroup
	localIdx := idx % v.sb.inodesPerGroup
	perBlock := v.inodesPerBlock()
	block = v.groups[group].inodeTable + localIdx/perBlock
	offInBlock = (localIdx % perBlock) * uint32(v.sb.inodeSize)
	return
}

// ReadInode loads inode ino from its group's inode table (spec §4.7
// read_inode(ino)).
func (v *Volume) ReadInode(ino uint32) (Inode, kerr.Errno) {
	if ino == 0 {
		return Inode{}, kerr.Invalid
	}
	_, block, off := v.inodeLocation(ino)
	buf := make([]byte, v.sb.inodeSize)
	if err := v.readBytes(uint64(block)*uint64(v.blockSize)+uint64(off), buf); err != kerr.OK {
		return Inode{}, err
	}
	return decodeInode(buf), kerr.OK
}

// WriteInode persists in back to ino's slot in its group's inode table.
func (v *Volume) WriteInode(ino uint32, in *Inode) kerr.Errno {
	_, block, off := v.inodeLocation(ino)
	buf := make([]byte, v.sb.inodeSize)
	in.encodeInto(buf)
	return v.writeBytes(uint64(block)*uint64(v.blockSize)+uint64(off), buf)
}

// Stat fills ext2 metadata for ino (spec §4.7 stat(ino)).
type StatInfo struct {
	Ino   uint32
	Mode  uint16
	Size  uint32
	Links uint16
	Blocks uint32
}

// Stat returns ino's metadata.
func (v *Volume) Stat(ino uint32) (StatInfo, kerr.Errno) {
	in, err := v.ReadInode(ino)
	if err != kerr.OK {
		return StatInfo{}, err
	}
	return StatInfo{Ino: ino, Mode: in.Mode, Size: in.Size, Links: in.LinksCount, Blocks: in.Blocks}, kerr.OK
}
