// Package ext2 implements the ext2 filesystem (spec §4.7) on top of
// internal/bcache. On-disk layout is bit-exact little-endian ext2
// (spec §6): superblock at byte 1024, magic 0xEF53, 12 direct + 3
// indirect inode block pointers, 4-byte-aligned directory entries.
//
// Field access is grounded on fs/super.go's fieldr/fieldw pattern
// (plain byte-offset accessors over a raw block, rather than a tagged
// struct decoded once) but reads real ext2 offsets instead of
// biscuit's own on-disk format, since spec §6 requires mounting images
// produced by the standard mke2fs.
package ext2

import "encoding/binary"

const (
	// Magic is the ext2 superblock magic number (spec §6).
	Magic = 0xEF53

	// SuperblockOffset is the byte offset of the superblock within
	// the volume (spec §4.7/§6: "superblock at byte 1024").
	SuperblockOffset = 1024
	superblockSize   = 1024

	groupDescSize = 32

	// rootInode is ext2's fixed root directory inode number.
	rootInode = 2

	// firstNonReservedInodeRev0 is the first usable inode for
	// revision-0 filesystems (no s_first_ino field).
	firstNonReservedInodeRev0 = 11

	direct        = 12
	singIndirect  = 12
	doubIndirect  = 13
	tripIndirect  = 14
	blockPointers = 15

	// legacyInodeSize is used when s_rev_level < 1, which carries no
	// s_inode_size field (spec §4.7: "inode size = s_inode_size when
	// revision >= 1, else 128").
	legacyInodeSize = 128

	// FileTypeUnknown..FileTypeSymlink mirror ext2's dirent file_type
	// byte (spec §6 dirent fields).
	FileTypeUnknown  = 0
	FileTypeRegular  = 1
	FileTypeDir      = 2
	FileTypeCharDev  = 3
	FileTypeBlockDev = 4
	FileTypeFIFO     = 5
	FileTypeSocket   = 6
	FileTypeSymlink  = 7

	// ModeDir/ModeRegular are the i_mode type bits (spec §6: "file
	// mode encodes type in the upper bits (0x4000=dir, 0x8000=reg)").
	ModeDir     = 0x4000
	ModeRegular = 0x8000
	modeTypeMask = 0xF000
)

func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func putLE32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putLE16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }

// superblock is a decoded view of the on-disk ext2 superblock (ext2
// field names, trimmed to what this implementation actually uses).
type superblock struct {
	inodesCount      uint32
	blocksCount      uint32
	freeBlocksCount  uint32
	freeInodesCount  uint32
	firstDataBlock   uint32
	logBlockSize     uint32
	blocksPerGroup   uint32
	inodesPerGroup   uint32
	magic            uint16
	revLevel         uint32
	firstIno         uint32
	inodeSize        uint16
}

func decodeSuperblock(b []byte) superblock {
	var sb superblock
	sb.inodesCount = le32(b, 0)
	sb.blocksCount = le32(b, 4)
	sb.freeBlocksCount = le32(b, 12)
	sb.freeInodesCount = le32(b, 16)
	sb.firstDataBlock = le32(b, 20)
	sb.logBlockSize = le32(b, 24)
	sb.blocksPerGroup = le32(b, 32)
	sb.inodesPerGroup = le32(b, 40)
	sb.magic = le16(b, 56)
	sb.revLevel = le32(b, 76)
	if sb.revLevel >= 1 {
		sb.firstIno = le32(b, 84)
		sb.inodeSize = le16(b, 88)
	} else {
		sb.firstIno = firstNonReservedInodeRev0
		sb.inodeSize = legacyInodeSize
	}
	return sb
}

func (sb *superblock) encodeInto(b []byte) {
	putLE32(b, 0, sb.inodesCount)
	putLE32(b, 4, sb.blocksCount)
	putLE32(b, 12, sb.freeBlocksCount)
	putLE32(b, 16, sb.freeInodesCount)
	putLE32(b, 20, sb.firstDataBlock)
	putLE32(b, 24, sb.logBlockSize)
	putLE32(b, 32, sb.blocksPerGroup)
	putLE32(b, 40, sb.inodesPerGroup)
	putLE16(b, 56, sb.magic)
	putLE32(b, 76, sb.revLevel)
	if sb.revLevel >= 1 {
		putLE32(b, 84, sb.firstIno)
		putLE16(b, 88, sb.inodeSize)
	}
}

func (sb *superblock) blockSize() uint32 { return 1024 << sb.logBlockSize }

// groupDesc is a decoded ext2 block-group descriptor.
type groupDesc struct {
	blockBitmap     uint32
	inodeBitmap     uint32
	inodeTable      uint32
	freeBlocksCount uint16
	freeInodesCount uint16
	usedDirsCount   uint16
}

func decodeGroupDesc(b []byte) groupDesc {
	return groupDesc{
		blockBitmap:     le32(b, 0),
		inodeBitmap:     le32(b, 4),
		inodeTable:      le32(b, 8),
		freeBlocksCount: le16(b, 12),
		freeInodesCount: le16(b, 14),
		usedDirsCount:   le16(b, 16),
	}
}

func (g *groupDesc) encodeInto(b []byte) {
	putLE32(b, 0, g.blockBitmap)
	putLE32(b, 4, g.inodeBitmap)
	putLE32(b, 8, g.inodeTable)
	putLE16(b, 12, g.freeBlocksCount)
	putLE16(b, 14, g.freeInodesCount)
	putLE16(b, 16, g.usedDirsCount)
}

// Inode is a decoded ext2 on-disk inode (spec §6: "12 direct + 3
// indirect pointers").
type Inode struct {
	Mode        uint16
	UID         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	GID         uint16
	LinksCount  uint16
	Blocks      uint32 // 512-byte sector units, spec §9 open question
	Flags       uint32
	Block       [blockPointers]uint32
	Generation  uint32
}

// IsDir reports whether the inode's mode bits mark it a directory.
func (in *Inode) IsDir() bool { return in.Mode&modeTypeMask == ModeDir }

// IsRegular reports whether the inode's mode bits mark it a regular file.
func (in *Inode) IsRegular() bool { return in.Mode&modeTypeMask == ModeRegular }

func decodeInode(b []byte) Inode {
	var in Inode
	in.Mode = le16(b, 0)
	in.UID = le16(b, 2)
	in.Size = le32(b, 4)
	in.Atime = le32(b, 8)
	in.Ctime = le32(b, 12)
	in.Mtime = le32(b, 16)
	in.Dtime = le32(b, 20)
	in.GID = le16(b, 24)
	in.LinksCount = le16(b, 26)
	in.Blocks = le32(b, 28)
	in.Flags = le32(b, 32)
	for i := 0; i < blockPointers; i++ {
		in.Block[i] = le32(b, 40+4*i)
	}
	in.Generation = le32(b, 100)
	return in
}

func (in *Inode) encodeInto(b []byte) {
	putLE16(b, 0, in.Mode)
	putLE16(b, 2, in.UID)
	putLE32(b, 4, in.Size)
	putLE32(b, 8, in.Atime)
	putLE32(b, 12, in.Ctime)
	putLE32(b, 16, in.Mtime)
	putLE32(b, 20, in.Dtime)
	putLE16(b, 24, in.GID)
	putLE16(b, 26, in.LinksCount)
	putLE32(b, 28, in.Blocks)
	putLE32(b, 32, in.Flags)
	for i := 0; i < blockPointers; i++ {
		putLE32(b, 40+4*i, in.Block[i])
	}
	putLE32(b, 100, in.Generation)
}

// dirEntryHeaderSize is the fixed portion of a directory entry before
// its variable-length name (spec §4.7/§6: "{inode, rec_len, name_len,
// file_type, name}").
const dirEntryHeaderSize = 8

// dirent is one decoded directory-entry record.
type dirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

func decodeDirent(b []byte) dirent {
	d := dirent{
		Inode:    le32(b, 0),
		RecLen:   le16(b, 4),
		NameLen:  b[6],
		FileType: b[7],
	}
	if d.NameLen > 0 {
		d.Name = string(b[8 : 8+int(d.NameLen)])
	}
	return d
}

func (d *dirent) encodeInto(b []byte) {
	putLE32(b, 0, d.Inode)
	putLE16(b, 4, d.RecLen)
	b[6] = d.NameLen
	b[7] = d.FileType
	copy(b[8:8+int(d.NameLen)], d.Name)
}

// direntSpan is the 4-byte-aligned space a name of length n occupies
// in an entry (spec §4.7: "4-byte-aligned variable-length records").
func direntSpan(nameLen int) uint16 {
	n := dirEntryHeaderSize + nameLen
	return uint16((n + 3) &^ 3)
}
