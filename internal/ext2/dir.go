package ext2

import (
	"kernelcore/internal/kerr"

	"golang.org/x/text/unicode/norm"
)

// normalizeName folds a directory-entry name to NFC so that
// dir_lookup/dir_add_entry treat visually identical names as equal
// (spec §4.7, domain-stack rationale for golang.org/x/text).
func normalizeName(name string) string { return norm.NFC.String(name) }

// DirEntry is one exported getdents() record (spec §4.7 getdents(dir)).
type DirEntry struct {
	Ino      uint32
	Name     string
	FileType uint8
}

// forEachDirBlock visits every allocated logical block of directory
// inode in, letting fn mutate the block's bytes in place. A hole
// (unallocated logical block) is skipped, matching the convention
// that directory data is always fully populated by dir_add_entry.
func (v *Volume) forEachDirBlock(in *Inode, fn func(buf []byte) (modified, stop bool, err kerr.Errno)) kerr.Errno {
	nblocks := (in.Size + v.blockSize - 1) / v.blockSize
	for logical := uint32(0); logical < nblocks; logical++ {
		phys, has, err := v.GetBlock(in, logical)
		if err != kerr.OK {
			return err
		}
		if !has {
			continue
		}
		buf := make([]byte, v.blockSize)
		if err := v.readBlock(phys, buf); err != kerr.OK {
			return err
		}
		modified, stop, err := fn(buf)
		if err != kerr.OK {
			return err
		}
		if modified {
			if err := v.writeBlock(phys, buf); err != kerr.OK {
				return err
			}
		}
		if stop {
			return kerr.OK
		}
	}
	return kerr.OK
}

// DirLookup resolves name within directory inode dirIno (spec §4.7
// dir_lookup).
func (v *Volume) DirLookup(dirIno uint32, name string) (ino uint32, fileType uint8, err kerr.Errno) {
	in, rerr := v.ReadInode(dirIno)
	if rerr != kerr.OK {
		return 0, 0, rerr
	}
	target := normalizeName(name)
	err = v.forEachDirBlock(&in, func(buf []byte) (bool, bool, kerr.Errno) {
		off := uint32(0)
		for off+dirEntryHeaderSize <= v.blockSize {
			d := decodeDirent(buf[off:])
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && normalizeName(d.Name) == target {
				ino, fileType = d.Inode, d.FileType
				return false, true, kerr.OK
			}
			off += uint32(d.RecLen)
		}
		return false, false, kerr.OK
	})
	if err != kerr.OK {
		return 0, 0, err
	}
	if ino == 0 {
		return 0, 0, kerr.NotFound
	}
	return ino, fileType, kerr.OK
}

// DirAddEntry inserts {ino, name, fileType} into directory dirIno:
// reusing a deleted slot, splitting an existing slot with spare
// capacity, or else appending a new block holding a single entry that
// spans it (spec §4.7 dir_add_entry).
func (v *Volume) DirAddEntry(dirIno uint32, name string, ino uint32, fileType uint8) kerr.Errno {
	name = normalizeName(name)
	need := direntSpan(len(name))

	in, err := v.ReadInode(dirIno)
	if err != kerr.OK {
		return err
	}

	added := false
	err = v.forEachDirBlock(&in, func(buf []byte) (bool, bool, kerr.Errno) {
		off := uint32(0)
		for off+dirEntryHeaderSize <= v.blockSize {
			d := decodeDirent(buf[off:])
			if d.RecLen == 0 {
				break
			}
			if d.Inode == 0 && d.RecLen >= need {
				nd := dirent{Inode: ino, RecLen: d.RecLen, NameLen: uint8(len(name)), FileType: fileType, Name: name}
				nd.encodeInto(buf[off:])
				added = true
				return true, true, kerr.OK
			}
			used := direntSpan(len(d.Name))
			if d.Inode != 0 && d.RecLen >= used+need {
				remaining := d.RecLen - used
				d.RecLen = used
				d.encodeInto(buf[off:])
				nd := dirent{Inode: ino, RecLen: remaining, NameLen: uint8(len(name)), FileType: fileType, Name: name}
				nd.encodeInto(buf[off+uint32(used):])
				added = true
				return true, true, kerr.OK
			}
			off += uint32(d.RecLen)
		}
		return false, false, kerr.OK
	})
	if err != kerr.OK {
		return err
	}
	if added {
		return kerr.OK
	}

	nb, err := v.AllocBlock()
	if err != kerr.OK {
		return err
	}
	if err := v.zeroBlock(nb); err != kerr.OK {
		return err
	}
	buf := make([]byte, v.blockSize)
	nd := dirent{Inode: ino, RecLen: uint16(v.blockSize), NameLen: uint8(len(name)), FileType: fileType, Name: name}
	nd.encodeInto(buf)
	if err := v.writeBlock(nb, buf); err != kerr.OK {
		return err
	}
	logical := in.Size / v.blockSize
	if err := v.SetBlock(&in, logical, nb); err != kerr.OK {
		return err
	}
	in.Size += v.blockSize
	in.Blocks += v.sectorsPerBlockUnit()
	return v.WriteInode(dirIno, &in)
}

// DirRemoveEntry removes name from directory dirIno, merging its
// space into the preceding entry if one exists in the same block, or
// else just zeroing the inode field (spec §4.7 dir_remove_entry).
func (v *Volume) DirRemoveEntry(dirIno uint32, name string) kerr.Errno {
	target := normalizeName(name)
	in, err := v.ReadInode(dirIno)
	if err != kerr.OK {
		return err
	}
	removed := false
	err = v.forEachDirBlock(&in, func(buf []byte) (bool, bool, kerr.Errno) {
		off := uint32(0)
		prevOff := int64(-1)
		for off+dirEntryHeaderSize <= v.blockSize {
			d := decodeDirent(buf[off:])
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && normalizeName(d.Name) == target {
				if prevOff >= 0 {
					prev := decodeDirent(buf[prevOff:])
					prev.RecLen += d.RecLen
					prev.encodeInto(buf[prevOff:])
				} else {
					putLE32(buf, int(off), 0)
				}
				removed = true
				return true, true, kerr.OK
			}
			prevOff = int64(off)
			off += uint32(d.RecLen)
		}
		return false, false, kerr.OK
	})
	if err != kerr.OK {
		return err
	}
	if !removed {
		return kerr.NotFound
	}
	return kerr.OK
}

// Getdents lists every live entry in directory dirIno (spec §4.7
// getdents(dir)).
func (v *Volume) Getdents(dirIno uint32) ([]DirEntry, kerr.Errno) {
	in, err := v.ReadInode(dirIno)
	if err != kerr.OK {
		return nil, err
	}
	var out []DirEntry
	err = v.forEachDirBlock(&in, func(buf []byte) (bool, bool, kerr.Errno) {
		off := uint32(0)
		for off+dirEntryHeaderSize <= v.blockSize {
			d := decodeDirent(buf[off:])
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 {
				out = append(out, DirEntry{Ino: d.Inode, Name: d.Name, FileType: d.FileType})
			}
			off += uint32(d.RecLen)
		}
		return false, false, kerr.OK
	})
	if err != kerr.OK {
		return nil, err
	}
	return out, kerr.OK
}

// dirIsEmpty reports whether dirIno has no entries other than '.' and
// '..' (spec §4.7 rmdir(): "requires emptiness").
func (v *Volume) dirIsEmpty(dirIno uint32) (bool, kerr.Errno) {
	ents, err := v.Getdents(dirIno)
	if err != kerr.OK {
		return false, err
	}
	for _, e := range ents {
		if e.Name != "." && e.Name != ".." {
			return false, kerr.OK
		}
	}
	return true, kerr.OK
}
