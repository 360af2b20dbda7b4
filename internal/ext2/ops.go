package ext2

import "kernelcore/internal/kerr"

func fileTypeForMode(mode uint16) uint8 {
	if mode&modeTypeMask == ModeDir {
		return FileTypeDir
	}
	return FileTypeRegular
}

// Create reserves an inode, writes it, and adds a parent directory
// entry; for directories it additionally allocates a block holding
// '.' and '..' and bumps the parent's link count (spec §4.7 create()).
func (v *Volume) Create(parentIno uint32, name string, mode uint16) (uint32, kerr.Errno) {
	isDir := mode&modeTypeMask == ModeDir

	ino, err := v.AllocInode(isDir)
	if err != kerr.OK {
		return 0, err
	}

	in := Inode{Mode: mode, LinksCount: 1}
	if isDir {
		in.LinksCount = 2 // self-reference via '.'
	}
	if err := v.WriteInode(ino, &in); err != kerr.OK {
		v.FreeInode(ino, isDir)
		return 0, err
	}

	fileType := fileTypeForMode(mode)
	if err := v.DirAddEntry(parentIno, name, ino, fileType); err != kerr.OK {
		v.FreeInode(ino, isDir)
		return 0, err
	}

	if isDir {
		nb, err := v.AllocBlock()
		if err != kerr.OK {
			return 0, err
		}
		buf := make([]byte, v.blockSize)
		dotSpan := direntSpan(1)
		dot := dirent{Inode: ino, RecLen: dotSpan, NameLen: 1, FileType: FileTypeDir, Name: "."}
		dot.encodeInto(buf)
		dotdot := dirent{Inode: parentIno, RecLen: uint16(v.blockSize) - dotSpan, NameLen: 2, FileType: FileTypeDir, Name: ".."}
		dotdot.encodeInto(buf[dotSpan:])
		if err := v.writeBlock(nb, buf); err != kerr.OK {
			return 0, err
		}
		if err := v.SetBlock(&in, 0, nb); err != kerr.OK {
			return 0, err
		}
		in.Size = v.blockSize
		in.Blocks += v.sectorsPerBlockUnit()
		if err := v.WriteInode(ino, &in); err != kerr.OK {
			return 0, err
		}

		parentIn, err := v.ReadInode(parentIno)
		if err != kerr.OK {
			return 0, err
		}
		parentIn.LinksCount++
		if err := v.WriteInode(parentIno, &parentIn); err != kerr.OK {
			return 0, err
		}
	}

	return ino, kerr.OK
}

// Unlink removes name from parentIno, refusing '.'/'..' and
// directories, decrementing the target's link count and freeing it
// once that count reaches zero (spec §4.7 unlink()).
func (v *Volume) Unlink(parentIno uint32, name string) kerr.Errno {
	if name == "." || name == ".." {
		return kerr.Invalid
	}
	ino, fileType, err := v.DirLookup(parentIno, name)
	if err != kerr.OK {
		return err
	}
	if fileType == FileTypeDir {
		return kerr.IsDirectory
	}
	in, err := v.ReadInode(ino)
	if err != kerr.OK {
		return err
	}
	if in.LinksCount > 0 {
		in.LinksCount--
	}
	if in.LinksCount == 0 {
		if err := v.Truncate(ino); err != kerr.OK {
			return err
		}
		in.LinksCount = 0
		if err := v.WriteInode(ino, &in); err != kerr.OK {
			return err
		}
		if err := v.FreeInode(ino, false); err != kerr.OK {
			return err
		}
	} else if err := v.WriteInode(ino, &in); err != kerr.OK {
		return err
	}
	return v.DirRemoveEntry(parentIno, name)
}

// Rmdir removes an empty subdirectory, decrementing the parent's link
// count for the lost '..' reference (spec §4.7 rmdir()).
func (v *Volume) Rmdir(parentIno uint32, name string) kerr.Errno {
	if name == "." || name == ".." {
		return kerr.Invalid
	}
	ino, fileType, err := v.DirLookup(parentIno, name)
	if err != kerr.OK {
		return err
	}
	if fileType != FileTypeDir {
		return kerr.NotDirectory
	}
	empty, err := v.dirIsEmpty(ino)
	if err != kerr.OK {
		return err
	}
	if !empty {
		return kerr.NotEmpty
	}
	if err := v.Truncate(ino); err != kerr.OK {
		return err
	}
	if err := v.FreeInode(ino, true); err != kerr.OK {
		return err
	}
	if err := v.DirRemoveEntry(parentIno, name); err != kerr.OK {
		return err
	}
	parentIn, err := v.ReadInode(parentIno)
	if err != kerr.OK {
		return err
	}
	if parentIn.LinksCount > 0 {
		parentIn.LinksCount--
	}
	return v.WriteInode(parentIno, &parentIn)
}

// setDotDotTarget rewrites dirIno's '..' entry to point at newParent,
// without touching rec_len (used by Rename when a directory moves
// between parents).
func (v *Volume) setDotDotTarget(dirIno uint32, newParent uint32) kerr.Errno {
	in, err := v.ReadInode(dirIno)
	if err != kerr.OK {
		return err
	}
	return v.forEachDirBlock(&in, func(buf []byte) (bool, bool, kerr.Errno) {
		off := uint32(0)
		for off+dirEntryHeaderSize <= v.blockSize {
			d := decodeDirent(buf[off:])
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == ".." {
				putLE32(buf, int(off), newParent)
				return true, true, kerr.OK
			}
			off += uint32(d.RecLen)
		}
		return false, false, kerr.OK
	})
}

// removeTarget drops whatever currently occupies name in dirIno,
// as if it had been unlinked or rmdir'd, ahead of Rename installing
// the new entry in its place (spec §4.7 rename(): "removes any
// existing target").
func (v *Volume) removeTarget(dirIno uint32, name string) kerr.Errno {
	ino, fileType, err := v.DirLookup(dirIno, name)
	if err == kerr.NotFound {
		return kerr.OK
	}
	if err != kerr.OK {
		return err
	}
	if fileType == FileTypeDir {
		return v.Rmdir(dirIno, name)
	}
	return v.Unlink(dirIno, name)
}

// Rename moves old (in oldParent) to new (in newParent), removing any
// existing target first; if the moved entry is a directory changing
// parents, its '..' and both parents' link counts are updated (spec
// §4.7 rename()).
func (v *Volume) Rename(oldParent uint32, old string, newParent uint32, new string) kerr.Errno {
	ino, fileType, err := v.DirLookup(oldParent, old)
	if err != kerr.OK {
		return err
	}

	if err := v.removeTarget(newParent, new); err != kerr.OK {
		return err
	}
	if err := v.DirAddEntry(newParent, new, ino, fileType); err != kerr.OK {
		return err
	}
	if err := v.DirRemoveEntry(oldParent, old); err != kerr.OK {
		return err
	}

	if fileType == FileTypeDir && oldParent != newParent {
		if err := v.setDotDotTarget(ino, newParent); err != kerr.OK {
			return err
		}
		oldIn, err := v.ReadInode(oldParent)
		if err != kerr.OK {
			return err
		}
		if oldIn.LinksCount > 0 {
			oldIn.LinksCount--
		}
		if err := v.WriteInode(oldParent, &oldIn); err != kerr.OK {
			return err
		}
		newIn, err := v.ReadInode(newParent)
		if err != kerr.OK {
			return err
		}
		newIn.LinksCount++
		if err := v.WriteInode(newParent, &newIn); err != kerr.OK {
			return err
		}
	}
	return kerr.OK
}
