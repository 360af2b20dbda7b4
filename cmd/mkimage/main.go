// Command mkimage builds an ext2 image file and replicates a host
// skeleton directory tree into it, the offline counterpart to
// mkfs/mkfs.go's addfiles/copydata walk, rebuilt over this core's own
// internal/ext2 instead of ufs.Ufs_t.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"kernelcore/internal/bcache"
	"kernelcore/internal/blockdev"
	"kernelcore/internal/ext2"
	"kernelcore/internal/kerr"
)

const (
	defaultBlockSize = 1024
	defaultInodes    = 4096
	bcacheBuffers    = 512
)

func main() {
	var (
		out       = flag.String("o", "", "output image path (required)")
		blocks    = flag.Uint64("blocks", 65536, "total filesystem blocks")
		inodes    = flag.Uint("inodes", defaultInodes, "total inodes")
		blockSize = flag.Uint("blocksize", defaultBlockSize, "ext2 block size in bytes")
	)
	flag.Parse()
	skel := flag.Arg(0)

	if *out == "" || skel == "" {
		fmt.Fprintf(os.Stderr, "usage: mkimage -o <image> [-blocks N] [-inodes N] [-blocksize N] <skeldir>\n")
		os.Exit(1)
	}

	if err := build(*out, skel, *blocks, uint32(*blockSize), uint32(*inodes)); err != nil {
		fmt.Fprintf(os.Stderr, "mkimage: %v\n", err)
		os.Exit(1)
	}
}

func build(outPath, skelDir string, totalBlocks uint64, blockSize, inodeCount uint32) error {
	sectorsPerBlock := uint64(blockSize) / blockdev.BlockSize
	dev, err := blockdev.CreateFileDisk(outPath, totalBlocks*sectorsPerBlock)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	defer dev.Close()

	if kerr := ext2.Format(dev, uint32(totalBlocks), blockSize, inodeCount); kerr != 0 {
		return fmt.Errorf("formatting image: %v", kerr)
	}

	cache := bcache.New(bcacheBuffers)
	cache.RegisterDevice(1, dev)
	vol, errno := ext2.Mount(cache, 1)
	if errno != 0 {
		return fmt.Errorf("mounting image: %v", errno)
	}

	if err := addFiles(vol, skelDir); err != nil {
		return err
	}

	if errno := vol.Sync(); errno != 0 {
		return fmt.Errorf("sync: %v", errno)
	}
	return nil
}

// addFiles walks skelDir and replicates it into vol, mirroring
// mkfs/mkfs.go's addfiles but driving internal/ext2's Create/WriteData
// instead of ufs.Ufs_t's MkDir/MkFile/Append.
func addFiles(vol *ext2.Volume, skelDir string) error {
	const rootIno = 2
	dirs := map[string]uint32{".": rootIno}

	return filepath.WalkDir(skelDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %q: %w", path, err)
		}
		rel, err := filepath.Rel(skelDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		parentRel := filepath.ToSlash(filepath.Dir(rel))
		parentIno, ok := dirs[parentRel]
		if !ok {
			return fmt.Errorf("parent of %q not yet created", rel)
		}
		name := filepath.Base(rel)

		if d.IsDir() {
			ino, errno := vol.Create(parentIno, name, ext2.ModeDir|0755)
			if errno != kerr.OK {
				return fmt.Errorf("mkdir %q: %v", rel, errno)
			}
			dirs[rel] = ino
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		ino, errno := vol.Create(parentIno, name, ext2.ModeRegular|uint16(info.Mode().Perm()))
		if errno != kerr.OK {
			return fmt.Errorf("create %q: %v", rel, errno)
		}
		return copyFileData(path, vol, ino)
	})
}

// copyFileData streams src's contents into ino's data blocks, one
// filesystem block at a time, mirroring mkfs/mkfs.go's copydata.
func copyFileData(src string, vol *ext2.Volume, ino uint32) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, vol.BlockSize())
	var offset uint32
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if errno := vol.WriteData(ino, offset, buf[:n]); errno != kerr.OK {
				return fmt.Errorf("writing %q at offset %d: %v", src, offset, errno)
			}
			offset += uint32(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
