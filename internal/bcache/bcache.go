// Package bcache implements the block cache (spec §4.6): a fixed pool
// of sector-sized buffers kept on an LRU list, with valid/dirty/pin
// bookkeeping and at-most-one-entry-per-(device,lba). Grounded on
// biscuit/src/fs/blk.go's Bdev_block_t/BlkList_t shape (a cached block
// struct plus a container/list-backed list of them), generalized from
// the teacher's page-cache-keyed-by-object pattern into an explicit
// fixed-size pool addressed by (device id, lba), per design note 9's
// "Vec-backed index... preserves the O(1) insert/remove" guidance and
// spec §4.6's fixed-N-buffers contract.
package bcache

import (
	"container/list"

	"kernelcore/internal/blockdev"
	"kernelcore/internal/diag"
	"kernelcore/internal/kerr"
	"kernelcore/internal/ksync"
)

// Buffer is one cached sector (spec §4.6: "a 512-byte data payload
// plus (device pointer, lba, valid bit, dirty bit, pin count)").
type Buffer struct {
	Dev   uint32
	LBA   uint64
	Data  [blockdev.BlockSize]byte
	valid bool
	dirty bool
	pin   int

	elem *list.Element // this buffer's node in the cache's LRU list
}

// Valid reports whether the buffer currently holds a (device,lba)
// binding (as opposed to being an as-yet-unused pool slot).
func (b *Buffer) Valid() bool { return b.valid }

// Dirty reports whether the buffer has unwritten modifications.
func (b *Buffer) Dirty() bool { return b.dirty }

// Pin reports the buffer's current pin count.
func (b *Buffer) Pin() int { return b.pin }

type key struct {
	dev uint32
	lba uint64
}

// Cache is the fixed-size block cache described by spec §4.6.
type Cache struct {
	lock    ksync.Spinlock
	devices map[uint32]blockdev.Device
	lru     *list.List // front = least-recently-used, back = most-recently-used
	index   map[key]*Buffer

	hits, misses, dirtyCount int
}

// New creates a cache of n buffers, all initially invalid and unpinned.
func New(n int) *Cache {
	if n <= 0 {
		panic("bcache: need at least one buffer")
	}
	c := &Cache{
		devices: make(map[uint32]blockdev.Device),
		lru:     list.New(),
		index:   make(map[key]*Buffer),
	}
	for i := 0; i < n; i++ {
		b := &Buffer{}
		b.elem = c.lru.PushBack(b)
	}
	return c
}

// RegisterDevice binds a device id to the block device it addresses,
// so Get can be called with just (dev id, lba).
func (c *Cache) RegisterDevice(id uint32, dev blockdev.Device) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.devices[id] = dev
}

// Get returns the buffer for (dev,lba), pinned, reading it from the
// device on a cache miss. The caller must call Release exactly once
// per successful Get (spec §4.6 get()/release()).
func (c *Cache) Get(dev uint32, lba uint64) (*Buffer, kerr.Errno) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if b, ok := c.index[key{dev, lba}]; ok {
		b.pin++
		c.lru.MoveToBack(b.elem)
		c.hits++
		return b, kerr.OK
	}

	d, ok := c.devices[dev]
	if !ok {
		return nil, kerr.Invalid
	}

	b := c.evictCandidateLocked()
	if b == nil {
		return nil, kerr.Fatal
	}
	if b.valid {
		if b.dirty {
			if err := c.writeBackLocked(b); err != kerr.OK {
				return nil, err
			}
		}
		delete(c.index, key{b.Dev, b.LBA})
	}
	if err := d.ReadBlock(lba, b.Data[:]); err != kerr.OK {
		b.valid = false
		return nil, kerr.Io
	}
	b.Dev = dev
	b.LBA = lba
	b.valid = true
	b.dirty = false
	b.pin = 1
	c.index[key{dev, lba}] = b
	c.lru.MoveToBack(b.elem)
	c.misses++
	return b, kerr.OK
}

// evictCandidateLocked returns the least-recently-used buffer with
// pin==0, scanning from the front of the list, or nil if every buffer
// is pinned (spec §4.6 Failure: "eviction exhaustion... is fatal").
func (c *Cache) evictCandidateLocked() *Buffer {
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.pin == 0 {
			return b
		}
	}
	return nil
}

// Release drops one pin on b. It panics if called more times than Get
// (an invariant violation the teacher's own Done()/Relse() pairing
// would also not tolerate).
func (c *Cache) Release(b *Buffer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if b.pin == 0 {
		diag.Halt(diag.CPUFault{
			CPU:    -1,
			Reason: "bcache: release of an unpinned buffer",
			Fields: map[string]interface{}{"dev": b.Dev, "lba": b.LBA},
		})
	}
	b.pin--
}

// MarkDirty flags b as holding unwritten modifications.
func (c *Cache) MarkDirty(b *Buffer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !b.valid {
		diag.Halt(diag.CPUFault{
			CPU:    -1,
			Reason: "bcache: mark dirty on an invalid buffer",
		})
	}
	if !b.dirty {
		b.dirty = true
		c.dirtyCount++
	}
}

// WriteBack synchronously writes b to its device and clears its dirty
// bit on success.
func (c *Cache) WriteBack(b *Buffer) kerr.Errno {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.writeBackLocked(b)
}

func (c *Cache) writeBackLocked(b *Buffer) kerr.Errno {
	d, ok := c.devices[b.Dev]
	if !ok {
		return kerr.Invalid
	}
	if err := d.WriteBlock(b.LBA, b.Data[:]); err != kerr.OK {
		return kerr.Io
	}
	if b.dirty {
		b.dirty = false
		c.dirtyCount--
	}
	return kerr.OK
}

// SyncAll writes back every dirty buffer (spec §4.6 sync_all()).
func (c *Cache) SyncAll() kerr.Errno {
	c.lock.Lock()
	defer c.lock.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.valid && b.dirty {
			if err := c.writeBackLocked(b); err != kerr.OK {
				return err
			}
		}
	}
	return kerr.OK
}

// Stats returns cumulative hit/miss counts and the current dirty
// buffer count (spec §4.6 "Statistics").
func (c *Cache) Stats() (hits, misses, dirty int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hits, c.misses, c.dirtyCount
}
