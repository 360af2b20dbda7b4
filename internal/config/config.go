// Package config loads the boot-time configuration of the kernel core
// from a TOML file, replacing the teacher's hand-edited constants
// (mem.Phys_init's commented-out respgs alternatives) with a single
// declarative source of truth.
package config

import (
	"github.com/BurntSushi/toml"
)

// Config holds every tunable the core subsystems need at init time.
type Config struct {
	Mem       MemConfig       `toml:"mem"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	BCache    BCacheConfig    `toml:"bcache"`
	IPC       IPCConfig       `toml:"ipc"`
}

// MemConfig configures the frame allocator.
type MemConfig struct {
	// ReservedFrames is the number of Physpg_t-equivalent slots to
	// reserve for the bitmap/refcount bookkeeping, mirroring the
	// teacher's respgs constant.
	ReservedFrames int `toml:"reserved_frames"`

	// HeapMaxFrames bounds how many frames the kernel heap's arena may
	// grow to. Real kernels reserve a fixed virtual address window for
	// the heap at boot and only ever map more physical frames into it;
	// this is that window's size, expressed in frames.
	HeapMaxFrames int `toml:"heap_max_frames"`
}

// SchedulerConfig configures the per-CPU scheduler.
type SchedulerConfig struct {
	CPUCount     int `toml:"cpu_count"`
	KernelStackB int `toml:"kernel_stack_bytes"`
}

// BCacheConfig configures the block cache pool.
type BCacheConfig struct {
	Buffers int `toml:"buffers"`
}

// IPCConfig configures port queue depths.
type IPCConfig struct {
	QueueCapacity int `toml:"queue_capacity"`
}

// Default returns the configuration the teacher's constants encode
// in-line: a 64K-frame (256MB) reservation, one CPU, 16KiB kernel
// stacks, a 256-buffer block cache, and 32-deep port queues.
func Default() Config {
	return Config{
		Mem:       MemConfig{ReservedFrames: 1 << 16, HeapMaxFrames: 1 << 12},
		Scheduler: SchedulerConfig{CPUCount: 1, KernelStackB: 16 * 1024},
		BCache:    BCacheConfig{Buffers: 256},
		IPC:       IPCConfig{QueueCapacity: 32},
	}
}

// Load reads a kernel.toml file, falling back to field-by-field
// defaults for anything left unset (a zero value).
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Mem.ReservedFrames == 0 {
		cfg.Mem.ReservedFrames = 1 << 16
	}
	if cfg.Mem.HeapMaxFrames == 0 {
		cfg.Mem.HeapMaxFrames = 1 << 12
	}
	if cfg.Scheduler.CPUCount == 0 {
		cfg.Scheduler.CPUCount = 1
	}
	if cfg.Scheduler.KernelStackB == 0 {
		cfg.Scheduler.KernelStackB = 16 * 1024
	}
	if cfg.BCache.Buffers == 0 {
		cfg.BCache.Buffers = 256
	}
	if cfg.IPC.QueueCapacity == 0 {
		cfg.IPC.QueueCapacity = 32
	}
	return cfg, nil
}
