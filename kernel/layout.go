// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"github.com/BurntSushi/toml"
)

// Layout describes the physical memory slice carved out for the
// secondary kernel. The boundaries are supplied by platform
// configuration; nothing in this package discovers them.
type Layout struct {
	// MapStart and MapEnd bound the declared physical window.
	MapStart PhysAddr
	MapEnd   PhysAddr
	// KernelPhysBase is the physical load address of the secondary
	// kernel image; ImageSize covers it from head to end.
	KernelPhysBase PhysAddr
	ImageSize      uint64
	// TrampolineStart and TrampolineSize bound the low-memory region
	// reserved for bringing up application processors.
	TrampolineStart PhysAddr
	TrampolineSize  uint64
}

// layoutConfig is the on-disk form of Layout.
type layoutConfig struct {
	MapStart        uint64 `toml:"map_start"`
	MapEnd          uint64 `toml:"map_end"`
	KernelPhysBase  uint64 `toml:"kernel_phys_base"`
	ImageSize       uint64 `toml:"image_size"`
	TrampolineStart uint64 `toml:"trampoline_start"`
	TrampolineSize  uint64 `toml:"trampoline_size"`
}

// DefaultLayout returns the layout used when no platform
// configuration is supplied: a 128MB window with the image loaded at
// 4MB and the conventional AP trampoline page at 64KB.
func DefaultLayout() *Layout {
	return &Layout{
		MapStart:        0,
		MapEnd:          128 << 20,
		KernelPhysBase:  4 << 20,
		ImageSize:       2 << 20,
		TrampolineStart: 0x10000,
		TrampolineSize:  PageSize,
	}
}

// LoadLayout reads a layout from a TOML platform configuration file.
func LoadLayout(path string) (*Layout, error) {
	var cfg layoutConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	l := &Layout{
		MapStart:        PhysAddr(cfg.MapStart),
		MapEnd:          PhysAddr(cfg.MapEnd),
		KernelPhysBase:  PhysAddr(cfg.KernelPhysBase),
		ImageSize:       cfg.ImageSize,
		TrampolineStart: PhysAddr(cfg.TrampolineStart),
		TrampolineSize:  cfg.TrampolineSize,
	}
	if err := l.validate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) validate() error {
	if l.MapStart&(PageSize-1) != 0 || l.MapEnd&(PageSize-1) != 0 {
		return kernError("layout: window boundaries are not page aligned")
	}
	if l.MapStart >= l.MapEnd {
		return kernError("layout: empty physical window")
	}
	if l.KernelPhysBase < l.MapStart || l.KernelPhysBase+PhysAddr(l.ImageSize) > l.MapEnd {
		return kernError("layout: kernel image outside the physical window")
	}
	if l.KernelPhysBase&(LargePageSize-1) != 0 {
		return kernError("layout: kernel image base is not large-page aligned")
	}
	return nil
}

// WindowSize returns the size of the declared physical window.
func (l *Layout) WindowSize() uint64 {
	return uint64(l.MapEnd - l.MapStart)
}

// ImageEnd returns the first address past the loaded image, in the
// kernel-text address space.
func (l *Layout) ImageEnd() VirtAddr {
	return MapKernelStart + VirtAddr(l.ImageSize)
}
