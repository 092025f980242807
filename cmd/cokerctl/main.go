// SPDX-License-Identifier: Unlicense OR MIT

// cokerctl exercises the co-kernel memory and DMA substrate against
// the hosted device model: dump and verify the boot address space, or
// run the DMA loopback self test.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"cokernel.dev/cokernel/dma"
	"cokernel.dev/cokernel/kernel"
)

var log = logrus.New()

func main() {
	configPath := flag.String("config", "", "platform layout TOML file")
	debug := flag.Bool("debug", false, "enable debug logging")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&ptdumpCmd{}, "")
	subcommands.Register(&selftestCmd{}, "")

	flag.Parse()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx := context.WithValue(context.Background(), layoutKey{}, *configPath)
	os.Exit(int(subcommands.Execute(ctx)))
}

type layoutKey struct{}

// loadLayout resolves the layout from the -config flag, falling back
// to the built-in default.
func loadLayout(ctx context.Context) (*kernel.Layout, error) {
	path, _ := ctx.Value(layoutKey{}).(string)
	if path == "" {
		log.Debug("no layout file, using the default layout")
		return kernel.DefaultLayout(), nil
	}
	return kernel.LoadLayout(path)
}

// boot builds the full boot state: arena, allocator context, page
// tables, and the general allocator.
func boot(ctx context.Context) (*kernel.Memory, *kernel.Manager, error) {
	l, err := loadLayout(ctx)
	if err != nil {
		return nil, nil, err
	}
	arena, err := kernel.NewArena(l)
	if err != nil {
		return nil, nil, err
	}
	mem := kernel.NewMemory(l, arena)
	pt := kernel.InitPageTable(mem)
	kernel.NewBitmapAllocator(mem)
	log.WithFields(logrus.Fields{
		"window": fmt.Sprintf("%#x-%#x", l.MapStart, l.MapEnd),
		"image":  fmt.Sprintf("%#x+%#x", l.KernelPhysBase, l.ImageSize),
	}).Debug("boot state built")
	return mem, pt, nil
}

type ptdumpCmd struct {
	verify bool
}

func (*ptdumpCmd) Name() string     { return "ptdump" }
func (*ptdumpCmd) Synopsis() string { return "dump the boot page table mappings" }
func (*ptdumpCmd) Usage() string {
	return `ptdump [-verify]:
  Build the boot address space and print every terminal mapping.
`
}

func (c *ptdumpCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verify, "verify", false, "check mappings for virtual overlap")
}

func (c *ptdumpCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	_, pt, err := boot(ctx)
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	for _, r := range pt.Ranges(nil) {
		fmt.Printf("vaddr %#016x paddr %#010x size %#x\n", r.Virt, r.Phys, r.Size)
	}
	if c.verify {
		if err := pt.Verify(nil); err != nil {
			log.WithError(err).Error("verification failed")
			return subcommands.ExitFailure
		}
		log.Info("no overlapping mappings")
	}
	return subcommands.ExitSuccess
}

type selftestCmd struct {
	size       uint64
	systemBase uint64
}

func (*selftestCmd) Name() string     { return "selftest" }
func (*selftestCmd) Synopsis() string { return "run the DMA loopback self test" }
func (*selftestCmd) Usage() string {
	return `selftest [-size N] [-sysbase ADDR]:
  Push a buffer through the hosted DMA engine and verify the copy.
`
}

func (c *selftestCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.size, "size", 1<<20, "transfer size in bytes")
	f.Uint64Var(&c.systemBase, "sysbase", 1<<39, "system aperture base in the device address space")
}

func (c *selftestCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	mem, _, err := boot(ctx)
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}

	sysBase := kernel.PhysAddr(c.systemBase)
	engine := dma.NewEngine(mem.Arena(), sysBase, 0)
	dev := dma.NewDevice(mem, engine, sysBase)
	if err := dev.Init(); err != nil {
		log.WithError(err).Error("DMA init failed")
		return subcommands.ExitFailure
	}
	engine.OnInterrupt = kernel.DispatchDMACompletion
	dev.Start()

	cycles, err := dma.SelfTest(dev, c.size)
	if err != nil {
		log.WithError(err).Error("self test failed")
		return subcommands.ExitFailure
	}
	log.WithFields(logrus.Fields{
		"size":   c.size,
		"cycles": cycles,
	}).Info("self test passed")
	return subcommands.ExitSuccess
}
