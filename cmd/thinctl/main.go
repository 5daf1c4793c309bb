// Command thinctl drives a thin-provisioning pool from the command line,
// standing in for an out-of-scope embedded scripting REPL: each sub-command
// is one verb of that REPL's surface.
package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/urfave/cli.v1"

	"github.com/thinmeta/thinmeta/allocator"
	"github.com/thinmeta/thinmeta/copier"
	"github.com/thinmeta/thinmeta/ioengine"
	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/log"
	"github.com/thinmeta/thinmeta/pagecache"
	"github.com/thinmeta/thinmeta/suballoc"
	"github.com/thinmeta/thinmeta/thinpool"
)

var (
	metadataFlag = cli.StringFlag{Name: "metadata", Usage: "path to the metadata backing file", Value: "thinmeta.metadata"}
	dataFlag     = cli.StringFlag{Name: "data", Usage: "not used: data blocks are held in memory", Value: "thinmeta.data"}
	journalFlag  = cli.StringFlag{Name: "journal", Usage: "path to the journal slab file", Value: "thinmeta.journal"}
	metaBlocks   = cli.Uint64Flag{Name: "metadata-blocks", Usage: "metadata pool size in blocks", Value: 1 << 16}
	dataBlocks   = cli.Uint64Flag{Name: "data-blocks", Usage: "data pool size in blocks", Value: 1 << 20}
	cacheSize    = cli.IntFlag{Name: "cache-pages", Usage: "page cache capacity", Value: 4096}
)

func openPool(ctx *cli.Context) (*thinpool.Pool, error) {
	engine, err := ioengine.OpenFileEngine(ctx.GlobalString(metadataFlag.Name), uint32(ctx.GlobalUint64(metaBlocks.Name)))
	if err != nil {
		return nil, err
	}
	cache, err := pagecache.New(engine, ctx.GlobalInt(cacheSize.Name))
	if err != nil {
		return nil, err
	}
	global := allocator.NewBuddy(ctx.GlobalUint64(metaBlocks.Name))
	metaAlloc := suballoc.NewMetadataAllocator(global, 64)

	dataGlobal := allocator.NewBuddy(ctx.GlobalUint64(dataBlocks.Name))
	dataAlloc, err := suballoc.NewDataAllocator(dataGlobal, 1024)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(ctx.GlobalString(journalFlag.Name))
	if err != nil {
		return nil, err
	}

	store := copier.NewMemStore(ioengine.BlockSize)
	cp := copier.NewCore(store, 1<<20)

	return thinpool.NewPool(cache, dataAlloc, metaAlloc, j, cp)
}

func main() {
	app := cli.NewApp()
	app.Name = "thinctl"
	app.Usage = "inspect and drive a thin-provisioning metadata pool"
	app.Flags = []cli.Flag{metadataFlag, dataFlag, journalFlag, metaBlocks, dataBlocks, cacheSize}
	app.Commands = []cli.Command{
		{
			Name:      "create-thin",
			Usage:     "create-thin <size-in-blocks>",
			ArgsUsage: "<size>",
			Action:    withPool(createThinCmd),
		},
		{
			Name:      "create-thick",
			Usage:     "create-thick <size-in-blocks>",
			ArgsUsage: "<size>",
			Action:    withPool(createThickCmd),
		},
		{
			Name:      "create-snap",
			Usage:     "create-snap <origin-thin-id>",
			ArgsUsage: "<origin-id>",
			Action:    withPool(createSnapCmd),
		},
		{
			Name:      "delete-thin",
			Usage:     "delete-thin <thin-id>",
			ArgsUsage: "<id>",
			Action:    withPool(deleteThinCmd),
		},
		{
			Name:      "read",
			Usage:     "read <thin-id> <vbegin> <vend>",
			ArgsUsage: "<id> <vbegin> <vend>",
			Action:    withPool(readCmd),
		},
		{
			Name:      "write",
			Usage:     "write <thin-id> <vbegin> <vend>",
			ArgsUsage: "<id> <vbegin> <vend>",
			Action:    withPool(writeCmd),
		},
		{
			Name:      "discard",
			Usage:     "discard <thin-id> <vbegin> <vend>",
			ArgsUsage: "<id> <vbegin> <vend>",
			Action:    withPool(discardCmd),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("thinctl failed", "err", err)
		os.Exit(1)
	}
}

func withPool(fn func(*cli.Context, *thinpool.Pool) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, pool)
	}
}

func argUint64(ctx *cli.Context, i int) (uint64, error) {
	return strconv.ParseUint(ctx.Args().Get(i), 10, 64)
}

func createThinCmd(ctx *cli.Context, p *thinpool.Pool) error {
	size, err := argUint64(ctx, 0)
	if err != nil {
		return err
	}
	id, err := p.CreateThin(size)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func createThickCmd(ctx *cli.Context, p *thinpool.Pool) error {
	size, err := argUint64(ctx, 0)
	if err != nil {
		return err
	}
	id, err := p.CreateThick(size)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func createSnapCmd(ctx *cli.Context, p *thinpool.Pool) error {
	origin, err := argUint64(ctx, 0)
	if err != nil {
		return err
	}
	id, err := p.CreateSnap(origin)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func deleteThinCmd(ctx *cli.Context, p *thinpool.Pool) error {
	id, err := argUint64(ctx, 0)
	if err != nil {
		return err
	}
	return p.DeleteThin(id)
}

func readCmd(ctx *cli.Context, p *thinpool.Pool) error {
	id, vb, ve, err := rangeArgs(ctx)
	if err != nil {
		return err
	}
	mappings, err := p.GetReadMapping(id, vb, ve)
	if err != nil {
		return err
	}
	printMappings(mappings)
	return nil
}

func writeCmd(ctx *cli.Context, p *thinpool.Pool) error {
	id, vb, ve, err := rangeArgs(ctx)
	if err != nil {
		return err
	}
	mappings, err := p.GetWriteMapping(id, vb, ve)
	if err != nil {
		return err
	}
	printMappings(mappings)
	return nil
}

func discardCmd(ctx *cli.Context, p *thinpool.Pool) error {
	id, vb, ve, err := rangeArgs(ctx)
	if err != nil {
		return err
	}
	return p.Discard(id, vb, ve)
}

func rangeArgs(ctx *cli.Context) (id, vb, ve uint64, err error) {
	if id, err = argUint64(ctx, 0); err != nil {
		return
	}
	if vb, err = argUint64(ctx, 1); err != nil {
		return
	}
	ve, err = argUint64(ctx, 2)
	return
}

func printMappings(mappings []thinpool.ResolvedMapping) {
	for _, m := range mappings {
		fmt.Printf("v=%d -> [%d,%d) snap_time=%d\n", m.V, m.M.B, m.M.E, m.M.SnapTime)
	}
}
