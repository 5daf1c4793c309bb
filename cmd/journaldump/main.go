package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thinmeta/thinmeta/journal"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:", os.Args[0], "<slab-file>")
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, `
Dumps a journal's slab file as one human-readable line per logged entry.`)
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: one argument needed")
		flag.Usage()
		os.Exit(2)
	}

	slab, err := journal.OpenSlabFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening slab file: %v\n", err)
		os.Exit(1)
	}
	defer slab.Close()

	err = slab.ForEach(func(raw []byte) error {
		ops, err := journal.UnpackOps(journal.NewByteReader(raw))
		if err != nil {
			return err
		}
		journal.Dump(os.Stdout, ops)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading slab file: %v\n", err)
		os.Exit(1)
	}
}
