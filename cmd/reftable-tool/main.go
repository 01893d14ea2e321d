// Command reftable-tool is a small drive-it-yourself inspection CLI over
// reftable files: dump, seek, and compact. It is not part of the core
// contract (the core exposes no CLI surface of its own) but, like the
// teacher's own single-binary cmd/distri, dispatches to subcommands from a
// verb table built from os.Args.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/distr1/gitstore/internal/blocksource"
	"github.com/distr1/gitstore/internal/progress"
	"github.com/distr1/gitstore/internal/reftable"
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func main() {
	verbs := map[string]cmd{
		"dump":    {cmdDump},
		"seek":    {cmdSeek},
		"compact": {cmdCompact},
	}

	args := os.Args[1:]
	verb := "dump"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	c, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "reftable-tool: unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "usage: reftable-tool {dump,seek,compact} [-flags] <args>\n")
		os.Exit(2)
	}
	if err := c.fn(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

func openTable(path string) (*reftable.Table, func() error, error) {
	src, err := blocksource.OpenMmap(path)
	if err != nil {
		return nil, nil, err
	}
	t, err := reftable.Open(src)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return t, src.Close, nil
}

func cmdDump(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: reftable-tool dump <table>")
	}
	t, closeFn, err := openTable(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closeFn()

	fmt.Printf("block_count=%d min_update_index=%d max_update_index=%d\n",
		t.RefBlockCount(), t.MinUpdateIndex(), t.MaxUpdateIndex())

	cur, err := t.SeekToFirst()
	if err != nil {
		return err
	}
	for {
		r, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		dumpRef(r)
	}
	return nil
}

func dumpRef(r reftable.Ref) {
	switch {
	case r.IsTombstone():
		fmt.Printf("%s\tdelete\n", r.Name)
	case r.Kind == reftable.KindSymbolic:
		fmt.Printf("%s\tsymbolic\t%s\n", r.Name, r.Target)
	case r.Kind == reftable.KindPeeledTag:
		fmt.Printf("%s\tpeeled\t%s\t%s\n", r.Name, r.ID, r.Peeled)
	default:
		fmt.Printf("%s\tvalue\t%s\n", r.Name, r.ID)
	}
}

func cmdSeek(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("seek", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: reftable-tool seek <table> <name-or-prefix>")
	}
	t, closeFn, err := openTable(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closeFn()

	cur, err := t.Seek(fs.Arg(1))
	if err != nil {
		return err
	}
	r, ok, err := cur.Next()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("not found")
		return nil
	}
	dumpRef(r)
	return nil
}

func cmdCompact(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	out := fs.String("out", "", "path to write the compacted table to")
	includeDeletes := fs.Bool("include-deletes", false, "keep tombstones in the output")
	oldestReflogTime := fs.Int64("oldest-reflog-time", 0, "drop log entries older than this unix timestamp")
	blockSize := fs.Uint("block-size", reftable.DefaultBlockSize, "output block size")
	fs.Parse(args)
	if *out == "" || fs.NArg() == 0 {
		return fmt.Errorf("usage: reftable-tool compact -out <path> <table>...")
	}

	var tables []*reftable.Table
	var closers []func() error
	defer func() {
		for _, c := range closers {
			c()
		}
	}()
	for _, path := range fs.Args() {
		t, closeFn, err := openTable(path)
		if err != nil {
			return err
		}
		tables = append(tables, t)
		closers = append(closers, closeFn)
	}

	var prog progress.Reporter = progress.Nop{}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		prog = &progress.Sink{}
	}

	prog.Begin("compact", int64(len(tables)))
	var minIdx, maxIdx uint64
	for i, t := range tables {
		if i == 0 || t.MinUpdateIndex() < minIdx {
			minIdx = t.MinUpdateIndex()
		}
		if t.MaxUpdateIndex() > maxIdx {
			maxIdx = t.MaxUpdateIndex()
		}
	}

	w := reftable.NewWriter(uint32(*blockSize))
	w.SetUpdateIndexRange(minIdx, maxIdx)
	opts := reftable.CompactOptions{IncludeDeletes: *includeDeletes, OldestReflogTime: *oldestReflogTime}
	if err := reftable.Compact(tables, w, opts); err != nil {
		return err
	}
	prog.Update(int64(len(tables)))
	prog.End()

	return w.WriteFile(*out, 0644)
}
