package reftable

import (
	"golang.org/x/exp/slices"

	"github.com/distr1/gitstore/internal/gitstoreerr"
)

// CompactOptions configures Compact's filtering behavior.
type CompactOptions struct {
	// IncludeDeletes keeps tombstones in the output instead of dropping
	// them; a compaction that spans the whole stack down to its oldest
	// table must drop them, but a partial compaction over a prefix of the
	// stack must keep them so the remaining older tables stay shadowed.
	IncludeDeletes bool
	// OldestReflogTime drops log entries older than this (seconds since
	// epoch); zero disables the filter.
	OldestReflogTime int64
}

// Compact streams the merged view of tables (newest first, as Stack
// expects) into w, applying CompactOptions' tombstone and log-horizon
// filters. Duplicate names across input tables keep only the
// newest-table entry, per the merged-view shadowing rule. The caller is
// responsible for SetUpdateIndexRange and publishing w.
func Compact(tables []*Table, w *Writer, opts CompactOptions) error {
	stack := NewStack(tables, opts.IncludeDeletes)

	mc, err := stack.SeekToFirst()
	if err != nil {
		return err
	}
	for {
		r, ok, err := mc.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := w.AddRef(r); err != nil {
			return gitstoreerr.Wrap(gitstoreerr.InvariantViolated, err, "compacting ref %q", r.Name)
		}
	}

	logs, err := mergeLogs(tables, opts)
	if err != nil {
		return err
	}
	for _, l := range logs {
		if err := w.AddLog(l); err != nil {
			return gitstoreerr.Wrap(gitstoreerr.InvariantViolated, err, "compacting log entry for %q", l.RefName)
		}
	}
	return nil
}

// mergeLogs collects every table's log entries, drops ones older than
// opts.OldestReflogTime, keeps only the newest table's entry for any
// (name, update-index) pair that appears in more than one table, and
// returns the result in the writer's required (name asc, update-index
// desc) order.
func mergeLogs(tables []*Table, opts CompactOptions) ([]LogEntry, error) {
	type key struct {
		name string
		idx  uint64
	}
	seen := make(map[key]bool)
	var out []LogEntry

	// LogEntries is scoped to one ref name at a time; gather the full
	// cross-table name set first so each name is walked once.
	nameSet := map[string]bool{}
	for _, t := range tables {
		for _, loc := range t.logBlocks {
			entries, err := decodeLogBlockNames(t, loc)
			if err != nil {
				return nil, err
			}
			for _, n := range entries {
				nameSet[n] = true
			}
		}
	}

	var orderedNames []string
	for n := range nameSet {
		orderedNames = append(orderedNames, n)
	}
	slices.Sort(orderedNames)

	for _, name := range orderedNames {
		for _, t := range tables {
			entries, err := t.LogEntries(name)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if opts.OldestReflogTime != 0 && e.Committer.Time < opts.OldestReflogTime {
					continue
				}
				k := key{name: e.RefName, idx: e.UpdateIndex}
				if seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// decodeLogBlockNames inflates one log block and returns the distinct ref
// names it mentions, used only to build the cross-table name set mergeLogs
// walks; it does not reconstruct full entries.
func decodeLogBlockNames(t *Table, loc blockLoc) ([]string, error) {
	compressed, err := t.src.ReadAt(int64(loc.offset)+headerSize, int(loc.length)-headerSize)
	if err != nil {
		return nil, err
	}
	hdrBuf, err := t.src.ReadAt(int64(loc.offset), headerSize)
	if err != nil {
		return nil, err
	}
	_, declaredLen, err := decodeBlockHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	_, body, err := inflateLogBodyCounted(compressed, int(declaredLen)-headerSize)
	if err != nil {
		return nil, err
	}
	view, err := parseRefBlockView(blockTypeLog, body)
	if err != nil {
		return nil, err
	}
	entries := view.entries
	chain := &logChain{}
	prevKey := ""
	off := 0
	var names []string
	for off < len(entries) {
		e, consumed, fullKey, err := readLogEntry(entries[off:], prevKey, chain)
		if err != nil {
			return nil, err
		}
		names = append(names, e.RefName)
		off += consumed
		prevKey = fullKey
	}
	return names, nil
}

// SelectForBudget walks tables (newest first) greedily, returning the
// longest prefix whose cumulative on-disk size stays within
// compactBytesLimit. A caller compacts only that prefix, leaving older
// tables untouched, per spec §4.6's compact_bytes_limit knob.
func SelectForBudget(tables []*Table, sizes []int64, compactBytesLimit int64) []*Table {
	if len(tables) != len(sizes) {
		return nil
	}
	var total int64
	for i, sz := range sizes {
		total += sz
		if total > compactBytesLimit {
			return tables[:i]
		}
	}
	return tables
}
