package reftable

import "github.com/distr1/gitstore/internal/gitstoreerr"

// Stack is a merged view over tables ordered newest-first (T0 is newest).
// Reads descend the stack so a newer table's entry always shadows an
// older table's entry of the same name; tombstones suppress the name
// entirely unless IncludeDeletes is set.
type Stack struct {
	tables         []*Table
	includeDeletes bool
}

// NewStack wraps tables (newest first) as a merged view.
func NewStack(tables []*Table, includeDeletes bool) *Stack {
	return &Stack{tables: tables, includeDeletes: includeDeletes}
}

// Seek returns the youngest live ref named name, or ok==false if no table
// has it or the youngest entry is a tombstone (and IncludeDeletes is
// false).
func (s *Stack) Seek(name string) (ref Ref, ok bool, err error) {
	for _, t := range s.tables {
		cur, err := t.Seek(name)
		if err != nil {
			return Ref{}, false, err
		}
		r, found, err := cur.Next()
		if err != nil {
			return Ref{}, false, err
		}
		if !found || r.Name != name {
			continue
		}
		if r.IsTombstone() {
			if s.includeDeletes {
				return r, true, nil
			}
			return Ref{}, false, nil
		}
		return r, true, nil
	}
	return Ref{}, false, nil
}

// mergeCursor is one table's live iteration position within a merge.
type mergeCursor struct {
	table  *Table
	cursor *Cursor
	cur    Ref
	have   bool
	prio   int // lower is newer; used to break name ties
}

// MergedCursor iterates every table in byte-lex name order, with ties
// broken by table priority (newer wins); tombstones are skipped unless
// IncludeDeletes is set.
type MergedCursor struct {
	stack   *Stack
	cursors []*mergeCursor
	lastOut string
	started bool
}

// SeekToFirst returns a cursor over the full merged view.
func (s *Stack) SeekToFirst() (*MergedCursor, error) {
	mc := &MergedCursor{stack: s}
	for i, t := range s.tables {
		c, err := t.SeekToFirst()
		if err != nil {
			return nil, err
		}
		mcur := &mergeCursor{table: t, cursor: c, prio: i}
		if err := mcur.advance(); err != nil {
			return nil, err
		}
		mc.cursors = append(mc.cursors, mcur)
	}
	return mc, nil
}

func (c *mergeCursor) advance() error {
	r, ok, err := c.cursor.Next()
	if err != nil {
		return err
	}
	c.cur, c.have = r, ok
	return nil
}

// Next returns the next live ref in the merged order, or ok==false at end
// of all tables.
func (mc *MergedCursor) Next() (ref Ref, ok bool, err error) {
	for {
		// Find the smallest name among all cursors with pending entries.
		best := -1
		for i, c := range mc.cursors {
			if !c.have {
				continue
			}
			if best == -1 || c.cur.Name < mc.cursors[best].cur.Name ||
				(c.cur.Name == mc.cursors[best].cur.Name && c.prio < mc.cursors[best].prio) {
				best = i
			}
		}
		if best == -1 {
			return Ref{}, false, nil
		}

		winner := mc.cursors[best]
		name := winner.cur.Name
		result := winner.cur

		// Advance every cursor currently positioned on name (the winner,
		// plus any older-table duplicates being shadowed).
		for _, c := range mc.cursors {
			if c.have && c.cur.Name == name {
				if err := c.advance(); err != nil {
					return Ref{}, false, err
				}
			}
		}

		if result.IsTombstone() && !mc.stack.includeDeletes {
			continue
		}
		return result, true, nil
	}
}

// Validate walks the merged view once, failing with InvariantViolated if
// it detects a non-monotonic name sequence (a defensive consistency check
// rather than something normal operation should ever trip).
func (s *Stack) Validate() error {
	mc, err := s.SeekToFirst()
	if err != nil {
		return err
	}
	last := ""
	haveLast := false
	for {
		r, ok, err := mc.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if haveLast && r.Name <= last {
			return gitstoreerr.New(gitstoreerr.InvariantViolated, "merged view produced non-monotonic name %q after %q", r.Name, last)
		}
		last, haveLast = r.Name, true
	}
}
