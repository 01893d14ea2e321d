package reftable

import "testing"

func TestStackSeekNewerTableShadowsOlder(t *testing.T) {
	t.Parallel()
	older := buildTable(t, DefaultBlockSize, []Ref{
		NewValueRef("refs/heads/main", mustID(0x01)),
		NewValueRef("refs/heads/stale", mustID(0x09)),
	}, nil)
	newer := buildTable(t, DefaultBlockSize, []Ref{
		NewValueRef("refs/heads/main", mustID(0x02)),
	}, nil)

	stack := NewStack([]*Table{newer, older}, false)

	r, ok, err := stack.Seek("refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || r.ID != mustID(0x02) {
		t.Fatalf("expected newer table's value to shadow older, got %+v ok=%v", r, ok)
	}

	r2, ok2, err := stack.Seek("refs/heads/stale")
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 || r2.ID != mustID(0x09) {
		t.Fatalf("expected fall-through to older table for name only it has, got %+v ok=%v", r2, ok2)
	}
}

func TestStackSeekTombstoneSuppressesName(t *testing.T) {
	t.Parallel()
	older := buildTable(t, DefaultBlockSize, []Ref{
		NewValueRef("refs/heads/main", mustID(0x01)),
	}, nil)
	newer := buildTable(t, DefaultBlockSize, []Ref{
		NewTombstone("refs/heads/main"),
	}, nil)

	stack := NewStack([]*Table{newer, older}, false)
	_, ok, err := stack.Seek("refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected tombstone to suppress the name when IncludeDeletes is false")
	}

	inclusive := NewStack([]*Table{newer, older}, true)
	r, ok2, err := inclusive.Seek("refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}
	if !ok2 || !r.IsTombstone() {
		t.Fatalf("expected tombstone entry returned with IncludeDeletes, got %+v ok=%v", r, ok2)
	}
}

func TestMergedCursorOrdersAndShadowsAcrossTables(t *testing.T) {
	t.Parallel()
	older := buildTable(t, DefaultBlockSize, []Ref{
		NewValueRef("refs/heads/a", mustID(0x01)),
		NewValueRef("refs/heads/b", mustID(0x02)),
		NewValueRef("refs/heads/c", mustID(0x03)),
	}, nil)
	newer := buildTable(t, DefaultBlockSize, []Ref{
		NewValueRef("refs/heads/b", mustID(0x22)),
		NewValueRef("refs/heads/d", mustID(0x44)),
	}, nil)

	stack := NewStack([]*Table{newer, older}, false)
	mc, err := stack.SeekToFirst()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	var ids []ID
	for {
		r, ok, err := mc.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		names = append(names, r.Name)
		ids = append(ids, r.ID)
	}
	wantNames := []string{"refs/heads/a", "refs/heads/b", "refs/heads/c", "refs/heads/d"}
	if len(names) != len(wantNames) {
		t.Fatalf("got names %v, want %v", names, wantNames)
	}
	for i, n := range wantNames {
		if names[i] != n {
			t.Fatalf("position %d: got %q, want %q (full: %v)", i, names[i], n, names)
		}
	}
	if ids[1] != mustID(0x22) {
		t.Fatalf("expected newer table's value 0x22 for refs/heads/b, got %v", ids[1])
	}

	if err := stack.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
