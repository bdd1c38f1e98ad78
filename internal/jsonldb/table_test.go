package jsonldb

import (
	"path/filepath"
	"slices"
	"testing"
)

type row struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (r *row) Clone() *row {
	c := *r
	return &c
}

func TestTable(t *testing.T) {
	t.Parallel()

	t.Run("AppendAndReload", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rows.jsonl")
		tbl, err := NewTable[*row](path)
		if err != nil {
			t.Fatalf("NewTable() failed: %v", err)
		}
		if tbl.Len() != 0 {
			t.Fatalf("Len() = %d, want 0", tbl.Len())
		}
		if _, ok := tbl.Last(); ok {
			t.Fatal("Last() on empty table returned a row")
		}

		for i, name := range []string{"a", "b", "c"} {
			if err := tbl.Append(&row{Name: name, Count: i}); err != nil {
				t.Fatalf("Append(%q) failed: %v", name, err)
			}
		}
		last, ok := tbl.Last()
		if !ok || last.Name != "c" {
			t.Fatalf("Last() = %+v, %v", last, ok)
		}

		// A fresh table on the same file sees everything.
		reloaded, err := NewTable[*row](path)
		if err != nil {
			t.Fatalf("NewTable() reload failed: %v", err)
		}
		var names []string
		for r := range reloaded.All() {
			names = append(names, r.Name)
		}
		if !slices.Equal(names, []string{"a", "b", "c"}) {
			t.Fatalf("All() = %v", names)
		}
	})

	t.Run("Find", func(t *testing.T) {
		t.Parallel()
		tbl, err := NewTable[*row](filepath.Join(t.TempDir(), "rows.jsonl"))
		if err != nil {
			t.Fatalf("NewTable() failed: %v", err)
		}
		if err := tbl.Append(&row{Name: "a", Count: 1}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		got, ok := tbl.Find(func(r *row) bool { return r.Name == "a" })
		if !ok || got.Count != 1 {
			t.Fatalf("Find() = %+v, %v", got, ok)
		}
		if _, ok := tbl.Find(func(r *row) bool { return r.Name == "z" }); ok {
			t.Fatal("Find() matched a missing row")
		}
	})

	t.Run("RowsAreIsolated", func(t *testing.T) {
		t.Parallel()
		tbl, err := NewTable[*row](filepath.Join(t.TempDir(), "rows.jsonl"))
		if err != nil {
			t.Fatalf("NewTable() failed: %v", err)
		}
		original := &row{Name: "a", Count: 1}
		if err := tbl.Append(original); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		// Mutating either side must not leak into the other.
		original.Count = 99
		got, _ := tbl.Last()
		if got.Count != 1 {
			t.Fatalf("caller mutation leaked into the table: %+v", got)
		}
		got.Count = 42
		again, _ := tbl.Last()
		if again.Count != 1 {
			t.Fatalf("returned row aliases table storage: %+v", again)
		}
	})

	t.Run("ReplaceRewrites", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "rows.jsonl")
		tbl, err := NewTable[*row](path)
		if err != nil {
			t.Fatalf("NewTable() failed: %v", err)
		}
		for _, name := range []string{"a", "b", "c"} {
			if err := tbl.Append(&row{Name: name}); err != nil {
				t.Fatalf("Append() failed: %v", err)
			}
		}
		if err := tbl.Replace([]*row{{Name: "only"}}); err != nil {
			t.Fatalf("Replace() failed: %v", err)
		}
		if tbl.Len() != 1 {
			t.Fatalf("Len() = %d, want 1", tbl.Len())
		}

		reloaded, err := NewTable[*row](path)
		if err != nil {
			t.Fatalf("NewTable() reload failed: %v", err)
		}
		if reloaded.Len() != 1 {
			t.Fatalf("reloaded Len() = %d, want 1", reloaded.Len())
		}
		got, _ := reloaded.Last()
		if got.Name != "only" {
			t.Fatalf("Last() = %+v", got)
		}
	})
}
