package jsonl

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

func TestPath(t *testing.T) {
	got := Path("/work/repo", "control-plane", "outbox.jsonl")
	want := filepath.Join("/work/repo", MuDir, "control-plane", "outbox.jsonl")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestAppendRead(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "log.jsonl"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := f.Append(rec{ID: "r", N: i}); err != nil {
			t.Fatal(err)
		}
	}

	var got []rec
	err = f.Read(func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.N != i {
			t.Errorf("record %d has n=%d", i, r.N)
		}
	}
}

func TestReadMissingFile(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	err = f.Read(func([]byte) error {
		t.Fatal("decode called for missing file")
		return nil
	})
	if err != nil {
		t.Errorf("Read on missing file: %v", err)
	}
}

func TestReadSkipsTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.jsonl")
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Append(rec{ID: "ok", N: 1}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-write.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := file.WriteString(`{"id":"torn","n":`); err != nil {
		t.Fatal(err)
	}
	file.Close()

	count := 0
	if err := f.Read(func([]byte) error { count++; return nil }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("read %d records, want 1 (torn line skipped)", count)
	}
}

func TestRewrite(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "compact.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := f.Append(rec{ID: "old", N: i}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.Rewrite([]any{rec{ID: "new", N: 42}}); err != nil {
		t.Fatal(err)
	}

	var got []rec
	err = f.Read(func(line []byte) error {
		var r rec
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" || got[0].N != 42 {
		t.Errorf("after rewrite got %+v, want single {new 42}", got)
	}
}
