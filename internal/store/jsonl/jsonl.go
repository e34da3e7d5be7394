// Package jsonl implements the append-only JSONL persistence used by all
// registries under <repo_root>/.mu/.
//
// Appends are a single write(2) of one newline-terminated buffer, which is
// atomic for line-sized records on POSIX filesystems. Rewrites (compaction)
// go through a same-directory temp file and rename.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MuDir is the name of the state directory under the repo root.
const MuDir = ".mu"

// Path joins the repo root, the .mu directory, and the given elements.
func Path(repoRoot string, elem ...string) string {
	parts := append([]string{repoRoot, MuDir}, elem...)
	return filepath.Join(parts...)
}

// File is a single-writer JSONL file. Callers serialize access themselves;
// each registry owns exactly one File.
type File struct {
	path string
}

// Open returns a File for the given path, creating parent directories.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &File{path: path}, nil
}

// PathName returns the backing file path.
func (f *File) PathName() string { return f.path }

// Append marshals v and appends it as one line.
func (f *File) Append(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	buf = append(buf, '\n')

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("append %s: %w", f.path, err)
	}
	return nil
}

// Read calls decode for every line. decode receives the raw line; malformed
// lines are skipped so a torn trailing write never poisons a reload.
func (f *File) Read(decode func(line []byte) error) error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		if err := decode(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Rewrite atomically replaces the file with one line per record.
func (f *File) Rewrite(records []any) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		buf, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := w.Write(append(buf, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", f.path, err)
	}
	return nil
}
