package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_ReadAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	content := []byte("memory mapped stripe bytes")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Size() != len(content) {
		t.Fatalf("size = %d, want %d", m.Size(), len(content))
	}
	if string(m.Bytes()) != string(content) {
		t.Fatal("mapped bytes mismatch")
	}

	buf := make([]byte, 6)
	n, err := m.ReadAt(buf, 7)
	if err != nil || n != 6 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if string(buf) != "mapped" {
		t.Fatalf("got %q", buf)
	}

	if _, err := m.ReadAt(buf, int64(len(content))); err != io.EOF {
		t.Fatalf("read past end = %v, want EOF", err)
	}
}

func TestMapAnon(t *testing.T) {
	m, err := MapAnon(1 << 16)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	data := m.Bytes()
	if len(data) != 1<<16 {
		t.Fatalf("len = %d", len(data))
	}

	// Anonymous mappings are writable.
	data[0] = 0xAB
	data[len(data)-1] = 0xCD
	if data[0] != 0xAB || data[len(data)-1] != 0xCD {
		t.Fatal("write not visible")
	}

	if _, err := MapAnon(0); err == nil {
		t.Fatal("zero-size mapping should fail")
	}
}

func TestMapping_CloseIdempotent(t *testing.T) {
	m, err := MapAnon(4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Bytes() != nil {
		t.Fatal("bytes after close should be nil")
	}
}

func TestRegion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	r, err := m.Region(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Bytes()) != "2345" {
		t.Fatalf("got %q", r.Bytes())
	}

	if _, err := m.Region(8, 4); err == nil {
		t.Fatal("out of bounds region should fail")
	}
}
