package fsutil

import (
	"path/filepath"
	"testing"
)

func TestMemoryFileSystemAppendAndRead(t *testing.T) {
	fs := NewMemoryFileSystem()
	if err := fs.MkdirAll("/logs/type_0", 0o755); err != nil {
		t.Fatal(err)
	}

	f, err := fs.OpenAppend("/logs/type_0/.a.dat")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("AAA")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("BBB")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := fs.ReadFile("/logs/type_0/.a.dat")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "AAABBB" {
		t.Errorf("contents = %q, want AAABBB", data)
	}

	if _, err := f.Write([]byte("X")); err == nil {
		t.Error("write after close succeeded")
	}
}

func TestMemoryFileSystemRename(t *testing.T) {
	fs := NewMemoryFileSystem()
	fs.MkdirAll("/logs", 0o755)
	f, _ := fs.OpenAppend("/logs/.hidden.dat")
	f.Write([]byte("x"))
	f.Close()

	if err := fs.Rename("/logs/.hidden.dat", "/logs/hidden.dat"); err != nil {
		t.Fatal(err)
	}
	if fs.Exists("/logs/.hidden.dat") {
		t.Error("old name still exists after rename")
	}
	if !fs.Exists("/logs/hidden.dat") {
		t.Error("new name missing after rename")
	}

	if err := fs.Rename("/logs/nope", "/logs/x"); err == nil {
		t.Error("rename of missing file succeeded")
	}
}

func TestMemoryFileSystemReadDir(t *testing.T) {
	fs := NewMemoryFileSystem()
	fs.MkdirAll("/logs/type_0", 0o755)
	fs.MkdirAll("/logs/type_0/sub", 0o755)
	for _, name := range []string{"b.dat", "a.dat"} {
		f, _ := fs.OpenAppend(filepath.Join("/logs/type_0", name))
		f.Write([]byte("12345"))
		f.Close()
	}
	f, _ := fs.OpenAppend("/logs/type_0/sub/nested.dat")
	f.Close()

	entries, err := fs.ReadDir("/logs/type_0")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (nested files excluded)", len(entries))
	}
	if entries[0].Name != "a.dat" || entries[1].Name != "b.dat" {
		t.Errorf("entries not sorted: %+v", entries)
	}
	if entries[0].Size != 5 {
		t.Errorf("size = %d, want 5", entries[0].Size)
	}

	if _, err := fs.ReadDir("/missing"); err == nil {
		t.Error("ReadDir on missing dir succeeded")
	}
}

func TestOSFileSystemRoundTrip(t *testing.T) {
	fs := OSFileSystem{}
	dir := t.TempDir()

	if err := fs.MkdirAll(filepath.Join(dir, "logs/type_1"), 0o755); err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "logs/type_1/.f.dat")
	f, err := fs.OpenAppend(name)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("data"))
	if err := f.Sync(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := fs.Rename(name, filepath.Join(dir, "logs/type_1/f.dat")); err != nil {
		t.Fatal(err)
	}
	entries, err := fs.ReadDir(filepath.Join(dir, "logs/type_1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "f.dat" || entries[0].Size != 4 {
		t.Errorf("unexpected listing: %+v", entries)
	}
}
